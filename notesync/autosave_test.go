package notesync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAutosaveSchedulerCoalesces(t *testing.T) {
	var fires atomic.Int32
	scheduler := NewAutosaveScheduler(50*time.Millisecond, func() {
		fires.Add(1)
	})

	for i := 0; i < 10; i += 1 {
		scheduler.Arm()
	}
	assert.Equal(t, true, scheduler.Pending())

	waitFor(t, time.Second, func() bool {
		return fires.Load() == 1
	})
	assert.Equal(t, false, scheduler.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestAutosaveSchedulerRearmResetsWindow(t *testing.T) {
	var fires atomic.Int32
	scheduler := NewAutosaveScheduler(60*time.Millisecond, func() {
		fires.Add(1)
	})

	scheduler.Arm()
	// keep re-arming inside the quiet window
	for i := 0; i < 4; i += 1 {
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(0), fires.Load())
		scheduler.Arm()
	}

	waitFor(t, time.Second, func() bool {
		return fires.Load() == 1
	})
}

func TestAutosaveSchedulerCancel(t *testing.T) {
	var fires atomic.Int32
	scheduler := NewAutosaveScheduler(30*time.Millisecond, func() {
		fires.Add(1)
	})

	scheduler.Arm()
	scheduler.Cancel()
	assert.Equal(t, false, scheduler.Pending())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fires.Load())

	// cancel does not break later arms
	scheduler.Arm()
	waitFor(t, time.Second, func() bool {
		return fires.Load() == 1
	})
}

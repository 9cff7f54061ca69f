package notesync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	list := NewCallbackList[func() int]()

	removeA := list.Add(func() int { return 1 })
	list.Add(func() int { return 2 })
	list.Add(func() int { return 3 })

	values := []int{}
	for _, callback := range list.Get() {
		values = append(values, callback())
	}
	// add order is preserved
	assert.Equal(t, []int{1, 2, 3}, values)

	removeA()
	values = []int{}
	for _, callback := range list.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{2, 3}, values)

	// remove is idempotent
	removeA()
	assert.Equal(t, 2, len(list.Get()))
}

func TestReconnectDelay(t *testing.T) {
	start := time.Now()
	reconnect := NewReconnect(50 * time.Millisecond)
	<-reconnect.After()
	elapsed := time.Since(start)
	assert.Equal(t, true, 40*time.Millisecond <= elapsed)

	// work done since creation counts against the delay
	reconnect = NewReconnect(30 * time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	start = time.Now()
	<-reconnect.After()
	assert.Equal(t, true, time.Since(start) < 20*time.Millisecond)
}

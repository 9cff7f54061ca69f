package notesync

import (
	"sync"
	"time"
)

// AutosaveScheduler debounces local mutations into a single fire. The
// timer is one-shot: Arm cancels any previous timer and schedules a new
// one, so the fire happens only after a full quiet window with no
// further Arm calls.
type AutosaveScheduler struct {
	delay time.Duration
	fire  func()

	mutex   sync.Mutex
	timer   *time.Timer
	pending bool
}

func NewAutosaveScheduler(delay time.Duration, fire func()) *AutosaveScheduler {
	return &AutosaveScheduler{
		delay: delay,
		fire:  fire,
	}
}

// Arm cancels then reschedules the debounce timer.
func (self *AutosaveScheduler) Arm() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.timer != nil {
		self.timer.Stop()
	}
	self.pending = true
	self.timer = time.AfterFunc(self.delay, func() {
		self.mutex.Lock()
		if !self.pending {
			// canceled after the timer fired but before this ran
			self.mutex.Unlock()
			return
		}
		self.pending = false
		self.timer = nil
		self.mutex.Unlock()
		self.fire()
	})
}

func (self *AutosaveScheduler) Cancel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.pending = false
}

// Pending is true iff a debounce timer is currently armed.
func (self *AutosaveScheduler) Pending() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.pending
}

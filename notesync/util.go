package notesync

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type callbackId int64

// CallbackList is a registry of handlers that preserves add order.
// Get returns a snapshot copy so that callers can iterate without
// holding the lock while handlers run.
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    callbackId
	callbacks map[callbackId]T
	order     []callbackId
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[callbackId]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]T, 0, len(self.order))
	for _, id := range self.order {
		out = append(out, self.callbacks[id])
	}
	return out
}

// Add registers the callback and returns a remove function.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1
	self.callbacks[id] = callback
	self.order = append(self.order, id)

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if _, ok := self.callbacks[id]; !ok {
			// already removed
			return
		}
		delete(self.callbacks, id)
		if i := slices.Index(self.order, id); 0 <= i {
			self.order = slices.Delete(slices.Clone(self.order), i, i+1)
		}
	}
}

// Reconnect is a fixed-delay retry helper. There is intentionally no
// backoff and no give-up ceiling. The delay starts when the Reconnect
// is created, so that time spent failing counts against the delay.
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}

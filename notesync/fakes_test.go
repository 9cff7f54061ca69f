package notesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func testSessionSettings() *EditSessionSettings {
	return &EditSessionSettings{
		AutosaveTimeout: 50 * time.Millisecond,
		StatusTimeout:   40 * time.Millisecond,
	}
}

type fakeInvoke struct {
	method string
	args   []any
}

type fakeRealtime struct {
	mutex    sync.Mutex
	state    ConnectionState
	invokes  []fakeInvoke
	handlers map[string]*CallbackList[EventFunction]
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{
		state:    ConnectionStateConnected,
		handlers: map[string]*CallbackList[EventFunction]{},
	}
}

func (self *fakeRealtime) record(method string, args ...any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.invokes = append(self.invokes, fakeInvoke{
		method: method,
		args:   args,
	})
}

func (self *fakeRealtime) Invoke(method string, args ...any) error {
	self.record(method, args...)
	return nil
}

func (self *fakeRealtime) On(target string, handler EventFunction) func() {
	self.mutex.Lock()
	list, ok := self.handlers[target]
	if !ok {
		list = NewCallbackList[EventFunction]()
		self.handlers[target] = list
	}
	self.mutex.Unlock()
	return list.Add(handler)
}

func (self *fakeRealtime) JoinNoteGroup(noteId string) {
	self.record(MethodJoinNoteGroup, noteId)
}

func (self *fakeRealtime) LeaveNoteGroup(noteId string) {
	self.record(MethodLeaveNoteGroup, noteId)
}

func (self *fakeRealtime) JoinUserGroup(userId string) {
	self.record(MethodJoinUserGroup, userId)
}

func (self *fakeRealtime) LeaveUserGroup(userId string) {
	self.record(MethodLeaveUserGroup, userId)
}

func (self *fakeRealtime) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// emit delivers an event to registered handlers the way the receive
// pump would.
func (self *fakeRealtime) emit(target string, payload any) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	self.mutex.Lock()
	list := self.handlers[target]
	self.mutex.Unlock()
	if list == nil {
		return
	}
	for _, handler := range list.Get() {
		handler(payloadBytes)
	}
}

func (self *fakeRealtime) invokeCount(method string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for _, invoke := range self.invokes {
		if invoke.method == method {
			count += 1
		}
	}
	return count
}

func (self *fakeRealtime) noteUpdates() []*NoteUpdate {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	updates := []*NoteUpdate{}
	for _, invoke := range self.invokes {
		if invoke.method == MethodUpdateNoteContent && 2 <= len(invoke.args) {
			if update, ok := invoke.args[1].(*NoteUpdate); ok {
				updates = append(updates, update)
			}
		}
	}
	return updates
}

type fakeNoteStore struct {
	mutex     sync.Mutex
	snapshots map[Id]NoteSnapshot
	attempts  int
	failing   bool

	// when set, Update signals updateStarted then blocks on release
	updateStarted chan struct{}
	release       chan struct{}
}

func newFakeNoteStore() *fakeNoteStore {
	return &fakeNoteStore{
		snapshots: map[Id]NoteSnapshot{},
	}
}

func (self *fakeNoteStore) Get(ctx context.Context, noteId Id) (NoteSnapshot, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshots[noteId], nil
}

func (self *fakeNoteStore) Update(ctx context.Context, noteId Id, snapshot NoteSnapshot) error {
	self.mutex.Lock()
	self.attempts += 1
	failing := self.failing
	updateStarted := self.updateStarted
	release := self.release
	self.mutex.Unlock()

	if updateStarted != nil {
		updateStarted <- struct{}{}
		<-release
	}
	if failing {
		return fmt.Errorf("store unavailable")
	}

	self.mutex.Lock()
	self.snapshots[noteId] = snapshot
	self.mutex.Unlock()
	return nil
}

func (self *fakeNoteStore) setFailing(failing bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failing = failing
}

func (self *fakeNoteStore) attemptCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.attempts
}

func (self *fakeNoteStore) snapshot(noteId Id) NoteSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshots[noteId]
}

type statusRecorder struct {
	mutex    sync.Mutex
	statuses []SessionStatus
}

func (self *statusRecorder) record(status SessionStatus) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.statuses = append(self.statuses, status)
}

func (self *statusRecorder) has(status SessionStatus) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, s := range self.statuses {
		if s == status {
			return true
		}
	}
	return false
}

package notesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrDuplicateTag = errors.New("tag already exists")
var ErrReadOnly = errors.New("note is view only")

// transient, self-clearing status messages. An empty status means the
// indicator cleared.
type SessionStatus string

const (
	StatusNone         SessionStatus = ""
	StatusSaved        SessionStatus = "Saved"
	StatusSaveFailed   SessionStatus = "Save failed"
	StatusErrorSaving  SessionStatus = "Error saving"
	StatusSavedLocally SessionStatus = "Saved locally"
	StatusSynced       SessionStatus = "Synced"
	StatusOffline      SessionStatus = "Offline"
)

type StatusFunction func(status SessionStatus)

type NoteChangeFunction func(snapshot NoteSnapshot)

type EditSessionSettings struct {
	// quiet period of no further edits before an autosave fires
	AutosaveTimeout time.Duration
	// how long transient status indicators stay visible
	StatusTimeout time.Duration
}

func DefaultEditSessionSettings() *EditSessionSettings {
	return &EditSessionSettings{
		AutosaveTimeout: 3 * time.Second,
		StatusTimeout:   3 * time.Second,
	}
}

type editSessionOptions struct {
	// view-mode shared sessions: no local mutation, no broadcast
	readOnly bool
	// tag outgoing events so peers can recognize the sender
	fromCurrentUser bool
	// skip events carrying our own isFromCurrentUser tag
	skipOwnEcho bool
}

// EditSession merges local edits, remote broadcast events, durable-save
// results, and connectivity transitions into one consistent view of the
// note being edited. One session exists per open note editor; all
// transitions are serialized by the session lock, and `saving` is the
// sole mutual exclusion for the durable write path: a save triggered
// while one is in flight is dropped, not queued.
type EditSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	noteId   Id
	store    NoteStore
	client   Realtime
	cache    *OfflineCache
	settings *EditSessionSettings
	log      LogFunction
	opts     editSessionOptions

	autosave *AutosaveScheduler

	mutex       sync.Mutex
	working     NoteSnapshot
	loaded      bool
	dirty       bool
	saving      bool
	offline     bool
	lastSavedAt time.Time
	statusTimer *time.Timer

	readyOnce sync.Once
	ready     chan struct{}

	statusCallbacks *CallbackList[StatusFunction]
	changeCallbacks *CallbackList[NoteChangeFunction]

	removeRemoteHandler func()
}

func NewEditSessionWithDefaults(
	ctx context.Context,
	noteId Id,
	store NoteStore,
	client Realtime,
	cache *OfflineCache,
) *EditSession {
	return NewEditSession(ctx, noteId, store, client, cache, DefaultEditSessionSettings())
}

func NewEditSession(
	ctx context.Context,
	noteId Id,
	store NoteStore,
	client Realtime,
	cache *OfflineCache,
	settings *EditSessionSettings,
) *EditSession {
	return newEditSession(ctx, noteId, store, client, cache, settings, editSessionOptions{})
}

func newEditSession(
	ctx context.Context,
	noteId Id,
	store NoteStore,
	client Realtime,
	cache *OfflineCache,
	settings *EditSessionSettings,
	opts editSessionOptions,
) *EditSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &EditSession{
		ctx:             cancelCtx,
		cancel:          cancel,
		noteId:          noteId,
		store:           store,
		client:          client,
		cache:           cache,
		settings:        settings,
		log:             LogFn(fmt.Sprintf("[sess]%s", noteId)),
		opts:            opts,
		ready:           make(chan struct{}),
		statusCallbacks: NewCallbackList[StatusFunction](),
		changeCallbacks: NewCallbackList[NoteChangeFunction](),
	}
	session.autosave = NewAutosaveScheduler(settings.AutosaveTimeout, session.autosaveFire)
	session.removeRemoteHandler = client.On(EventReceiveNoteUpdate, session.handleRemote)
	client.JoinNoteGroup(noteId.String())
	go session.load()
	return session
}

func (self *EditSession) load() {
	snapshot, err := self.store.Get(self.ctx, self.noteId)

	self.mutex.Lock()
	if err == nil {
		self.working = snapshot
	}
	// edits are accepted once the initial fetch resolves, even if it
	// failed
	self.loaded = true
	self.mutex.Unlock()

	if err != nil {
		glog.Infof("[sess]%s load error = %s\n", self.noteId, err)
	} else {
		self.notifyChange(snapshot)
	}
	self.log("ready")
	self.readyOnce.Do(func() {
		close(self.ready)
	})
}

// Ready is closed once the initial fetch of the note resolves.
func (self *EditSession) Ready() <-chan struct{} {
	return self.ready
}

func (self *EditSession) NoteId() Id {
	return self.noteId
}

func (self *EditSession) Working() NoteSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.working
}

func (self *EditSession) Dirty() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.dirty
}

func (self *EditSession) Saving() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.saving
}

func (self *EditSession) AutosavePending() bool {
	return self.autosave.Pending()
}

func (self *EditSession) Offline() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.offline
}

func (self *EditSession) LastSavedAt() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastSavedAt
}

func (self *EditSession) ReadOnly() bool {
	return self.opts.readOnly
}

func (self *EditSession) ConnectionState() ConnectionState {
	return self.client.State()
}

func (self *EditSession) OnStatus(callback StatusFunction) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *EditSession) OnChange(callback NoteChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *EditSession) SetTitle(title string) error {
	return self.localEdit(func(working *NoteSnapshot) {
		working.Title = title
	})
}

func (self *EditSession) SetContent(content string) error {
	return self.localEdit(func(working *NoteSnapshot) {
		working.Content = content
	})
}

// AddTag rejects duplicates case-insensitively with ErrDuplicateTag so
// the caller can surface feedback. Empty tags are ignored.
func (self *EditSession) AddTag(tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil
	}

	self.mutex.Lock()
	if self.working.HasTag(tag) {
		self.mutex.Unlock()
		return ErrDuplicateTag
	}
	self.mutex.Unlock()

	return self.localEdit(func(working *NoteSnapshot) {
		working.Tags = JoinTags(append(working.TagList(), tag))
	})
}

func (self *EditSession) RemoveTag(tag string) error {
	return self.localEdit(func(working *NoteSnapshot) {
		tags := []string{}
		for _, t := range working.TagList() {
			if !strings.EqualFold(t, tag) {
				tags = append(tags, t)
			}
		}
		working.Tags = JoinTags(tags)
	})
}

// localEdit marks the session dirty, re-arms the debounce timer, and
// broadcasts a keystroke event carrying the full current snapshot.
// Keystroke events are never persisted and never block on network
// success.
func (self *EditSession) localEdit(mutate func(working *NoteSnapshot)) error {
	if self.opts.readOnly {
		return ErrReadOnly
	}

	self.mutex.Lock()
	if !self.loaded {
		self.mutex.Unlock()
		return nil
	}
	mutate(&self.working)
	snapshot := self.working
	self.dirty = true
	offline := self.offline
	self.mutex.Unlock()

	self.autosave.Arm()
	self.notifyChange(snapshot)
	if !offline {
		self.broadcast(snapshot, true)
	}
	return nil
}

func (self *EditSession) broadcast(snapshot NoteSnapshot, isKeystroke bool) {
	if self.opts.readOnly {
		return
	}
	err := self.client.Invoke(MethodUpdateNoteContent, self.noteId.String(), &NoteUpdate{
		NoteId:            self.noteId.String(),
		Title:             snapshot.Title,
		Content:           snapshot.Content,
		Tags:              snapshot.Tags,
		IsKeystroke:       isKeystroke,
		IsFromCurrentUser: self.opts.fromCurrentUser,
	})
	if err != nil {
		// the durable save path is unaffected; data is never lost
		// solely because a broadcast failed
		glog.Infof("[sess]%s broadcast error = %s\n", self.noteId, err)
	}
}

// autosaveFire runs when the debounce window elapses. If a save is
// already in flight this cycle's fire is dropped, not queued: the timer
// is one-shot, so edits made during an in-flight save are only captured
// by a subsequent debounce cycle or a manual save.
func (self *EditSession) autosaveFire() {
	self.mutex.Lock()
	saving := self.saving
	self.mutex.Unlock()
	if saving {
		self.log("autosave fire dropped, save in flight")
		return
	}
	self.save()
}

// Save is the explicit user action. It may run even when the session
// is not dirty as long as an autosave is pending, forcing the armed
// autosave early. It is a no-op while a save is in flight, and when
// neither dirty nor pending holds.
func (self *EditSession) Save() error {
	if self.opts.readOnly {
		return ErrReadOnly
	}

	self.mutex.Lock()
	saving := self.saving
	dirty := self.dirty
	self.mutex.Unlock()

	if saving {
		return nil
	}
	if !dirty && !self.autosave.Pending() {
		return nil
	}
	return self.save()
}

func (self *EditSession) save() error {
	self.mutex.Lock()
	if self.saving {
		self.mutex.Unlock()
		return nil
	}
	self.saving = true
	// capture the freshest snapshot, not one taken at arm time
	snapshot := self.working
	offline := self.offline
	self.mutex.Unlock()
	self.autosave.Cancel()

	if offline {
		err := self.cache.Put(self.noteId, snapshot)
		self.mutex.Lock()
		self.saving = false
		self.mutex.Unlock()
		if err != nil {
			glog.Infof("[sess]%s cache write error = %s\n", self.noteId, err)
			self.setStatus(StatusErrorSaving)
			return err
		}
		self.log("saved to offline cache")
		self.setStatus(StatusSavedLocally)
		return nil
	}

	err := self.store.Update(self.ctx, self.noteId, snapshot)

	self.mutex.Lock()
	self.saving = false
	if err == nil {
		self.dirty = false
		self.lastSavedAt = time.Now()
	}
	self.mutex.Unlock()

	if err != nil {
		glog.Infof("[sess]%s save error = %s\n", self.noteId, err)
		if cacheErr := self.cache.Put(self.noteId, snapshot); cacheErr != nil {
			glog.Infof("[sess]%s cache write error = %s\n", self.noteId, cacheErr)
		}
		self.setStatus(StatusSaveFailed)
		return err
	}

	self.broadcast(snapshot, false)
	if cacheErr := self.cache.Delete(self.noteId); cacheErr != nil {
		glog.Infof("[sess]%s cache delete error = %s\n", self.noteId, cacheErr)
	}
	self.setStatus(StatusSaved)
	return nil
}

// handleRemote applies an incoming broadcast for this note. Keystroke
// updates always replace the working note. A durable-save update is
// suppressed while the session holds unsaved changes: local edits take
// priority over a remote save, which is the entire conflict policy.
func (self *EditSession) handleRemote(payload json.RawMessage) {
	var update NoteUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		glog.Infof("[sess]%s bad remote update = %s\n", self.noteId, err)
		return
	}
	if update.NoteId != self.noteId.String() {
		return
	}
	if self.opts.skipOwnEcho && update.IsFromCurrentUser {
		return
	}

	self.mutex.Lock()
	if !update.IsKeystroke && self.dirty {
		self.mutex.Unlock()
		self.log("suppressed remote save over local unsaved changes")
		return
	}
	self.working = update.Snapshot()
	if !update.IsKeystroke {
		self.dirty = false
	}
	snapshot := self.working
	self.mutex.Unlock()

	self.notifyChange(snapshot)
}

// SetOffline switches between the live and offline code paths. Coming
// back online resynchronizes any cached snapshot with one durable save.
func (self *EditSession) SetOffline(offline bool) {
	self.mutex.Lock()
	was := self.offline
	self.offline = offline
	self.mutex.Unlock()

	if was == offline {
		return
	}
	if offline {
		self.log("offline")
		self.setStatus(StatusOffline)
		return
	}
	self.log("online")
	self.resync()
}

func (self *EditSession) resync() {
	snapshot, ok, err := self.cache.Get(self.noteId)
	if err != nil {
		glog.Infof("[sess]%s cache read error = %s\n", self.noteId, err)
		return
	}
	if !ok {
		return
	}

	self.mutex.Lock()
	if self.saving {
		self.mutex.Unlock()
		return
	}
	self.saving = true
	self.mutex.Unlock()

	err = self.store.Update(self.ctx, self.noteId, snapshot)

	self.mutex.Lock()
	self.saving = false
	if err == nil {
		self.dirty = false
		self.lastSavedAt = time.Now()
	}
	self.mutex.Unlock()

	if err != nil {
		// leave the cache entry intact for the next online transition
		glog.Infof("[sess]%s resync error = %s\n", self.noteId, err)
		return
	}

	self.broadcast(snapshot, false)
	if cacheErr := self.cache.Delete(self.noteId); cacheErr != nil {
		glog.Infof("[sess]%s cache delete error = %s\n", self.noteId, cacheErr)
	}
	self.log("resynced offline cache")
	self.setStatus(StatusSynced)
}

func (self *EditSession) setStatus(status SessionStatus) {
	self.mutex.Lock()
	if self.statusTimer != nil {
		self.statusTimer.Stop()
	}
	self.statusTimer = time.AfterFunc(self.settings.StatusTimeout, func() {
		self.notifyStatus(StatusNone)
	})
	self.mutex.Unlock()
	self.notifyStatus(status)
}

func (self *EditSession) notifyStatus(status SessionStatus) {
	for _, callback := range self.statusCallbacks.Get() {
		callback(status)
	}
}

func (self *EditSession) notifyChange(snapshot NoteSnapshot) {
	for _, callback := range self.changeCallbacks.Get() {
		callback(snapshot)
	}
}

// Close tears down the session. Unsaved changes get a best-effort
// fire-and-forget durable save (or a cache write when offline); the
// editor does not block on the result. The group is left before the
// session stops listening.
func (self *EditSession) Close() {
	self.autosave.Cancel()

	self.mutex.Lock()
	dirty := self.dirty
	offline := self.offline
	snapshot := self.working
	if self.statusTimer != nil {
		self.statusTimer.Stop()
	}
	self.mutex.Unlock()

	if dirty && !self.opts.readOnly {
		if offline {
			if err := self.cache.Put(self.noteId, snapshot); err != nil {
				glog.Infof("[sess]%s cache write error = %s\n", self.noteId, err)
			}
		} else {
			go func() {
				if err := self.store.Update(context.Background(), self.noteId, snapshot); err != nil {
					glog.Infof("[sess]%s unload save error = %s\n", self.noteId, err)
				}
			}()
		}
	}

	if self.removeRemoteHandler != nil {
		self.removeRemoteHandler()
	}
	self.client.LeaveNoteGroup(self.noteId.String())
	self.log("closed")
	self.cancel()
}

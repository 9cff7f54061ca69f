package notesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestSession(t *testing.T) (*EditSession, *fakeNoteStore, *fakeRealtime, *OfflineCache, Id) {
	noteId := NewId()
	store := newFakeNoteStore()
	store.snapshots[noteId] = NoteSnapshot{
		Title:   "seed title",
		Content: "seed content",
		Tags:    "seed",
	}
	client := newFakeRealtime()
	cache := NewOfflineCache(NewMemoryKeyValueStore())

	session := NewEditSession(context.Background(), noteId, store, client, cache, testSessionSettings())
	t.Cleanup(session.Close)
	<-session.Ready()
	return session, store, client, cache, noteId
}

func TestEditSessionJoinsNoteGroup(t *testing.T) {
	session, _, client, _, noteId := newTestSession(t)

	assert.Equal(t, 1, client.invokeCount(MethodJoinNoteGroup))
	assert.Equal(t, noteId, session.NoteId())
	assert.Equal(t, "seed content", session.Working().Content)
	assert.Equal(t, false, session.Dirty())
}

func TestEditSessionDebounceCoalescing(t *testing.T) {
	session, store, client, _, noteId := newTestSession(t)

	session.SetContent("a")
	session.SetContent("ab")
	session.SetContent("abc")

	assert.Equal(t, true, session.Dirty())
	assert.Equal(t, true, session.AutosavePending())

	// one durable save once the quiet window elapses, ending in the
	// durable-save broadcast
	waitFor(t, time.Second, func() bool {
		return store.attemptCount() == 1
	})
	waitFor(t, time.Second, func() bool {
		return len(client.noteUpdates()) == 4
	})

	assert.Equal(t, false, session.Dirty())
	assert.Equal(t, "abc", store.snapshot(noteId).Content)
	assert.Equal(t, false, session.AutosavePending())
	assert.NotEqual(t, time.Time{}, session.LastSavedAt())

	// three keystroke broadcasts plus one save broadcast
	updates := client.noteUpdates()
	assert.Equal(t, 4, len(updates))
	for _, update := range updates[:3] {
		assert.Equal(t, true, update.IsKeystroke)
	}
	assert.Equal(t, false, updates[3].IsKeystroke)

	// no further saves after the window
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, store.attemptCount())
}

func TestEditSessionSaveFailurePopulatesCache(t *testing.T) {
	session, store, _, cache, noteId := newTestSession(t)
	store.setFailing(true)

	recorder := &statusRecorder{}
	session.OnStatus(recorder.record)

	session.SetContent("will fail")

	waitFor(t, time.Second, func() bool {
		return store.attemptCount() == 1
	})
	waitFor(t, time.Second, func() bool {
		return recorder.has(StatusSaveFailed)
	})

	// dirty is left set so the next trigger retries
	assert.Equal(t, true, session.Dirty())
	snapshot, ok, err := cache.Get(noteId)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "will fail", snapshot.Content)

	// next edit retries and succeeds
	store.setFailing(false)
	session.SetContent("recovered")
	waitFor(t, time.Second, func() bool {
		return store.attemptCount() == 2 && !session.Dirty()
	})
	assert.Equal(t, "recovered", store.snapshot(noteId).Content)
	_, ok, _ = cache.Get(noteId)
	assert.Equal(t, false, ok)
}

func TestEditSessionRemoteKeystrokeAppliesOverDirty(t *testing.T) {
	session, _, client, _, noteId := newTestSession(t)

	session.SetContent("local edit")
	assert.Equal(t, true, session.Dirty())

	client.emit(EventReceiveNoteUpdate, &NoteUpdate{
		NoteId:      noteId.String(),
		Title:       "remote title",
		Content:     "remote keystroke",
		Tags:        "remote",
		IsKeystroke: true,
	})

	// keystroke updates replace the working note regardless of dirty
	assert.Equal(t, "remote keystroke", session.Working().Content)
	assert.Equal(t, true, session.Dirty())
}

func TestEditSessionRemoteSaveSuppressedWhileDirty(t *testing.T) {
	session, store, client, _, noteId := newTestSession(t)

	session.SetContent("local edit")

	client.emit(EventReceiveNoteUpdate, &NoteUpdate{
		NoteId:      noteId.String(),
		Content:     "remote save",
		IsKeystroke: false,
	})

	// the remote durable save must not clobber local unsaved work
	assert.Equal(t, "local edit", session.Working().Content)
	assert.Equal(t, true, session.Dirty())

	waitFor(t, time.Second, func() bool {
		return store.attemptCount() == 1 && !session.Dirty()
	})

	// once clean, a remote durable save applies and clears dirty
	client.emit(EventReceiveNoteUpdate, &NoteUpdate{
		NoteId:      noteId.String(),
		Content:     "remote save 2",
		IsKeystroke: false,
	})
	assert.Equal(t, "remote save 2", session.Working().Content)
	assert.Equal(t, false, session.Dirty())
}

func TestEditSessionIgnoresOtherNotes(t *testing.T) {
	session, _, client, _, _ := newTestSession(t)

	client.emit(EventReceiveNoteUpdate, &NoteUpdate{
		NoteId:      NewId().String(),
		Content:     "someone else's note",
		IsKeystroke: true,
	})
	assert.Equal(t, "seed content", session.Working().Content)
}

func TestEditSessionOfflineEditThenOnline(t *testing.T) {
	session, store, client, cache, noteId := newTestSession(t)

	recorder := &statusRecorder{}
	session.OnStatus(recorder.record)

	session.SetOffline(true)
	keystrokesBefore := client.invokeCount(MethodUpdateNoteContent)

	session.SetContent("A")

	waitFor(t, time.Second, func() bool {
		snapshot, ok, _ := cache.Get(noteId)
		return ok && snapshot.Content == "A"
	})
	waitFor(t, time.Second, func() bool {
		return recorder.has(StatusSavedLocally)
	})

	// offline saves skip the store and the broadcast entirely
	assert.Equal(t, 0, store.attemptCount())
	assert.Equal(t, keystrokesBefore, client.invokeCount(MethodUpdateNoteContent))

	session.SetOffline(false)

	// exactly one durable save reflecting the last offline edit
	waitFor(t, time.Second, func() bool {
		return store.attemptCount() == 1
	})
	waitFor(t, time.Second, func() bool {
		return recorder.has(StatusSynced)
	})
	assert.Equal(t, "A", store.snapshot(noteId).Content)
	_, ok, _ := cache.Get(noteId)
	assert.Equal(t, false, ok)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, store.attemptCount())
}

func TestEditSessionResyncFailureKeepsCache(t *testing.T) {
	session, store, _, cache, noteId := newTestSession(t)

	session.SetOffline(true)
	session.SetContent("offline work")
	waitFor(t, time.Second, func() bool {
		_, ok, _ := cache.Get(noteId)
		return ok
	})

	store.setFailing(true)
	session.SetOffline(false)
	waitFor(t, time.Second, func() bool {
		return store.attemptCount() == 1
	})

	// the cache entry stays for the next online transition
	snapshot, ok, _ := cache.Get(noteId)
	assert.Equal(t, true, ok)
	assert.Equal(t, "offline work", snapshot.Content)

	store.setFailing(false)
	session.SetOffline(true)
	session.SetOffline(false)
	waitFor(t, time.Second, func() bool {
		_, ok, _ := cache.Get(noteId)
		return !ok
	})
	assert.Equal(t, "offline work", store.snapshot(noteId).Content)
}

// pins the one-shot debounce behavior: a fire during an in-flight save
// is dropped, so edits made during the save are only captured by a
// later cycle or manual save.
func TestEditSessionSaveInFlightDropsCycle(t *testing.T) {
	session, store, _, _, noteId := newTestSession(t)

	store.mutex.Lock()
	store.updateStarted = make(chan struct{}, 1)
	store.release = make(chan struct{})
	store.mutex.Unlock()

	session.SetContent("one")
	<-store.updateStarted

	// edit while the save is in flight; its debounce cycle fires into
	// the in-flight save and is dropped
	session.SetContent("two")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, store.attemptCount())

	store.mutex.Lock()
	release := store.release
	store.updateStarted = nil
	store.release = nil
	store.mutex.Unlock()
	close(release)

	waitFor(t, time.Second, func() bool {
		return !session.Saving()
	})
	assert.Equal(t, 1, store.attemptCount())
	assert.Equal(t, "one", store.snapshot(noteId).Content)

	// a subsequent edit carries the missed change forward
	session.SetContent("three")
	waitFor(t, time.Second, func() bool {
		return store.attemptCount() == 2
	})
	assert.Equal(t, "three", store.snapshot(noteId).Content)
}

func TestEditSessionManualSave(t *testing.T) {
	session, store, _, _, noteId := newTestSession(t)

	// nothing dirty, nothing pending: disabled
	assert.Equal(t, nil, session.Save())
	assert.Equal(t, 0, store.attemptCount())

	session.SetContent("manual")
	assert.Equal(t, true, session.AutosavePending())
	assert.Equal(t, nil, session.Save())

	assert.Equal(t, 1, store.attemptCount())
	assert.Equal(t, "manual", store.snapshot(noteId).Content)
	assert.Equal(t, false, session.Dirty())
	assert.Equal(t, false, session.AutosavePending())

	// the armed autosave was canceled, no second save
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, store.attemptCount())
}

func TestEditSessionDuplicateTag(t *testing.T) {
	session, _, _, _, _ := newTestSession(t)

	assert.Equal(t, nil, session.AddTag("golang"))
	err := session.AddTag("GoLang")
	assert.Equal(t, true, errors.Is(err, ErrDuplicateTag))

	// empty tags are ignored, not an error
	assert.Equal(t, nil, session.AddTag("   "))
	assert.Equal(t, "seed,golang", session.Working().Tags)

	assert.Equal(t, nil, session.RemoveTag("GOLANG"))
	assert.Equal(t, "seed", session.Working().Tags)
}

func TestEditSessionCloseSavesUnsavedChanges(t *testing.T) {
	session, store, client, _, noteId := newTestSession(t)

	session.SetContent("closing edit")
	session.Close()

	// fire-and-forget unload save
	waitFor(t, time.Second, func() bool {
		return store.snapshot(noteId).Content == "closing edit"
	})
	assert.Equal(t, 1, client.invokeCount(MethodLeaveNoteGroup))
}

func TestEditSessionCloseOfflineWritesCache(t *testing.T) {
	session, store, _, cache, noteId := newTestSession(t)

	session.SetOffline(true)
	session.SetContent("offline closing edit")
	session.Close()

	snapshot, ok, err := cache.Get(noteId)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "offline closing edit", snapshot.Content)
	assert.Equal(t, 0, store.attemptCount())
}

func TestEditSessionStatusClears(t *testing.T) {
	session, _, _, _, _ := newTestSession(t)

	recorder := &statusRecorder{}
	session.OnStatus(recorder.record)

	session.SetContent("status check")
	assert.Equal(t, nil, session.Save())

	waitFor(t, time.Second, func() bool {
		return recorder.has(StatusSaved)
	})
	waitFor(t, time.Second, func() bool {
		return recorder.has(StatusNone)
	})
}

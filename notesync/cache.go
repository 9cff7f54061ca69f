package notesync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// KeyValueStore is the durable key-value scope backing the offline
// cache and the share revocation flags. Any persistent scoped store
// works; entries are small JSON strings.
type KeyValueStore interface {
	Get(key string) (string, bool)
	Set(key string, value string) error
	Delete(key string) error
}

type MemoryKeyValueStore struct {
	mutex  sync.Mutex
	values map[string]string
}

func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{
		values: map[string]string{},
	}
}

func (self *MemoryKeyValueStore) Get(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *MemoryKeyValueStore) Set(key string, value string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values[key] = value
	return nil
}

func (self *MemoryKeyValueStore) Delete(key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.values, key)
	return nil
}

// FileKeyValueStore keeps one file per key under a directory, so
// entries survive process restarts.
type FileKeyValueStore struct {
	dir string
}

func NewFileKeyValueStore(dir string) (*FileKeyValueStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileKeyValueStore{
		dir: dir,
	}, nil
}

func (self *FileKeyValueStore) path(key string) string {
	return filepath.Join(self.dir, key)
}

func (self *FileKeyValueStore) Get(key string) (string, bool) {
	value, err := os.ReadFile(self.path(key))
	if err != nil {
		return "", false
	}
	return string(value), true
}

func (self *FileKeyValueStore) Set(key string, value string) error {
	return os.WriteFile(self.path(key), []byte(value), 0600)
}

func (self *FileKeyValueStore) Delete(key string) error {
	err := os.Remove(self.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func offlineNoteKey(noteId Id) string {
	return fmt.Sprintf("offline-note-%s", noteId)
}

func revokedNoteKey(noteId Id) string {
	return fmt.Sprintf("revoked-note-%s", noteId)
}

// OfflineCache holds the last locally-known snapshot of a note pending
// durable save. An entry is created on save failure or while offline,
// and deleted once a durable save of that snapshot succeeds.
type OfflineCache struct {
	kv KeyValueStore
}

func NewOfflineCache(kv KeyValueStore) *OfflineCache {
	return &OfflineCache{
		kv: kv,
	}
}

func (self *OfflineCache) Put(noteId Id, snapshot NoteSnapshot) error {
	value, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return self.kv.Set(offlineNoteKey(noteId), string(value))
}

func (self *OfflineCache) Get(noteId Id) (NoteSnapshot, bool, error) {
	value, ok := self.kv.Get(offlineNoteKey(noteId))
	if !ok {
		return NoteSnapshot{}, false, nil
	}
	var snapshot NoteSnapshot
	if err := json.Unmarshal([]byte(value), &snapshot); err != nil {
		return NoteSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func (self *OfflineCache) Delete(noteId Id) error {
	return self.kv.Delete(offlineNoteKey(noteId))
}

package notesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HttpNoteStoreSettings struct {
	RequestTimeout time.Duration
}

func DefaultHttpNoteStoreSettings() *HttpNoteStoreSettings {
	return &HttpNoteStoreSettings{
		RequestTimeout: 10 * time.Second,
	}
}

// HttpNoteStore is a NoteStore over the REST API, for clients editing
// notes on a remote service.
type HttpNoteStore struct {
	apiUrl     string
	settings   *HttpNoteStoreSettings
	httpClient *http.Client
}

func NewHttpNoteStoreWithDefaults(apiUrl string) *HttpNoteStore {
	return NewHttpNoteStore(apiUrl, DefaultHttpNoteStoreSettings())
}

func NewHttpNoteStore(apiUrl string, settings *HttpNoteStoreSettings) *HttpNoteStore {
	return &HttpNoteStore{
		apiUrl:   apiUrl,
		settings: settings,
		httpClient: &http.Client{
			Timeout: settings.RequestTimeout,
		},
	}
}

func (self *HttpNoteStore) noteUrl(noteId Id) string {
	return fmt.Sprintf("%s/api/notes/%s", self.apiUrl, noteId)
}

func (self *HttpNoteStore) Get(ctx context.Context, noteId Id) (NoteSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, self.noteUrl(noteId), nil)
	if err != nil {
		return NoteSnapshot{}, err
	}
	res, err := self.httpClient.Do(req)
	if err != nil {
		return NoteSnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return NoteSnapshot{}, ErrNoteNotFound
	}
	if res.StatusCode != http.StatusOK {
		return NoteSnapshot{}, fmt.Errorf("get note: status %d", res.StatusCode)
	}
	var snapshot NoteSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snapshot); err != nil {
		return NoteSnapshot{}, err
	}
	return snapshot, nil
}

func (self *HttpNoteStore) Update(ctx context.Context, noteId Id, snapshot NoteSnapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, self.noteUrl(noteId), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := self.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return ErrNoteNotFound
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("update note: status %d", res.StatusCode)
	}
	return nil
}

package notesync

import (
	"context"
	"errors"
)

var ErrNoteNotFound = errors.New("note not found")

// NoteStore is the durable write path consumed by edit sessions. The
// core holds only an in-memory working copy; the store owns the note.
type NoteStore interface {
	Get(ctx context.Context, noteId Id) (NoteSnapshot, error)
	Update(ctx context.Context, noteId Id, snapshot NoteSnapshot) error
}

// NoteRepository is the full store surface behind the REST API and the
// dashboard.
type NoteRepository interface {
	NoteStore
	GetNote(ctx context.Context, noteId Id) (*Note, error)
	Create(ctx context.Context, note *Note) error
	Delete(ctx context.Context, noteId Id) error
	ListByUser(ctx context.Context, userId Id) ([]*Note, error)
	ListTags(ctx context.Context, userId Id) ([]string, error)
	UpdateOrder(ctx context.Context, orders []NoteOrder) error
}

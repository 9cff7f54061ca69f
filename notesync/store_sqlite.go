package notesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteNoteStore is the durable note store: a sqlite index table plus
// one JSON content file per note under notesDir. The hybrid layout
// keeps large content out of the database row.
type SqliteNoteStore struct {
	db       *sql.DB
	notesDir string
}

func NewSqliteNoteStore(dbPath string, notesDir string) (*SqliteNoteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := os.MkdirAll(notesDir, 0700); err != nil {
		db.Close()
		return nil, err
	}

	store := &SqliteNoteStore{
		db:       db,
		notesDir: notesDir,
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

func (self *SqliteNoteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS notes (
    id TEXT NOT NULL PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '',
    order_value REAL NOT NULL DEFAULT 0,
    file_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id);
`
	_, err := self.db.Exec(schema)
	return err
}

func (self *SqliteNoteStore) Close() error {
	return self.db.Close()
}

type noteContentFile struct {
	Content string `json:"content"`
}

func (self *SqliteNoteStore) contentPath(noteId Id) string {
	return filepath.Join(self.notesDir, fmt.Sprintf("%s.json", noteId))
}

func (self *SqliteNoteStore) writeContent(path string, content string) error {
	value, err := json.Marshal(&noteContentFile{Content: content})
	if err != nil {
		return err
	}
	return os.WriteFile(path, value, 0600)
}

func (self *SqliteNoteStore) readContent(path string) (string, error) {
	value, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoteNotFound
		}
		return "", err
	}
	var file noteContentFile
	if err := json.Unmarshal(value, &file); err != nil {
		return "", err
	}
	return file.Content, nil
}

func (self *SqliteNoteStore) Get(ctx context.Context, noteId Id) (NoteSnapshot, error) {
	note, err := self.GetNote(ctx, noteId)
	if err != nil {
		return NoteSnapshot{}, err
	}
	return note.Snapshot(), nil
}

func (self *SqliteNoteStore) GetNote(ctx context.Context, noteId Id) (*Note, error) {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT user_id, title, tags, order_value, file_path FROM notes WHERE id = ?`,
		noteId.String(),
	)
	var userIdStr string
	var filePath string
	note := &Note{
		Id: noteId,
	}
	err := row.Scan(&userIdStr, &note.Title, &note.Tags, &note.OrderValue, &filePath)
	if err == sql.ErrNoRows {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, err
	}
	if userId, err := ParseId(userIdStr); err == nil {
		note.UserId = userId
	}
	content, err := self.readContent(filePath)
	if err != nil {
		return nil, err
	}
	note.Content = content
	return note, nil
}

func (self *SqliteNoteStore) Update(ctx context.Context, noteId Id, snapshot NoteSnapshot) error {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT file_path FROM notes WHERE id = ?`,
		noteId.String(),
	)
	var filePath string
	if err := row.Scan(&filePath); err != nil {
		if err == sql.ErrNoRows {
			return ErrNoteNotFound
		}
		return err
	}
	if _, err := self.db.ExecContext(
		ctx,
		`UPDATE notes SET title = ?, tags = ? WHERE id = ?`,
		snapshot.Title,
		snapshot.Tags,
		noteId.String(),
	); err != nil {
		return err
	}
	return self.writeContent(filePath, snapshot.Content)
}

func (self *SqliteNoteStore) Create(ctx context.Context, note *Note) error {
	if (note.Id == Id{}) {
		note.Id = NewId()
	}
	filePath := self.contentPath(note.Id)
	if err := self.writeContent(filePath, note.Content); err != nil {
		return err
	}
	_, err := self.db.ExecContext(
		ctx,
		`INSERT INTO notes (id, user_id, title, tags, order_value, file_path) VALUES (?, ?, ?, ?, ?, ?)`,
		note.Id.String(),
		note.UserId.String(),
		note.Title,
		note.Tags,
		note.OrderValue,
		filePath,
	)
	if err != nil {
		os.Remove(filePath)
	}
	return err
}

func (self *SqliteNoteStore) Delete(ctx context.Context, noteId Id) error {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT file_path FROM notes WHERE id = ?`,
		noteId.String(),
	)
	var filePath string
	if err := row.Scan(&filePath); err != nil {
		if err == sql.ErrNoRows {
			return ErrNoteNotFound
		}
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	_, err := self.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, noteId.String())
	return err
}

// ListByUser returns the user's notes ordered by ascending order value.
func (self *SqliteNoteStore) ListByUser(ctx context.Context, userId Id) ([]*Note, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT id, title, tags, order_value, file_path FROM notes WHERE user_id = ? ORDER BY order_value ASC`,
		userId.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := []*Note{}
	for rows.Next() {
		var idStr string
		var filePath string
		note := &Note{
			UserId: userId,
		}
		if err := rows.Scan(&idStr, &note.Title, &note.Tags, &note.OrderValue, &filePath); err != nil {
			return nil, err
		}
		noteId, err := ParseId(idStr)
		if err != nil {
			return nil, err
		}
		note.Id = noteId
		if content, err := self.readContent(filePath); err == nil {
			note.Content = content
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// ListTags returns the distinct trimmed tags across the user's notes,
// in first-seen order.
func (self *SqliteNoteStore) ListTags(ctx context.Context, userId Id) ([]string, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT tags FROM notes WHERE user_id = ? ORDER BY order_value ASC`,
		userId.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	tags := []string{}
	for rows.Next() {
		var joined string
		if err := rows.Scan(&joined); err != nil {
			return nil, err
		}
		for _, tag := range SplitTags(joined) {
			key := strings.ToLower(tag)
			if !seen[key] {
				seen[key] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags, rows.Err()
}

func (self *SqliteNoteStore) UpdateOrder(ctx context.Context, orders []NoteOrder) error {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, order := range orders {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE notes SET order_value = ? WHERE id = ?`,
			order.OrderValue,
			order.NoteId,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

package notesync

import (
	"encoding/json"
	"fmt"
)

// Wire contract between realtime clients and the hub. The JSON field
// names are load bearing: existing clients send and expect exactly
// these shapes.

// hub methods a client can invoke
const (
	MethodJoinNoteGroup     = "JoinNoteGroup"
	MethodLeaveNoteGroup    = "LeaveNoteGroup"
	MethodUpdateNoteContent = "UpdateNoteContent"
	MethodJoinUserGroup     = "JoinUserGroup"
	MethodLeaveUserGroup    = "LeaveUserGroup"
	MethodUpdateNoteOrder   = "UpdateNoteOrder"
)

// events the hub sends to group members
const (
	EventReceiveNoteUpdate  = "ReceiveNoteUpdate"
	EventReceiveOrderUpdate = "ReceiveOrderUpdate"
)

// InvokeFrame is a client->hub message.
type InvokeFrame struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// EventFrame is a hub->client message.
type EventFrame struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// NoteUpdate is the note-edit broadcast payload. IsKeystroke
// distinguishes best-effort in-progress edits from durable-save
// events. IsFromCurrentUser is advisory, used by shared-link sessions
// to skip their own echo.
type NoteUpdate struct {
	NoteId            string `json:"id"`
	Title             string `json:"title"`
	Content           string `json:"content"`
	Tags              string `json:"tags"`
	IsKeystroke       bool   `json:"isKeystroke"`
	IsFromCurrentUser bool   `json:"isFromCurrentUser,omitempty"`
}

func (self *NoteUpdate) Snapshot() NoteSnapshot {
	return NoteSnapshot{
		Title:   self.Title,
		Content: self.Content,
		Tags:    self.Tags,
	}
}

// NoteOrder is one entry of an order broadcast.
type NoteOrder struct {
	NoteId     string  `json:"id"`
	OrderValue float64 `json:"orderValue"`
}

// OrderUpdate is the dashboard-ordering broadcast payload, scoped to
// the user group.
type OrderUpdate struct {
	Orders []NoteOrder `json:"orders"`
	UserId string      `json:"userId"`
}

// NoteGroupName is the broadcast group for one note. The group name is
// the raw note id string.
func NoteGroupName(noteId string) string {
	return noteId
}

// UserGroupName is the broadcast group for one user's dashboard.
func UserGroupName(userId string) string {
	return fmt.Sprintf("user_%s", userId)
}

func EncodeEventFrame(target string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&EventFrame{
		Target:  target,
		Payload: payloadBytes,
	})
}

func EncodeInvokeFrame(method string, args ...any) ([]byte, error) {
	argBytes := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		argBytes = append(argBytes, b)
	}
	return json.Marshal(&InvokeFrame{
		Method: method,
		Args:   argBytes,
	})
}

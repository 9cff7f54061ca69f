package notesync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// The share overlay is a capability model layered on a link for a
// note, enforced only in the client: revocation gates the UI and the
// group join, and the hub performs no authorization of its own. A
// deployment that needs real access control must add a server-side
// check.

var ErrAccessRevoked = errors.New("access to this shared note has been revoked")
var ErrInvalidShareLink = errors.New("invalid share link")

type ShareMode string

const (
	ShareModeView ShareMode = "view"
	ShareModeEdit ShareMode = "edit"
)

// ShareCapability is derived, not stored: note id and mode come from
// the link, the revocation flag from the local key-value scope.
type ShareCapability struct {
	NoteId  Id
	Mode    ShareMode
	Revoked bool
}

// ShareLink encodes the note id and access mode into a shareable url.
func ShareLink(baseUrl string, noteId Id, mode ShareMode) string {
	return fmt.Sprintf("%s/shared/%s?access=%s", strings.TrimSuffix(baseUrl, "/"), noteId, mode)
}

// ParseShareLink extracts the note id and mode from a share link.
// Anything other than access=edit is treated as view.
func ParseShareLink(link string) (Id, ShareMode, error) {
	u, err := url.Parse(link)
	if err != nil {
		return Id{}, ShareModeView, err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "shared" {
		return Id{}, ShareModeView, ErrInvalidShareLink
	}
	noteId, err := ParseId(parts[len(parts)-1])
	if err != nil {
		return Id{}, ShareModeView, ErrInvalidShareLink
	}
	mode := ShareModeView
	if u.Query().Get("access") == string(ShareModeEdit) {
		mode = ShareModeEdit
	}
	return noteId, mode, nil
}

// ShareGuard owns the per-note revocation flags in the durable
// key-value scope.
type ShareGuard struct {
	kv KeyValueStore
}

func NewShareGuard(kv KeyValueStore) *ShareGuard {
	return &ShareGuard{
		kv: kv,
	}
}

func (self *ShareGuard) Revoke(noteId Id) error {
	return self.kv.Set(revokedNoteKey(noteId), "true")
}

func (self *ShareGuard) Reinstate(noteId Id) error {
	return self.kv.Delete(revokedNoteKey(noteId))
}

func (self *ShareGuard) Revoked(noteId Id) bool {
	value, ok := self.kv.Get(revokedNoteKey(noteId))
	return ok && value == "true"
}

func (self *ShareGuard) Capability(noteId Id, mode ShareMode) ShareCapability {
	return ShareCapability{
		NoteId:  noteId,
		Mode:    mode,
		Revoked: self.Revoked(noteId),
	}
}

// NewSharedSession opens an edit session for a share-link holder. A
// revoked capability returns ErrAccessRevoked before any group join is
// attempted, even if a cached copy of the note exists. View mode yields
// a read-only session: mutations return ErrReadOnly and nothing is
// broadcast. Edit mode collaborates fully, tagging outgoing events with
// isFromCurrentUser and skipping its own echo.
func NewSharedSession(
	ctx context.Context,
	capability ShareCapability,
	store NoteStore,
	client Realtime,
	cache *OfflineCache,
	settings *EditSessionSettings,
) (*EditSession, error) {
	if capability.Revoked {
		return nil, ErrAccessRevoked
	}
	opts := editSessionOptions{
		readOnly:        capability.Mode != ShareModeEdit,
		fromCurrentUser: true,
		skipOwnEcho:     true,
	}
	return newEditSession(ctx, capability.NoteId, store, client, cache, settings, opts), nil
}

// SignShareToken produces a tamper-evident form of a share link's
// claims. This hardens the link against mode escalation but remains
// advisory: nothing verifies it at the transport layer.
func SignShareToken(secret []byte, noteId Id, mode ShareMode) (string, error) {
	claims := gojwt.MapClaims{
		"note_id": noteId.String(),
		"mode":    string(mode),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseShareToken(secret []byte, tokenStr string) (Id, ShareMode, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return Id{}, ShareModeView, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return Id{}, ShareModeView, ErrInvalidShareLink
	}

	noteIdStr, ok := claims["note_id"].(string)
	if !ok {
		return Id{}, ShareModeView, ErrInvalidShareLink
	}
	noteId, err := ParseId(noteIdStr)
	if err != nil {
		return Id{}, ShareModeView, ErrInvalidShareLink
	}

	mode := ShareModeView
	if modeStr, ok := claims["mode"].(string); ok && modeStr == string(ShareModeEdit) {
		mode = ShareModeEdit
	}
	return noteId, mode, nil
}

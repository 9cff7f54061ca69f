package notesync

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(*self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// NoteSnapshot is the working copy of a note held by an open editor.
// Tags are comma-joined at every boundary (store, wire, cache).
type NoteSnapshot struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Tags    string `json:"tags"`
}

func (self NoteSnapshot) TagList() []string {
	return SplitTags(self.Tags)
}

// HasTag matches case-insensitively.
func (self NoteSnapshot) HasTag(tag string) bool {
	for _, t := range self.TagList() {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Note is the durable entity owned by the note store.
type Note struct {
	Id         Id      `json:"id"`
	UserId     Id      `json:"userId"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Tags       string  `json:"tags"`
	OrderValue float64 `json:"orderValue"`
}

func (self *Note) Snapshot() NoteSnapshot {
	return NoteSnapshot{
		Title:   self.Title,
		Content: self.Content,
		Tags:    self.Tags,
	}
}

// SplitTags splits a comma-joined tag string, trimming whitespace and
// dropping empty segments.
func SplitTags(tags string) []string {
	out := []string{}
	for _, tag := range strings.Split(tags, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func JoinTags(tags []string) string {
	out := []string{}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	return strings.Join(out, ",")
}

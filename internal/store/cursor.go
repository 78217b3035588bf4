package store

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last (ts, id) pair of a page.
type Cursor struct {
	TS time.Time
	ID uuid.UUID
}

func EncodeCursor(c Cursor) string {
	raw := c.TS.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor returns nil for an empty string.
func DecodeCursor(v string) (*Cursor, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	tsPart, idPart, ok := strings.Cut(string(b), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{TS: ts, ID: id}, nil
}

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	KindMotion  EventKind = "MOTION"
	KindImage   EventKind = "IMAGE"
	KindReading EventKind = "READING"
	KindVitals  EventKind = "VITALS"
)

var AllKinds = []EventKind{KindMotion, KindImage, KindReading, KindVitals}

// ParseKind accepts the upper- or lower-case kind name.
func ParseKind(s string) (EventKind, error) {
	k := EventKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindMotion, KindImage, KindReading, KindVitals:
		return k, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

func (k EventKind) Topic() string { return strings.ToLower(string(k)) }

// Event is immutable once created except for the correlation link.
// Seq is the per-device insertion order used for deterministic tie-breaks.
type Event struct {
	ID            uuid.UUID  `json:"id"`
	DeviceID      string     `json:"device_id"`
	Kind          EventKind  `json:"kind"`
	Timestamp     time.Time  `json:"timestamp"`
	Payload       Payload    `json:"payload"`
	Correlated    bool       `json:"correlated"`
	LinkedEventID *uuid.UUID `json:"linked_event_id,omitempty"`
	Seq           uint64     `json:"seq"`
}

// CorrelationWindow is the asymmetric interval [anchor-Lookback, anchor+Lookahead].
type CorrelationWindow struct {
	Lookback  time.Duration `json:"lookback"`
	Lookahead time.Duration `json:"lookahead"`
}

func (w CorrelationWindow) Contains(anchor, candidate time.Time) bool {
	return !candidate.Before(anchor.Add(-w.Lookback)) && !candidate.After(anchor.Add(w.Lookahead))
}

type KindPair struct {
	Anchor    EventKind
	Candidate EventKind
}

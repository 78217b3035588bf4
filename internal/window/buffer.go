// Package window keeps the recent, time-indexed events of a single device.
//
// A Buffer is not safe for concurrent use; callers serialize access per
// device (see engine partitions).
package window

import (
	"errors"
	"sort"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/google/uuid"
)

var (
	ErrEventNotFound = errors.New("event not in window")
	ErrAlreadyLinked = errors.New("event already correlated")
)

type Buffer struct {
	deviceID  string
	maxEvents int

	// ordered by (Timestamp, Seq)
	events  []*model.Event
	byID    map[uuid.UUID]*model.Event
	lastSeq uint64
}

func NewBuffer(deviceID string, maxEvents int) *Buffer {
	if maxEvents <= 0 {
		maxEvents = 2048
	}
	return &Buffer{deviceID: deviceID, maxEvents: maxEvents, byID: map[uuid.UUID]*model.Event{}}
}

func (b *Buffer) DeviceID() string { return b.deviceID }

func (b *Buffer) Len() int { return len(b.events) }

// NextSeq returns the sequence number the next appended event will get.
func (b *Buffer) NextSeq() uint64 { return b.lastSeq + 1 }

// AdvanceSeq makes sure future sequence numbers are greater than n.
func (b *Buffer) AdvanceSeq(n uint64) {
	if n > b.lastSeq {
		b.lastSeq = n
	}
}

// Append stores a copy of e. A zero Seq is assigned from the buffer counter;
// a non-zero Seq (replayed from storage) advances the counter.
func (b *Buffer) Append(e model.Event) model.Event {
	if e.Seq == 0 {
		e.Seq = b.lastSeq + 1
	}
	if e.Seq > b.lastSeq {
		b.lastSeq = e.Seq
	}
	e.Timestamp = e.Timestamp.UTC()
	if old, ok := b.byID[e.ID]; ok {
		*old = e
		return e
	}

	p := &e
	i := sort.Search(len(b.events), func(i int) bool { return after(b.events[i], p) })
	b.events = append(b.events, nil)
	copy(b.events[i+1:], b.events[i:])
	b.events[i] = p
	b.byID[e.ID] = p

	for len(b.events) > b.maxEvents {
		delete(b.byID, b.events[0].ID)
		b.events = b.events[1:]
	}
	return e
}

func after(x, y *model.Event) bool {
	if x.Timestamp.Equal(y.Timestamp) {
		return x.Seq > y.Seq
	}
	return x.Timestamp.After(y.Timestamp)
}

func (b *Buffer) Get(id uuid.UUID) (model.Event, bool) {
	e, ok := b.byID[id]
	if !ok {
		return model.Event{}, false
	}
	return *e, true
}

// Range returns events with from <= ts <= to, oldest first. An empty kind
// matches every kind. Zero bounds are open.
func (b *Buffer) Range(from, to time.Time, kind model.EventKind) []model.Event {
	start := 0
	if !from.IsZero() {
		start = sort.Search(len(b.events), func(i int) bool { return !b.events[i].Timestamp.Before(from) })
	}
	var out []model.Event
	for _, e := range b.events[start:] {
		if !to.IsZero() && e.Timestamp.After(to) {
			break
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Link cross-links two events. Both must be present and unlinked, otherwise
// neither is modified.
func (b *Buffer) Link(a, c uuid.UUID) error {
	ea, ok := b.byID[a]
	if !ok {
		return ErrEventNotFound
	}
	ec, ok := b.byID[c]
	if !ok {
		return ErrEventNotFound
	}
	if ea.Correlated || ec.Correlated || ea.LinkedEventID != nil || ec.LinkedEventID != nil {
		return ErrAlreadyLinked
	}
	aID, cID := a, c
	ea.Correlated, ea.LinkedEventID = true, &cID
	ec.Correlated, ec.LinkedEventID = true, &aID
	return nil
}

// Prune drops events older than cutoff and returns how many were removed.
func (b *Buffer) Prune(cutoff time.Time) int {
	n := sort.Search(len(b.events), func(i int) bool { return !b.events[i].Timestamp.Before(cutoff) })
	for _, e := range b.events[:n] {
		delete(b.byID, e.ID)
	}
	b.events = b.events[n:]
	return n
}

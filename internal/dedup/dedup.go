// Package dedup drops alerts whose (device, sensor, rule) key already fired
// inside a sliding cool-down window.
package dedup

import (
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"
)

const DefaultWindow = 10 * time.Minute

// HistoryView answers when an alert key was last persisted.
type HistoryView interface {
	LastFired(key model.DedupKey) (time.Time, bool)
}

type Deduplicator struct {
	Window time.Duration
	Now    func() time.Time
}

func New(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{Window: window, Now: time.Now}
}

func (d *Deduplicator) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// ShouldSuppress reports whether candidate repeats a key persisted less than
// Window before now.
func (d *Deduplicator) ShouldSuppress(candidate model.Alert, history HistoryView) bool {
	if history == nil {
		return false
	}
	last, ok := history.LastFired(candidate.Key())
	if !ok {
		return false
	}
	return d.now().Sub(last) < d.Window
}

// History is an in-memory HistoryView. Safe for concurrent use.
type History struct {
	mu    sync.Mutex
	fired map[model.DedupKey]time.Time
}

func NewHistory() *History {
	return &History{fired: map[model.DedupKey]time.Time{}}
}

func (h *History) LastFired(key model.DedupKey) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.fired[key]
	return t, ok
}

// Record keeps the newest fire time per key.
func (h *History) Record(key model.DedupKey, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.fired[key]; ok && cur.After(at) {
		return
	}
	h.fired[key] = at
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

// Prune forgets keys last fired before cutoff.
func (h *History) Prune(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, t := range h.fired {
		if t.Before(cutoff) {
			delete(h.fired, k)
		}
	}
}

// Overlay layers uncommitted fire times over a base view, so alerts accepted
// earlier in the same batch are seen by later candidates.
type Overlay struct {
	Base    HistoryView
	pending map[model.DedupKey]time.Time
}

func (o *Overlay) Add(key model.DedupKey, at time.Time) {
	if o.pending == nil {
		o.pending = map[model.DedupKey]time.Time{}
	}
	o.pending[key] = at
}

func (o *Overlay) LastFired(key model.DedupKey) (time.Time, bool) {
	if t, ok := o.pending[key]; ok {
		return t, true
	}
	if o.Base == nil {
		return time.Time{}, false
	}
	return o.Base.LastFired(key)
}

// Package correlate links an incoming event to the closest unlinked event of a
// complementary kind on the same device.
package correlate

import (
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/google/uuid"
)

// Source is the read side of a device window.
type Source interface {
	Get(id uuid.UUID) (model.Event, bool)
	Range(from, to time.Time, kind model.EventKind) []model.Event
}

// Linker is a Source that can cross-link two events atomically.
type Linker interface {
	Source
	Link(a, b uuid.UUID) error
}

type Correlator struct {
	windows map[model.KindPair]model.CorrelationWindow
}

// DefaultWindows: an image may land up to 10s after the motion that
// triggered it, or up to 5s before.
func DefaultWindows(lookback, lookahead time.Duration) map[model.KindPair]model.CorrelationWindow {
	if lookback <= 0 {
		lookback = 10 * time.Second
	}
	if lookahead <= 0 {
		lookahead = 5 * time.Second
	}
	return map[model.KindPair]model.CorrelationWindow{
		{Anchor: model.KindImage, Candidate: model.KindMotion}: {Lookback: lookback, Lookahead: lookahead},
		{Anchor: model.KindMotion, Candidate: model.KindImage}: {Lookback: lookahead, Lookahead: lookback},
	}
}

func New(windows map[model.KindPair]model.CorrelationWindow) *Correlator {
	w := make(map[model.KindPair]model.CorrelationWindow, len(windows))
	for k, v := range windows {
		w[k] = v
	}
	return &Correlator{windows: w}
}

func (c *Correlator) Window(anchor, candidate model.EventKind) (model.CorrelationWindow, bool) {
	w, ok := c.windows[model.KindPair{Anchor: anchor, Candidate: candidate}]
	return w, ok
}

// CandidateKinds lists the kinds an anchor of kind k may correlate with.
func (c *Correlator) CandidateKinds(k model.EventKind) []model.EventKind {
	var out []model.EventKind
	for _, kind := range model.AllKinds {
		if _, ok := c.windows[model.KindPair{Anchor: k, Candidate: kind}]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// Match picks the closest unlinked candidate without modifying anything.
// Exact ties go to the earliest inserted event.
func (c *Correlator) Match(src Source, anchor model.Event, candidateKind model.EventKind) (*model.Event, bool) {
	if anchor.Correlated || anchor.LinkedEventID != nil {
		return nil, false
	}
	if cur, ok := src.Get(anchor.ID); ok && (cur.Correlated || cur.LinkedEventID != nil) {
		return nil, false
	}
	w, ok := c.Window(anchor.Kind, candidateKind)
	if !ok {
		return nil, false
	}

	from := anchor.Timestamp.Add(-w.Lookback)
	to := anchor.Timestamp.Add(w.Lookahead)

	var best *model.Event
	var bestDiff time.Duration
	for _, e := range src.Range(from, to, candidateKind) {
		if e.ID == anchor.ID || e.DeviceID != anchor.DeviceID || e.Correlated || e.LinkedEventID != nil {
			continue
		}
		d := absDiff(anchor.Timestamp, e.Timestamp)
		if best == nil || d < bestDiff || (d == bestDiff && e.Seq < best.Seq) {
			cand := e
			best, bestDiff = &cand, d
		}
	}
	return best, best != nil
}

// Correlate matches and links in one step. A failed link leaves both events
// untouched and reports no match.
func (c *Correlator) Correlate(buf Linker, anchor model.Event, candidateKind model.EventKind) (*model.Event, bool) {
	m, ok := c.Match(buf, anchor, candidateKind)
	if !ok {
		return nil, false
	}
	if err := buf.Link(anchor.ID, m.ID); err != nil {
		return nil, false
	}
	linked, _ := buf.Get(m.ID)
	return &linked, true
}

func absDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

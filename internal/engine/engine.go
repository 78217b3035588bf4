// Package engine runs the per-device pipeline: append the event, correlate it,
// evaluate rules, drop repeats and persist what survives.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/correlate"
	"github.com/PetoAdam/homenavi/alert-service/internal/dedup"
	"github.com/PetoAdam/homenavi/alert-service/internal/model"
	"github.com/PetoAdam/homenavi/alert-service/internal/rules"
	"github.com/PetoAdam/homenavi/alert-service/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrStorage wraps backing-store failures; callers may retry.
	ErrStorage      = errors.New("storage unavailable")
	ErrKindMismatch = errors.New("payload does not match event kind")
)

// Dispatcher hands persisted alerts to notification delivery. Enqueue must
// not block.
type Dispatcher interface {
	Enqueue(a model.Alert, settings model.TenantSettings) bool
}

// LatestStore caches the newest payload per device and kind.
type LatestStore interface {
	Set(ctx context.Context, deviceID, kind string, payload []byte) error
}

type AlertListener func(model.Alert)

type Options struct {
	Correlator      *correlate.Correlator
	Dedup           *dedup.Deduplicator
	Dispatcher      Dispatcher
	Latest          LatestStore
	Commands        CommandNotifier
	Listeners       []AlertListener
	DefaultSettings model.TenantSettings
	StoreTimeout    time.Duration
	WindowRetention time.Duration
	MaxWindowEvents int
	Now             func() time.Time
}

type Engine struct {
	repo       *store.Repo
	correlator *correlate.Correlator
	dedup      *dedup.Deduplicator
	dispatcher Dispatcher
	latest     LatestStore
	commands   CommandNotifier
	listeners  []AlertListener

	defaultSettings model.TenantSettings
	storeTimeout    time.Duration
	retention       time.Duration
	maxEvents       int
	now             func() time.Time

	mu    sync.RWMutex
	parts map[string]*partition
}

func New(repo *store.Repo, opts Options) *Engine {
	e := &Engine{
		repo:            repo,
		correlator:      opts.Correlator,
		dedup:           opts.Dedup,
		dispatcher:      opts.Dispatcher,
		latest:          opts.Latest,
		commands:        opts.Commands,
		listeners:       opts.Listeners,
		defaultSettings: opts.DefaultSettings,
		storeTimeout:    opts.StoreTimeout,
		retention:       opts.WindowRetention,
		maxEvents:       opts.MaxWindowEvents,
		now:             opts.Now,
		parts:           map[string]*partition{},
	}
	if e.correlator == nil {
		e.correlator = correlate.New(correlate.DefaultWindows(0, 0))
	}
	if e.dedup == nil {
		e.dedup = dedup.New(dedup.DefaultWindow)
	}
	if e.storeTimeout <= 0 {
		e.storeTimeout = 5 * time.Second
	}
	if e.retention <= 0 {
		e.retention = 24 * time.Hour
	}
	if e.maxEvents <= 0 {
		e.maxEvents = 2048
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.defaultSettings.DailyLimitKWh <= 0 {
		e.defaultSettings.DailyLimitKWh = rules.Fallbacks[rules.DailyLimitKWh]
	}
	d := *e.dedup
	if opts.Now != nil || d.Now == nil {
		d.Now = e.now
	}
	e.dedup = &d
	return e
}

// AddListener registers a callback for every persisted alert.
func (e *Engine) AddListener(l AlertListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

type IngestResult struct {
	EventID        uuid.UUID     `json:"event_id"`
	CorrelatedWith *uuid.UUID    `json:"correlated_with,omitempty"`
	Alerts         []model.Alert `json:"alerts"`
}

// IngestEvent appends, correlates and evaluates one event as a single step
// under the device's lock. Nothing is kept in memory unless the storage
// transaction commits.
func (e *Engine) IngestEvent(ctx context.Context, deviceID string, kind model.EventKind, ts time.Time, payload model.Payload) (IngestResult, error) {
	if payload == nil || payload.Kind() != kind {
		return IngestResult{}, ErrKindMismatch
	}
	ctx, span := otel.Tracer("alert-service").Start(ctx, "engine.IngestEvent")
	defer span.End()
	span.SetAttributes(attribute.String("device_id", deviceID), attribute.String("kind", string(kind)))

	if ts.IsZero() {
		ts = e.now()
	}

	p := e.lockPartition(deviceID)
	res, accepted, err := e.ingestLocked(ctx, p, kind, ts.UTC(), payload)
	settings := p.settings
	p.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return IngestResult{}, err
	}

	e.afterCommit(ctx, deviceID, kind, payload, accepted, settings)
	return res, nil
}

func (e *Engine) ingestLocked(ctx context.Context, p *partition, kind model.EventKind, ts time.Time, payload model.Payload) (IngestResult, []model.Alert, error) {
	if err := e.load(ctx, p, kind); err != nil {
		return IngestResult{}, nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	ev := model.Event{
		ID:        uuid.New(),
		DeviceID:  p.deviceID,
		Kind:      kind,
		Timestamp: ts,
		Payload:   payload,
		Seq:       p.buf.NextSeq(),
	}

	var match *model.Event
	for _, ck := range e.correlator.CandidateKinds(kind) {
		if m, ok := e.correlator.Match(p.buf, ev, ck); ok {
			match = m
			break
		}
	}

	snap, extraWatts, err := e.snapshotFor(ctx, p, ev)
	if err != nil {
		return IngestResult{}, nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	candidates := rules.Evaluate(e.ruleContext(p, ts, snap), rules.ForKind(kind))
	for i := range candidates {
		id := ev.ID
		candidates[i].EventID = &id
	}
	accepted := e.filterRepeats(p, candidates)

	rec, err := store.EventRecordFrom(ev)
	if err != nil {
		return IngestResult{}, nil, err
	}
	var linkTo *uuid.UUID
	if match != nil {
		id := match.ID
		linkTo = &id
	}

	photo := intruderPhoto(ev, match, e.now().UTC())

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	err = e.repo.CommitEvent(sctx, &rec, linkTo, alertRecords(withPhoto(accepted, photo)))
	if errors.Is(err, store.ErrLinkConflict) {
		// Another writer linked the candidate first; keep the event unlinked.
		correlations.WithLabelValues("conflict").Inc()
		slog.Warn("correlation lost to concurrent writer", "device_id", p.deviceID, "candidate_id", match.ID)
		p.loaded = false
		match, linkTo, photo = nil, nil, nil
		rec, _ = store.EventRecordFrom(ev)
		err = e.repo.CommitEvent(sctx, &rec, nil, alertRecords(accepted))
	}
	if err != nil {
		return IngestResult{}, nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if p.loaded {
		p.buf.Append(ev)
		if match != nil {
			if err := p.buf.Link(ev.ID, match.ID); err != nil {
				slog.Error("window link diverged from store", "device_id", p.deviceID, "event_id", ev.ID, "error", err)
				p.loaded = false
			}
		}
		p.dailyWatts += extraWatts
	}
	for _, a := range accepted {
		p.history.Record(a.Key(), a.Timestamp)
	}
	accepted = withPhoto(accepted, photo)

	eventsIngested.WithLabelValues(string(kind)).Inc()
	res := IngestResult{EventID: ev.ID, Alerts: accepted}
	if match != nil {
		correlations.WithLabelValues("matched").Inc()
		id := match.ID
		res.CorrelatedWith = &id
		slog.Debug("events correlated", "device_id", p.deviceID, "event_id", ev.ID, "matched_id", match.ID)
	} else if len(e.correlator.CandidateKinds(kind)) > 0 {
		correlations.WithLabelValues("miss").Inc()
	}
	return res, accepted, nil
}

// snapshotFor builds the rule snapshot for ev and returns the watts it adds
// to the daily total.
func (e *Engine) snapshotFor(ctx context.Context, p *partition, ev model.Event) (rules.Snapshot, float64, error) {
	switch pl := ev.Payload.(type) {
	case model.VitalsPayload:
		return rules.Snapshot{Vitals: rules.VitalsFromPayload(pl)}, 0, nil
	case model.MotionPayload:
		m := pl
		return rules.Snapshot{Motion: &m}, 0, nil
	case model.ReadingPayload:
		energy := rules.EnergyFromPayload(pl, p.profile)
		watts := pl.TotalWatts()
		kwh, err := e.dailyKWh(ctx, p, ev.Timestamp, watts)
		if err != nil {
			return rules.Snapshot{}, 0, err
		}
		energy.DailyKWh = &kwh
		for i := range energy.Sensors {
			s := &energy.Sensors[i]
			s.LowCurrentSeconds = lowCurrentSeconds(p.buf, s.Key, ev.Timestamp, s.Amps)
		}
		return rules.Snapshot{Energy: energy}, watts, nil
	}
	return rules.Snapshot{}, 0, nil
}

func (e *Engine) ruleContext(p *partition, at time.Time, snap rules.Snapshot) rules.Context {
	return rules.Context{
		DeviceID:   p.deviceID,
		At:         at,
		Thresholds: p.thresholds,
		Profile:    p.profile,
		Settings:   p.settings,
		Snapshot:   snap,
	}
}

// filterRepeats stamps candidates with the current time and drops those whose
// key fired inside the cool-down, including earlier ones from the same batch.
func (e *Engine) filterRepeats(p *partition, candidates []model.Alert) []model.Alert {
	now := e.now().UTC()
	view := &dedup.Overlay{Base: p.history}
	var out []model.Alert
	for _, a := range candidates {
		a.Timestamp = now
		if e.dedup.ShouldSuppress(a, view) {
			alertsSuppressed.WithLabelValues(a.RuleType).Inc()
			slog.Debug("alert suppressed", "device_id", a.DeviceID, "sensor", a.SensorKey, "rule_type", a.RuleType)
			continue
		}
		view.Add(a.Key(), now)
		out = append(out, a)
	}
	return out
}

func alertRecords(alerts []model.Alert) []store.AlertRecord {
	out := make([]store.AlertRecord, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, store.AlertRecordFrom(a))
	}
	return out
}

// afterCommit runs outside the device lock. Nothing here can fail the
// ingest: the alerts are already stored.
func (e *Engine) afterCommit(ctx context.Context, deviceID string, kind model.EventKind, payload model.Payload, alerts []model.Alert, settings model.TenantSettings) {
	if e.latest != nil && payload != nil {
		if raw, err := jsonBytes(payload); err == nil {
			go func() {
				cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
				defer cancel()
				if err := e.latest.Set(cctx, deviceID, string(kind), raw); err != nil {
					slog.Debug("latest cache write failed", "device_id", deviceID, "error", err)
				}
			}()
		}
	}
	e.publish(alerts, settings)
}

func (e *Engine) publish(alerts []model.Alert, settings model.TenantSettings) {
	if len(alerts) == 0 {
		return
	}
	e.mu.RLock()
	listeners := append([]AlertListener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, a := range alerts {
		alertsFired.WithLabelValues(a.RuleType, string(a.Severity)).Inc()
		slog.Info("alert raised", "device_id", a.DeviceID, "sensor", a.SensorKey, "rule_type", a.RuleType, "severity", a.Severity)
		if e.dispatcher != nil && !e.dispatcher.Enqueue(a, settings) {
			slog.Warn("alert dispatch queue full", "alert_id", a.ID, "device_id", a.DeviceID)
		}
		for _, l := range listeners {
			l(a)
		}
	}
}

// EvaluateRules runs the full catalogue against a caller-supplied snapshot
// and persists the alerts that survive deduplication.
func (e *Engine) EvaluateRules(ctx context.Context, deviceID string, snap rules.Snapshot) ([]model.Alert, error) {
	p := e.lockPartition(deviceID)
	kind := model.KindMotion
	switch {
	case snap.Vitals != nil:
		kind = model.KindVitals
	case snap.Energy != nil:
		kind = model.KindReading
	}
	if err := e.load(ctx, p, kind); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	candidates := rules.Evaluate(e.ruleContext(p, e.now().UTC(), snap), rules.All())
	accepted := e.filterRepeats(p, candidates)

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	err := e.repo.InsertAlerts(sctx, alertRecords(accepted))
	cancel()
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, a := range accepted {
		p.history.Record(a.Key(), a.Timestamp)
	}
	settings := p.settings
	p.mu.Unlock()

	e.publish(accepted, settings)
	return accepted, nil
}

// GetPendingAlerts returns unacknowledged alerts newest first. An empty
// severity filter matches all severities.
func (e *Engine) GetPendingAlerts(ctx context.Context, deviceID string, since time.Time, severities []model.Severity) ([]model.Alert, error) {
	sev := make([]string, 0, len(severities))
	for _, s := range severities {
		sev = append(sev, string(s))
	}
	rows, err := e.repo.PendingAlerts(ctx, deviceID, since, sev, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	out := make([]model.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Model())
	}
	return out, nil
}

// Sweep drops window events and dedup keys that have aged out, and forgets
// devices with nothing left in memory. They reload from storage on next use.
func (e *Engine) Sweep() {
	now := e.now()
	for _, p := range e.partitions() {
		p.mu.Lock()
		if p.loaded {
			p.buf.Prune(now.Add(-e.retention))
			p.history.Prune(now.Add(-e.dedup.Window))
		}
		idle := !p.loaded || (p.buf.Len() == 0 && p.history.Len() == 0)
		if idle {
			p.evicted = true
		}
		p.mu.Unlock()
		if idle {
			e.dropPartition(p)
		}
	}
}

func jsonBytes(p model.Payload) ([]byte, error) { return json.Marshal(p) }

// AcknowledgeAlert marks an alert handled. Acknowledging twice is a no-op;
// an unknown id yields store.ErrNotFound.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id uuid.UUID) (model.Alert, error) {
	rec, err := e.repo.AcknowledgeAlert(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Alert{}, err
	}
	if err != nil {
		return model.Alert{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return rec.Model(), nil
}

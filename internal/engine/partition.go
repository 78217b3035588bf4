package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/dedup"
	"github.com/PetoAdam/homenavi/alert-service/internal/model"
	"github.com/PetoAdam/homenavi/alert-service/internal/rules"
	"github.com/PetoAdam/homenavi/alert-service/internal/store"
	"github.com/PetoAdam/homenavi/alert-service/internal/window"
)

// partition owns all mutable state of one device. Every operation on it runs
// with mu held, so events of one device are handled one at a time while
// other devices proceed in parallel.
type partition struct {
	mu       sync.Mutex
	deviceID string
	loaded   bool
	evicted  bool

	buf        *window.Buffer
	history    *dedup.History
	profile    model.DeviceProfile
	thresholds rules.Thresholds
	settings   model.TenantSettings

	dailyDay   time.Time
	dailyWatts float64
}

func (e *Engine) partition(deviceID string) *partition {
	e.mu.RLock()
	p, ok := e.parts[deviceID]
	e.mu.RUnlock()
	if ok {
		return p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok = e.parts[deviceID]; ok {
		return p
	}
	p = &partition{deviceID: deviceID}
	e.parts[deviceID] = p
	return p
}

// lockPartition returns the device partition with mu held. A partition the
// sweeper evicted meanwhile is dropped and replaced by a fresh one.
func (e *Engine) lockPartition(deviceID string) *partition {
	for {
		p := e.partition(deviceID)
		p.mu.Lock()
		if !p.evicted {
			return p
		}
		p.mu.Unlock()
		e.dropPartition(p)
	}
}

func (e *Engine) dropPartition(p *partition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.parts[p.deviceID]; ok && cur == p {
		delete(e.parts, p.deviceID)
	}
}

func (e *Engine) partitions() []*partition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*partition, 0, len(e.parts))
	for _, p := range e.parts {
		out = append(out, p)
	}
	return out
}

// load warms the partition from storage on first use. Unknown devices are
// registered with the defaults of the domain implied by kind.
func (e *Engine) load(ctx context.Context, p *partition, kind model.EventKind) error {
	if p.loaded {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	rec, err := e.repo.GetDevice(ctx, p.deviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		prof := model.DeviceProfile{DeviceID: p.deviceID, Domain: model.DomainForKind(kind), TenantID: model.DefaultTenant}
		if err := e.registerLocked(ctx, p, prof); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load device: %w", err)
	default:
		p.profile = rec.Model()
	}

	if err := e.reloadThresholds(ctx, p); err != nil {
		return err
	}
	if err := e.reloadSettings(ctx, p); err != nil {
		return err
	}

	now := e.now()
	buf := window.NewBuffer(p.deviceID, e.maxEvents)
	rows, err := e.repo.RecentEvents(ctx, p.deviceID, now.Add(-e.retention), e.maxEvents)
	if err != nil {
		return fmt.Errorf("load window: %w", err)
	}
	for _, r := range rows {
		ev, err := r.Model()
		if err != nil {
			continue
		}
		buf.Append(ev)
	}
	maxSeq, err := e.repo.MaxSeq(ctx, p.deviceID)
	if err != nil {
		return fmt.Errorf("load seq: %w", err)
	}
	buf.AdvanceSeq(uint64(maxSeq))

	hist := dedup.NewHistory()
	recent, err := e.repo.AlertsSince(ctx, p.deviceID, now.Add(-e.dedup.Window))
	if err != nil {
		return fmt.Errorf("load alert history: %w", err)
	}
	for _, a := range recent {
		hist.Record(model.DedupKey{DeviceID: a.DeviceID, SensorKey: a.SensorKey, RuleType: a.RuleType}, a.TS)
	}

	p.buf = buf
	p.history = hist
	p.dailyDay = time.Time{}
	p.dailyWatts = 0
	p.loaded = true
	return nil
}

func (e *Engine) reloadThresholds(ctx context.Context, p *partition) error {
	rows, err := e.repo.ListThresholds(ctx, p.deviceID)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	ts := make([]model.Threshold, 0, len(rows))
	for _, r := range rows {
		ts = append(ts, r.Model())
	}
	p.thresholds = rules.ThresholdsFrom(ts)
	return nil
}

func (e *Engine) reloadSettings(ctx context.Context, p *partition) error {
	tenant := p.profile.TenantID
	if tenant == "" {
		tenant = model.DefaultTenant
	}
	s, err := e.repo.GetOrCreateSettings(ctx, tenant, store.SettingsRecordFrom(e.defaultSettings))
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	p.settings = s.Model()
	return nil
}

// dailyKWh returns the estimate for the UTC day of at, including extraWatts.
func (e *Engine) dailyKWh(ctx context.Context, p *partition, at time.Time, extraWatts float64) (float64, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	if !p.dailyDay.Equal(day) {
		ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
		sum, err := e.repo.SumWattsBetween(ctx, p.deviceID, day, day.Add(24*time.Hour))
		if err != nil {
			return 0, err
		}
		p.dailyDay = day
		p.dailyWatts = sum
	}
	return rules.EstimateKWh(p.dailyWatts + extraWatts), nil
}

// maxStandbyGap bounds the spacing of readings that still count as one
// continuous standby stretch. Devices report every few seconds.
const maxStandbyGap = 30 * time.Second

// lowCurrentSeconds measures how long a channel has stayed in the standby
// band, walking back through earlier readings until one falls outside it or
// the readings are too far apart to vouch for the time between them.
func lowCurrentSeconds(buf *window.Buffer, sensorKey string, at time.Time, amps *float64) *float64 {
	if amps == nil {
		return nil
	}
	zero := 0.0
	if !rules.InStandbyBand(*amps) {
		return &zero
	}
	since := at
	prior := buf.Range(time.Time{}, at, model.KindReading)
	for i := len(prior) - 1; i >= 0; i-- {
		if since.Sub(prior[i].Timestamp) > maxStandbyGap {
			break
		}
		r, ok := prior[i].Payload.(model.ReadingPayload)
		if !ok {
			break
		}
		a := sensorAmps(r, sensorKey)
		if a == nil || !rules.InStandbyBand(*a) {
			break
		}
		since = prior[i].Timestamp
	}
	secs := at.Sub(since).Seconds()
	return &secs
}

func sensorAmps(r model.ReadingPayload, key string) *float64 {
	for _, s := range r.Sensors() {
		if s.Key == key {
			return s.Sample.CurrentAmps
		}
	}
	return nil
}

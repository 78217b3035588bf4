package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"
	"github.com/PetoAdam/homenavi/alert-service/internal/rules"
	"github.com/PetoAdam/homenavi/alert-service/internal/store"

	"gorm.io/datatypes"
)

var ErrInvalidProfile = errors.New("invalid device profile")

// RegisterDevice stores the profile and seeds the domain's default
// thresholds for keys the device does not have yet.
func (e *Engine) RegisterDevice(ctx context.Context, prof model.DeviceProfile) (model.DeviceProfile, error) {
	prof.DeviceID = strings.TrimSpace(prof.DeviceID)
	if prof.DeviceID == "" {
		return model.DeviceProfile{}, fmt.Errorf("%w: device_id required", ErrInvalidProfile)
	}
	switch prof.Domain {
	case model.DomainEnergy, model.DomainHealth, model.DomainSecurity:
	default:
		return model.DeviceProfile{}, fmt.Errorf("%w: unknown domain %q", ErrInvalidProfile, prof.Domain)
	}
	if prof.TenantID == "" {
		prof.TenantID = model.DefaultTenant
	}

	p := e.lockPartition(prof.DeviceID)
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.registerLocked(ctx, p, prof); err != nil {
		return model.DeviceProfile{}, err
	}
	if p.loaded {
		if err := e.reloadThresholds(ctx, p); err != nil {
			return model.DeviceProfile{}, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if err := e.reloadSettings(ctx, p); err != nil {
			return model.DeviceProfile{}, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return p.profile, nil
}

func (e *Engine) registerLocked(ctx context.Context, p *partition, prof model.DeviceProfile) error {
	rec := store.DeviceRecordFrom(prof)
	if err := e.repo.UpsertDevice(ctx, &rec); err != nil {
		return fmt.Errorf("%w: register device: %v", ErrStorage, err)
	}
	defaults := rules.DefaultThresholds(prof.DeviceID, prof.Domain)
	rows := make([]store.ThresholdRecord, 0, len(defaults))
	for _, t := range defaults {
		rows = append(rows, store.ThresholdRecordFrom(t))
	}
	if err := e.repo.SeedThresholds(ctx, rows); err != nil {
		return fmt.Errorf("%w: seed thresholds: %v", ErrStorage, err)
	}
	p.profile = rec.Model()
	return nil
}

// UpsertThreshold replaces the value for (device, type) and refreshes the
// cached set used by rules.
func (e *Engine) UpsertThreshold(ctx context.Context, t model.Threshold) error {
	t.Type = strings.ToUpper(strings.TrimSpace(t.Type))
	if t.DeviceID == "" || t.Type == "" {
		return fmt.Errorf("%w: device_id and threshold_type required", ErrInvalidProfile)
	}
	p := e.lockPartition(t.DeviceID)
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	rec := store.ThresholdRecordFrom(t)
	if err := e.repo.UpsertThreshold(ctx, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if p.loaded {
		if err := e.reloadThresholds(ctx, p); err != nil {
			p.loaded = false
		}
	}
	return nil
}

// SetRestingHR records a calibrated resting heart rate (40-100 BPM).
func (e *Engine) SetRestingHR(ctx context.Context, deviceID string, bpm int) error {
	if bpm < 40 || bpm > 100 {
		return fmt.Errorf("%w: resting heart rate must be between 40 and 100", ErrInvalidProfile)
	}
	p := e.lockPartition(deviceID)
	defer p.mu.Unlock()
	if err := e.repo.SetRestingHR(ctx, deviceID, bpm); err != nil {
		return err
	}
	if p.loaded {
		v := bpm
		p.profile.RestingHR = &v
	}
	return nil
}

// UpdateSettings saves tenant settings and pushes them to loaded devices of
// that tenant.
func (e *Engine) UpdateSettings(ctx context.Context, s model.TenantSettings) (model.TenantSettings, error) {
	if s.TenantID == "" {
		s.TenantID = model.DefaultTenant
	}
	if s.DailyLimitKWh <= 0 {
		s.DailyLimitKWh = e.defaultSettings.DailyLimitKWh
	}
	rec := store.SettingsRecordFrom(s)
	if err := e.repo.SaveSettings(ctx, &rec); err != nil {
		return model.TenantSettings{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	saved := rec.Model()
	for _, p := range e.partitions() {
		p.mu.Lock()
		if p.loaded && p.profile.TenantID == saved.TenantID {
			p.settings = saved
		}
		p.mu.Unlock()
	}
	return saved, nil
}

func (e *Engine) Settings(ctx context.Context, tenantID string) (model.TenantSettings, error) {
	if tenantID == "" {
		tenantID = model.DefaultTenant
	}
	rec, err := e.repo.GetOrCreateSettings(ctx, tenantID, store.SettingsRecordFrom(e.defaultSettings))
	if err != nil {
		return model.TenantSettings{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return rec.Model(), nil
}

const maxQueuedCommands = 32

// CommandNotifier is told when a device has a new queued command.
type CommandNotifier interface {
	NotifyCommand(deviceID string, cmd store.PendingCommand) error
}

// EnqueueCommand adds a command to the device's durable queue.
func (e *Engine) EnqueueCommand(ctx context.Context, deviceID, command string, args []byte, ttl time.Duration) (*store.PendingCommand, error) {
	command = strings.TrimSpace(command)
	if deviceID == "" || command == "" {
		return nil, fmt.Errorf("%w: device_id and command required", ErrInvalidProfile)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := e.now().UTC()
	c := &store.PendingCommand{DeviceID: deviceID, Command: command, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	if len(args) > 0 {
		c.Args = datatypes.JSON(args)
	}
	if err := e.repo.EnqueueCommand(ctx, c, maxQueuedCommands); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if e.commands != nil {
		if err := e.commands.NotifyCommand(deviceID, *c); err != nil {
			slog.Warn("command notify failed", "device_id", deviceID, "command", command, "error", err)
		}
	}
	return c, nil
}

func (e *Engine) NextCommand(ctx context.Context, deviceID string) (*store.PendingCommand, error) {
	c, err := e.repo.ConsumeNextCommand(ctx, deviceID, e.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return c, nil
}

package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) ListThresholds(ctx context.Context, deviceID string) ([]ThresholdRecord, error) {
	var rows []ThresholdRecord
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("threshold_type asc").Find(&rows).Error
	return rows, err
}

// UpsertThreshold replaces the value for (device_id, threshold_type).
func (r *Repo) UpsertThreshold(ctx context.Context, t *ThresholdRecord) error {
	t.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "threshold_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "enabled", "updated_at"}),
	}).Create(t).Error
}

// SeedThresholds inserts defaults without touching keys that already exist.
func (r *Repo) SeedThresholds(ctx context.Context, rows []ThresholdRecord) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range rows {
		rows[i].UpdatedAt = now
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *Repo) GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error) {
	var d DeviceRecord
	if err := r.db.WithContext(ctx).First(&d, "device_id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *Repo) UpsertDevice(ctx context.Context, d *DeviceRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"domain", "name", "tenant_id", "is_athlete", "resting_hr", "sensors", "updated_at"}),
	}).Create(d).Error
}

func (r *Repo) SetRestingHR(ctx context.Context, deviceID string, bpm int) error {
	res := r.db.WithContext(ctx).Model(&DeviceRecord{}).Where("device_id = ?", deviceID).Update("resting_hr", bpm)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrCreateSettings returns the tenant's settings, inserting defaults the
// first time a tenant is seen.
func (r *Repo) GetOrCreateSettings(ctx context.Context, tenantID string, defaults TenantSettingsRecord) (*TenantSettingsRecord, error) {
	defaults.TenantID = tenantID
	defaults.UpdatedAt = time.Now().UTC()
	var out TenantSettingsRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error; err != nil {
			return err
		}
		return tx.First(&out, "tenant_id = ?", tenantID).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Repo) SaveSettings(ctx context.Context, s *TenantSettingsRecord) error {
	s.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(s).Error
}

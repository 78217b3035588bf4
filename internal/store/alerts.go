package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PendingAlerts lists unacknowledged alerts for a device, newest first.
// An empty severities slice matches every severity.
func (r *Repo) PendingAlerts(ctx context.Context, deviceID string, since time.Time, severities []string, limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	q := r.db.WithContext(ctx).Where("acknowledged = ?", false)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	if !since.IsZero() {
		q = q.Where("ts >= ?", since.UTC())
	}
	if len(severities) > 0 {
		q = q.Where("severity IN ?", severities)
	}
	var rows []AlertRecord
	if err := q.Order("ts desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// AlertsSince returns every alert of a device fired at or after since. Used to
// warm dedup history.
func (r *Repo) AlertsSince(ctx context.Context, deviceID string, since time.Time) ([]AlertRecord, error) {
	var rows []AlertRecord
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND ts >= ?", deviceID, since.UTC()).
		Order("ts asc").
		Find(&rows).Error
	return rows, err
}

func (r *Repo) GetAlert(ctx context.Context, id uuid.UUID) (*AlertRecord, error) {
	var a AlertRecord
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// AcknowledgeAlert is idempotent; the first acknowledgment time is kept.
func (r *Repo) AcknowledgeAlert(ctx context.Context, id uuid.UUID) (*AlertRecord, error) {
	var out AlertRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return err
		}
		if out.Acknowledged {
			return nil
		}
		now := time.Now().UTC()
		if err := tx.Model(&AlertRecord{}).Where("id = ?", id).
			Updates(map[string]any{"acknowledged": true, "acknowledged_at": now}).Error; err != nil {
			return err
		}
		out.Acknowledged = true
		out.AcknowledgedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// MarkDelivery records the notification outcome. It never affects whether
// the alert exists.
func (r *Repo) MarkDelivery(ctx context.Context, id uuid.UUID, delivered bool, deliveryErr string) error {
	updates := map[string]any{"delivered": delivered, "delivery_error": deliveryErr}
	if delivered {
		updates["delivered_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&AlertRecord{}).Where("id = ?", id).Updates(updates).Error
}

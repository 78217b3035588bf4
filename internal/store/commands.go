package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EnqueueCommand appends to the device queue, dropping the oldest entries so
// that at most max remain.
func (r *Repo) EnqueueCommand(ctx context.Context, c *PendingCommand, max int) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if max <= 0 {
		max = 32
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&PendingCommand{}).Where("device_id = ?", c.DeviceID).Count(&count).Error; err != nil {
			return err
		}
		if count <= int64(max) {
			return nil
		}
		var drop []uuid.UUID
		if err := tx.Model(&PendingCommand{}).
			Where("device_id = ?", c.DeviceID).
			Order("created_at asc").Order("id asc").
			Limit(int(count)-max).
			Pluck("id", &drop).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", drop).Delete(&PendingCommand{}).Error
	})
}

// ConsumeNextCommand removes and returns the oldest unexpired command, or
// nil when the queue is empty.
func (r *Repo) ConsumeNextCommand(ctx context.Context, deviceID string, now time.Time) (*PendingCommand, error) {
	var c PendingCommand
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ? AND expires_at > ?", deviceID, now.UTC()).
			Order("created_at asc").Order("id asc").
			First(&c).Error; err != nil {
			return err
		}
		return tx.Delete(&PendingCommand{}, "id = ?", c.ID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repo) CountCommands(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&PendingCommand{}).Where("device_id = ?", deviceID).Count(&n).Error
	return n, err
}

func (r *Repo) PruneExpiredCommands(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&PendingCommand{})
	return res.RowsAffected, res.Error
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrLinkConflict = errors.New("event already correlated")
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&EventRecord{}, &AlertRecord{}, &ThresholdRecord{}, &DeviceRecord{}, &TenantSettingsRecord{}, &PendingCommand{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// Ping checks the underlying connection.
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CommitEvent stores an event, its optional correlation link and the alerts
// it produced in one transaction. When linkTo is set the counterpart row is
// only updated if it is still unlinked; otherwise nothing is written and
// ErrLinkConflict is returned.
func (r *Repo) CommitEvent(ctx context.Context, ev *EventRecord, linkTo *uuid.UUID, alerts []AlertRecord) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}
	if linkTo != nil {
		other := *linkTo
		ev.Correlated = true
		ev.LinkedEventID = &other
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		if linkTo != nil {
			res := tx.Model(&EventRecord{}).
				Where("id = ? AND device_id = ? AND correlated = ?", *linkTo, ev.DeviceID, false).
				Updates(map[string]any{"correlated": true, "linked_event_id": ev.ID})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return ErrLinkConflict
			}
		}
		return insertAlerts(tx, alerts)
	})
}

// InsertAlerts persists alerts atomically.
func (r *Repo) InsertAlerts(ctx context.Context, alerts []AlertRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertAlerts(tx, alerts)
	})
}

func insertAlerts(tx *gorm.DB, alerts []AlertRecord) error {
	if len(alerts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range alerts {
		if alerts[i].ID == uuid.Nil {
			alerts[i].ID = uuid.New()
		}
		if alerts[i].TS.IsZero() {
			alerts[i].TS = now
		}
	}
	return tx.Create(&alerts).Error
}

func (r *Repo) GetEvent(ctx context.Context, id uuid.UUID) (*EventRecord, error) {
	var ev EventRecord
	if err := r.db.WithContext(ctx).First(&ev, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// RecentEvents returns a device's events with ts >= since, oldest first.
func (r *Repo) RecentEvents(ctx context.Context, deviceID string, since time.Time, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 2048
	}
	var rows []EventRecord
	q := r.db.WithContext(ctx).
		Where("device_id = ? AND ts >= ?", deviceID, since.UTC()).
		Order("ts desc").Order("seq desc").
		Limit(limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (r *Repo) MaxSeq(ctx context.Context, deviceID string) (int64, error) {
	var seq int64
	err := r.db.WithContext(ctx).Model(&EventRecord{}).
		Where("device_id = ?", deviceID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&seq).Error
	return seq, err
}

// SumWattsBetween adds up total_watts of READING events with from <= ts < to.
func (r *Repo) SumWattsBetween(ctx context.Context, deviceID string, from, to time.Time) (float64, error) {
	var sum float64
	err := r.db.WithContext(ctx).Model(&EventRecord{}).
		Where("device_id = ? AND kind = ? AND ts >= ? AND ts < ?", deviceID, "READING", from.UTC(), to.UTC()).
		Select("COALESCE(SUM(total_watts), 0)").
		Scan(&sum).Error
	return sum, err
}

type EventPage struct {
	Events     []EventRecord `json:"events"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func (r *Repo) ListEvents(ctx context.Context, deviceID string, from, to time.Time, kind string, limit int, cursor *Cursor, desc bool) (EventPage, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID},
	}
	if kind != "" {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: "kind"}, Value: kind})
	}
	if !from.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "ts"}, Value: from.UTC()})
	}
	if !to.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "ts"}, Value: to.UTC()})
	}
	if cursor != nil {
		exprs = append(exprs, afterCursor(cursor, desc))
	}

	var rows []EventRecord
	q := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, orderTSID(desc)).Limit(limit + 1)
	if err := q.Find(&rows).Error; err != nil {
		return EventPage{}, err
	}

	out := EventPage{Events: rows}
	if len(rows) > limit {
		last := rows[limit-1]
		out.Events = rows[:limit]
		out.NextCursor = EncodeCursor(Cursor{TS: last.TS, ID: last.ID})
	}
	return out, nil
}

func afterCursor(c *Cursor, desc bool) clause.Expression {
	if desc {
		return clause.Or(
			clause.Lt{Column: clause.Column{Name: "ts"}, Value: c.TS},
			clause.And(
				clause.Eq{Column: clause.Column{Name: "ts"}, Value: c.TS},
				clause.Lt{Column: clause.Column{Name: "id"}, Value: c.ID},
			),
		)
	}
	return clause.Or(
		clause.Gt{Column: clause.Column{Name: "ts"}, Value: c.TS},
		clause.And(
			clause.Eq{Column: clause.Column{Name: "ts"}, Value: c.TS},
			clause.Gt{Column: clause.Column{Name: "id"}, Value: c.ID},
		),
	)
}

func orderTSID(desc bool) clause.OrderBy {
	return clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "ts"}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: desc},
	}}
}

// DeleteEventsBefore is the retention sweep. Alerts are kept.
func (r *Repo) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("ts < ?", cutoff.UTC()).Delete(&EventRecord{})
	return res.RowsAffected, res.Error
}

package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EventRecord is the durable copy of an ingested event.
type EventRecord struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID      string         `gorm:"not null;index:idx_events_device_ts,priority:1" json:"device_id"`
	TS            time.Time      `gorm:"not null;index:idx_events_device_ts,priority:2" json:"ts"`
	Kind          string         `gorm:"not null" json:"kind"`
	Seq           int64          `gorm:"not null" json:"seq"`
	Payload       datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	Correlated    bool           `gorm:"not null;default:false" json:"correlated"`
	LinkedEventID *uuid.UUID     `gorm:"type:uuid;index:idx_events_linked" json:"linked_event_id,omitempty"`
	TotalWatts    float64        `gorm:"not null;default:0" json:"total_watts"`
	IngestedAt    time.Time      `json:"ingested_at"`
}

func (EventRecord) TableName() string { return "telemetry_events" }

type AlertRecord struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID       string         `gorm:"not null;index:idx_alerts_device_ts,priority:1;index:idx_alerts_key,priority:1" json:"device_id"`
	SensorKey      string         `gorm:"not null;index:idx_alerts_key,priority:2" json:"sensor_key"`
	RuleType       string         `gorm:"not null;index:idx_alerts_key,priority:3" json:"rule_type"`
	Severity       string         `gorm:"not null" json:"severity"`
	Message        string         `gorm:"not null" json:"message"`
	Snapshot       datatypes.JSON `gorm:"type:jsonb" json:"snapshot"`
	TS             time.Time      `gorm:"not null;index:idx_alerts_device_ts,priority:2;index:idx_alerts_key,priority:4" json:"ts"`
	EventID        *uuid.UUID     `gorm:"type:uuid" json:"event_id,omitempty"`
	Acknowledged   bool           `gorm:"not null;default:false" json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Delivered      bool           `gorm:"not null;default:false" json:"delivered"`
	DeliveryError  string         `json:"delivery_error,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (AlertRecord) TableName() string { return "alerts" }

// ThresholdRecord holds at most one row per (device_id, threshold_type).
type ThresholdRecord struct {
	DeviceID  string    `gorm:"primaryKey" json:"device_id"`
	Type      string    `gorm:"primaryKey;column:threshold_type" json:"threshold_type"`
	Value     float64   `gorm:"not null" json:"value"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ThresholdRecord) TableName() string { return "device_thresholds" }

type DeviceRecord struct {
	DeviceID  string         `gorm:"primaryKey" json:"device_id"`
	Domain    string         `gorm:"not null" json:"domain"`
	Name      string         `json:"name"`
	TenantID  string         `gorm:"not null;index" json:"tenant_id"`
	IsAthlete bool           `gorm:"not null;default:false" json:"is_athlete"`
	RestingHR *int           `json:"resting_hr,omitempty"`
	Sensors   datatypes.JSON `gorm:"type:jsonb" json:"sensors"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (DeviceRecord) TableName() string { return "devices" }

type TenantSettingsRecord struct {
	TenantID         string    `gorm:"primaryKey" json:"tenant_id"`
	EmergencyPhone   string    `json:"emergency_phone"`
	TelegramChatID   string    `json:"telegram_chat_id"`
	TelegramBotToken string    `json:"-"`
	TelegramActive   bool      `gorm:"not null;default:false" json:"telegram_active"`
	EmailTo          string    `json:"email_to"`
	DailyLimitKWh    float64   `gorm:"not null;default:20" json:"daily_limit_kwh"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (TenantSettingsRecord) TableName() string { return "tenant_settings" }

// PendingCommand is a queued instruction for a device, consumed oldest first.
type PendingCommand struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID  string         `gorm:"not null;index:idx_commands_device_created,priority:1" json:"device_id"`
	Command   string         `gorm:"not null" json:"command"`
	Args      datatypes.JSON `gorm:"type:jsonb" json:"args,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index:idx_commands_device_created,priority:2" json:"created_at"`
	ExpiresAt time.Time      `gorm:"not null;index:idx_commands_expires_at" json:"expires_at"`
}

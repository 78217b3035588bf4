package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
	SeverityDanger   Severity = "DANGER"
)

func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case SeverityInfo, SeverityWarning, SeverityCritical, SeverityDanger:
		return v, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Alert is created by rule evaluation and may be dropped by the deduplicator
// before it is persisted. Snapshot is a copy of the values that triggered it.
type Alert struct {
	ID           uuid.UUID      `json:"id"`
	DeviceID     string         `json:"device_id"`
	SensorKey    string         `json:"sensor_key"`
	RuleType     string         `json:"rule_type"`
	Severity     Severity       `json:"severity"`
	Message      string         `json:"message"`
	Snapshot     map[string]any `json:"snapshot,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Acknowledged bool           `json:"acknowledged"`
	EventID      *uuid.UUID     `json:"event_id,omitempty"`
}

type DedupKey struct {
	DeviceID  string
	SensorKey string
	RuleType  string
}

func (a Alert) Key() DedupKey {
	return DedupKey{DeviceID: a.DeviceID, SensorKey: a.SensorKey, RuleType: a.RuleType}
}

// SnapshotImagePath is the snapshot key holding a linked camera image.
const SnapshotImagePath = "image_path"

// ImagePath returns the linked camera image, if the alert has one.
func (a Alert) ImagePath() string {
	s, _ := a.Snapshot[SnapshotImagePath].(string)
	return s
}

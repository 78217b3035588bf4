package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/engine"
	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/prometheus/client_golang/prometheus"
)

const DefaultPrefix = "homenavi/telemetry/"

var ErrNotATelemetryTopic = errors.New("not a telemetry topic")

var eventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "alert_service_events_rejected_total",
	Help: "Telemetry messages rejected before ingestion",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(eventsRejected)
}

// Sink is the engine operation the ingestor feeds.
type Sink interface {
	IngestEvent(ctx context.Context, deviceID string, kind model.EventKind, ts time.Time, payload model.Payload) (engine.IngestResult, error)
}

type Ingestor struct {
	Sink         Sink
	Validator    *Validator
	Prefix       string
	AllowRetains bool
}

type MQTTMessage interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

// SubscriptionTopic is the wildcard covering every kind and device.
func (i *Ingestor) SubscriptionTopic() string {
	return strings.TrimSuffix(i.prefix(), "/") + "/+/#"
}

func (i *Ingestor) prefix() string {
	if i.Prefix == "" {
		return DefaultPrefix
	}
	if !strings.HasSuffix(i.Prefix, "/") {
		return i.Prefix + "/"
	}
	return i.Prefix
}

func (i *Ingestor) HandleMessage(ctx context.Context, msg MQTTMessage, receivedAt time.Time) {
	topic := msg.Topic()
	if msg.Retained() && !i.AllowRetains {
		slog.Debug("telemetry ingest ignoring retained", "topic", topic)
		return
	}

	kind, deviceID, err := ParseTopic(i.prefix(), topic)
	if err != nil {
		if !errors.Is(err, ErrNotATelemetryTopic) {
			eventsRejected.WithLabelValues("topic").Inc()
			slog.Warn("telemetry topic parse failed", "topic", topic, "error", err)
		}
		return
	}

	body, ts, err := splitTimestamp(msg.Payload())
	if err != nil {
		eventsRejected.WithLabelValues("payload").Inc()
		slog.Warn("telemetry payload rejected", "topic", topic, "device_id", deviceID, "error", err)
		return
	}
	if ts.IsZero() {
		ts = receivedAt
	}
	payload, err := i.Validator.Validate(kind, body)
	if err != nil {
		eventsRejected.WithLabelValues("payload").Inc()
		slog.Warn("telemetry payload rejected", "topic", topic, "device_id", deviceID, "error", err)
		return
	}

	res, err := i.Sink.IngestEvent(ctx, deviceID, kind, ts, payload)
	if err != nil {
		eventsRejected.WithLabelValues("storage").Inc()
		slog.Error("telemetry ingest failed", "topic", topic, "device_id", deviceID, "error", err)
		return
	}
	slog.Debug("telemetry ingested", "device_id", deviceID, "kind", kind, "event_id", res.EventID, "alerts", len(res.Alerts))
}

// ParseTopic splits <prefix><kind>/<device_id>. Device ids may contain
// slashes. The command sub-tree is not telemetry.
func ParseTopic(prefix, topic string) (model.EventKind, string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasPrefix(topic, prefix) {
		return "", "", ErrNotATelemetryTopic
	}
	rest := strings.TrimPrefix(topic, prefix)
	kindPart, deviceID, _ := strings.Cut(rest, "/")
	if kindPart == "command" {
		return "", "", ErrNotATelemetryTopic
	}
	kind, err := model.ParseKind(kindPart)
	if err != nil {
		return "", "", err
	}
	deviceID = strings.Trim(deviceID, "/")
	if deviceID == "" {
		return "", "", errors.New("empty device id")
	}
	return kind, deviceID, nil
}

// splitTimestamp removes the optional "ts" (unix millis) from an MQTT body.
func splitTimestamp(raw []byte) ([]byte, time.Time, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, time.Time{}, &ValidationError{Field: "payload", Reason: "malformed json"}
	}
	tsRaw, ok := fields["ts"]
	if !ok {
		return raw, time.Time{}, nil
	}
	var ms float64
	if err := json.Unmarshal(tsRaw, &ms); err != nil || ms <= 0 {
		return nil, time.Time{}, &ValidationError{Field: "ts", Reason: "must be unix milliseconds"}
	}
	delete(fields, "ts")
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, time.Time{}, err
	}
	return body, time.UnixMilli(int64(ms)).UTC(), nil
}

// Request is the HTTP ingestion body.
type Request struct {
	DeviceID  string          `json:"device_id"`
	Kind      string          `json:"kind"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type Parsed struct {
	DeviceID  string
	Kind      model.EventKind
	Timestamp time.Time
	Payload   model.Payload
}

// Parse validates the envelope and its payload. A zero Timestamp means the
// caller should use the receive time.
func (v *Validator) Parse(r Request) (Parsed, error) {
	deviceID := strings.TrimSpace(r.DeviceID)
	if deviceID == "" {
		return Parsed{}, &ValidationError{Field: "device_id", Reason: "required"}
	}
	kind, err := model.ParseKind(r.Kind)
	if err != nil {
		return Parsed{}, &ValidationError{Field: "kind", Reason: fmt.Sprintf("must be one of motion, image, reading, vitals (got %q)", r.Kind)}
	}
	payload, err := v.Validate(kind, r.Payload)
	if err != nil {
		return Parsed{}, err
	}
	out := Parsed{DeviceID: deviceID, Kind: kind, Payload: payload}
	if r.Timestamp != nil {
		out.Timestamp = r.Timestamp.UTC()
	}
	return out, nil
}

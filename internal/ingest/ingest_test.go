package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/engine"
	"github.com/PetoAdam/homenavi/alert-service/internal/model"
	"github.com/PetoAdam/homenavi/alert-service/internal/rules"

	"github.com/google/uuid"
)

type fakeMsg struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMsg) Topic() string   { return m.topic }
func (m fakeMsg) Payload() []byte { return m.payload }
func (m fakeMsg) Retained() bool  { return m.retained }

type call struct {
	deviceID string
	kind     model.EventKind
	ts       time.Time
	payload  model.Payload
}

type fakeSink struct {
	calls []call
	err   error
}

func (f *fakeSink) IngestEvent(_ context.Context, deviceID string, kind model.EventKind, ts time.Time, payload model.Payload) (engine.IngestResult, error) {
	f.calls = append(f.calls, call{deviceID, kind, ts, payload})
	return engine.IngestResult{EventID: uuid.New()}, f.err
}

func newIngestor(t *testing.T) (*Ingestor, *fakeSink) {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	sink := &fakeSink{}
	return &Ingestor{Sink: sink, Validator: v, Prefix: "homenavi/telemetry/"}, sink
}

const motionBody = `{"detection_confidence":0.8,"pir":{"left":false,"middle":true,"right":false},"network_status":"online"}`

func TestParseTopic(t *testing.T) {
	kind, id, err := ParseTopic("homenavi/telemetry/", "homenavi/telemetry/vitals/watch/7")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if kind != model.KindVitals || id != "watch/7" {
		t.Fatalf("got %s %q", kind, id)
	}
	if _, _, err := ParseTopic("homenavi/telemetry/", "homenavi/hdp/device/state/x"); !errors.Is(err, ErrNotATelemetryTopic) {
		t.Fatalf("expected ErrNotATelemetryTopic, got %v", err)
	}
	if _, _, err := ParseTopic("homenavi/telemetry/", "homenavi/telemetry/command/cam-1"); !errors.Is(err, ErrNotATelemetryTopic) {
		t.Fatalf("command topics are not telemetry, got %v", err)
	}
	if _, _, err := ParseTopic("homenavi/telemetry/", "homenavi/telemetry/sound/mic-1"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, _, err := ParseTopic("homenavi/telemetry/", "homenavi/telemetry/motion/"); err == nil {
		t.Fatalf("expected empty device error")
	}
}

func TestHandleMessageUsesPayloadTimestamp(t *testing.T) {
	ing, sink := newIngestor(t)
	body := strings.Replace(motionBody, "{", `{"ts":1717200000500,`, 1)
	ing.HandleMessage(context.Background(), fakeMsg{topic: "homenavi/telemetry/motion/cam-1", payload: []byte(body)}, time.Now())

	if len(sink.calls) != 1 {
		t.Fatalf("expected 1 ingest, got %d", len(sink.calls))
	}
	c := sink.calls[0]
	if c.deviceID != "cam-1" || c.kind != model.KindMotion {
		t.Fatalf("unexpected call %+v", c)
	}
	if !c.ts.Equal(time.UnixMilli(1717200000500)) {
		t.Fatalf("expected payload ts, got %v", c.ts)
	}
	m, ok := c.payload.(model.MotionPayload)
	if !ok || !m.PIR.Middle || m.DetectionConfidence != 0.8 {
		t.Fatalf("unexpected payload %#v", c.payload)
	}
}

func TestHandleMessageFallsBackToReceiveTime(t *testing.T) {
	ing, sink := newIngestor(t)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ing.HandleMessage(context.Background(), fakeMsg{topic: "homenavi/telemetry/image/cam-1", payload: []byte(`{"image_path":"/a.jpg","file_size":10}`)}, at)
	if len(sink.calls) != 1 || !sink.calls[0].ts.Equal(at) {
		t.Fatalf("expected receive time, got %+v", sink.calls)
	}
}

func TestHandleMessageRejects(t *testing.T) {
	cases := []struct {
		name string
		msg  fakeMsg
	}{
		{"retained", fakeMsg{topic: "homenavi/telemetry/motion/cam-1", payload: []byte(motionBody), retained: true}},
		{"other topic", fakeMsg{topic: "homenavi/hdp/device/state/x", payload: []byte(motionBody)}},
		{"not json", fakeMsg{topic: "homenavi/telemetry/motion/cam-1", payload: []byte(`{not-json}`)}},
		{"bad ts", fakeMsg{topic: "homenavi/telemetry/motion/cam-1", payload: []byte(`{"ts":"yesterday"}`)}},
		{"unknown field", fakeMsg{topic: "homenavi/telemetry/image/cam-1", payload: []byte(`{"image_path":"/a.jpg","file_size":10,"exif":{}}`)}},
		{"missing field", fakeMsg{topic: "homenavi/telemetry/image/cam-1", payload: []byte(`{"image_path":"/a.jpg"}`)}},
		{"out of range", fakeMsg{topic: "homenavi/telemetry/vitals/w-1", payload: []byte(`{"heart_rate":{"bpm":72,"signal_quality":90,"is_valid":true},"spo2":{"percent":140,"signal_quality":90,"is_valid":true}}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing, sink := newIngestor(t)
			ing.HandleMessage(context.Background(), tc.msg, time.Now())
			if len(sink.calls) != 0 {
				t.Fatalf("expected message dropped, got %+v", sink.calls)
			}
		})
	}
}

func TestValidateReportsField(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	_, err = v.Validate(model.KindVitals, []byte(`{"heart_rate":{"bpm":72,"signal_quality":90,"is_valid":true},"spo2":{"percent":140,"signal_quality":90,"is_valid":true}}`))
	var ve *ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "spo2.percent" {
		t.Fatalf("expected spo2.percent, got %q (%s)", ve.Field, ve.Reason)
	}

	p, err := v.Validate(model.KindReading, []byte(`{"sensor_1":{"watts":250,"category":"AC"},"environment":{"temperature_c":19}}`))
	if err != nil {
		t.Fatalf("validate reading: %v", err)
	}
	r := p.(model.ReadingPayload)
	if r.Sensor1.Watts != 250 || r.Environment.TemperatureC == nil || *r.Environment.TemperatureC != 19 {
		t.Fatalf("unexpected reading %+v", r)
	}
}

func TestParseRequest(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	req := Request{DeviceID: " cam-1 ", Kind: "motion", Timestamp: &ts, Payload: json.RawMessage(motionBody)}
	got, err := v.Parse(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.DeviceID != "cam-1" || got.Kind != model.KindMotion || got.Timestamp.Location() != time.UTC {
		t.Fatalf("unexpected parsed request %+v", got)
	}

	_, err = v.Parse(Request{Kind: "motion", Payload: json.RawMessage(motionBody)})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "device_id" {
		t.Fatalf("expected device_id error, got %v", err)
	}
	_, err = v.Parse(Request{DeviceID: "x", Kind: "sound", Payload: json.RawMessage(`{}`)})
	if !errors.As(err, &ve) || ve.Field != "kind" {
		t.Fatalf("expected kind error, got %v", err)
	}
}

func TestSubscriptionTopic(t *testing.T) {
	ing := &Ingestor{Prefix: "homenavi/telemetry"}
	if got := ing.SubscriptionTopic(); got != "homenavi/telemetry/+/#" {
		t.Fatalf("unexpected subscription %q", got)
	}
}

func TestVitalsRequireSignalFlags(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	_, err = v.Validate(model.KindVitals, []byte(`{"heart_rate":{"bpm":80},"spo2":{"percent":85}}`))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected reading without is_valid to be rejected, got %v", err)
	}

	p, err := v.Validate(model.KindVitals, []byte(`{"heart_rate":{"bpm":80,"signal_quality":95,"is_valid":true},"spo2":{"percent":85,"signal_quality":90,"is_valid":true}}`))
	if err != nil {
		t.Fatalf("validate vitals: %v", err)
	}
	vals := rules.VitalsFromPayload(p.(model.VitalsPayload))
	if vals.SpO2 == nil || *vals.SpO2 != 85 {
		t.Fatalf("expected spo2 to reach the rules, got %+v", vals)
	}
	alerts := rules.Evaluate(rules.Context{DeviceID: "w-1", Snapshot: rules.Snapshot{Vitals: vals}}, rules.HealthRules())
	if len(alerts) == 0 || alerts[0].RuleType != "hypoxia" {
		t.Fatalf("expected hypoxia, got %+v", alerts)
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/google/uuid"
	"github.com/jordan-wright/email"
)

type fakeSender struct {
	name   string
	accept bool
	err    error

	mu   sync.Mutex
	sent []Notification
}

func (f *fakeSender) Name() string              { return f.name }
func (f *fakeSender) Accepts(Notification) bool { return f.accept }
func (f *fakeSender) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

type delivery struct {
	delivered bool
	errText   string
}

type fakeRecorder struct {
	mu  sync.Mutex
	got map[uuid.UUID]delivery
}

func (f *fakeRecorder) MarkDelivery(_ context.Context, id uuid.UUID, delivered bool, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.got == nil {
		f.got = map[uuid.UUID]delivery{}
	}
	f.got[id] = delivery{delivered, errText}
	return nil
}

func testAlert() model.Alert {
	return model.Alert{
		ID:        uuid.New(),
		DeviceID:  "cam-1",
		SensorKey: "pir",
		RuleType:  "intrusion_motion",
		Severity:  model.SeverityCritical,
		Message:   "Motion detected",
		Timestamp: time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherRecordsOutcome(t *testing.T) {
	ok := &fakeSender{name: "ok", accept: true}
	bad := &fakeSender{name: "bad", accept: true, err: errors.New("boom")}
	off := &fakeSender{name: "off"}
	rec := &fakeRecorder{}
	d := New(rec, []Sender{ok, bad, off}, Options{Workers: 2, QueueSize: 8, RatePerMinute: 600})
	d.Start(context.Background())

	a := testAlert()
	if !d.Enqueue(a, model.TenantSettings{}) {
		t.Fatalf("enqueue rejected")
	}
	d.Close()

	if len(ok.sent) != 1 || len(bad.sent) != 1 || len(off.sent) != 0 {
		t.Fatalf("unexpected fan-out ok=%d bad=%d off=%d", len(ok.sent), len(bad.sent), len(off.sent))
	}
	got, found := rec.got[a.ID]
	if !found || !got.delivered || !strings.Contains(got.errText, "bad: boom") {
		t.Fatalf("unexpected delivery record %+v", got)
	}
	if d.Enqueue(a, model.TenantSettings{}) {
		t.Fatalf("enqueue after close must fail")
	}
}

func TestDispatcherAllFailed(t *testing.T) {
	bad := &fakeSender{name: "bad", accept: true, err: errors.New("down")}
	rec := &fakeRecorder{}
	d := New(rec, []Sender{bad}, Options{Workers: 1, RatePerMinute: 600})
	d.Start(context.Background())
	a := testAlert()
	d.Enqueue(a, model.TenantSettings{})
	d.Close()
	if got := rec.got[a.ID]; got.delivered || got.errText == "" {
		t.Fatalf("expected failed delivery, got %+v", got)
	}
}

func TestDispatcherMirrorIsNotDelivery(t *testing.T) {
	pub := &recordingPub{}
	bad := &fakeSender{name: "telegram", accept: true, err: errors.New("unreachable")}
	rec := &fakeRecorder{}
	d := New(rec, []Sender{NewMQTTSender(pub, ""), bad}, Options{Workers: 1, RatePerMinute: 600})
	d.Start(context.Background())
	a := testAlert()
	d.Enqueue(a, model.TenantSettings{})
	d.Close()
	if pub.topic == "" {
		t.Fatalf("expected mqtt republish")
	}
	got, found := rec.got[a.ID]
	if !found || got.delivered || !strings.Contains(got.errText, "telegram: unreachable") {
		t.Fatalf("mqtt alone must not count as delivered, got %+v", got)
	}

	// With no person-facing channel configured nothing is recorded.
	rec = &fakeRecorder{}
	d = New(rec, []Sender{NewMQTTSender(pub, "")}, Options{Workers: 1, RatePerMinute: 600})
	d.Start(context.Background())
	b := testAlert()
	d.Enqueue(b, model.TenantSettings{})
	d.Close()
	if _, found := rec.got[b.ID]; found {
		t.Fatalf("unexpected delivery record for mirror-only fan-out")
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	d := New(nil, nil, Options{QueueSize: 1})
	if !d.Enqueue(testAlert(), model.TenantSettings{}) {
		t.Fatalf("first enqueue should fit")
	}
	if d.Enqueue(testAlert(), model.TenantSettings{}) {
		t.Fatalf("full queue must reject")
	}
	d.Close()
}

func TestTelegramSender(t *testing.T) {
	var path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["chat_id"] == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", srv.Client())
	n := Notification{Alert: testAlert(), Settings: model.TenantSettings{
		TelegramActive: true, TelegramBotToken: "123:abc", TelegramChatID: "42", EmergencyPhone: "+3612345",
	}}
	if !s.Accepts(n) {
		t.Fatalf("expected configured sender")
	}
	if err := s.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %q", path)
	}
	if !strings.Contains(body["text"], "intrusion_motion") || !strings.Contains(body["text"], "+3612345") {
		t.Fatalf("unexpected text %q", body["text"])
	}

	n.Settings.TelegramChatID = "bad"
	if err := s.Send(context.Background(), n); err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected api error, got %v", err)
	}

	n.Settings.TelegramActive = false
	if s.Accepts(n) {
		t.Fatalf("inactive telegram must be skipped")
	}
}

func TestTelegramSenderPhoto(t *testing.T) {
	var path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := testAlert()
	a.RuleType = "intruder_image"
	a.Snapshot = map[string]any{
		model.SnapshotImagePath: "https://cdn.example.com/cam-1/a.jpg",
		"detection_confidence":  0.8,
		"pir_sensors":           []any{"Left", "Middle"},
	}
	n := Notification{Alert: a, Settings: model.TenantSettings{
		TelegramActive: true, TelegramBotToken: "123:abc", TelegramChatID: "42",
	}}
	s := NewTelegramSender(srv.URL, srv.Client())
	if err := s.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/bot123:abc/sendPhoto" {
		t.Fatalf("unexpected path %q", path)
	}
	if body["photo"] != "https://cdn.example.com/cam-1/a.jpg" || body["chat_id"] != "42" {
		t.Fatalf("unexpected body %+v", body)
	}
	for _, want := range []string{"Intruder Alert", "Confidence: 80%", "Sensors: Left, Middle"} {
		if !strings.Contains(body["caption"], want) {
			t.Fatalf("caption %q missing %q", body["caption"], want)
		}
	}

	// Local paths cannot be fetched by Telegram, so they go out as text.
	n.Alert.Snapshot[model.SnapshotImagePath] = "/uploads/cam-1/a.jpg"
	if err := s.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/bot123:abc/sendMessage" || !strings.Contains(body["text"], "Image: /uploads/cam-1/a.jpg") {
		t.Fatalf("unexpected fallback %q %q", path, body["text"])
	}
}

func TestEmailSender(t *testing.T) {
	s := NewEmailSender(SMTPConfig{Host: "smtp.example.com", FromEmail: "alerts@example.com", DefaultTo: "ops@example.com"})
	var got *email.Email
	s.send = func(e *email.Email) error { got = e; return nil }

	n := Notification{Alert: testAlert(), Settings: model.TenantSettings{EmailTo: "a@example.com, b@example.com"}}
	if !s.Accepts(n) {
		t.Fatalf("expected email accepted")
	}
	if err := s.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got.To) != 2 || got.To[1] != "b@example.com" {
		t.Fatalf("unexpected recipients %v", got.To)
	}
	if got.Subject != "[CRITICAL] intrusion_motion on cam-1" {
		t.Fatalf("unexpected subject %q", got.Subject)
	}

	if !s.Accepts(Notification{Alert: testAlert()}) {
		t.Fatalf("expected default recipient fallback")
	}
	if NewEmailSender(SMTPConfig{}).Accepts(n) {
		t.Fatalf("unconfigured smtp must be skipped")
	}
}

func TestEmailSenderTimeout(t *testing.T) {
	s := NewEmailSender(SMTPConfig{Host: "smtp.example.com", FromEmail: "alerts@example.com", DefaultTo: "ops@example.com"})
	release := make(chan struct{})
	defer close(release)
	s.send = func(*email.Email) error { <-release; return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, Notification{Alert: testAlert()}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type recordingPub struct {
	topic   string
	payload []byte
}

func (r *recordingPub) Publish(topic string, payload []byte) error {
	r.topic, r.payload = topic, payload
	return nil
}

func TestMQTTSender(t *testing.T) {
	pub := &recordingPub{}
	s := NewMQTTSender(pub, "homenavi/alerts")
	a := testAlert()
	if err := s.Send(context.Background(), Notification{Alert: a}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.topic != "homenavi/alerts/cam-1" {
		t.Fatalf("unexpected topic %q", pub.topic)
	}
	var back model.Alert
	if err := json.Unmarshal(pub.payload, &back); err != nil || back.ID != a.ID {
		t.Fatalf("unexpected payload %s (%v)", pub.payload, err)
	}
}

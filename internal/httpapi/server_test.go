package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/engine"
	"github.com/PetoAdam/homenavi/alert-service/internal/ingest"
	"github.com/PetoAdam/homenavi/alert-service/internal/model"
	"github.com/PetoAdam/homenavi/alert-service/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeLatest map[string][]byte

func (f fakeLatest) Get(_ context.Context, deviceID, kind string) ([]byte, error) {
	return f[deviceID+":"+kind], nil
}

type fakeAcks struct{ got []model.Alert }

func (f *fakeAcks) PublishAck(a model.Alert) { f.got = append(f.got, a) }

type testEnv struct {
	handler http.Handler
	db      *gorm.DB
	acks    *fakeAcks
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := func() time.Time { return now }
	eng := engine.New(repo, engine.Options{Now: clock})
	v, err := ingest.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	acks := &fakeAcks{}
	latest := fakeLatest{"meter-1:reading": []byte(`{"sensor_1":{"watts":12}}`)}
	srv := New(repo, eng, v, Options{Latest: latest, Acks: acks, Now: clock})
	return &testEnv{handler: srv.Handler(), db: db, acks: acks}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

const motionEvent = `{"device_id":"cam-1","kind":"motion","timestamp":"2025-06-01T11:59:00Z","payload":{"detection_confidence":0.9,"pir":{"left":true,"middle":false,"right":false},"network_status":"online"}}`
const imageEvent = `{"device_id":"cam-1","kind":"image","timestamp":"2025-06-01T11:59:03.5Z","payload":{"image_path":"/uploads/cam-1/x.jpg","file_size":1024}}`

func TestIngestCorrelatesAndLists(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/alerts/events", motionEvent)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	alerts := body["alerts"].([]any)
	if len(alerts) != 1 || alerts[0].(map[string]any)["rule_type"] != "intrusion_motion" {
		t.Fatalf("expected intrusion alert, got %v", alerts)
	}
	motionID := body["event_id"].(string)

	rec, body = env.do(t, http.MethodPost, "/api/alerts/events", imageEvent)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["correlated_with"] != motionID {
		t.Fatalf("expected image correlated with %s, got %v", motionID, body["correlated_with"])
	}
	photos := body["alerts"].([]any)
	if len(photos) != 1 || photos[0].(map[string]any)["rule_type"] != "intruder_image" {
		t.Fatalf("expected intruder photo alert, got %v", photos)
	}

	rec, body = env.do(t, http.MethodGet, "/api/alerts/events?device_id=cam-1&order=desc&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	events := body["events"].([]any)
	if len(events) != 1 || events[0].(map[string]any)["kind"] != "IMAGE" {
		t.Fatalf("expected newest image first, got %v", events)
	}
	cursor, _ := body["next_cursor"].(string)
	if cursor == "" {
		t.Fatalf("expected next cursor")
	}
	_, body = env.do(t, http.MethodGet, "/api/alerts/events?device_id=cam-1&order=desc&limit=1&cursor="+cursor, "")
	events = body["events"].([]any)
	if len(events) != 1 || events[0].(map[string]any)["kind"] != "MOTION" || events[0].(map[string]any)["correlated"] != true {
		t.Fatalf("expected correlated motion on page two, got %v", events)
	}

	if rec, _ := env.do(t, http.MethodGet, "/api/alerts/events", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without device_id, got %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodGet, "/api/alerts/events?device_id=cam-1&cursor=zzz", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", rec.Code)
	}
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	body := `{"device_id":"w-1","kind":"vitals","payload":{"heart_rate":{"bpm":72,"signal_quality":90,"is_valid":true},"spo2":{"percent":140,"signal_quality":90,"is_valid":true}}}`
	rec, out := env.do(t, http.MethodPost, "/api/alerts/events", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if out["field"] != "spo2.percent" {
		t.Fatalf("expected field spo2.percent, got %v", out)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/alerts/events", `{"device_id":"x","kind":"sound","payload":{}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/alerts/events", `{nope`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
}

func TestPendingAndAck(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/alerts/events", motionEvent)

	rec, body := env.do(t, http.MethodGet, "/api/alerts/pending?device_id=cam-1&severity=critical", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	alerts := body["alerts"].([]any)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 pending alert, got %v", alerts)
	}
	id := alerts[0].(map[string]any)["id"].(string)

	_, body = env.do(t, http.MethodGet, "/api/alerts/pending?device_id=cam-1&severity=INFO,WARNING", "")
	if len(body["alerts"].([]any)) != 0 {
		t.Fatalf("severity filter ignored")
	}
	if rec, _ := env.do(t, http.MethodGet, "/api/alerts/pending?device_id=cam-1&severity=loud", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad severity, got %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodPut, "/api/alerts/"+id+"/ack", "")
	if rec.Code != http.StatusOK || body["acknowledged"] != true {
		t.Fatalf("ack failed: %d %v", rec.Code, body)
	}
	if len(env.acks.got) != 1 {
		t.Fatalf("expected ack broadcast")
	}
	if rec, _ := env.do(t, http.MethodPut, "/api/alerts/"+id+"/ack", ""); rec.Code != http.StatusOK {
		t.Fatalf("second ack must succeed, got %d", rec.Code)
	}
	_, body = env.do(t, http.MethodGet, "/api/alerts/pending?device_id=cam-1", "")
	if len(body["alerts"].([]any)) != 0 {
		t.Fatalf("acknowledged alert still pending")
	}
	if rec, _ := env.do(t, http.MethodPut, "/api/alerts/00000000-0000-0000-0000-000000000001/ack", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodPut, "/api/alerts/not-a-uuid/ack", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeviceRegistryAndThresholds(t *testing.T) {
	env := newTestEnv(t)

	if rec, _ := env.do(t, http.MethodPost, "/api/alerts/devices", `{"device_id":"x","domain":"garden"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad domain, got %d", rec.Code)
	}
	rec, body := env.do(t, http.MethodPost, "/api/alerts/devices", `{"device_id":"watch-1","domain":"health","name":"Grandpa","is_athlete":false}`)
	if rec.Code != http.StatusCreated || body["tenant_id"] != model.DefaultTenant {
		t.Fatalf("register failed: %d %v", rec.Code, body)
	}
	if rec, _ := env.do(t, http.MethodGet, "/api/alerts/devices/watch-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodGet, "/api/alerts/devices/nobody", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	_, body = env.do(t, http.MethodGet, "/api/alerts/devices/watch-1/thresholds", "")
	if n := len(body["thresholds"].([]any)); n != 6 {
		t.Fatalf("expected 6 seeded thresholds, got %d", n)
	}
	rec, body = env.do(t, http.MethodPut, "/api/alerts/devices/watch-1/thresholds", `[{"threshold_type":"hr_high","value":90}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put thresholds: %d %s", rec.Code, rec.Body.String())
	}
	var found bool
	for _, raw := range body["thresholds"].([]any) {
		th := raw.(map[string]any)
		if th["threshold_type"] == "HR_HIGH" {
			found = th["value"] == 90.0 && th["enabled"] == true
		}
	}
	if !found {
		t.Fatalf("updated HR_HIGH not returned: %v", body)
	}
	if rec, _ := env.do(t, http.MethodPut, "/api/alerts/devices/watch-1/thresholds", `[{"threshold_type":"HR_LOW"}]`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without value, got %d", rec.Code)
	}

	if rec, _ := env.do(t, http.MethodPost, "/api/alerts/devices/watch-1/calibrate", `{"resting_hr":120}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range resting hr, got %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/alerts/devices/watch-1/calibrate", `{"resting_hr":58}`); rec.Code != http.StatusOK {
		t.Fatalf("calibrate failed: %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/alerts/devices/nobody/calibrate", `{"resting_hr":58}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown device, got %d", rec.Code)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	body := `{"vitals":{"heart_rate":72,"spo2":89}}`
	rec, out := env.do(t, http.MethodPost, "/api/alerts/devices/watch-1/evaluate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: %d %s", rec.Code, rec.Body.String())
	}
	alerts := out["alerts"].([]any)
	if len(alerts) != 1 || alerts[0].(map[string]any)["rule_type"] != "hypoxia" {
		t.Fatalf("expected hypoxia, got %v", alerts)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/alerts/devices/watch-1/evaluate", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty snapshot, got %d", rec.Code)
	}
}

func TestCommandsAndLatest(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/api/alerts/devices/cam-1/commands", `{"command":"capture","args":{"burst":2},"ttl_seconds":60}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body.String())
	}
	rec, body := env.do(t, http.MethodGet, "/api/alerts/devices/cam-1/commands/next", "")
	if rec.Code != http.StatusOK || body["command"] != "capture" {
		t.Fatalf("next: %d %v", rec.Code, body)
	}
	if rec, _ := env.do(t, http.MethodGet, "/api/alerts/devices/cam-1/commands/next", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodPost, "/api/alerts/devices/cam-1/commands", `{"command":" "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty command, got %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodGet, "/api/alerts/devices/meter-1/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("latest: %d", rec.Code)
	}
	if _, ok := body["latest"].(map[string]any)["reading"]; !ok {
		t.Fatalf("expected cached reading, got %v", body)
	}
	if rec, _ := env.do(t, http.MethodGet, "/api/alerts/devices/cam-1/latest", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSettingsHideToken(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/alerts/settings/home", "")
	if rec.Code != http.StatusOK || body["daily_limit_kwh"] != 20.0 {
		t.Fatalf("expected default settings, got %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPut, "/api/alerts/settings/home", `{"telegram_bot_token":"123:secret","telegram_chat_id":"42","telegram_active":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put settings: %d %s", rec.Code, rec.Body.String())
	}
	if _, leaked := body["telegram_bot_token"]; leaked {
		t.Fatalf("bot token must not be returned")
	}
	if body["telegram_configured"] != true || body["daily_limit_kwh"] != 20.0 || body["tenant_id"] != "home" {
		t.Fatalf("unexpected settings %v", body)
	}
}

func TestStorageOutageIs503(t *testing.T) {
	env := newTestEnv(t)
	sqlDB, _ := env.db.DB()
	_ = sqlDB.Close()
	if rec, _ := env.do(t, http.MethodPost, "/api/alerts/events", motionEvent); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec, _ := env.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded health, got %d", rec.Code)
	}
}

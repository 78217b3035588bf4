package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubFiltersByDeviceAndSeverity(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	all := dial(t, srv, "")
	defer all.Close()
	critical := dial(t, srv, "device_id=cam-1&severity=critical,danger")
	defer critical.Close()
	waitClients(t, h, 2)

	h.PublishAlert(model.Alert{DeviceID: "cam-1", RuleType: "intrusion_motion", Severity: model.SeverityWarning})
	h.PublishAlert(model.Alert{DeviceID: "cam-1", RuleType: "intrusion_motion", Severity: model.SeverityCritical})

	read := func(c *websocket.Conn) Event {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return ev
	}

	if ev := read(all); ev.Type != EventAlertRaised || ev.Alert.Severity != model.SeverityWarning {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if ev := read(all); ev.Alert.Severity != model.SeverityCritical {
		t.Fatalf("unexpected second event %+v", ev)
	}
	if ev := read(critical); ev.Alert.Severity != model.SeverityCritical {
		t.Fatalf("filtered client got %+v", ev)
	}
}

func TestHubRejectsUnknownSeverity(t *testing.T) {
	srv := httptest.NewServer(NewHub())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?severity=loud"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %v", err)
	}
}

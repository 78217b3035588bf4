package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/store"

	"github.com/google/uuid"
)

type recordingPub struct {
	topic   string
	payload []byte
}

func (r *recordingPub) Publish(topic string, payload []byte) error {
	r.topic, r.payload = topic, payload
	return nil
}

func TestBrokerAddress(t *testing.T) {
	cases := []struct {
		in, broker, user, pass string
	}{
		{"", "tcp://mosquitto:1883", "", ""},
		{"mqtt://broker:1883", "tcp://broker:1883", "", ""},
		{"tcp://broker:1883", "tcp://broker:1883", "", ""},
		{"mqtts://u:p@broker:8883", "ssl://broker:8883", "u", "p"},
		{"ws://broker:9001/mqtt", "ws://broker:9001/mqtt", "", ""},
		{"broker:1883", "tcp://broker:1883", "", ""},
	}
	for _, tc := range cases {
		b, u, p := brokerAddress(tc.in)
		if b != tc.broker || u != tc.user || p != tc.pass {
			t.Fatalf("brokerAddress(%q) = %q %q %q", tc.in, b, u, p)
		}
	}
}

func TestCommandNotifierPublishesOnDeviceTopic(t *testing.T) {
	pub := &recordingPub{}
	cmd := store.PendingCommand{ID: uuid.New(), DeviceID: "cam-1", Command: "capture", CreatedAt: time.Now()}
	if err := (CommandNotifier{Pub: pub}).NotifyCommand("cam-1", cmd); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pub.topic != "homenavi/telemetry/command/cam-1" {
		t.Fatalf("unexpected topic %q", pub.topic)
	}
	var got map[string]any
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if got["command"] != "capture" {
		t.Fatalf("unexpected payload %v", got)
	}
}

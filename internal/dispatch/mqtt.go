package dispatch

import (
	"context"
	"encoding/json"
	"strings"
)

// Publisher is satisfied by the MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTSender republishes alerts under <prefix><device_id> for UI and
// automation consumers on the broker.
type MQTTSender struct {
	pub    Publisher
	prefix string
}

func NewMQTTSender(pub Publisher, prefix string) *MQTTSender {
	if prefix == "" {
		prefix = "homenavi/alerts/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &MQTTSender{pub: pub, prefix: prefix}
}

func (s *MQTTSender) Name() string { return "mqtt" }

func (s *MQTTSender) Accepts(Notification) bool { return s.pub != nil }

func (s *MQTTSender) Mirror() bool { return true }

func (s *MQTTSender) Send(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n.Alert)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.pub.Publish(s.prefix+n.Alert.DeviceID, b) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

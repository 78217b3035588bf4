package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/store"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const CommandTopicPrefix = "homenavi/telemetry/command/"

// Publisher is the publish side used by alert and command delivery.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Client struct {
	client mqtt.Client
}

type Message struct {
	mqtt.Message
}

func (m Message) Retained() bool { return m.Message.Retained() }

func Connect(brokerURL, clientID string) (*Client, error) {
	opts := mqtt.NewClientOptions()
	broker, user, pass := brokerAddress(brokerURL)
	opts.AddBroker(broker)
	if user != "" {
		opts.SetUsername(user)
		opts.SetPassword(pass)
	}
	if strings.TrimSpace(clientID) == "" {
		clientID = "alert-service-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if strings.HasPrefix(broker, "ssl://") {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", broker)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout: %s", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

// brokerAddress turns mqtt:// and tls:// URLs into the tcp:// and ssl://
// forms paho expects.
func brokerAddress(raw string) (broker, user, pass string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "mqtt://mosquitto:1883"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "tcp://" + strings.TrimPrefix(raw, "mqtt://"), "", ""
	}
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	switch u.Scheme {
	case "ssl", "tls", "mqtts":
		return "ssl://" + u.Host, user, pass
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, user, pass
	default:
		return "tcp://" + u.Host, user, pass
	}
}

func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Message: msg})
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	t := c.client.Publish(topic, 1, false, payload)
	if !t.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout: %s", topic)
	}
	return t.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(p Publisher, topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(topic, b)
}

// CommandNotifier announces queued device commands so devices that keep an
// MQTT session need not poll.
type CommandNotifier struct {
	Pub Publisher
}

func (n CommandNotifier) NotifyCommand(deviceID string, cmd store.PendingCommand) error {
	if n.Pub == nil {
		return nil
	}
	return PublishJSON(n.Pub, CommandTopicPrefix+deviceID, cmd)
}

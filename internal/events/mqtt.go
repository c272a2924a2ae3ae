package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

func (e Encoding) Valid() bool { return e == EncodingJSON || e == EncodingMsgpack }

func (e Encoding) Marshal(ev Event) ([]byte, error) {
	switch e {
	case EncodingMsgpack:
		return msgpack.Marshal(ev)
	case EncodingJSON, "":
		return json.Marshal(ev)
	}
	return nil, fmt.Errorf("unknown event encoding %q", e)
}

// Publisher is the subset of mqtt.Client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

type MQTTConfig struct {
	Broker   string // host:port
	ClientID string
	Username string
	Password string
	Topic    string // prefix; events go to <Topic>/<device>/<kind>
	QoS      byte
	Encoding Encoding
	Timeout  time.Duration
}

// MQTTSink publishes each event to a per-kind topic.
type MQTTSink struct {
	pub     Publisher
	topic   string
	qos     byte
	enc     Encoding
	timeout time.Duration
	logger  *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewMQTTSink(pub Publisher, cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = "parkwatch/events"
	}
	return &MQTTSink{
		pub:     pub,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		enc:     cfg.Encoding,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// ConnectMQTT dials the broker with auto-reconnect enabled.
func ConnectMQTT(cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "err", err)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return c, nil
}

// Topic returns the topic an event is published on.
func (s *MQTTSink) Topic(ev Event) string {
	return fmt.Sprintf("%s/%s/%s", s.topic, ev.Device, ev.Kind)
}

func (s *MQTTSink) Emit(_ context.Context, ev Event) {
	payload, err := s.enc.Marshal(ev)
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("event encode failed", "kind", ev.Kind, "err", err)
		return
	}
	tok := s.pub.Publish(s.Topic(ev), s.qos, false, payload)
	if !tok.WaitTimeout(s.timeout) {
		s.failed.Add(1)
		s.logger.Warn("event publish timed out", "kind", ev.Kind)
		return
	}
	if err := tok.Error(); err != nil {
		s.failed.Add(1)
		s.logger.Warn("event publish failed", "kind", ev.Kind, "err", err)
		return
	}
	s.published.Add(1)
}

// Stats returns published and failed counts.
func (s *MQTTSink) Stats() (published, failed uint64) {
	return s.published.Load(), s.failed.Load()
}

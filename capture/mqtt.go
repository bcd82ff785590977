package capture

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/logger"
)

const (
	DefaultMQTTTopicPrefix = "poolbus"
	DefaultMQTTConnectWait = 30 * time.Second

	mqttDisconnectQuiesceMs = 1000
)

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	// Broker is the broker URL, for example "tcp://broker.local:1883".
	Broker   string
	Username string
	Password string
	UseTLS   bool
	// ClientID defaults to a random "poolbus-" identifier.
	ClientID string
	// TopicPrefix defaults to DefaultMQTTTopicPrefix. Records are published
	// to "{prefix}/{dir}/{proto}".
	TopicPrefix string
	QoS         byte
	// ValidOnly drops invalid frames.
	ValidOnly bool
}

// mqttPublisher is the part of a paho client the sink uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes records to an MQTT broker. Publishing does not wait
// for the broker; failures are logged.
type MQTTSink struct {
	client mqttPublisher
	cfg    MQTTConfig
	logger logger.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

var _ Sink = (*MQTTSink)(nil)

// NewMQTTSink connects to the broker in cfg.
func NewMQTTSink(cfg MQTTConfig, l logger.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("capture: mqtt broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("poolbus-%08x", rand.Uint32())
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(DefaultMQTTConnectWait) {
		return nil, errors.New("capture: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("capture: mqtt connect: %w", err)
	}

	return newMQTTSink(client, cfg, l), nil
}

func newMQTTSink(client mqttPublisher, cfg MQTTConfig, l logger.Logger) *MQTTSink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultMQTTTopicPrefix
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &MQTTSink{client: client, cfg: cfg, logger: l.With("sink", "mqtt")}
}

// Topic returns the topic msg is published to.
func (s *MQTTSink) Topic(msg *frame.Message) string {
	return s.cfg.TopicPrefix + "/" + msg.Direction.String() + "/" + msg.Protocol.String()
}

func (s *MQTTSink) LogPacket(msg *frame.Message) {
	if s.cfg.ValidOnly && !msg.Valid() {
		return
	}

	payload, err := json.Marshal(NewRecord(msg))
	if err != nil {
		s.failed.Add(1)
		return
	}

	token := s.client.Publish(s.Topic(msg), s.cfg.QoS, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.failed.Add(1)
			s.logger.Warn("mqtt publish failed", "error", err)

			return
		}
		s.published.Add(1)
	}()
}

// Published returns the number of records the broker accepted.
func (s *MQTTSink) Published() uint64 { return s.published.Load() }

// Failed returns the number of records that could not be published.
func (s *MQTTSink) Failed() uint64 { return s.failed.Load() }

func (s *MQTTSink) Close() error {
	s.client.Disconnect(mqttDisconnectQuiesceMs)
	return nil
}

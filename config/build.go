package config

import (
	"fmt"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/capture"
	"github.com/arloliu/go-poolbus/logger"
	"github.com/arloliu/go-poolbus/transport"
)

// Logger builds the configured logger.
func (c *Config) Logger() (logger.Logger, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}

	if c.Log.Backend == "zap" {
		return logger.NewZap(level, c.Log.Encoding)
	}

	return logger.NewSlog(level, false), nil
}

// Transport builds the transport selected by the comms section.
func (c *Comms) Transport() (transport.Transport, error) {
	switch {
	case c.NetConnect:
		return transport.NewTCP(c.NetHost, c.NetPort), nil

	case c.WebSocket.URL != "":
		ws, err := transport.NewWebSocket(c.WebSocket.URL)
		if err != nil {
			return nil, err
		}
		ws.Username = c.WebSocket.Username
		ws.Password = c.WebSocket.Password
		ws.SkipTLSVerify = c.WebSocket.SkipTLSVerify

		return ws, nil

	default:
		return transport.NewSerial(c.Serial)
	}
}

// BusOptions returns the connection options of the bus and comms sections.
func (c *Config) BusOptions(l logger.Logger) []bus.ConnOption {
	opts := []bus.ConnOption{
		bus.WithAddress(c.Bus.Address),
		bus.WithSubByte(c.Bus.SubByte),
		bus.WithDefaultRetries(c.Bus.Retries),
		bus.WithResponseTimeout(c.Bus.ResponseTimeout),
		bus.WithInterFrameDelay(c.Bus.InterFrameDelay),
		bus.WithReconnectDelay(c.Comms.ReconnectDelay),
		bus.WithMaxPadding(c.Bus.MaxPadding),
		bus.WithPayloadPrefixMatching(c.Bus.PrefixMatching),
	}
	if l != nil {
		opts = append(opts, bus.WithLogger(l))
	}

	return opts
}

// ConnectionConfig validates and builds the bus connection settings.
func (c *Config) ConnectionConfig(l logger.Logger) (*bus.ConnectionConfig, error) {
	return bus.NewConnectionConfig(c.BusOptions(l)...)
}

// Sinks opens every configured capture sink. Sinks opened before a failure
// are closed again.
func (c *Capture) Sinks(l logger.Logger) (capture.Multi, error) {
	var sinks capture.Multi

	if c.File != "" {
		s, err := capture.NewFileSink(c.File, l)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if c.MQTT.Broker != "" {
		s, err := capture.NewMQTTSink(capture.MQTTConfig{
			Broker:      c.MQTT.Broker,
			Username:    c.MQTT.Username,
			Password:    c.MQTT.Password,
			UseTLS:      c.MQTT.UseTLS,
			ClientID:    c.MQTT.ClientID,
			TopicPrefix: c.MQTT.TopicPrefix,
			QoS:         c.MQTT.QoS,
			ValidOnly:   c.MQTT.ValidOnly,
		}, l)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if c.Influx.URL != "" {
		s, err := capture.NewInfluxSink(capture.InfluxConfig{
			URL:         c.Influx.URL,
			Token:       c.Influx.Token,
			Org:         c.Influx.Org,
			Bucket:      c.Influx.Bucket,
			Measurement: c.Influx.Measurement,
			BatchSize:   c.Influx.BatchSize,
		}, l)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, s)
	}

	return sinks, nil
}

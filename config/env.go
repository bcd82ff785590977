package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POOLBUS_"

// LoadEnvFile loads variables from .env style files into the process
// environment without overriding variables already set. Missing files are
// ignored.
func LoadEnvFile(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}

	return nil
}

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func boolean(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b

		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n

		return nil
	}
}

func octet(dst func(c *Config) *byte) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 0, 8)
		if err != nil {
			return err
		}
		*dst(c) = byte(n)

		return nil
	}
}

func duration(dst func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d

		return nil
	}
}

var envBindings = []envBinding{
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_BACKEND", str(func(c *Config) *string { return &c.Log.Backend })},

	{"RS485_PORT", str(func(c *Config) *string { return &c.Comms.Serial.Path })},
	{"BAUD_RATE", integer(func(c *Config) *int { return &c.Comms.Serial.BaudRate })},
	{"NET_CONNECT", boolean(func(c *Config) *bool { return &c.Comms.NetConnect })},
	{"NET_HOST", str(func(c *Config) *string { return &c.Comms.NetHost })},
	{"NET_PORT", integer(func(c *Config) *int { return &c.Comms.NetPort })},
	{"WS_URL", str(func(c *Config) *string { return &c.Comms.WebSocket.URL })},
	{"WS_USERNAME", str(func(c *Config) *string { return &c.Comms.WebSocket.Username })},
	{"WS_PASSWORD", str(func(c *Config) *string { return &c.Comms.WebSocket.Password })},
	{"RECONNECT_DELAY", duration(func(c *Config) *time.Duration { return &c.Comms.ReconnectDelay })},

	{"ADDRESS", octet(func(c *Config) *byte { return &c.Bus.Address })},
	{"RETRIES", integer(func(c *Config) *int { return &c.Bus.Retries })},
	{"RESPONSE_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Bus.ResponseTimeout })},

	{"CAPTURE_FILE", str(func(c *Config) *string { return &c.Capture.File })},
	{"MQTT_BROKER", str(func(c *Config) *string { return &c.Capture.MQTT.Broker })},
	{"MQTT_USERNAME", str(func(c *Config) *string { return &c.Capture.MQTT.Username })},
	{"MQTT_PASSWORD", str(func(c *Config) *string { return &c.Capture.MQTT.Password })},
	{"INFLUX_URL", str(func(c *Config) *string { return &c.Capture.Influx.URL })},
	{"INFLUX_TOKEN", str(func(c *Config) *string { return &c.Capture.Influx.Token })},
	{"INFLUX_ORG", str(func(c *Config) *string { return &c.Capture.Influx.Org })},
	{"INFLUX_BUCKET", str(func(c *Config) *string { return &c.Capture.Influx.Bucket })},
}

// EnvNames returns the names of the recognized environment variables.
func EnvNames() []string {
	out := make([]string, len(envBindings))
	for i, b := range envBindings {
		out[i] = EnvPrefix + b.name
	}

	return out
}

// ApplyEnv overrides c with the POOLBUS_* variables that are set.
func (c *Config) ApplyEnv() error {
	var errs []error
	for _, b := range envBindings {
		v, ok := os.LookupEnv(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s%s=%q: %w", ErrInvalid, EnvPrefix, b.name, v, err))
		}
	}

	return errors.Join(errs...)
}

// Package config loads the deployment settings of a pool bus controller.
//
// Settings come from three layers, later layers winning:
//
//  1. built-in defaults (Default);
//  2. a YAML file;
//  3. POOLBUS_* environment variables, optionally loaded from a .env file.
//
// A minimal file for a local RS-485 adapter with one pump:
//
//	comms:
//	  serial:
//	    path: /dev/ttyUSB0
//	pumps:
//	  - address: 96
//	    name: filter
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/device"
	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/logger"
	"github.com/arloliu/go-poolbus/transport"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid settings")

// Config is the root of a settings file.
type Config struct {
	Log          Log           `yaml:"log"`
	Comms        Comms         `yaml:"comms"`
	Bus          Bus           `yaml:"bus"`
	Capture      Capture       `yaml:"capture"`
	Pumps        []Pump        `yaml:"pumps"`
	Heaters      []Heater      `yaml:"heaters"`
	Chlorinators []Chlorinator `yaml:"chlorinators"`
}

// Log selects the logger backend and level.
type Log struct {
	Level string `yaml:"level"`
	// Backend is "slog" or "zap".
	Backend string `yaml:"backend"`
	// Encoding is the zap encoding, "json" or "console".
	Encoding string `yaml:"encoding"`
}

// Comms selects how the bus is reached. NetConnect takes precedence over
// WebSocket, which takes precedence over Serial.
type Comms struct {
	Serial         transport.SerialConfig `yaml:"serial"`
	NetConnect     bool                   `yaml:"netConnect"`
	NetHost        string                 `yaml:"netHost"`
	NetPort        int                    `yaml:"netPort"`
	WebSocket      WebSocket              `yaml:"websocket"`
	ReconnectDelay time.Duration          `yaml:"reconnectDelay"`
}

// WebSocket is a remote bus bridge, used when URL is set.
type WebSocket struct {
	URL           string `yaml:"url"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SkipTLSVerify bool   `yaml:"skipTLSVerify"`
}

// Bus holds the connection settings of the controller on the bus.
type Bus struct {
	Address         byte          `yaml:"address"`
	SubByte         byte          `yaml:"subByte"`
	Retries         int           `yaml:"retries"`
	ResponseTimeout time.Duration `yaml:"responseTimeout"`
	InterFrameDelay time.Duration `yaml:"interFrameDelay"`
	MaxPadding      int           `yaml:"maxPadding"`
	PrefixMatching  bool          `yaml:"prefixMatching"`
}

// Capture lists the packet sinks fed while the bus runs.
type Capture struct {
	// File is a JSON lines capture appended to while the bus runs.
	File   string `yaml:"file"`
	MQTT   MQTT   `yaml:"mqtt"`
	Influx Influx `yaml:"influx"`
}

// MQTT is enabled when Broker is set.
type MQTT struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	UseTLS      bool   `yaml:"useTLS"`
	ClientID    string `yaml:"clientID"`
	TopicPrefix string `yaml:"topicPrefix"`
	QoS         byte   `yaml:"qos"`
	ValidOnly   bool   `yaml:"validOnly"`
}

// Influx is enabled when URL is set.
type Influx struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
	BatchSize   uint   `yaml:"batchSize"`
}

// Pump is a variable speed pump to poll and drive.
type Pump struct {
	Address byte   `yaml:"address"`
	Name    string `yaml:"name"`
	// StatusInterval is how often status is polled while the pump is not
	// being driven. A negative interval disables polling.
	StatusInterval    time.Duration `yaml:"statusInterval"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
}

// Heater is a heat pump polled for its state.
type Heater struct {
	Address      byte          `yaml:"address"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// Chlorinator is the salt cell kept at Output.
type Chlorinator struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	// Output is the initial output percentage, 0 to 100, or 101 for
	// super-chlorination.
	Output int `yaml:"output"`
}

// Default returns the settings used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info", Backend: "slog", Encoding: "json"},
		Comms: Comms{
			Serial: transport.SerialConfig{
				Path:     transport.DefaultSerialPath,
				BaudRate: transport.DefaultBaudRate,
				DataBits: transport.DefaultDataBits,
				Parity:   transport.DefaultParity,
				StopBits: transport.DefaultStopBits,
			},
			NetPort:        9801,
			ReconnectDelay: bus.DefaultReconnectDelay,
		},
		Bus: Bus{
			Address:         bus.DefaultAddress,
			SubByte:         frame.DefaultSubByte,
			Retries:         bus.DefaultRetries,
			ResponseTimeout: bus.DefaultResponseTimeout,
			InterFrameDelay: bus.DefaultInterFrameDelay,
			MaxPadding:      frame.DefaultMaxPadding,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. An empty path uses the defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse reads YAML settings over the defaults without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.fillDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

func (c *Config) fillDeviceDefaults() {
	for i := range c.Pumps {
		p := &c.Pumps[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("pump-%d", int(p.Address)-int(frame.PumpAddressMin)+1)
		}
		if p.StatusInterval == 0 {
			p.StatusInterval = device.PumpStatusInterval
		}
		if p.KeepAliveInterval == 0 {
			p.KeepAliveInterval = device.KeepAliveInterval
		}
	}
	for i := range c.Heaters {
		if c.Heaters[i].Address == 0 {
			c.Heaters[i].Address = device.HeaterAddress
		}
		if c.Heaters[i].PollInterval == 0 {
			c.Heaters[i].PollInterval = device.HeaterPollInterval
		}
	}
	for i := range c.Chlorinators {
		if c.Chlorinators[i].PollInterval == 0 {
			c.Chlorinators[i].PollInterval = device.ChlorinatorPollInterval
		}
	}
}

// Validate checks settings that options and constructors would reject
// later, so a bad file fails at load time.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		add("log.level %q", c.Log.Level)
	}
	switch c.Log.Backend {
	case "slog", "zap":
	default:
		add("log.backend %q", c.Log.Backend)
	}

	if c.Comms.NetConnect {
		if c.Comms.NetHost == "" {
			add("comms.netHost is required with netConnect")
		}
		if c.Comms.NetPort <= 0 || c.Comms.NetPort > 65535 {
			add("comms.netPort %d", c.Comms.NetPort)
		}
	}

	if frame.IsPumpAddress(c.Bus.Address) {
		add("bus.address %d is a pump address", c.Bus.Address)
	}

	pumps := make(map[byte]bool, len(c.Pumps))
	for _, p := range c.Pumps {
		if !frame.IsPumpAddress(p.Address) {
			add("pump address %d outside [%d, %d]", p.Address, frame.PumpAddressMin, frame.PumpAddressMax)
		}
		if pumps[p.Address] {
			add("pump address %d listed twice", p.Address)
		}
		pumps[p.Address] = true
	}

	heaters := make(map[byte]bool, len(c.Heaters))
	for _, h := range c.Heaters {
		if heaters[h.Address] {
			add("heater address %d listed twice", h.Address)
		}
		heaters[h.Address] = true
	}

	if len(c.Chlorinators) > 1 {
		add("at most one chlorinator can be addressed, got %d", len(c.Chlorinators))
	}
	for _, ch := range c.Chlorinators {
		if ch.Output < 0 || ch.Output > device.MaxChlorinatorOutput {
			add("chlorinator output %d outside [0, %d]", ch.Output, device.MaxChlorinatorOutput)
		}
	}

	return errors.Join(errs...)
}

package transport

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// Default serial settings of an RS-485 pool bus adapter.
const (
	DefaultSerialPath = "/dev/ttyUSB0"
	DefaultBaudRate   = 9600
	DefaultDataBits   = 8
	DefaultStopBits   = 1
	DefaultParity     = "none"
)

// SerialConfig describes a local RS-485 adapter.
type SerialConfig struct {
	Path     string `yaml:"path"`
	BaudRate int    `yaml:"baudRate"`
	DataBits int    `yaml:"dataBits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stopBits"`
}

// Serial opens a local serial port.
type Serial struct {
	cfg  SerialConfig
	mode *serial.Mode
}

// NewSerial validates cfg, filling unset fields with 9600 8N1 on /dev/ttyUSB0.
func NewSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultSerialPath
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = DefaultDataBits
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = DefaultStopBits
	}
	if cfg.Parity == "" {
		cfg.Parity = DefaultParity
	}

	mode := &serial.Mode{BaudRate: cfg.BaudRate, DataBits: cfg.DataBits}

	switch strings.ToLower(cfg.Parity) {
	case "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("transport: unknown parity %q", cfg.Parity)
	}

	switch cfg.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("transport: unsupported stop bits %d", cfg.StopBits)
	}

	if cfg.DataBits < 5 || cfg.DataBits > 8 {
		return nil, fmt.Errorf("transport: unsupported data bits %d", cfg.DataBits)
	}

	return &Serial{cfg: cfg, mode: mode}, nil
}

// Open opens the serial device with the configured line settings.
func (s *Serial) Open(_ context.Context) (Port, error) {
	p, err := serial.Open(s.cfg.Path, s.mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial port %s: %w", s.cfg.Path, err)
	}

	return p, nil
}

func (s *Serial) String() string {
	return fmt.Sprintf("serial:%s@%d", s.cfg.Path, s.cfg.BaudRate)
}

// Config returns the effective settings.
func (s *Serial) Config() SerialConfig { return s.cfg }

// ListSerialPorts returns the serial ports present on the system.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

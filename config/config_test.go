package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/device"
	"github.com/arloliu/go-poolbus/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
log:
  level: debug
comms:
  serial:
    path: /dev/ttyAMA0
  reconnectDelay: 3s
bus:
  address: 34
  retries: 5
  responseTimeout: 500ms
  prefixMatching: true
capture:
  file: /var/log/poolbus.json
pumps:
  - address: 96
    name: filter
  - address: 97
    statusInterval: -1s
heaters:
  - pollInterval: 20s
chlorinators:
  - output: 40
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "slog", cfg.Log.Backend)

	assert.Equal(t, "/dev/ttyAMA0", cfg.Comms.Serial.Path)
	assert.Equal(t, transport.DefaultBaudRate, cfg.Comms.Serial.BaudRate)
	assert.Equal(t, 3*time.Second, cfg.Comms.ReconnectDelay)

	assert.Equal(t, byte(34), cfg.Bus.Address)
	assert.Equal(t, 5, cfg.Bus.Retries)
	assert.Equal(t, 500*time.Millisecond, cfg.Bus.ResponseTimeout)
	assert.Equal(t, bus.DefaultInterFrameDelay, cfg.Bus.InterFrameDelay)
	assert.True(t, cfg.Bus.PrefixMatching)

	require.Len(t, cfg.Pumps, 2)
	assert.Equal(t, "filter", cfg.Pumps[0].Name)
	assert.Equal(t, device.PumpStatusInterval, cfg.Pumps[0].StatusInterval)
	assert.Equal(t, device.KeepAliveInterval, cfg.Pumps[0].KeepAliveInterval)
	assert.Equal(t, "pump-2", cfg.Pumps[1].Name)
	assert.Equal(t, -time.Second, cfg.Pumps[1].StatusInterval)

	require.Len(t, cfg.Heaters, 1)
	assert.Equal(t, device.HeaterAddress, cfg.Heaters[0].Address)
	assert.Equal(t, 20*time.Second, cfg.Heaters[0].PollInterval)

	require.Len(t, cfg.Chlorinators, 1)
	assert.Equal(t, 40, cfg.Chlorinators[0].Output)
	assert.Equal(t, device.ChlorinatorPollInterval, cfg.Chlorinators[0].PollInterval)

	connCfg, err := cfg.ConnectionConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, byte(34), connCfg.Address())
	assert.Equal(t, 5, connCfg.Retries())
	assert.Equal(t, 3*time.Second, connCfg.ReconnectDelay())
	assert.True(t, connCfg.ReplyRules().PrefixMatching)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("bus:\n  adress: 34\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"pump address out of range", "pumps:\n  - address: 16\n"},
		{"duplicate pump", "pumps:\n  - address: 96\n  - address: 96\n"},
		{"duplicate heater", "heaters:\n  - address: 112\n  - {}\n"},
		{"two chlorinators", "chlorinators:\n  - {}\n  - {}\n"},
		{"chlorinator output", "chlorinators:\n  - output: 102\n"},
		{"bus address is a pump", "bus:\n  address: 100\n"},
		{"net without host", "comms:\n  netConnect: true\n"},
		{"log backend", "log:\n  backend: logrus\n"},
		{"log level", "log:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poolbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv("POOLBUS_NET_CONNECT", "true")
	t.Setenv("POOLBUS_NET_HOST", "bridge.local")
	t.Setenv("POOLBUS_NET_PORT", "9000")
	t.Setenv("POOLBUS_ADDRESS", "0x10")
	t.Setenv("POOLBUS_RESPONSE_TIMEOUT", "2s")
	t.Setenv("POOLBUS_CAPTURE_FILE", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Comms.NetConnect)
	assert.Equal(t, byte(16), cfg.Bus.Address)
	assert.Equal(t, 2*time.Second, cfg.Bus.ResponseTimeout)
	assert.Empty(t, cfg.Capture.File)
	assert.Equal(t, 5, cfg.Bus.Retries)

	tr, err := cfg.Comms.Transport()
	require.NoError(t, err)
	tcp, ok := tr.(*transport.TCP)
	require.True(t, ok)
	assert.Equal(t, "bridge.local:9000", tcp.Addr())
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("POOLBUS_NET_PORT", "ninety")
	t.Setenv("POOLBUS_RETRIES", "x")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "POOLBUS_NET_PORT")
	assert.Contains(t, err.Error(), "POOLBUS_RETRIES")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("POOLBUS_WS_URL=ws://bridge.local/bus\nPOOLBUS_WS_USERNAME=pool\n"), 0o600))

	t.Setenv("POOLBUS_WS_URL", "")
	require.NoError(t, os.Unsetenv("POOLBUS_WS_URL"))
	t.Setenv("POOLBUS_WS_USERNAME", "already-set")

	require.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env"), envPath))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ws://bridge.local/bus", cfg.Comms.WebSocket.URL)
	assert.Equal(t, "already-set", cfg.Comms.WebSocket.Username)

	tr, err := cfg.Comms.Transport()
	require.NoError(t, err)
	ws, ok := tr.(*transport.WebSocket)
	require.True(t, ok)
	assert.Equal(t, "already-set", ws.Username)
}

func TestComms_SerialTransport(t *testing.T) {
	cfg := Default()
	tr, err := cfg.Comms.Transport()
	require.NoError(t, err)
	assert.Equal(t, "serial:/dev/ttyUSB0@9600", tr.String())

	cfg.Comms.Serial.Parity = "sideways"
	_, err = cfg.Comms.Transport()
	require.Error(t, err)
}

func TestConfig_Logger(t *testing.T) {
	cfg := Default()
	l, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, l)

	cfg.Log.Backend = "zap"
	cfg.Log.Encoding = "console"
	l, err = cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestCapture_Sinks(t *testing.T) {
	c := Capture{File: filepath.Join(t.TempDir(), "capture.json")}
	sinks, err := c.Sinks(nil)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	require.NoError(t, sinks.Close())

	c.Influx.URL = "http://localhost:8086"
	_, err = c.Sinks(nil)
	require.Error(t, err)
}

func TestEnvNames(t *testing.T) {
	names := EnvNames()
	assert.Contains(t, names, "POOLBUS_RS485_PORT")
	assert.Contains(t, names, "POOLBUS_MQTT_BROKER")
	assert.Len(t, names, len(envBindings))
}

package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-poolbus/config"
	"github.com/arloliu/go-poolbus/logger"
)

var (
	configPath string
	envFiles   []string
	logLevel   string

	// connection overrides
	portName      string
	baudRate      int
	netAddr       string
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	settings *config.Config
	log      logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "poolbus",
	Short: "Pool equipment RS-485 bus tool",
	Long: `Poolbus reads, records and drives pool equipment sharing an RS-485 bus:
variable speed pumps, heaters and chlorinators.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 9600]
  TCP:       --net host:port
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from POOLBUS_WS_PASSWORD
or the config file, or prompted for if not set.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML settings file")
	pf.StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before the environment is read")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	pf.StringVarP(&portName, "port", "p", "", "serial port device")
	pf.IntVarP(&baudRate, "baud", "b", 0, "baud rate (serial only)")
	pf.StringVar(&netAddr, "net", "", "host:port of a networked bus adapter")
	pf.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	pf.StringVar(&wsUsername, "username", "", "username for HTTP Basic auth")
	pf.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "skip TLS certificate verification (wss:// only)")

	rootCmd.AddCommand(sniffCmd, replayCmd, pumpCmd, chlorinatorCmd, serveCmd)
}

func loadSettings(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnvFile(envFiles...); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := cfg.Logger()
	if err != nil {
		return err
	}
	logger.SetLogger(l)
	settings, log = cfg, l

	return nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}

	if flags.Changed("port") {
		cfg.Comms.Serial.Path = portName
		cfg.Comms.NetConnect = false
		cfg.Comms.WebSocket.URL = ""
	}
	if flags.Changed("baud") {
		cfg.Comms.Serial.BaudRate = baudRate
	}

	if flags.Changed("net") {
		host, port, err := net.SplitHostPort(netAddr)
		if err != nil {
			return fmt.Errorf("--net: %w", err)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("--net: port %q: %w", port, err)
		}
		cfg.Comms.NetConnect = true
		cfg.Comms.NetHost, cfg.Comms.NetPort = host, n
	}

	if flags.Changed("url") {
		cfg.Comms.WebSocket.URL = wsURL
		cfg.Comms.NetConnect = false
	}
	if flags.Changed("username") {
		cfg.Comms.WebSocket.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		cfg.Comms.WebSocket.SkipTLSVerify = wsNoSSLVerify
	}

	return nil
}

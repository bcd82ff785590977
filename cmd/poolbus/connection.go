package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/capture"
	"github.com/arloliu/go-poolbus/transport"
)

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}

// busTransport builds the configured transport, prompting for a websocket
// password when a username is set without one.
func busTransport() (transport.Transport, error) {
	comms := &settings.Comms
	if !comms.NetConnect && comms.WebSocket.URL != "" && comms.WebSocket.Username != "" && comms.WebSocket.Password == "" {
		pw, err := readPassword()
		if err != nil {
			return nil, err
		}
		comms.WebSocket.Password = pw
	}

	return comms.Transport()
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd()) //nolint:gosec // file descriptors fit in int
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}

		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	return strings.TrimSpace(line), nil
}

// busSession is an open connection with its capture sinks attached.
type busSession struct {
	conn  *bus.Connection
	sinks capture.Multi
}

// openBus opens a connection on tr with loggers attached. Configured
// capture sinks are attached as well when withSinks is set.
func openBus(ctx context.Context, tr transport.Transport, withSinks bool, loggers ...bus.PacketLogger) (*busSession, error) {
	connCfg, err := settings.ConnectionConfig(log)
	if err != nil {
		return nil, err
	}

	conn, err := bus.NewConnection(ctx, tr, connCfg)
	if err != nil {
		return nil, err
	}

	s := &busSession{conn: conn}
	if withSinks {
		sinks, err := settings.Capture.Sinks(log)
		if err != nil {
			return nil, err
		}
		if len(sinks) > 0 {
			conn.AddPacketLogger(sinks)
			s.sinks = sinks
		}
	}

	for _, l := range loggers {
		conn.AddPacketLogger(l)
	}

	if err := conn.Open(); err != nil {
		_ = s.sinks.Close()
		return nil, err
	}

	return s, nil
}

func (s *busSession) Close() {
	if err := s.conn.Close(); err != nil {
		log.Warn("close connection", "error", err)
	}
	if err := s.sinks.Close(); err != nil {
		log.Warn("close capture sinks", "error", err)
	}

	m := s.conn.GetMetrics()
	log.Info("bus closed",
		"framesReceived", m.FramesReceived.Load(),
		"framesInvalid", m.FramesInvalid.Load(),
		"framesSent", m.FramesSent.Load(),
		"commandsFailed", m.CommandsFailed.Load(),
		"reconnects", m.ReconnectCount.Load(),
	)
}

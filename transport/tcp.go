package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	DefaultNetHost     = "raspberrypi"
	DefaultNetPort     = 9801
	DefaultDialTimeout = 5 * time.Second
)

// TCP reaches a bus shared over the network, for example a serial adapter
// exported with socat or an RS-485 device server.
type TCP struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

// NewTCP returns a TCP transport for host:port.
func NewTCP(host string, port int) *TCP {
	return &TCP{Host: host, Port: port, DialTimeout: DefaultDialTimeout}
}

// Open dials the bridge.
func (t *TCP) Open(ctx context.Context) (Port, error) {
	d := net.Dialer{Timeout: t.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", t.Addr(), err)
	}

	return conn, nil
}

// Addr returns "host:port".
func (t *TCP) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t *TCP) String() string {
	return "tcp:" + t.Addr()
}

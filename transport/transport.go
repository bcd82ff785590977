// Package transport opens the byte streams a bus connection runs on.
//
// A Transport is a recipe that can be opened repeatedly; each successful Open
// yields a Port. Ports make no promise about chunk boundaries: a single Read
// may return part of a frame or several frames.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	ErrUnavailable = errors.New("transport: unavailable")
	ErrClosed      = errors.New("transport: port closed")
)

// Port is an open byte stream to the bus.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// Transport opens Ports.
type Transport interface {
	Open(ctx context.Context) (Port, error)
	String() string
}

// static hands out a single pre-opened Port.
type static struct {
	mu   sync.Mutex
	name string
	port Port
}

// Static wraps an already open Port. The first Open returns it, later calls
// fail with ErrUnavailable.
func Static(name string, p Port) Transport {
	return &static{name: name, port: p}
}

func (s *static) Open(_ context.Context) (Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil, ErrUnavailable
	}
	p := s.port
	s.port = nil

	return p, nil
}

func (s *static) String() string { return s.name }

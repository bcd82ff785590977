package capture

import (
	"context"
	"sync"
	"time"

	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/transport"
)

// ReplayOption configures a Replay.
type ReplayOption func(*Replay)

// WithSpeed paces the replay by the recorded timestamps divided by factor.
// A factor of 0, the default, replays without pauses.
func WithSpeed(factor float64) ReplayOption {
	return func(r *Replay) {
		if factor >= 0 {
			r.speed = factor
		}
	}
}

// Replay is a transport that plays back the received side of a capture.
// Writes are discarded. After the last record a port blocks until it is
// closed, so a bus does not treat the end of a capture as a disconnect.
type Replay struct {
	name    string
	records []Record
	speed   float64

	once    sync.Once
	drained chan struct{}
}

var _ transport.Transport = (*Replay)(nil)

// NewReplay creates a replay of the "in" records among records.
func NewReplay(name string, records []Record, opts ...ReplayOption) *Replay {
	r := &Replay{name: name, drained: make(chan struct{})}
	for _, rec := range records {
		if rec.Dir == frame.DirectionIn.String() {
			r.records = append(r.records, rec)
		}
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Len returns the number of records replayed per Open.
func (r *Replay) Len() int { return len(r.records) }

// Drained is closed when a port has delivered every record.
func (r *Replay) Drained() <-chan struct{} { return r.drained }

func (r *Replay) String() string { return "replay:" + r.name }

func (r *Replay) Open(_ context.Context) (transport.Port, error) {
	return &replayPort{replay: r, closed: make(chan struct{})}, nil
}

type replayPort struct {
	replay *Replay

	mu      sync.Mutex // serializes Read
	next    int
	pending []byte
	last    time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *replayPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) == 0 {
		if p.next >= len(p.replay.records) {
			p.replay.once.Do(func() { close(p.replay.drained) })
			<-p.closed

			return 0, transport.ErrClosed
		}

		rec := p.replay.records[p.next]
		p.next++
		if err := p.pace(rec); err != nil {
			return 0, err
		}
		p.pending = rec.Wire()
	}

	n := copy(b, p.pending)
	p.pending = p.pending[n:]

	return n, nil
}

// pace waits out the recorded gap before rec.
func (p *replayPort) pace(rec Record) error {
	ts, err := rec.Time()
	if err != nil || p.replay.speed == 0 {
		select {
		case <-p.closed:
			return transport.ErrClosed
		default:
			return nil
		}
	}

	prev := p.last
	p.last = ts
	if prev.IsZero() || !ts.After(prev) {
		return nil
	}

	wait := time.Duration(float64(ts.Sub(prev)) / p.replay.speed)
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-p.closed:
		return transport.ErrClosed
	}
}

func (p *replayPort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, transport.ErrClosed
	default:
		return len(b), nil
	}
}

func (p *replayPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-poolbus/frame"
)

// Pending is the future of a sent request. It resolves exactly once, with
// the matching reply, with nil for requests that expect none, or with an
// error.
type Pending struct {
	conn     *Connection
	loopDone <-chan struct{}

	msg  *frame.Message
	wire []byte
	opts SendOptions

	attempts atomic.Int32

	// owned by the protocol loop
	retriesLeft int
	writeErr    error

	once  sync.Once
	done  chan struct{}
	reply *frame.Message
	err   error
}

func newPending(c *Connection, msg *frame.Message, wire []byte, opts SendOptions) *Pending {
	return &Pending{
		conn:        c,
		msg:         msg,
		wire:        wire,
		opts:        opts,
		retriesLeft: opts.Retries,
		done:        make(chan struct{}),
	}
}

// Message returns the request.
func (p *Pending) Message() *frame.Message { return p.msg }

// Options returns the effective send options.
func (p *Pending) Options() SendOptions { return p.opts }

// Attempts returns how many times the request has been written.
func (p *Pending) Attempts() int { return int(p.attempts.Load()) }

// Done is closed when the request resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result blocks until the request resolves.
func (p *Pending) Result() (*frame.Message, error) {
	<-p.done
	return p.reply, p.err
}

// Wait blocks until the request resolves or ctx is done. A done ctx does not
// cancel the request.
func (p *Pending) Wait(ctx context.Context) (*frame.Message, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws the request. A queued request is never written, an
// in-flight one is not retried. It resolves with ErrCanceled unless it has
// already resolved.
func (p *Pending) Cancel() {
	select {
	case <-p.done:
		return
	default:
	}

	select {
	case p.conn.cancelCh <- p:
	case <-p.done:
	case <-p.loopDone:
		p.resolve(nil, ErrCanceled)
	}
}

func (p *Pending) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pending) resolve(reply *frame.Message, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.reply, p.err = reply, err
		close(p.done)
		resolved = true
	})

	return resolved
}

package device

import (
	"context"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/frame"
)

// Sender is the part of a bus connection that devices use.
type Sender interface {
	Send(msg *frame.Message, opts ...bus.SendOption) (*bus.Pending, error)
	Address() byte
}

var _ Sender = (*bus.Connection)(nil)

// Command sends msg and waits for its outcome. A request that exhausts its
// retries returns a *bus.CommandError. If ctx ends first the request is
// canceled and ctx's error is returned.
func Command(ctx context.Context, s Sender, msg *frame.Message, opts ...bus.SendOption) (*frame.Message, error) {
	p, err := s.Send(msg, opts...)
	if err != nil {
		return nil, err
	}

	reply, err := p.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		p.Cancel()
	}

	return reply, err
}

package bus

import (
	"time"

	"github.com/arloliu/go-poolbus/frame"
)

// SendOptions control how a request is sent and completed.
type SendOptions struct {
	// Retries is the number of resends after a response timeout.
	Retries int
	// Timeout is the wait for a response after each write.
	Timeout time.Duration
	// Response describes the expected reply. Nil means the request
	// completes once written.
	Response *Response
	// EarlyReply lets a matching inbound complete the request while it is
	// still queued, in which case it is never written.
	EarlyReply bool

	deriveReply bool
}

// SendOption adjusts SendOptions.
type SendOption func(*SendOptions)

// WithRetries sets how many times the request is resent after a timeout.
func WithRetries(n int) SendOption {
	return func(o *SendOptions) { o.Retries = n }
}

// WithTimeout sets the wait for a reply after each write.
func WithTimeout(d time.Duration) SendOption {
	return func(o *SendOptions) { o.Timeout = d }
}

// WithResponse sets an explicit response descriptor.
func WithResponse(r *Response) SendOption {
	return func(o *SendOptions) {
		o.Response = r
		o.deriveReply = false
	}
}

// WithReply derives the response from the outbound message with the
// connection's ReplyRules.
func WithReply() SendOption {
	return func(o *SendOptions) {
		o.Response = nil
		o.deriveReply = true
	}
}

// WithEarlyReply allows a queued request to be completed by a reply seen
// before it is written.
func WithEarlyReply() SendOption {
	return func(o *SendOptions) { o.EarlyReply = true }
}

func (c *Connection) sendOptions(msg *frame.Message, opts []SendOption) (SendOptions, error) {
	o := SendOptions{Retries: c.cfg.retries, Timeout: c.cfg.responseTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if o.deriveReply {
		o.Response = c.cfg.replyRules.ResponseFor(msg)
	} else if o.Response != nil {
		o.Response = o.Response.clone()
	}

	if o.Retries < 0 {
		return o, malformed("negative retries %d", o.Retries)
	}
	if o.Timeout <= 0 {
		return o, malformed("non-positive timeout %v", o.Timeout)
	}

	if r := o.Response; r != nil {
		switch r.Mode {
		case MatchAction:
		case MatchItem:
			if msg.Protocol == frame.ProtocolChlorinator {
				return o, malformed("item matching on a chlorinator request")
			}
		case MatchPrefix:
			if len(r.Prefix) == 0 {
				return o, malformed("prefix matching with an empty prefix")
			}
		default:
			return o, malformed("unknown match mode %d", r.Mode)
		}
		if msg.Protocol == frame.ProtocolChlorinator && r.Action != 0 {
			return o, malformed("chlorinator responses have no action, got %d", r.Action)
		}
	} else {
		o.Retries = 0
	}

	return o, nil
}

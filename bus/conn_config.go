package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/logger"
)

const (
	// DefaultAddress is the bus address this controller sends from.
	DefaultAddress byte = 33

	DefaultRetries         = 3
	DefaultResponseTimeout = time.Second
	// DefaultInterFrameDelay is the quiet time after the last received
	// byte before a queued request is written.
	DefaultInterFrameDelay = 100 * time.Millisecond
	// DefaultReconnectDelay is how long a failed port stays closed before
	// it is reopened.
	DefaultReconnectDelay = 10 * time.Second

	DefaultSendQueueSize    = 32
	DefaultHandlerQueueSize = 64
	DefaultDispatchTimeout  = time.Second
	DefaultReadBufferSize   = 1024
)

const (
	MaxRetries = 20

	MinResponseTimeout = 10 * time.Millisecond
	MaxResponseTimeout = time.Minute

	MaxInterFrameDelay = 5 * time.Second

	MinReconnectDelay = 10 * time.Millisecond
	MaxReconnectDelay = 10 * time.Minute
)

// ConnectionConfig holds the settings of a bus Connection.
type ConnectionConfig struct {
	address byte
	subByte byte

	// defaults applied to requests that do not override them
	retries         int
	responseTimeout time.Duration

	interFrameDelay time.Duration
	reconnectDelay  time.Duration

	sendQueueSize    int
	handlerQueueSize int
	dispatchTimeout  time.Duration
	readBufferSize   int
	maxPadding       int

	replyRules ReplyRules

	logger logger.Logger
}

// NewConnectionConfig creates a configuration with defaults, then applies
// opts in order.
func NewConnectionConfig(opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		address:          DefaultAddress,
		subByte:          frame.DefaultSubByte,
		retries:          DefaultRetries,
		responseTimeout:  DefaultResponseTimeout,
		interFrameDelay:  DefaultInterFrameDelay,
		reconnectDelay:   DefaultReconnectDelay,
		sendQueueSize:    DefaultSendQueueSize,
		handlerQueueSize: DefaultHandlerQueueSize,
		dispatchTimeout:  DefaultDispatchTimeout,
		readBufferSize:   DefaultReadBufferSize,
		maxPadding:       frame.DefaultMaxPadding,
		replyRules:       DefaultReplyRules(),
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (cfg *ConnectionConfig) Address() byte { return cfg.address }

func (cfg *ConnectionConfig) SubByte() byte { return cfg.subByte }

// Retries is the default resend count of a request.
func (cfg *ConnectionConfig) Retries() int { return cfg.retries }

// ResponseTimeout is the default wait for a reply after each write.
func (cfg *ConnectionConfig) ResponseTimeout() time.Duration { return cfg.responseTimeout }

func (cfg *ConnectionConfig) InterFrameDelay() time.Duration { return cfg.interFrameDelay }

func (cfg *ConnectionConfig) ReconnectDelay() time.Duration { return cfg.reconnectDelay }

func (cfg *ConnectionConfig) SendQueueSize() int { return cfg.sendQueueSize }

func (cfg *ConnectionConfig) HandlerQueueSize() int { return cfg.handlerQueueSize }

func (cfg *ConnectionConfig) DispatchTimeout() time.Duration { return cfg.dispatchTimeout }

func (cfg *ConnectionConfig) MaxPadding() int { return cfg.maxPadding }

// ReplyRules returns the rules used by WithReply to derive responses.
func (cfg *ConnectionConfig) ReplyRules() ReplyRules { return cfg.replyRules }

func (cfg *ConnectionConfig) GetLogger() logger.Logger { return cfg.logger }

// ConnOption configures a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc func(*ConnectionConfig) error

func (f connOptFunc) apply(cfg *ConnectionConfig) error { return f(cfg) }

// WithAddress sets the source address of outbound Broadcast messages.
// Addresses in the pump range are rejected.
func WithAddress(addr byte) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if frame.IsPumpAddress(addr) {
			return fmt.Errorf("poolbus: address %d is in the pump range %d..%d",
				addr, frame.PumpAddressMin, frame.PumpAddressMax)
		}
		cfg.address = addr

		return nil
	})
}

// WithSubByte sets the header sub byte written on Broadcast messages.
func WithSubByte(sub byte) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.subByte = sub
		return nil
	})
}

// WithDefaultRetries sets the default number of resends after a response
// timeout.
func WithDefaultRetries(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n < 0 || n > MaxRetries {
			return fmt.Errorf("poolbus: retries %d out of range [0, %d]", n, MaxRetries)
		}
		cfg.retries = n

		return nil
	})
}

// WithResponseTimeout sets the default time to wait for each response.
func WithResponseTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < MinResponseTimeout || d > MaxResponseTimeout {
			return fmt.Errorf("poolbus: response timeout %v out of range [%v, %v]",
				d, MinResponseTimeout, MaxResponseTimeout)
		}
		cfg.responseTimeout = d

		return nil
	})
}

// WithInterFrameDelay sets the quiet time required before writing. Zero
// writes as soon as the bus loop is free.
func WithInterFrameDelay(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < 0 || d > MaxInterFrameDelay {
			return fmt.Errorf("poolbus: inter-frame delay %v out of range [0, %v]", d, MaxInterFrameDelay)
		}
		cfg.interFrameDelay = d

		return nil
	})
}

// WithReconnectDelay sets how long to wait before reopening a failed port.
func WithReconnectDelay(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < MinReconnectDelay || d > MaxReconnectDelay {
			return fmt.Errorf("poolbus: reconnect delay %v out of range [%v, %v]",
				d, MinReconnectDelay, MaxReconnectDelay)
		}
		cfg.reconnectDelay = d

		return nil
	})
}

// WithSendQueueSize sets how many Send calls may wait for the protocol loop.
func WithSendQueueSize(size int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if size <= 0 {
			return errors.New("poolbus: send queue size must be positive")
		}
		cfg.sendQueueSize = size

		return nil
	})
}

// WithHandlerQueueSize sets the buffer of each message handler.
func WithHandlerQueueSize(size int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if size <= 0 {
			return errors.New("poolbus: handler queue size must be positive")
		}
		cfg.handlerQueueSize = size

		return nil
	})
}

// WithDispatchTimeout bounds how long the bus loop waits on a full handler
// queue before dropping the message for that handler.
func WithDispatchTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return errors.New("poolbus: dispatch timeout must be positive")
		}
		cfg.dispatchTimeout = d

		return nil
	})
}

// WithReadBufferSize sets the size of a single port read.
func WithReadBufferSize(size int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if size <= 0 {
			return errors.New("poolbus: read buffer size must be positive")
		}
		cfg.readBufferSize = size

		return nil
	})
}

// WithMaxPadding sets how many unframed bytes are collected before they are
// reported as noise.
func WithMaxPadding(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n <= 0 {
			return errors.New("poolbus: max padding must be positive")
		}
		cfg.maxPadding = n

		return nil
	})
}

// WithPayloadPrefixMatching makes derived Broadcast responses match on the
// full outbound payload as a prefix, as IntelliCenter controllers reply.
func WithPayloadPrefixMatching(enabled bool) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.replyRules.PrefixMatching = enabled
		return nil
	})
}

// WithItemActions replaces the reply actions that carry an item number in
// their first payload byte.
func WithItemActions(actions ...byte) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.replyRules.ItemActions = append([]byte(nil), actions...)
		return nil
	})
}

// WithLogger sets the connection logger. Nil keeps the package default.
func WithLogger(l logger.Logger) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("poolbus: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

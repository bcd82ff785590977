package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/internal/pool"
	"github.com/arloliu/go-poolbus/internal/task"
	"github.com/arloliu/go-poolbus/logger"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxBackoff   = 5 * time.Minute
)

var (
	ErrLoopStarted = errors.New("poolbus: device loop already started")
	ErrLoopClosed  = errors.New("poolbus: device loop closed")
)

// State is the state of a Loop.
type State uint32

const (
	StateIdle State = iota
	StateAwaitingReply
	StateSucceeded
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingReply:
		return "awaiting-reply"
	case StateSucceeded:
		return "succeeded"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CycleFunc sends the request of one poll cycle. Returning a nil Pending and
// a nil error skips the cycle.
type CycleFunc func(ctx context.Context) (*bus.Pending, error)

// StepFunc runs a cycle made of several requests and returns the reply that
// completes it. Returning a nil reply and a nil error skips the cycle.
type StepFunc func(ctx context.Context) (*frame.Message, error)

// LoopStats counts the cycles of a Loop.
type LoopStats struct {
	Cycles    uint64
	Successes uint64
	Failures  uint64
	Skipped   uint64
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithInterval sets the time between successful cycles.
func WithInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithBackoff sets the first and the longest wait after failed cycles. The
// first wait defaults to the interval.
func WithBackoff(initial, maxWait time.Duration) LoopOption {
	return func(l *Loop) {
		l.initialBackoff = initial
		l.maxBackoff = maxWait
	}
}

// WithReplyHandler sets a function called with the reply of every
// successful cycle.
func WithReplyHandler(fn func(reply *frame.Message)) LoopOption {
	return func(l *Loop) { l.onReply = fn }
}

// WithErrorHandler sets a function called with the error of every failed
// cycle.
func WithErrorHandler(fn func(err error)) LoopOption {
	return func(l *Loop) { l.onError = fn }
}

// WithSuspender shares s with other controllers of the same device.
func WithSuspender(s *Suspender) LoopOption {
	return func(l *Loop) {
		if s != nil {
			l.suspender = s
		}
	}
}

// WithLoopLogger sets the loop logger. The loop adds its name to it.
func WithLoopLogger(lg logger.Logger) LoopOption {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// Loop runs a device's poll cycle on an interval.
//
// Each cycle moves from StateIdle to StateAwaitingReply and ends in
// StateSucceeded, StateRetrying when a request went out but did not
// complete (a *bus.CommandError), or StateFailed for any other error, such
// as a request that could not be sent. The outcome is kept until
// the next cycle starts. Failed cycles are retried with exponential backoff
// for as long as the loop runs.
//
// A cycle is skipped while the loop's Suspender is suspended. The loop
// holds the suspender itself while a cycle runs.
type Loop struct {
	name  string
	cycle CycleFunc
	step  StepFunc

	interval       time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	bo             *backoff.ExponentialBackOff // owned by the run goroutine

	onReply func(*frame.Message)
	onError func(error)

	logger    logger.Logger
	suspender *Suspender
	taskMgr   *task.Manager
	trigger   chan struct{}

	state   atomic.Uint32
	started atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	lastErr error

	cycles    atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
	skipped   atomic.Uint64
}

// NewLoop creates a loop named name that calls cycle. The loop stops when
// ctx is canceled or Close is called.
func NewLoop(ctx context.Context, name string, cycle CycleFunc, opts ...LoopOption) *Loop {
	l := newLoop(ctx, name, opts)
	l.cycle = cycle

	return l
}

// NewStepLoop creates a loop like NewLoop whose cycles are run by step.
func NewStepLoop(ctx context.Context, name string, step StepFunc, opts ...LoopOption) *Loop {
	l := newLoop(ctx, name, opts)
	l.step = step

	return l
}

func newLoop(ctx context.Context, name string, opts []LoopOption) *Loop {
	l := &Loop{
		name:       name,
		interval:   DefaultPollInterval,
		maxBackoff: DefaultMaxBackoff,
		logger:     logger.GetLogger(),
		suspender:  &Suspender{},
		trigger:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("loop", name)
	l.taskMgr = task.NewManager(ctx, l.logger)

	if l.initialBackoff <= 0 {
		l.initialBackoff = l.interval
	}
	if l.maxBackoff < l.initialBackoff {
		l.maxBackoff = l.initialBackoff
	}
	l.bo = backoff.NewExponentialBackOff()
	l.bo.InitialInterval = l.initialBackoff
	l.bo.MaxInterval = l.maxBackoff
	l.bo.MaxElapsedTime = 0
	l.bo.Reset()

	return l
}

// Start runs the first cycle immediately and the next ones on the interval.
func (l *Loop) Start() error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopStarted
	}

	return l.taskMgr.Go(l.name, l.run)
}

// Trigger runs a cycle as soon as possible instead of waiting for the
// interval.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Close stops the loop and cancels the request of a running cycle.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	l.taskMgr.Stop()
	l.taskMgr.Wait()
	l.setState(StateIdle)

	return nil
}

// Name returns the loop name, unique within a Registry.
func (l *Loop) Name() string { return l.name }

// State returns the state of the current or last cycle.
func (l *Loop) State() State { return State(l.state.Load()) }

// Suspender returns the suspender gating the loop's cycles.
func (l *Loop) Suspender() *Suspender { return l.suspender }

// LastError returns the error of the last cycle, nil after a success.
func (l *Loop) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lastErr
}

// Stats returns the cycle counters.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Cycles:    l.cycles.Load(),
		Successes: l.successes.Load(),
		Failures:  l.failures.Load(),
		Skipped:   l.skipped.Load(),
	}
}

func (l *Loop) run(ctx context.Context) {
	timer := pool.GetTimer(0)
	defer pool.PutTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-l.trigger:
			pool.StopTimer(timer)
		}

		next := l.runCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(next)
	}
}

func (l *Loop) runCycle(ctx context.Context) time.Duration {
	if l.suspender.Suspended() {
		l.skipped.Add(1)
		l.logger.Debug("cycle skipped while suspended", "count", l.suspender.Count())

		return l.interval
	}
	l.suspender.Suspend()
	defer l.suspender.Resume()

	l.cycles.Add(1)
	l.setState(StateAwaitingReply)

	reply, sent, err := l.exchange(ctx)
	if ctx.Err() != nil {
		return 0
	}
	if err != nil {
		var cerr *bus.CommandError
		if errors.As(err, &cerr) {
			return l.failed(StateRetrying, err)
		}
		return l.failed(StateFailed, err)
	}
	if !sent {
		l.setState(StateIdle)
		return l.interval
	}

	l.bo.Reset()
	l.successes.Add(1)
	l.setLastErr(nil)
	l.setState(StateSucceeded)
	if l.onReply != nil {
		l.onReply(reply)
	}

	return l.interval
}

// exchange runs one cycle to its outcome. sent is false when the cycle was
// skipped.
func (l *Loop) exchange(ctx context.Context) (reply *frame.Message, sent bool, err error) {
	if l.step != nil {
		reply, err = l.step(ctx)
		return reply, reply != nil || err != nil, err
	}

	p, err := l.cycle(ctx)
	if err != nil || p == nil {
		return nil, err != nil, err
	}

	reply, err = p.Wait(ctx)
	if ctx.Err() != nil {
		p.Cancel()
	}

	return reply, true, err
}

func (l *Loop) failed(st State, err error) time.Duration {
	l.failures.Add(1)
	l.setLastErr(err)
	l.setState(st)

	wait := l.bo.NextBackOff()
	if wait == backoff.Stop {
		wait = l.bo.MaxInterval
	}
	l.logger.Warn("device cycle failed", "state", st.String(), "error", err, "retry_in", wait)

	if l.onError != nil {
		l.onError(err)
	}

	return wait
}

func (l *Loop) setState(st State) {
	l.state.Store(uint32(st))
}

func (l *Loop) setLastErr(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

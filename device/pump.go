package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/internal/task"
	"github.com/arloliu/go-poolbus/logger"
)

// Pump actions.
const (
	PumpActionRun    byte = 1
	PumpActionRemote byte = 4
	PumpActionPower  byte = 6
	PumpActionStatus byte = bus.ActionPumpStatus
)

// Pump control payload bytes.
const (
	pumpRemote   byte = 255
	pumpLocal    byte = 0
	pumpPowerOn  byte = 10
	pumpPowerOff byte = 4

	pumpRunProgram byte = 3
	pumpRunValue   byte = 2
	pumpRegProgram byte = 33
	pumpRegSpeed   byte = 196
	pumpRegFlow    byte = 228
)

const (
	// KeepAliveInterval is half of the 60s after which a pump in remote
	// control drops back to its own schedule.
	KeepAliveInterval = 30 * time.Second

	MinPumpProgram = 1
	MaxPumpProgram = 4
	MinPumpRPM     = 450
	MaxPumpRPM     = 3450
	MinPumpGPM     = 15
	MaxPumpGPM     = 130
)

var (
	ErrNotPumpAddress    = errors.New("poolbus: not a pump address")
	ErrInvalidRunCommand = errors.New("poolbus: invalid pump run command")
)

// RunMode selects what a RunCommand sets.
type RunMode uint8

const (
	RunProgram RunMode = iota + 1
	RunSpeed
	RunFlow
)

func (m RunMode) String() string {
	switch m {
	case RunProgram:
		return "program"
	case RunSpeed:
		return "rpm"
	case RunFlow:
		return "gpm"
	default:
		return "unknown"
	}
}

// RunCommand is what a pump runs: a stored program, a speed or a flow.
type RunCommand struct {
	Mode  RunMode
	Value int
}

// Program runs stored program n.
func Program(n int) RunCommand { return RunCommand{Mode: RunProgram, Value: n} }

// RPM runs at a fixed speed.
func RPM(rpm int) RunCommand { return RunCommand{Mode: RunSpeed, Value: rpm} }

// GPM runs at a fixed flow.
func GPM(gpm int) RunCommand { return RunCommand{Mode: RunFlow, Value: gpm} }

func (c RunCommand) String() string {
	return fmt.Sprintf("%s %d", c.Mode, c.Value)
}

// Payload returns the run payload of c.
func (c RunCommand) Payload() ([]byte, error) {
	switch c.Mode {
	case RunProgram:
		if c.Value < MinPumpProgram || c.Value > MaxPumpProgram {
			return nil, fmt.Errorf("%w: program %d", ErrInvalidRunCommand, c.Value)
		}
		return []byte{pumpRunProgram, pumpRegProgram, 0, byte(8 * c.Value)}, nil
	case RunSpeed:
		if c.Value < MinPumpRPM || c.Value > MaxPumpRPM {
			return nil, fmt.Errorf("%w: %d rpm", ErrInvalidRunCommand, c.Value)
		}
		return []byte{pumpRunValue, pumpRegSpeed, byte(c.Value >> 8), byte(c.Value)}, nil
	case RunFlow:
		if c.Value < MinPumpGPM || c.Value > MaxPumpGPM {
			return nil, fmt.Errorf("%w: %d gpm", ErrInvalidRunCommand, c.Value)
		}
		return []byte{pumpRunValue, pumpRegFlow, byte(c.Value >> 8), byte(c.Value)}, nil
	default:
		return nil, fmt.Errorf("%w: mode %d", ErrInvalidRunCommand, c.Mode)
	}
}

// RemoteControlMessage takes (remote) or releases control of a pump.
func RemoteControlMessage(src, pump byte, remote bool) *frame.Message {
	b := pumpLocal
	if remote {
		b = pumpRemote
	}

	return frame.NewMessage(frame.ProtocolPump, src, pump, PumpActionRemote, []byte{b})
}

// PowerMessage turns a pump on or off.
func PowerMessage(src, pump byte, on bool) *frame.Message {
	b := pumpPowerOff
	if on {
		b = pumpPowerOn
	}

	return frame.NewMessage(frame.ProtocolPump, src, pump, PumpActionPower, []byte{b})
}

// RunMessage tells a pump what to run.
func RunMessage(src, pump byte, cmd RunCommand) (*frame.Message, error) {
	payload, err := cmd.Payload()
	if err != nil {
		return nil, err
	}

	return frame.NewMessage(frame.ProtocolPump, src, pump, PumpActionRun, payload), nil
}

// StatusMessage requests a pump's status.
func StatusMessage(src, pump byte) *frame.Message {
	return frame.NewMessage(frame.ProtocolPump, src, pump, PumpActionStatus, nil)
}

// PumpOption configures a Pump.
type PumpOption func(*Pump)

// WithKeepAliveInterval overrides KeepAliveInterval.
func WithKeepAliveInterval(d time.Duration) PumpOption {
	return func(p *Pump) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPumpSendOptions adds send options to every pump command.
func WithPumpSendOptions(opts ...bus.SendOption) PumpOption {
	return func(p *Pump) { p.sendOpts = append(p.sendOpts, opts...) }
}

// WithPumpSuspender shares s with the pump's status poller. The suspender is
// held while the keep-alive runs.
func WithPumpSuspender(s *Suspender) PumpOption {
	return func(p *Pump) {
		if s != nil {
			p.suspender = s
		}
	}
}

// WithPumpLogger sets the pump logger.
func WithPumpLogger(l logger.Logger) PumpOption {
	return func(p *Pump) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pump keeps a pump running in safe mode.
//
// A pump under remote control returns to its own schedule when it hears
// nothing for a minute, so Run re-issues the run command every keep-alive
// interval until the duration has passed, then powers the pump off and
// hands control back.
type Pump struct {
	sender    Sender
	addr      byte
	interval  time.Duration
	sendOpts  []bus.SendOption
	logger    logger.Logger
	suspender *Suspender
	taskMgr   *task.Manager

	runMu sync.Mutex // serializes Run, Stop and Close

	mu         sync.Mutex
	cmd        RunCommand
	remaining  time.Duration
	indefinite bool
	running    bool
	err        error
	stop       chan struct{}
	done       chan struct{}
}

// NewPump creates the controller of the pump at addr. Its keep-alive stops
// when ctx is canceled.
func NewPump(ctx context.Context, s Sender, addr byte, opts ...PumpOption) (*Pump, error) {
	if !frame.IsPumpAddress(addr) {
		return nil, fmt.Errorf("%w: %d", ErrNotPumpAddress, addr)
	}

	p := &Pump{
		sender:    s,
		addr:      addr,
		interval:  KeepAliveInterval,
		logger:    logger.GetLogger(),
		suspender: &Suspender{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("pump", addr)
	p.taskMgr = task.NewManager(ctx, p.logger)

	return p, nil
}

// Address returns the pump's bus address.
func (p *Pump) Address() byte { return p.addr }

// Suspender returns the suspender held while the keep-alive runs.
func (p *Pump) Suspender() *Suspender { return p.suspender }

// Run takes remote control of the pump, starts cmd and powers the pump on,
// then keeps it running for d. A negative d runs until Stop. A running
// keep-alive is replaced.
func (p *Pump) Run(ctx context.Context, cmd RunCommand, d time.Duration) error {
	if _, err := cmd.Payload(); err != nil {
		return err
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.halt()

	src := p.sender.Address()
	run, _ := RunMessage(src, p.addr, cmd)
	seq := []*frame.Message{
		RemoteControlMessage(src, p.addr, true),
		run,
		PowerMessage(src, p.addr, true),
	}
	if err := p.sendAll(ctx, seq); err != nil {
		p.setErr(err)
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	p.mu.Lock()
	p.cmd = cmd
	p.remaining = max(d, 0)
	p.indefinite = d < 0
	p.running = true
	p.err = nil
	p.stop, p.done = stop, done
	p.mu.Unlock()

	p.suspender.Suspend()
	err := p.taskMgr.Go("pumpKeepAlive", func(ctx context.Context) {
		p.keepAlive(ctx, stop, done)
	})
	if err != nil {
		p.suspender.Resume()
		p.finish(err)
		close(done)

		return err
	}

	p.logger.Info("pump running", "command", cmd.String(), "duration", d)

	return nil
}

// Stop ends the keep-alive, powers the pump off and releases remote
// control.
func (p *Pump) Stop(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.halt()

	err := p.shutdown(ctx)
	p.finish(err)

	return err
}

// Close ends the keep-alive without sending anything.
func (p *Pump) Close() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.taskMgr.Stop()
	p.halt()
	p.taskMgr.Wait()

	return nil
}

// Running reports whether the keep-alive runs.
func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

// Remaining returns the run time left, or a negative value when the pump
// runs until stopped.
func (p *Pump) Remaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.indefinite {
		return -1
	}

	return p.remaining
}

// Command returns the last command passed to Run.
func (p *Pump) Command() RunCommand {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cmd
}

// Err returns the error that halted the keep-alive, if any.
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.err
}

// Done returns a channel closed when the current keep-alive ends. It is nil
// before the first Run.
func (p *Pump) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.done
}

func (p *Pump) keepAlive(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	defer p.suspender.Resume()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.finish(nil)
			return
		case <-stop:
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()

			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if !p.indefinite {
			p.remaining = max(p.remaining-p.interval, 0)
		}
		finished := !p.indefinite && p.remaining == 0
		cmd := p.cmd
		p.mu.Unlock()

		if finished {
			p.logger.Info("pump run finished")
			p.finish(p.shutdown(ctx))

			return
		}

		src := p.sender.Address()
		run, _ := RunMessage(src, p.addr, cmd)
		if err := p.sendAll(ctx, []*frame.Message{RemoteControlMessage(src, p.addr, true), run}); err != nil {
			if ctx.Err() != nil {
				p.finish(nil)
				return
			}
			p.logger.Error("pump keep-alive failed", "error", err)
			p.finish(err)

			return
		}
		p.logger.Debug("pump keep-alive sent", "remaining", p.Remaining())
	}
}

func (p *Pump) shutdown(ctx context.Context) error {
	src := p.sender.Address()

	return p.sendAll(ctx, []*frame.Message{
		PowerMessage(src, p.addr, false),
		RemoteControlMessage(src, p.addr, false),
	})
}

// halt stops a running keep-alive and waits for it to exit.
func (p *Pump) halt() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop = nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *Pump) sendAll(ctx context.Context, msgs []*frame.Message) error {
	opts := append([]bus.SendOption{bus.WithReply()}, p.sendOpts...)
	for _, m := range msgs {
		if _, err := Command(ctx, p.sender, m, opts...); err != nil {
			return fmt.Errorf("pump %d action %d: %w", p.addr, m.Action(), err)
		}
	}

	return nil
}

func (p *Pump) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running = false
	p.err = err
	if err == nil && !p.indefinite {
		p.remaining = 0
	}
}

func (p *Pump) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/frame"
)

// PumpStatusInterval is the default status poll interval.
const PumpStatusInterval = 30 * time.Second

const pumpStatusLen = 15

// ErrNotPumpStatus is returned when decoding a message that is not a status reply.
var ErrNotPumpStatus = errors.New("poolbus: not a pump status message")

// PumpStatus is a decoded pump status reply.
type PumpStatus struct {
	Address    byte
	Running    bool
	Mode       byte
	DriveState byte
	Watts      int
	RPM        int
	GPM        int
	PPC        byte
	ErrorCode  int
	// ClockMinutes is the pump's clock as minutes after midnight.
	ClockMinutes int
}

// DecodePumpStatus decodes a status reply.
func DecodePumpStatus(msg *frame.Message) (PumpStatus, error) {
	if msg == nil || msg.Protocol != frame.ProtocolPump || msg.Action() != PumpActionStatus {
		return PumpStatus{}, ErrNotPumpStatus
	}
	if len(msg.Payload) < pumpStatusLen {
		return PumpStatus{}, fmt.Errorf("%w: %d payload bytes", ErrNotPumpStatus, len(msg.Payload))
	}

	pl := msg.Payload

	return PumpStatus{
		Address:      msg.Source(),
		Running:      pl[0] == pumpPowerOn,
		Mode:         pl[1],
		DriveState:   pl[2],
		Watts:        int(pl[3])<<8 | int(pl[4]),
		RPM:          int(pl[5])<<8 | int(pl[6]),
		GPM:          int(pl[7]),
		PPC:          pl[8],
		ErrorCode:    int(pl[11])<<8 | int(pl[12]),
		ClockMinutes: int(pl[13])*60 + int(pl[14]),
	}, nil
}

// PumpStatusPoller polls a pump's status.
type PumpStatusPoller struct {
	*Loop

	mu     sync.Mutex
	status PumpStatus
	ok     bool
}

// NewPumpStatusPoller creates a stopped poller for the pump at addr. Share
// the Pump's suspender with WithSuspender to pause polling while the pump is
// kept running. onStatus may be nil.
func NewPumpStatusPoller(ctx context.Context, s Sender, addr byte, onStatus func(PumpStatus), opts ...LoopOption) (*PumpStatusPoller, error) {
	if !frame.IsPumpAddress(addr) {
		return nil, fmt.Errorf("%w: %d", ErrNotPumpAddress, addr)
	}

	p := &PumpStatusPoller{}
	cycle := func(context.Context) (*bus.Pending, error) {
		return s.Send(StatusMessage(s.Address(), addr), bus.WithReply())
	}

	opts = append([]LoopOption{WithInterval(PumpStatusInterval)}, opts...)
	opts = append(opts, WithReplyHandler(func(reply *frame.Message) {
		st, err := DecodePumpStatus(reply)
		if err != nil {
			p.logger.Warn("undecodable pump status", "error", err, "msg", reply.String())
			return
		}
		p.mu.Lock()
		p.status, p.ok = st, true
		p.mu.Unlock()

		if onStatus != nil {
			onStatus(st)
		}
	}))
	p.Loop = NewLoop(ctx, fmt.Sprintf("pumpStatus-%d", addr), cycle, opts...)

	return p, nil
}

// Status returns the last decoded status and whether there is one.
func (p *PumpStatusPoller) Status() (PumpStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status, p.ok
}

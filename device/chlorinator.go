package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/frame"
)

// Chlorinator request and reply codes, carried in the second payload byte.
const (
	ChlorinatorCodeControl     byte = 0
	ChlorinatorCodeControlAck  byte = 1
	ChlorinatorCodeModelReply  byte = 3
	ChlorinatorCodeSetOutput   byte = 17
	ChlorinatorCodeOutputReply byte = 18
	ChlorinatorCodeGetModel    byte = 20

	ChlorinatorPollInterval = 4 * time.Second

	// resends of each poll step
	ChlorinatorControlRetries = 3
	ChlorinatorOutputRetries  = 7
	ChlorinatorModelRetries   = 3

	// MaxChlorinatorOutput is the super-chlorinate setting; 0..100 is a
	// percentage.
	MaxChlorinatorOutput = 101

	saltUnit = 50

	modelNameAt  = 3
	modelNameLen = 16
)

var ErrInvalidOutput = errors.New("poolbus: invalid chlorinator output")

// ChlorinatorStatus is a decoded set-output reply, plus the model name once
// the chlorinator has reported one.
type ChlorinatorStatus struct {
	Output  int
	SaltPPM int
	Status  byte
	Model   string
}

// DecodeChlorinatorStatus decodes a set-output reply to a request for
// output percent. ok is false for other replies.
func DecodeChlorinatorStatus(reply *frame.Message, output int) (st ChlorinatorStatus, ok bool) {
	if reply.Protocol != frame.ProtocolChlorinator || reply.PayloadByte(1, 0) != ChlorinatorCodeOutputReply {
		return ChlorinatorStatus{}, false
	}

	return ChlorinatorStatus{
		Output:  output,
		SaltPPM: int(reply.PayloadByte(2, 0)) * saltUnit,
		Status:  reply.PayloadByte(3, 0) & 0x7f,
	}, true
}

// DecodeChlorinatorModel returns the model name of a get-model reply.
func DecodeChlorinatorModel(reply *frame.Message) (string, bool) {
	if reply.Protocol != frame.ProtocolChlorinator || reply.PayloadByte(1, 0) != ChlorinatorCodeModelReply {
		return "", false
	}

	return strings.TrimRight(reply.PayloadString(modelNameAt, modelNameLen), " "), true
}

// ControlMessage disables the chlorinator's own control panel.
func ControlMessage() *frame.Message {
	return frame.NewChlorinatorMessage(frame.ChlorinatorDeviceAddr, ChlorinatorCodeControl, 0)
}

// GetModelMessage asks the chlorinator for its model name.
func GetModelMessage() *frame.Message {
	return frame.NewChlorinatorMessage(frame.ChlorinatorDeviceAddr, ChlorinatorCodeGetModel, 0)
}

// SetOutputMessage asks the chlorinator for pct percent output.
func SetOutputMessage(pct int) (*frame.Message, error) {
	if pct < 0 || pct > MaxChlorinatorOutput {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOutput, pct)
	}

	return frame.NewChlorinatorMessage(frame.ChlorinatorDeviceAddr, ChlorinatorCodeSetOutput, byte(pct)), nil
}

// ChlorinatorPoller keeps a chlorinator at the wanted output. Every cycle
// takes control of the chlorinator, sends the output and asks for the
// model, in that order. A chlorinator that hears nothing for a while turns
// itself off.
//
// A cycle fails when the chlorinator does not answer the control or output
// request. Newer chlorinators ignore the model request, so its failure only
// gets logged.
type ChlorinatorPoller struct {
	*Loop

	sender   Sender
	onStatus func(ChlorinatorStatus)

	mu     sync.Mutex
	output int
	status ChlorinatorStatus
	ok     bool
	model  string
}

// NewChlorinatorPoller creates a stopped poller. onStatus may be nil; it is
// called after every answered output request.
func NewChlorinatorPoller(ctx context.Context, s Sender, onStatus func(ChlorinatorStatus), opts ...LoopOption) *ChlorinatorPoller {
	c := &ChlorinatorPoller{sender: s, onStatus: onStatus}

	opts = append([]LoopOption{WithInterval(ChlorinatorPollInterval)}, opts...)
	c.Loop = NewStepLoop(ctx, "chlorinator", c.poll, opts...)

	return c
}

func (c *ChlorinatorPoller) poll(ctx context.Context) (*frame.Message, error) {
	pct := c.Output()
	setOutput, err := SetOutputMessage(pct)
	if err != nil {
		return nil, err
	}

	if _, err := Command(ctx, c.sender, ControlMessage(),
		bus.WithResponse(chlorinatorReply(ChlorinatorCodeControlAck)),
		bus.WithRetries(ChlorinatorControlRetries)); err != nil {
		return nil, fmt.Errorf("take control: %w", err)
	}

	reply, err := Command(ctx, c.sender, setOutput,
		bus.WithResponse(chlorinatorReply(ChlorinatorCodeOutputReply)),
		bus.WithRetries(ChlorinatorOutputRetries))
	if err != nil {
		return nil, fmt.Errorf("set output: %w", err)
	}
	c.updateStatus(reply, pct)

	modelReply, err := Command(ctx, c.sender, GetModelMessage(),
		bus.WithResponse(chlorinatorReply(ChlorinatorCodeModelReply)),
		bus.WithRetries(ChlorinatorModelRetries))
	switch {
	case err != nil && ctx.Err() == nil:
		c.Loop.logger.Debug("chlorinator did not report its model", "error", err)
	case err == nil:
		c.updateModel(modelReply)
	}

	return reply, nil
}

// chlorinatorReply expects the reply carrying code.
func chlorinatorReply(code byte) *bus.Response {
	return &bus.Response{
		Match: func(in, _ *frame.Message) bool { return in.PayloadByte(1, 0xff) == code },
	}
}

func (c *ChlorinatorPoller) updateStatus(reply *frame.Message, pct int) {
	st, ok := DecodeChlorinatorStatus(reply, pct)
	if !ok {
		return
	}

	c.mu.Lock()
	st.Model = c.model
	c.status, c.ok = st, true
	c.mu.Unlock()

	if c.onStatus != nil {
		c.onStatus(st)
	}
}

func (c *ChlorinatorPoller) updateModel(reply *frame.Message) {
	name, ok := DecodeChlorinatorModel(reply)
	if !ok || name == "" {
		return
	}

	c.mu.Lock()
	c.model = name
	c.status.Model = name
	c.mu.Unlock()
}

// SetOutput changes the requested output and triggers a cycle.
func (c *ChlorinatorPoller) SetOutput(pct int) error {
	if pct < 0 || pct > MaxChlorinatorOutput {
		return fmt.Errorf("%w: %d", ErrInvalidOutput, pct)
	}

	c.mu.Lock()
	c.output = pct
	c.mu.Unlock()

	c.Trigger()

	return nil
}

// Output returns the requested output percentage.
func (c *ChlorinatorPoller) Output() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.output
}

// Status returns the last reported status and whether there is one.
func (c *ChlorinatorPoller) Status() (ChlorinatorStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status, c.ok
}

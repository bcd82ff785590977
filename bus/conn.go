package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/internal/pool"
	"github.com/arloliu/go-poolbus/internal/queue"
	"github.com/arloliu/go-poolbus/internal/task"
	"github.com/arloliu/go-poolbus/logger"
	"github.com/arloliu/go-poolbus/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

type chunk struct {
	gen  uint64
	data []byte
}

type readFailure struct {
	gen uint64
	err error
}

// Connection is a bus endpoint on one transport.
//
// All bus traffic is serialized by a single protocol loop goroutine: bytes
// are parsed in arrival order, at most one request is in flight, and a
// retry is written before anything queued behind it.
type Connection struct {
	pctx      context.Context
	cfg       *ConnectionConfig
	transport transport.Transport
	logger    logger.Logger

	opState AtomicOpState
	taskMgr *task.Manager
	lifeMu  sync.Mutex // serializes Open, Close and AddHandler

	sendCh    chan *Pending
	cancelCh  chan *Pending
	chunkCh   chan chunk
	readErrCh chan readFailure
	loopDone  atomic.Pointer[chan struct{}]

	handlers      *xsync.MapOf[uint64, *handler]
	packetLoggers *xsync.MapOf[uint64, PacketLogger]
	hookSeq       atomic.Uint64

	metrics ConnectionMetrics

	// owned by the protocol loop while it runs
	port           transport.Port
	portGen        uint64
	reader         *frame.Reader
	queue          *queue.Deque[*Pending]
	inflight       *Pending
	lastActivity   time.Time
	responseTimer  *time.Timer
	sendTimer      *time.Timer
	reconnectTimer *time.Timer
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}()

// NewConnection creates a Connection on tr. It does not open the transport.
func NewConnection(ctx context.Context, tr transport.Transport, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if tr == nil {
		return nil, ErrTransportNil
	}

	c := &Connection{
		pctx:          ctx,
		cfg:           cfg,
		transport:     tr,
		logger:        cfg.logger.With("transport", tr.String()),
		sendCh:        make(chan *Pending, cfg.sendQueueSize),
		cancelCh:      make(chan *Pending),
		chunkCh:       make(chan chunk, 16),
		readErrCh:     make(chan readFailure, 1),
		handlers:      xsync.NewMapOf[uint64, *handler](),
		packetLoggers: xsync.NewMapOf[uint64, PacketLogger](),
	}
	c.taskMgr = task.NewManager(ctx, c.logger)
	c.opState.Set(ClosedState)

	return c, nil
}

// Open opens the transport and starts the protocol loop. It returns the
// transport error if the first open fails; later failures are retried in
// the background every ReconnectDelay.
func (c *Connection) Open() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.opState.ToOpening() {
		c.logger.Warn("poolbus: connection is not closed", "opState", c.opState.String())
		return nil
	}

	port, err := c.transport.Open(c.pctx)
	if err != nil {
		c.opState.Set(ClosedState)
		return fmt.Errorf("poolbus: open %s: %w", c.transport, err)
	}

	c.reader = frame.NewReader(frame.WithMaxPadding(c.cfg.maxPadding))
	c.queue = queue.New[*Pending](c.cfg.sendQueueSize)
	c.inflight = nil
	c.lastActivity = time.Time{}
	done := make(chan struct{})
	c.loopDone.Store(&done)

	if err := c.attachPort(port); err != nil {
		c.opState.Set(ClosedState)
		close(done)

		return err
	}

	c.handlers.Range(func(_ uint64, h *handler) bool {
		c.startHandler(h)
		return true
	})

	if err := c.taskMgr.Go("protocolLoop", c.protocolLoop); err != nil {
		c.taskMgr.Stop()
		c.detachPort()
		c.taskMgr.Wait()
		c.opState.Set(ClosedState)
		close(done)

		return err
	}

	c.opState.ToOpened()
	c.logger.Info("poolbus: connection opened")

	return nil
}

// Close stops the protocol loop and closes the port. Requests still queued
// or in flight fail with ErrConnClosed.
func (c *Connection) Close() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.opState.ToClosing() {
		return nil
	}

	c.logger.Debug("poolbus: start to close connection")
	c.taskMgr.Stop()
	c.taskMgr.Wait()
	c.drainSendCh()

	c.opState.ToClosed()
	c.logger.Info("poolbus: connection closed")

	return nil
}

// Send validates msg, queues it and returns its Pending.
//
// Broadcast messages are written with the configured sub byte. A Broadcast
// message to or from a pump address is sent as a Pump message. Invalid
// requests fail with ErrMalformedRequest before anything is queued.
func (c *Connection) Send(msg *frame.Message, opts ...SendOption) (*Pending, error) {
	if msg == nil {
		return nil, malformed("nil message")
	}
	switch msg.Protocol {
	case frame.ProtocolBroadcast, frame.ProtocolPump, frame.ProtocolChlorinator:
	default:
		return nil, malformed("unknown protocol %s", msg.Protocol)
	}

	if !c.opState.IsOpened() {
		return nil, ErrConnClosed
	}

	msg.Direction = frame.DirectionOut
	switch {
	case msg.Protocol == frame.ProtocolBroadcast && (frame.IsPumpAddress(msg.Dest()) || frame.IsPumpAddress(msg.Source())):
		// receivers, this connection included, parse it as a pump frame
		msg.Protocol = frame.ProtocolPump
		msg.SetSub(0)
	case msg.Protocol == frame.ProtocolBroadcast:
		msg.SetSub(c.cfg.subByte)
	}

	o, err := c.sendOptions(msg, opts)
	if err != nil {
		return nil, err
	}

	wire, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	p := newPending(c, msg, wire, o)
	p.loopDone = c.loopDoneCh()

	select {
	case c.sendCh <- p:
	case <-p.loopDone:
		return nil, ErrConnClosed
	}

	// the loop may have exited after taking its last look at sendCh
	select {
	case <-p.loopDone:
		c.drainSendCh()
	default:
	}

	return p, nil
}

// Request sends msg and waits for the outcome. If ctx is done first the
// request is canceled and ctx.Err() returned.
func (c *Connection) Request(ctx context.Context, msg *frame.Message, opts ...SendOption) (*frame.Message, error) {
	p, err := c.Send(msg, opts...)
	if err != nil {
		return nil, err
	}

	select {
	case <-p.Done():
		return p.Result()
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	}
}

// Address returns the address this controller sends from.
func (c *Connection) Address() byte { return c.cfg.address }

// State returns the lifecycle state.
func (c *Connection) State() OpState { return c.opState.Get() }

// Config returns the settings the connection was created with.
func (c *Connection) Config() *ConnectionConfig { return c.cfg }

func (c *Connection) GetLogger() logger.Logger { return c.logger }

// GetMetrics returns the live counters of the connection.
func (c *Connection) GetMetrics() *ConnectionMetrics { return &c.metrics }

func (c *Connection) String() string {
	return fmt.Sprintf("bus(%s, %s)", c.transport, c.opState.String())
}

func (c *Connection) loopDoneCh() chan struct{} {
	if p := c.loopDone.Load(); p != nil {
		return *p
	}

	return closedCh
}

func (c *Connection) drainSendCh() {
	for {
		select {
		case p := <-c.sendCh:
			p.resolve(nil, ErrConnClosed)
		default:
			return
		}
	}
}

// --- protocol loop ---

func (c *Connection) protocolLoop(ctx context.Context) {
	defer c.shutdownLoop()

	for {
		c.trySend()

		select {
		case <-ctx.Done():
			return

		case ck := <-c.chunkCh:
			if ck.gen == c.portGen {
				c.handleBytes(ck.data)
			}

		case p := <-c.sendCh:
			c.queue.PushBack(p)

		case p := <-c.cancelCh:
			c.cancel(p)

		case <-timerC(c.responseTimer):
			pool.PutTimer(c.responseTimer)
			c.responseTimer = nil
			c.onResponseTimeout()

		case <-timerC(c.sendTimer):
			pool.PutTimer(c.sendTimer)
			c.sendTimer = nil

		case rf := <-c.readErrCh:
			if rf.gen == c.portGen {
				c.onReadError(rf.err)
			}

		case <-timerC(c.reconnectTimer):
			pool.PutTimer(c.reconnectTimer)
			c.reconnectTimer = nil
			c.reconnect(ctx)
		}
	}
}

func (c *Connection) shutdownLoop() {
	c.stopResponseTimer()
	c.stopSendTimer()
	if c.reconnectTimer != nil {
		pool.PutTimer(c.reconnectTimer)
		c.reconnectTimer = nil
	}
	c.detachPort()

	if p := c.inflight; p != nil {
		c.inflight = nil
		p.resolve(nil, ErrConnClosed)
	}
	for _, p := range c.queue.Drain() {
		p.resolve(nil, ErrConnClosed)
	}
	c.drainSendCh()
	c.metrics.setInflight(false)

	close(c.loopDoneCh())
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}

// trySend writes the head of the queue when nothing is in flight and the
// bus has been quiet for the inter-frame delay.
func (c *Connection) trySend() {
	if c.inflight != nil || c.port == nil {
		return
	}

	for {
		p, ok := c.queue.Front()
		if !ok {
			c.stopSendTimer()
			return
		}
		if !p.isDone() {
			break
		}
		c.queue.PopFront()
	}

	if wait := c.quietRemaining(); wait > 0 {
		c.stopSendTimer()
		c.sendTimer = pool.GetTimer(wait)

		return
	}
	c.stopSendTimer()

	p, _ := c.queue.PopFront()
	c.write(p)
}

func (c *Connection) quietRemaining() time.Duration {
	if c.cfg.interFrameDelay <= 0 || c.lastActivity.IsZero() {
		return 0
	}

	return c.cfg.interFrameDelay - time.Since(c.lastActivity)
}

func (c *Connection) write(p *Pending) {
	attempt := p.attempts.Add(1)

	_, err := c.port.Write(p.wire)
	c.lastActivity = time.Now()

	if err != nil {
		p.writeErr = fmt.Errorf("%w: %w", ErrNotConnected, err)
		c.logger.Warn("poolbus: write failed", "id", p.msg.ID, "attempt", attempt, "error", err)

		if p.opts.Response == nil {
			c.fail(p, p.writeErr)
			return
		}
	} else {
		p.writeErr = nil
		p.msg.Timestamp = c.lastActivity
		c.metrics.incFramesSent()
		c.metrics.addBytesSent(len(p.wire))
		c.logger.Debug("poolbus: sent", "msg", p.msg.String(), "attempt", attempt)
		c.logPacket(p.msg)

		if p.opts.Response == nil {
			c.succeed(p, nil)
			return
		}
	}

	c.inflight = p
	c.metrics.setInflight(true)
	c.stopResponseTimer()
	c.responseTimer = pool.GetTimer(p.opts.Timeout)
}

func (c *Connection) onResponseTimeout() {
	p := c.inflight
	if p == nil {
		return
	}
	c.inflight = nil
	c.metrics.setInflight(false)

	if p.retriesLeft > 0 {
		p.retriesLeft--
		c.metrics.incCommandRetries()
		c.logger.Debug("poolbus: no response, retrying",
			"id", p.msg.ID, "attempts", p.Attempts(), "retriesLeft", p.retriesLeft)
		c.queue.PushFront(p)

		return
	}

	err := ErrNoResponse
	if p.writeErr != nil {
		err = p.writeErr
	}
	c.fail(p, err)
}

func (c *Connection) cancel(p *Pending) {
	if c.inflight == p {
		c.inflight = nil
		c.metrics.setInflight(false)
		c.stopResponseTimer()
	} else {
		c.queue.RemoveFunc(func(q *Pending) bool { return q == p })
	}

	if p.resolve(nil, ErrCanceled) {
		c.logger.Debug("poolbus: request canceled", "id", p.msg.ID, "attempts", p.Attempts())
	}
}

// succeed and fail run on the protocol loop, the only resolver while it runs.
func (c *Connection) succeed(p *Pending, reply *frame.Message) {
	if p.isDone() {
		return
	}
	c.metrics.incCommandsSucceeded()
	p.resolve(reply, nil)

	if reply != nil {
		c.logger.Debug("poolbus: request answered", "id", p.msg.ID, "reply", reply.ID, "attempts", p.Attempts())
	}
}

func (c *Connection) fail(p *Pending, err error) {
	if p.isDone() {
		return
	}
	cerr := &CommandError{Msg: p.msg, Attempts: p.Attempts(), Err: err}
	c.metrics.incCommandsFailed()
	p.resolve(nil, cerr)
	c.logger.Warn("poolbus: request failed", "id", p.msg.ID, "attempts", cerr.Attempts, "error", err)
}

// --- inbound ---

func (c *Connection) handleBytes(data []byte) {
	c.metrics.addBytesReceived(len(data))
	c.lastActivity = time.Now()

	for _, msg := range c.reader.Feed(data) {
		c.handleMessage(msg)
	}
}

func (c *Connection) handleMessage(msg *frame.Message) {
	switch {
	case errors.Is(msg.Err, frame.ErrNoise):
		c.logger.Debug("poolbus: unframed bytes", "count", len(msg.Padding))
	case frame.IsFramingError(msg.Err):
		c.metrics.incFramesReceived()
		c.metrics.incFramesInvalid()
		c.metrics.incFramingErrors()
		c.logger.Debug("poolbus: framing error", "msg", msg.String())
	case !msg.Valid():
		c.metrics.incFramesReceived()
		c.metrics.incFramesInvalid()
		c.logger.Warn("poolbus: invalid frame", "msg", msg.String())
	default:
		c.metrics.incFramesReceived()
		c.logger.Debug("poolbus: received", "msg", msg.String())
	}

	c.logPacket(msg)

	if !msg.Valid() {
		return
	}

	c.correlate(msg)
	c.dispatch(msg)
}

// correlate resolves the request in flight and queued requests that msg
// answers. Queued requests match if they have been written before or allow
// early replies.
func (c *Connection) correlate(msg *frame.Message) {
	if p := c.inflight; p != nil && p.opts.Response.Matches(msg, p.msg) {
		c.inflight = nil
		c.metrics.setInflight(false)
		c.stopResponseTimer()
		c.succeed(p, msg)
	}

	if c.queue.IsEmpty() {
		return
	}

	answered := c.queue.RemoveFunc(func(p *Pending) bool {
		if p.opts.Response == nil || (p.Attempts() == 0 && !p.opts.EarlyReply) {
			return false
		}

		return p.opts.Response.Matches(msg, p.msg)
	})
	for _, p := range answered {
		c.succeed(p, msg)
	}
}

// --- port management ---

// attachPort installs port and starts its reader. Chunks and errors of a
// previous port are ignored by generation.
func (c *Connection) attachPort(port transport.Port) error {
	c.portGen++
	c.port = port
	c.reader.Reset()

	gen := c.portGen
	size := c.cfg.readBufferSize
	name := fmt.Sprintf("portReader-%d", gen)

	buf := make([]byte, size)
	err := c.taskMgr.Start(name, func(ctx context.Context) bool {
		n, err := port.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case c.chunkCh <- chunk{gen: gen, data: data}:
			case <-ctx.Done():
				return false
			}
		}
		if err != nil {
			select {
			case c.readErrCh <- readFailure{gen: gen, err: err}:
			case <-ctx.Done():
			}

			return false
		}

		return true
	})
	if err != nil {
		c.port = nil
		_ = port.Close()

		return err
	}

	return nil
}

func (c *Connection) detachPort() {
	if c.port == nil {
		return
	}
	if err := c.port.Close(); err != nil {
		c.logger.Debug("poolbus: close port", "error", err)
	}
	c.port = nil
}

func (c *Connection) onReadError(err error) {
	c.logger.Warn("poolbus: port read failed, reconnecting",
		"error", err, "reconnectDelay", c.cfg.reconnectDelay)

	c.detachPort()
	c.reconnectTimer = pool.GetTimer(c.cfg.reconnectDelay)
}

func (c *Connection) reconnect(ctx context.Context) {
	c.metrics.incReconnectCount()

	port, err := c.transport.Open(ctx)
	if err != nil {
		c.logger.Warn("poolbus: reopen failed", "error", err, "reconnectDelay", c.cfg.reconnectDelay)
		c.reconnectTimer = pool.GetTimer(c.cfg.reconnectDelay)

		return
	}

	if err := c.attachPort(port); err != nil {
		c.logger.Warn("poolbus: failed to start port reader", "error", err)
		return
	}
	c.logger.Info("poolbus: port reopened")
}

func (c *Connection) stopResponseTimer() {
	if c.responseTimer != nil {
		pool.PutTimer(c.responseTimer)
		c.responseTimer = nil
	}
}

func (c *Connection) stopSendTimer() {
	if c.sendTimer != nil {
		pool.PutTimer(c.sendTimer)
		c.sendTimer = nil
	}
}

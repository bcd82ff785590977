package bus

import (
	"fmt"

	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/internal/pool"
	"github.com/arloliu/go-poolbus/internal/task"
)

// MessageHandler receives valid inbound messages. Messages are shared
// between handlers and must not be modified.
type MessageHandler func(msg *frame.Message)

// PacketLogger receives every inbound frame, valid or not, and every written
// frame. It is called on the bus loop and must return quickly.
type PacketLogger interface {
	LogPacket(msg *frame.Message)
}

// PacketLoggerFunc adapts a function to PacketLogger.
type PacketLoggerFunc func(msg *frame.Message)

func (f PacketLoggerFunc) LogPacket(msg *frame.Message) { f(msg) }

type handler struct {
	id   uint64
	fn   MessageHandler
	ch   chan *frame.Message
	quit chan struct{}
}

// AddHandler registers fn for valid inbound messages and returns a function
// that removes it.
//
// Each handler runs on its own goroutine fed by a buffered queue, so a
// handler may call Send and wait for the result.
func (c *Connection) AddHandler(fn MessageHandler) (remove func()) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	h := &handler{
		id:   c.hookSeq.Add(1),
		fn:   fn,
		ch:   make(chan *frame.Message, c.cfg.handlerQueueSize),
		quit: make(chan struct{}),
	}
	c.handlers.Store(h.id, h)

	if c.opState.IsOpened() {
		c.startHandler(h)
	}

	return func() {
		if _, ok := c.handlers.LoadAndDelete(h.id); ok {
			close(h.quit)
		}
	}
}

// AddPacketLogger registers l and returns a function that removes it.
func (c *Connection) AddPacketLogger(l PacketLogger) (remove func()) {
	id := c.hookSeq.Add(1)
	c.packetLoggers.Store(id, l)

	return func() { c.packetLoggers.Delete(id) }
}

// startHandler must be called with lifeMu held.
func (c *Connection) startHandler(h *handler) {
	name := fmt.Sprintf("handler-%d", h.id)
	if err := task.StartConsumer(c.taskMgr, name, h.ch, h.quit, func(msg *frame.Message) { h.fn(msg) }); err != nil {
		c.logger.Warn("poolbus: failed to start message handler", "handler", h.id, "error", err)
	}
}

func (c *Connection) dispatch(msg *frame.Message) {
	c.handlers.Range(func(id uint64, h *handler) bool {
		select {
		case h.ch <- msg:
			return true
		default:
		}

		timer := pool.GetTimer(c.cfg.dispatchTimeout)
		defer pool.PutTimer(timer)

		select {
		case h.ch <- msg:
		case <-h.quit:
		case <-timer.C:
			c.metrics.incDispatchDropped()
			c.logger.Warn("poolbus: handler queue full, message dropped", "handler", id, "id", msg.ID)
		}

		return true
	})
}

func (c *Connection) logPacket(msg *frame.Message) {
	c.packetLoggers.Range(func(_ uint64, l PacketLogger) bool {
		l.LogPacket(msg)
		return true
	})
}

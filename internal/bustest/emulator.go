// Package bustest provides an in-memory pool bus device for tests.
package bustest

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/transport"
)

// ReplyFunc returns the messages a device sends in answer to req.
type ReplyFunc func(req *frame.Message) []*frame.Message

// Emulator is the device side of an in-memory bus.
//
// Every Open of its Transport creates a fresh net.Pipe, so a connection can
// be disconnected and reopened.
type Emulator struct {
	reply ReplyFunc

	mu       sync.Mutex
	conn     net.Conn
	received []*frame.Message
	opens    int
	failOpen int
	closed   bool

	sendMu sync.RWMutex // guards sends on writes against Close
	writes chan []byte
	wg     sync.WaitGroup
}

// NewEmulator creates an emulator answering with reply, which may be nil.
func NewEmulator(reply ReplyFunc) *Emulator {
	e := &Emulator{
		reply:  reply,
		writes: make(chan []byte, 64),
	}
	e.wg.Add(1)
	go e.writeLoop()

	return e
}

// Transport returns a transport whose ports reach this emulator.
func (e *Emulator) Transport() transport.Transport {
	return emulatorTransport{e: e}
}

type emulatorTransport struct {
	e *Emulator
}

func (t emulatorTransport) Open(_ context.Context) (transport.Port, error) {
	return t.e.open()
}

func (t emulatorTransport) String() string { return "emulator" }

func (e *Emulator) open() (transport.Port, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, transport.ErrClosed
	}
	e.opens++
	if e.failOpen > 0 {
		e.failOpen--
		return nil, transport.ErrUnavailable
	}

	busSide, deviceSide := net.Pipe()
	e.conn = deviceSide

	e.wg.Add(1)
	go e.readLoop(deviceSide)

	return busSide, nil
}

// FailNextOpens makes the next n opens fail with transport.ErrUnavailable.
func (e *Emulator) FailNextOpens(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOpen = n
}

// Opens returns how many times the transport was opened.
func (e *Emulator) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.opens
}

// Disconnect closes the current pipe as a failing cable would.
func (e *Emulator) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

// Received returns the frames the emulator has read so far.
func (e *Emulator) Received() []*frame.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*frame.Message(nil), e.received...)
}

// WaitReceived waits until n frames have been read or timeout passes, and
// returns what was read.
func (e *Emulator) WaitReceived(n int, timeout time.Duration) []*frame.Message {
	deadline := time.Now().Add(timeout)
	for {
		got := e.Received()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Inject sends msgs to the bus as if the device had sent them.
func (e *Emulator) Inject(msgs ...*frame.Message) error {
	for _, m := range msgs {
		wire, err := m.Pack()
		if err != nil {
			return err
		}
		if err := e.WriteRaw(wire); err != nil {
			return err
		}
	}

	return nil
}

// WriteRaw sends b to the bus unchanged.
func (e *Emulator) WriteRaw(b []byte) error {
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	e.writes <- append([]byte(nil), b...)

	return nil
}

// Close disconnects and stops the emulator.
func (e *Emulator) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	e.mu.Unlock()

	e.sendMu.Lock()
	close(e.writes)
	e.sendMu.Unlock()
	e.wg.Wait()
}

func (e *Emulator) readLoop(conn net.Conn) {
	defer e.wg.Done()

	r := frame.NewReader()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		for _, m := range r.Feed(buf[:n]) {
			if !m.Valid() {
				continue
			}
			e.mu.Lock()
			e.received = append(e.received, m)
			e.mu.Unlock()

			if e.reply != nil {
				for _, out := range e.reply(m) {
					_ = e.Inject(out)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Emulator) writeLoop() {
	defer e.wg.Done()

	for b := range e.writes {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn == nil {
			continue
		}
		_, _ = conn.Write(b)
	}
}

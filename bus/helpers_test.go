package bus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/internal/bustest"
	"github.com/arloliu/go-poolbus/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLogger(logger.NewSlog(level, false))

	os.Exit(m.Run())
}

const testTimeout = 50 * time.Millisecond

// newTestConn opens a connection to emu with short timeouts and no
// inter-frame delay.
func newTestConn(t *testing.T, emu *bustest.Emulator, opts ...ConnOption) *Connection {
	t.Helper()

	defaults := []ConnOption{
		WithResponseTimeout(testTimeout),
		WithInterFrameDelay(0),
		WithReconnectDelay(20 * time.Millisecond),
	}
	cfg, err := NewConnectionConfig(append(defaults, opts...)...)
	require.NoError(t, err)

	conn, err := NewConnection(context.Background(), emu.Transport(), cfg)
	require.NoError(t, err)
	require.NoError(t, conn.Open())

	t.Cleanup(func() {
		_ = conn.Close()
		emu.Close()
	})

	return conn
}

// replyTo builds the device's answer to req with swapped addresses.
func replyTo(req *frame.Message, action byte, payload ...byte) *frame.Message {
	if req.Protocol == frame.ProtocolChlorinator {
		return frame.NewChlorinatorMessage(payload...)
	}

	return frame.NewMessage(req.Protocol, req.Dest(), req.Source(), action, payload)
}

// inbound returns the parsed, valid inbound form of m.
func inbound(t *testing.T, m *frame.Message) *frame.Message {
	t.Helper()

	wire, err := m.Pack()
	require.NoError(t, err)
	msgs := frame.Parse(wire)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Valid())

	return msgs[0]
}

// packetRecorder is a PacketLogger collecting what it sees.
type packetRecorder struct {
	mu   sync.Mutex
	msgs []*frame.Message
}

func (r *packetRecorder) LogPacket(msg *frame.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg.Clone())
}

func (r *packetRecorder) snapshot() []*frame.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*frame.Message(nil), r.msgs...)
}

func actionsOf(msgs []*frame.Message) []byte {
	out := make([]byte, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Action())
	}

	return out
}

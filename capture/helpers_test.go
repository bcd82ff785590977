package capture

import (
	"os"
	"testing"
	"time"

	"github.com/arloliu/go-poolbus/frame"
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

var recordTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("", 2*60*60))

// received returns m as the bus would have read it off the wire.
func received(t *testing.T, m *frame.Message) *frame.Message {
	t.Helper()

	wire, err := m.Pack()
	require.NoError(t, err)
	msgs := frame.Parse(wire)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Valid())
	msgs[0].Timestamp = recordTime

	return msgs[0]
}

func sampleTraffic(t *testing.T) []*frame.Message {
	t.Helper()

	return []*frame.Message{
		received(t, frame.NewMessage(frame.ProtocolPump, 96, 16, 7, []byte{10, 0, 2, 1, 44, 5, 220, 40, 0, 0, 0, 0, 3, 13, 45})),
		received(t, frame.NewChlorinatorMessage(0, 18, 60, 0x81)),
		received(t, frame.NewMessage(frame.ProtocolBroadcast, 16, 15, 2, []byte{13, 73, 73, 49})),
	}
}

package capture

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay_ThroughConnection(t *testing.T) {
	msgs := sampleTraffic(t)
	records := make([]Record, 0, len(msgs)+1)
	for _, m := range msgs {
		records = append(records, NewRecord(m))
	}
	sent := frame.NewMessage(frame.ProtocolBroadcast, 33, 16, 252, nil)
	_, err := sent.Pack()
	require.NoError(t, err)
	records = append(records, NewRecord(sent))

	replay := NewReplay("sample", records)
	require.Equal(t, len(msgs), replay.Len())

	cfg, err := bus.NewConnectionConfig(bus.WithInterFrameDelay(0))
	require.NoError(t, err)
	conn, err := bus.NewConnection(context.Background(), replay, cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []*frame.Message
	conn.AddHandler(func(msg *frame.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	})
	require.NoError(t, conn.Open())
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case <-replay.Drained():
	case <-time.After(2 * time.Second):
		t.Fatal("replay not drained")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(msgs)
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, m := range got {
		assert.Equal(t, msgs[i].Protocol, m.Protocol)
		assert.Equal(t, msgs[i].Payload, m.Payload)
		assert.Equal(t, msgs[i].Bytes(), m.Bytes())
	}
	assert.Equal(t, bus.OpenedState, conn.State())
}

func TestReplay_Pacing(t *testing.T) {
	msgs := sampleTraffic(t)[:2]
	first, second := NewRecord(msgs[0]), NewRecord(msgs[1])
	second.TS = recordTime.Add(100 * time.Millisecond).Format(TimeLayout)

	replay := NewReplay("paced", []Record{first, second}, WithSpeed(2))
	port, err := replay.Open(context.Background())
	require.NoError(t, err)
	defer port.Close()

	buf := make([]byte, 256)
	start := time.Now()
	n, err := io.ReadAtLeast(port, buf, len(first.Wire()))
	require.NoError(t, err)
	assert.Equal(t, first.Wire(), buf[:n])

	n, err = io.ReadAtLeast(port, buf, len(second.Wire()))
	require.NoError(t, err)
	assert.Equal(t, second.Wire(), buf[:n])
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestReplay_CloseUnblocksRead(t *testing.T) {
	replay := NewReplay("empty", nil)
	port, err := replay.Open(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 8))
		errCh <- err
	}()

	<-replay.Drained()
	require.NoError(t, port.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read not unblocked")
	}

	_, err = port.Write([]byte{1})
	require.ErrorIs(t, err, transport.ErrClosed)
}

package device

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/internal/bustest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommand_Payload(t *testing.T) {
	tests := []struct {
		name    string
		cmd     RunCommand
		want    []byte
		wantErr bool
	}{
		{"program 2", Program(2), []byte{3, 33, 0, 16}, false},
		{"1500 rpm", RPM(1500), []byte{2, 196, 5, 220}, false},
		{"30 gpm", GPM(30), []byte{2, 228, 0, 30}, false},
		{"program 5", Program(5), nil, true},
		{"slow", RPM(100), nil, true},
		{"flood", GPM(200), nil, true},
		{"no mode", RunCommand{}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Payload()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRunCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPumpMessages(t *testing.T) {
	m := RemoteControlMessage(33, testPump, true)
	assert.Equal(t, frame.ProtocolPump, m.Protocol)
	assert.Equal(t, PumpActionRemote, m.Action())
	assert.Equal(t, []byte{255}, m.Payload)
	assert.Equal(t, []byte{0}, RemoteControlMessage(33, testPump, false).Payload)

	assert.Equal(t, []byte{10}, PowerMessage(33, testPump, true).Payload)
	assert.Equal(t, []byte{4}, PowerMessage(33, testPump, false).Payload)

	st := StatusMessage(33, testPump)
	assert.Equal(t, PumpActionStatus, st.Action())
	assert.Empty(t, st.Payload)
	assert.Equal(t, testPump, st.Dest())
	assert.Equal(t, byte(33), st.Source())
}

func TestNewPump_RejectsNonPumpAddress(t *testing.T) {
	emu := bustest.NewEmulator(nil)
	conn := newTestConn(t, emu)

	_, err := NewPump(context.Background(), conn, 16)
	require.ErrorIs(t, err, ErrNotPumpAddress)
}

func TestPump_KeepAliveCountdown(t *testing.T) {
	emu := bustest.NewEmulator(pumpReplies)
	conn := newTestConn(t, emu)

	p, err := NewPump(context.Background(), conn, testPump, WithKeepAliveInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Run(context.Background(), RPM(1500), 50*time.Millisecond))
	assert.True(t, p.Running())
	assert.Equal(t, RPM(1500), p.Command())

	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("keep-alive did not finish")
	}

	require.NoError(t, p.Err())
	assert.False(t, p.Running())
	assert.Zero(t, p.Remaining())

	got := emu.Received()
	// start, two keep-alives at 30ms and 10ms left, then off and local
	assert.Equal(t, []byte{4, 1, 6, 4, 1, 4, 1, 6, 4}, actionsOf(got))
	require.Len(t, got, 9)
	assert.Equal(t, []byte{2, 196, 5, 220}, got[4].Payload)
	assert.Equal(t, []byte{4}, got[7].Payload)
	assert.Equal(t, []byte{0}, got[8].Payload)
}

func TestPump_IndefiniteUntilStop(t *testing.T) {
	emu := bustest.NewEmulator(pumpReplies)
	conn := newTestConn(t, emu)

	p, err := NewPump(context.Background(), conn, testPump, WithKeepAliveInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Run(context.Background(), Program(3), -1))
	assert.Negative(t, p.Remaining())
	assert.True(t, p.Suspender().Suspended())

	// start plus two keep-alives
	require.Len(t, emu.WaitReceived(7, waitFor), 7)
	assert.True(t, p.Running())

	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.Running())
	assert.False(t, p.Suspender().Suspended())

	got := emu.Received()
	require.GreaterOrEqual(t, len(got), 9)
	assert.Equal(t, []byte{6, 4}, actionsOf(got[len(got)-2:]))
	assert.Equal(t, []byte{4}, got[len(got)-2].Payload)
	assert.Equal(t, []byte{0}, got[len(got)-1].Payload)
}

func TestPump_KeepAliveFailureHalts(t *testing.T) {
	var silent atomic.Bool
	emu := bustest.NewEmulator(func(req *frame.Message) []*frame.Message {
		if silent.Load() {
			return nil
		}
		return pumpReplies(req)
	})
	conn := newTestConn(t, emu)

	p, err := NewPump(context.Background(), conn, testPump, WithKeepAliveInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Run(context.Background(), GPM(30), time.Minute))
	silent.Store(true)

	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("keep-alive did not halt")
	}

	assert.False(t, p.Running())
	require.ErrorIs(t, p.Err(), bus.ErrNoResponse)

	var cerr *bus.CommandError
	require.ErrorAs(t, p.Err(), &cerr)
	assert.Equal(t, 2, cerr.Attempts)
	assert.False(t, p.Suspender().Suspended())
}

func TestPump_RunFailsWhenPumpIsSilent(t *testing.T) {
	emu := bustest.NewEmulator(nil)
	conn := newTestConn(t, emu)

	p, err := NewPump(context.Background(), conn, testPump)
	require.NoError(t, err)
	defer p.Close()

	err = p.Run(context.Background(), RPM(2000), time.Minute)
	require.ErrorIs(t, err, bus.ErrNoResponse)
	assert.False(t, p.Running())
	assert.ErrorIs(t, p.Err(), bus.ErrNoResponse)
	assert.Nil(t, p.Done())

	require.ErrorIs(t, p.Run(context.Background(), RPM(10), time.Minute), ErrInvalidRunCommand)
}

func TestPump_RunReplacesKeepAlive(t *testing.T) {
	emu := bustest.NewEmulator(pumpReplies)
	conn := newTestConn(t, emu)

	p, err := NewPump(context.Background(), conn, testPump, WithKeepAliveInterval(time.Hour))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Run(context.Background(), RPM(1500), -1))
	first := p.Done()
	require.NoError(t, p.Run(context.Background(), RPM(2500), time.Minute))

	select {
	case <-first:
	default:
		t.Fatal("first keep-alive still running")
	}
	assert.True(t, p.Running())
	assert.Equal(t, time.Minute, p.Remaining())
	assert.Equal(t, 1, p.Suspender().Count())
}

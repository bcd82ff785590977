package device

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/internal/bustest"
	"github.com/arloliu/go-poolbus/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspender_NeverBelowZero(t *testing.T) {
	var s Suspender
	assert.False(t, s.Suspended())

	s.Resume()
	assert.Equal(t, 0, s.Count())

	s.Suspend()
	s.Suspend()
	assert.True(t, s.Suspended())
	s.Resume()
	assert.True(t, s.Suspended())
	s.Resume()
	s.Resume()
	assert.False(t, s.Suspended())
	assert.Equal(t, 0, s.Count())
}

// versionCycle asks the controller at 16 for its version.
func versionCycle(conn *bus.Connection) CycleFunc {
	return func(context.Context) (*bus.Pending, error) {
		return conn.Send(frame.NewMessage(frame.ProtocolBroadcast, conn.Address(), 16, bus.ActionGetVersion, nil), bus.WithReply())
	}
}

func versionReplies(silent *atomic.Bool) bustest.ReplyFunc {
	return func(req *frame.Message) []*frame.Message {
		if silent.Load() || req.Action() != bus.ActionGetVersion {
			return nil
		}
		return []*frame.Message{frame.NewMessage(frame.ProtocolBroadcast, req.Dest(), req.Source(), bus.ActionVersion, []byte{2, 110})}
	}
}

func TestLoop_BacksOffAndRecovers(t *testing.T) {
	var silent atomic.Bool
	silent.Store(true)
	emu := bustest.NewEmulator(versionReplies(&silent))
	conn := newTestConn(t, emu)

	var (
		l         *Loop
		errs      atomic.Int32
		failState atomic.Uint32
	)
	replies := make(chan *frame.Message, 16)
	l = NewLoop(context.Background(), "version", versionCycle(conn),
		WithInterval(20*time.Millisecond),
		WithBackoff(5*time.Millisecond, 10*time.Millisecond),
		WithErrorHandler(func(error) {
			errs.Add(1)
			failState.Store(uint32(l.State()))
		}),
		WithReplyHandler(func(m *frame.Message) {
			select {
			case replies <- m:
			default:
			}
		}),
	)
	require.NoError(t, l.Start())
	defer l.Close()

	require.Eventually(t, func() bool { return l.Stats().Failures >= 2 }, waitFor, tick)
	assert.Equal(t, StateRetrying, State(failState.Load()))
	require.ErrorIs(t, l.LastError(), bus.ErrNoResponse)
	assert.GreaterOrEqual(t, errs.Load(), int32(2))

	silent.Store(false)

	select {
	case m := <-replies:
		assert.Equal(t, bus.ActionVersion, m.Action())
	case <-time.After(waitFor):
		t.Fatal("loop did not recover")
	}
	require.Eventually(t, func() bool { return l.LastError() == nil }, waitFor, tick)
	assert.GreaterOrEqual(t, l.Stats().Successes, uint64(1))
}

func TestLoop_SendErrorIsFailed(t *testing.T) {
	boom := errors.New("boom")
	lg := logger.NewMockLogger().AllowAll()
	l := NewLoop(context.Background(), "broken", func(context.Context) (*bus.Pending, error) {
		return nil, boom
	}, WithBackoff(time.Hour, time.Hour), WithLoopLogger(lg))
	require.NoError(t, l.Start())
	defer l.Close()

	require.Eventually(t, func() bool { return l.State() == StateFailed }, waitFor, tick)
	require.ErrorIs(t, l.LastError(), boom)
	assert.Equal(t, uint64(1), l.Stats().Failures)
	require.Eventually(t, func() bool { return lg.Logged(logger.WarnLevel, "device cycle failed") }, waitFor, tick)
	lg.AssertCalled(t, "With", []any{"loop", "broken"})
}

func TestLoop_SkipsWhileSuspended(t *testing.T) {
	var cycles atomic.Int32
	s := &Suspender{}
	s.Suspend()

	l := NewLoop(context.Background(), "gated", func(context.Context) (*bus.Pending, error) {
		cycles.Add(1)
		return nil, nil
	}, WithInterval(5*time.Millisecond), WithSuspender(s))
	require.NoError(t, l.Start())
	defer l.Close()

	require.Eventually(t, func() bool { return l.Stats().Skipped >= 2 }, waitFor, tick)
	assert.Zero(t, cycles.Load())

	s.Resume()
	require.Eventually(t, func() bool { return cycles.Load() >= 1 }, waitFor, tick)
	assert.Same(t, s, l.Suspender())
}

func TestLoop_Trigger(t *testing.T) {
	var cycles atomic.Int32
	l := NewLoop(context.Background(), "manual", func(context.Context) (*bus.Pending, error) {
		cycles.Add(1)
		return nil, nil
	}, WithInterval(time.Hour))
	require.NoError(t, l.Start())
	defer l.Close()

	require.Eventually(t, func() bool { return cycles.Load() == 1 }, waitFor, tick)

	l.Trigger()
	require.Eventually(t, func() bool { return cycles.Load() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return l.State() == StateIdle }, waitFor, tick)
}

func TestLoop_CloseCancelsInflight(t *testing.T) {
	emu := bustest.NewEmulator(nil)
	conn := newTestConn(t, emu)

	pendings := make(chan *bus.Pending, 1)
	l := NewLoop(context.Background(), "slow", func(context.Context) (*bus.Pending, error) {
		p, err := conn.Send(frame.NewMessage(frame.ProtocolBroadcast, conn.Address(), 16, 197, nil),
			bus.WithReply(), bus.WithTimeout(time.Minute))
		if err == nil {
			pendings <- p
		}
		return p, err
	}, WithInterval(time.Hour))
	require.NoError(t, l.Start())

	var p *bus.Pending
	select {
	case p = <-pendings:
	case <-time.After(waitFor):
		t.Fatal("no request sent")
	}
	require.Eventually(t, func() bool { return l.State() == StateAwaitingReply }, waitFor, tick)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("request still pending after Close")
	}
	_, err := p.Result()
	require.ErrorIs(t, err, bus.ErrCanceled)
	assert.Equal(t, StateIdle, l.State())
	assert.False(t, l.Suspender().Suspended())
}

func TestLoop_StartTwiceAndAfterClose(t *testing.T) {
	l := NewLoop(context.Background(), "once", func(context.Context) (*bus.Pending, error) {
		return nil, nil
	})
	require.NoError(t, l.Start())
	require.ErrorIs(t, l.Start(), ErrLoopStarted)
	require.NoError(t, l.Close())

	l2 := NewLoop(context.Background(), "closed", func(context.Context) (*bus.Pending, error) {
		return nil, nil
	})
	require.NoError(t, l2.Close())
	require.ErrorIs(t, l2.Start(), ErrLoopClosed)
}

func TestCommand(t *testing.T) {
	var silent atomic.Bool
	emu := bustest.NewEmulator(versionReplies(&silent))
	conn := newTestConn(t, emu)

	msg := frame.NewMessage(frame.ProtocolBroadcast, conn.Address(), 16, bus.ActionGetVersion, nil)
	reply, err := Command(context.Background(), conn, msg, bus.WithReply())
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 110}, reply.Payload)

	silent.Store(true)
	_, err = Command(context.Background(), conn, msg.Clone(), bus.WithReply(), bus.WithRetries(2))
	var cerr *bus.CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.Attempts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = Command(ctx, conn, msg.Clone(), bus.WithReply(), bus.WithTimeout(time.Minute))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = Command(context.Background(), conn, nil)
	require.ErrorIs(t, err, bus.ErrMalformedRequest)
}

func TestStepLoop_Outcomes(t *testing.T) {
	reply := frame.NewChlorinatorMessage(0, 18, 60, 0)
	var calls atomic.Int32
	var replied atomic.Pointer[frame.Message]

	l := NewStepLoop(context.Background(), "steps", func(context.Context) (*frame.Message, error) {
		switch calls.Add(1) {
		case 1:
			return nil, nil
		case 2:
			return nil, errors.New("no port")
		default:
			return reply, nil
		}
	}, WithInterval(time.Hour), WithBackoff(time.Hour, time.Hour),
		WithReplyHandler(func(m *frame.Message) { replied.Store(m) }))
	require.NoError(t, l.Start())
	defer l.Close()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return l.State() == StateIdle }, waitFor, tick)

	l.Trigger()
	require.Eventually(t, func() bool { return l.State() == StateFailed }, waitFor, tick)
	assert.EqualError(t, l.LastError(), "no port")

	l.Trigger()
	require.Eventually(t, func() bool { return l.State() == StateSucceeded }, waitFor, tick)
	require.Eventually(t, func() bool { return replied.Load() == reply }, waitFor, tick)
	assert.Equal(t, LoopStats{Cycles: 3, Successes: 1, Failures: 1}, l.Stats())
}

package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerPool(t *testing.T) {
	t.Run("reused timer fires after new duration", func(t *testing.T) {
		t1 := GetTimer(time.Hour)
		PutTimer(t1)

		t2 := GetTimer(10 * time.Millisecond)
		select {
		case <-t2.C:
		case <-time.After(time.Second):
			assert.Fail(t, "timer did not fire")
		}
		PutTimer(t2)
	})

	t.Run("expired timer is drained on put", func(t *testing.T) {
		t1 := GetTimer(time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		PutTimer(t1)

		t2 := GetTimer(200 * time.Millisecond)
		defer PutTimer(t2)

		select {
		case <-t2.C:
			assert.Fail(t, "stale tick delivered")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("StopTimer on fired timer", func(t *testing.T) {
		tm := time.NewTimer(time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		StopTimer(tm)

		select {
		case <-tm.C:
			assert.Fail(t, "tick not drained")
		default:
		}
	})

	PutTimer(nil)
}

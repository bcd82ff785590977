// Package task manages the goroutines owned by a bus connection or device loop.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-poolbus/logger"
)

// ErrStopped is returned when starting a task on a stopped Manager.
var ErrStopped = errors.New("task: manager stopped")

// Func is one iteration of a looping task. Returning false ends the task.
type Func func(ctx context.Context) bool

// Manager starts named goroutines bound to a shared context, recovers their
// panics, and waits for them on shutdown.
//
// After Stop and Wait the Manager can be reused; Wait re-arms the context
// from the parent.
type Manager struct {
	pctx   context.Context
	logger logger.Logger

	mu     sync.RWMutex // protects ctx and cancel
	ctx    context.Context
	cancel context.CancelFunc

	wg     sync.WaitGroup
	waitMu sync.RWMutex // held by Wait, new tasks fail meanwhile
	count  atomic.Int32
}

// NewManager creates a Manager whose tasks stop when ctx is canceled.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the running tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start runs fn repeatedly in a new goroutine until it returns false or the
// manager is stopped.
func (mgr *Manager) Start(name string, fn Func) error {
	return mgr.spawn(name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !mgr.callBool(ctx, name, fn) {
				return
			}
		}
	})
}

// Go runs fn once in a new goroutine.
func (mgr *Manager) Go(name string, fn func(ctx context.Context)) error {
	return mgr.spawn(name, func(ctx context.Context) {
		mgr.call(name, func() { fn(ctx) })
	})
}

// StartConsumer calls fn for every value received from in, in order, until in
// is closed, quit is closed or the manager is stopped. A nil quit never
// fires. A panic in fn is logged and the consumer keeps running.
func StartConsumer[T any](mgr *Manager, name string, in <-chan T, quit <-chan struct{}, fn func(T)) error {
	if in == nil {
		return fmt.Errorf("task: %s input channel is nil", name)
	}

	return mgr.spawn(name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case v, ok := <-in:
				if !ok {
					mgr.logger.Debug("consumer channel closed", "task", name)
					return
				}
				mgr.call(name, func() { fn(v) })
			}
		}
	})
}

// Stop cancels the context of all running tasks.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cancel != nil {
		mgr.cancel()
	}
}

// Wait blocks until all tasks return, then re-arms the manager.
func (mgr *Manager) Wait() {
	mgr.waitMu.Lock()
	defer mgr.waitMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// Count returns the number of running tasks.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) spawn(name string, body func(ctx context.Context)) error {
	// tasks may spawn tasks, so fail instead of blocking on a running Wait
	if !mgr.waitMu.TryRLock() {
		return fmt.Errorf("start %s: %w", name, ErrStopped)
	}
	defer mgr.waitMu.RUnlock()

	ctx := mgr.Context()
	if ctx.Err() != nil {
		return fmt.Errorf("start %s: %w", name, ErrStopped)
	}

	mgr.logger.Debug("start task", "task", name)
	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "task", name, "task_count", mgr.Count())
		}()
		body(ctx)
	}()

	return nil
}

func (mgr *Manager) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "task", name, "panic", r)
		}
	}()

	fn()
}

func (mgr *Manager) callBool(ctx context.Context, name string, fn Func) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "task", name, "panic", r)
			ok = false
		}
	}()

	return fn(ctx)
}

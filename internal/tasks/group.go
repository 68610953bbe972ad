// Package tasks tracks background work started on behalf of a chat session, so teardown can cancel it
// and wait for it instead of leaving goroutines writing into state nobody reads anymore.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is reported for tasks submitted after the group was closed.
var ErrClosed = errors.New("task group closed")

// Result describes how a task finished.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Group runs named tasks under a shared cancellable context.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	onDone func(Result)
}

// NewGroup creates a Group derived from parent. onDone, when non-nil, is called once per task from the
// task's own goroutine.
func NewGroup(parent context.Context, onDone func(Result)) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		onDone: onDone,
	}
}

// Go starts fn in its own goroutine. It returns false, and reports ErrClosed, when the group is closed.
func (g *Group) Go(name string, fn func(ctx context.Context) error) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.report(Result{Name: name, Err: ErrClosed})
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		start := time.Now()
		err := fn(g.ctx)
		g.report(Result{Name: name, Err: err, Duration: time.Since(start)})
	}()
	return true
}

// Wait blocks until every started task has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Close cancels the group's context and waits for running tasks. It is safe to call more than once.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}

// Context returns the group's context; it is done once the group is closed.
func (g *Group) Context() context.Context {
	return g.ctx
}

func (g *Group) report(r Result) {
	if g.onDone != nil {
		g.onDone(r)
	}
}

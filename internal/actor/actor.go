// Package actor runs closures one at a time on a dedicated goroutine.
package actor

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("actor stopped")

// Loop is a single-writer mailbox. Work posted before Stop runs in order;
// work posted after Stop is dropped.
type Loop struct {
	inbox    chan func()
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func New(size int) *Loop {
	l := &Loop{
		inbox:  make(chan func(), size),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.done:
			return
		default:
		}
		select {
		case fn := <-l.inbox:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post queues fn. It reports false if the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for its result.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !l.Post(func() { res <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-l.done:
		// fn may be the closure that stopped the loop
		select {
		case err := <-res:
			return err
		case <-l.exited:
		}
		select {
		case err := <-res:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the loop after the closure currently running. Safe to call from
// inside a closure and more than once.
func (l *Loop) Stop() { l.stopOnce.Do(func() { close(l.done) }) }

func (l *Loop) Done() <-chan struct{} { return l.done }

// Package modelthread runs model mutations on a single goroutine.
package modelthread

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("model loop stopped")

// Loop owns all mutation of tables, selections and coloring. Workers hand
// results back with Do or Post.
type Loop struct {
	tasks chan func()
	done  chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// New starts a loop with a queue of the given depth.
func New(queue int) *Loop {
	if queue <= 0 {
		queue = 64
	}
	l := &Loop{
		tasks:   make(chan func(), queue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-l.stopped:
			// drain what was queued before Stop
			for {
				select {
				case fn := <-l.tasks:
					l.exec(fn)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ModelLoop] task panicked: %v", r)
		}
	}()
	fn()
}

// Do runs fn on the loop and waits for it. The context bounds the wait for
// a queue slot and for completion; once started fn always runs to the end.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	var err error
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		err = fn()
	}
	if err := l.enqueue(ctx, task); err != nil {
		return err
	}
	select {
	case <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post enqueues fn without waiting.
func (l *Loop) Post(fn func()) error {
	return l.enqueue(context.Background(), fn)
}

func (l *Loop) enqueue(ctx context.Context, fn func()) error {
	select {
	case <-l.stopped:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop runs the tasks already queued and then ends the loop.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
	<-l.done
}

package syncer

import (
	"context"
	"sync"
)

// Dispatcher runs functions one at a time, in submission order, on a single
// goroutine. Commits, local database registration and completion callbacks
// all go through it so they never run concurrently.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Async schedules fn and returns immediately. It never blocks, so it is safe
// to call from a function already running on the dispatcher.
func (d *Dispatcher) Async(fn func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Sync schedules fn and waits for it to finish. It must not be called from
// the dispatcher goroutine.
func (d *Dispatcher) Sync(fn func()) error {
	finished := make(chan struct{})
	if err := d.Async(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// Close stops accepting work, runs what is already queued and waits for the
// goroutine to exit. It must not be called from the dispatcher goroutine.
func (d *Dispatcher) Close() {
	d.stop()
	<-d.done
}

// stop is Close without the wait. Queued work still runs.
func (d *Dispatcher) stop() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// await runs fn on the dispatcher and waits for it or for ctx, whichever
// comes first. fn still runs if ctx ends while it is queued.
func (d *Dispatcher) await(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := d.Async(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

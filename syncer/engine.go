package syncer

import (
	"context"
	"sync"
)

// Engine ties the orchestrator, subscriptions and lifecycle together and
// serves the push path: notifications trigger pulls, and notifications that
// arrive during a pull coalesce into a single follow-up pull.
type Engine struct {
	orchestrator  *Orchestrator
	subscriptions *SubscriptionManager
	lifecycle     *LifecycleController

	mu             sync.Mutex
	running        bool
	pending        bool
	waiters        []func(error)
	pendingWaiters []func(error)
	subIDs         []string
}

func NewEngine(remote RemoteStore, objects []SyncObject, opts ...Option) (*Engine, error) {
	orchestrator, err := NewOrchestrator(remote, objects, opts...)
	if err != nil {
		return nil, err
	}
	return &Engine{
		orchestrator:  orchestrator,
		subscriptions: NewSubscriptionManager(remote, orchestrator.logger),
		lifecycle:     NewLifecycleController(objects, orchestrator.dispatcher, orchestrator.logger),
	}, nil
}

func (e *Engine) Orchestrator() *Orchestrator         { return e.orchestrator }
func (e *Engine) Lifecycle() *LifecycleController     { return e.lifecycle }
func (e *Engine) Subscriptions() *SubscriptionManager { return e.subscriptions }

// Start registers local storage, arranges cleanup for when ctx is done,
// runs the initial pull and then arms push subscriptions. The subscriptions
// are armed even when the pull fails. It returns the pull's error.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.RegisterLocalDatabase()
	e.lifecycle.StartObservingTermination(ctx.Done())

	done := make(chan error, 1)
	e.request(func(err error) { done <- err })
	err := <-done

	ids := e.subscriptions.EnsureSubscriptions(ctx, e.orchestrator.SyncObjects())
	e.mu.Lock()
	e.subIDs = ids
	e.mu.Unlock()
	return err
}

// SubscriptionIDs returns the IDs armed by Start.
func (e *Engine) SubscriptionIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.subIDs...)
}

// Trigger requests a pull in response to a push notification.
func (e *Engine) Trigger() {
	e.request(nil)
}

// SyncNow requests a pull and waits for the pull that covers it.
func (e *Engine) SyncNow(ctx context.Context) error {
	done := make(chan error, 1)
	e.request(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the orchestrator and cleans up local storage. It may be
// called from a fetch completion.
func (e *Engine) Close() error {
	if err := e.orchestrator.Close(); err != nil {
		return err
	}
	return e.lifecycle.CleanUp()
}

func (e *Engine) request(waiter func(error)) {
	e.mu.Lock()
	if e.running {
		e.pending = true
		if waiter != nil {
			e.pendingWaiters = append(e.pendingWaiters, waiter)
		}
		e.mu.Unlock()
		return
	}
	e.running = true
	if waiter != nil {
		e.waiters = append(e.waiters, waiter)
	}
	e.mu.Unlock()

	e.orchestrator.FetchChanges(e.finish)
}

func (e *Engine) finish(err error) {
	e.mu.Lock()
	waiters := e.waiters
	if e.pending {
		e.pending = false
		e.waiters = e.pendingWaiters
		e.pendingWaiters = nil
		e.mu.Unlock()
		e.orchestrator.FetchChanges(e.finish)
	} else {
		e.running = false
		e.waiters = nil
		e.mu.Unlock()
	}

	if err != nil {
		e.orchestrator.logger.Printf("Fetch changes failed: %v", err)
	}
	for _, w := range waiters {
		w(err)
	}
}

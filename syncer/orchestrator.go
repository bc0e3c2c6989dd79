package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/breez/public-sync/retry"
	"github.com/hashicorp/go-multierror"
)

const DefaultMaxRetries = 5

var (
	ErrClosed           = errors.New("syncer closed")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrUnclassified     = errors.New("unclassified remote error")
	ErrCursorMismatch   = errors.New("cursor belongs to another record type")

	// ErrMissingParent is returned by SyncObject.Add when the record's parent
	// is not stored yet. Such records are retried once every pass of the
	// same fetch has committed.
	ErrMissingParent = errors.New("parent record is missing")
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClassifier replaces the default retry policy.
func WithClassifier(c retry.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithMaxRetries bounds the retries of a single page. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) { o.maxRetries = n }
}

// WithDispatcher shares a dispatcher with other components. The caller
// keeps ownership and must close it after the orchestrator.
func WithDispatcher(d *Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator fetches every record type of its priority sequence from the
// remote store and commits the results parents first.
type Orchestrator struct {
	remote     RemoteStore
	objects    []SyncObject
	classifier retry.Classifier
	maxRetries int
	logger     *log.Logger
	metrics    *Metrics

	dispatcher     *Dispatcher
	ownsDispatcher bool

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator over objects, which must be
// ordered from parent families to child families. The order is never
// changed afterwards.
func NewOrchestrator(remote RemoteStore, objects []SyncObject, opts ...Option) (*Orchestrator, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("at least one sync object is required")
	}
	for i, obj := range objects {
		if obj == nil {
			return nil, fmt.Errorf("sync object %d is nil", i)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		remote:     remote,
		objects:    append([]SyncObject(nil), objects...),
		maxRetries: DefaultMaxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifier == nil {
		o.classifier = retry.NewPolicy(retry.DefaultDelay)
	}
	if o.logger == nil {
		o.logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.dispatcher == nil {
		o.dispatcher = NewDispatcher()
		o.ownsDispatcher = true
	}
	return o, nil
}

// SyncObjects returns the priority sequence.
func (o *Orchestrator) SyncObjects() []SyncObject {
	return append([]SyncObject(nil), o.objects...)
}

// Dispatcher returns the dispatcher completions are delivered on.
func (o *Orchestrator) Dispatcher() *Dispatcher {
	return o.dispatcher
}

// FetchChanges is FetchChangesContext with a background context.
func (o *Orchestrator) FetchChanges(completion func(error)) {
	o.FetchChangesContext(context.Background(), completion)
}

// FetchChangesContext starts one fetch pass per sync object. The passes run
// concurrently, each with its own change buffer. Records whose parent
// belongs to a family that commits later are held back and committed again
// after every pass has finished. completion is called exactly once on the
// dispatcher, with the combined error of the failed passes.
func (o *Orchestrator) FetchChangesContext(ctx context.Context, completion func(error)) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.deliver(completion, ErrClosed)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()

		passCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(o.ctx, cancel)
		defer func() {
			stop()
			cancel()
		}()

		// Only touched by commits, which run on the dispatcher.
		deferred := NewChangeBuffer()
		errs := make([]error, len(o.objects))
		var wg sync.WaitGroup
		for i, obj := range o.objects {
			wg.Add(1)
			go func(i int, recordType RecordType) {
				defer wg.Done()
				errs[i] = o.runPass(passCtx, recordType, deferred)
			}(i, obj.RecordType())
		}
		wg.Wait()

		var result *multierror.Error
		for _, err := range errs {
			if err != nil {
				result = multierror.Append(result, err)
			}
		}
		if passCtx.Err() == nil {
			var deferredErr error
			if err := o.dispatcher.await(passCtx, func() {
				deferredErr = o.commitDeferred(passCtx, deferred)
			}); err != nil {
				result = multierror.Append(result, o.closedOr(err))
			} else if deferredErr != nil {
				result = multierror.Append(result, fmt.Errorf("commit held back records: %w", deferredErr))
			}
		}
		o.deliver(completion, result.ErrorOrNil())
	}()
}

// Sync runs FetchChangesContext and waits for its completion.
func (o *Orchestrator) Sync(ctx context.Context) error {
	done := make(chan error, 1)
	o.FetchChangesContext(ctx, func(err error) { done <- err })
	return <-done
}

// Close cancels in-flight passes and pending retries and waits for them to
// report. It does not wait for the dispatcher: completions already queued
// still run there, so Close may be called from a completion. It is safe to
// call more than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	if o.ownsDispatcher {
		o.dispatcher.stop()
	}
	return nil
}

func (o *Orchestrator) deliver(completion func(error), err error) {
	if completion == nil {
		return
	}
	if o.dispatcher.Async(func() { completion(err) }) != nil {
		completion(err)
	}
}

// commit hands the buffered records to their owners walking the priority
// sequence, so every parent record is added before any child record.
// Records of types nobody claims are dropped. When deferred is not nil,
// records rejected with ErrMissingParent are moved there instead of
// failing the commit.
func (o *Orchestrator) commit(ctx context.Context, buffer *ChangeBuffer, deferred *ChangeBuffer) error {
	var result *multierror.Error
	for _, obj := range o.objects {
		for _, recordType := range obj.RecordTypes() {
			records := buffer.Take(recordType)
			added := 0
			for _, record := range records {
				if err := ctx.Err(); err != nil {
					return multierror.Append(result, o.closedOr(err)).ErrorOrNil()
				}
				err := obj.Add(ctx, record)
				if deferred != nil && errors.Is(err, ErrMissingParent) {
					deferred.Append(record)
					continue
				}
				if err != nil {
					o.logger.Printf("Failed to add %s record %s: %v", recordType, record.ID, err)
					result = multierror.Append(result, fmt.Errorf("add %s record %s: %w", recordType, record.ID, err))
					continue
				}
				added++
			}
			o.metrics.committed.WithLabelValues(string(recordType)).Add(float64(added))
		}
	}

	for recordType, n := range buffer.Reset() {
		o.logger.Printf("Dropping %d %s records: no sync object claims the type", n, recordType)
		o.metrics.dropped.WithLabelValues(string(recordType)).Add(float64(n))
	}
	return result.ErrorOrNil()
}

// commitDeferred commits held back records until every one is stored or a
// round stores none of them. The last round reports what is still missing.
func (o *Orchestrator) commitDeferred(ctx context.Context, deferred *ChangeBuffer) error {
	var result *multierror.Error
	for deferred.Len() > 0 {
		pending := deferred.Len()
		next := NewChangeBuffer()
		if err := o.commit(ctx, deferred, next); err != nil {
			result = multierror.Append(result, err)
		}
		if next.Len() == pending {
			if err := o.commit(ctx, next, nil); err != nil {
				result = multierror.Append(result, err)
			}
			break
		}
		deferred = next
	}
	return result.ErrorOrNil()
}

func (o *Orchestrator) closedOr(err error) error {
	if o.ctx.Err() != nil {
		return ErrClosed
	}
	return err
}

package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/breez/public-sync/retry"
)

type passState int

const (
	stateFetching passState = iota
	stateAwaitingRetry
	stateCommitting
	stateDone
	stateFailed
)

func (s passState) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case stateAwaitingRetry:
		return "awaiting_retry"
	case stateCommitting:
		return "committing"
	case stateDone:
		return "done"
	default:
		return "failed"
	}
}

// pass is one paginated fetch of a record type followed by a commit. Pages
// are fetched strictly one after the other; a retry reissues the page that
// failed and keeps everything buffered so far.
type pass struct {
	o          *Orchestrator
	recordType RecordType
	buffer     *ChangeBuffer
	deferred   *ChangeBuffer
	cursor     *Cursor
	state      passState
	retries    int
	delay      time.Duration
	err        error
}

func (o *Orchestrator) runPass(ctx context.Context, recordType RecordType, deferred *ChangeBuffer) error {
	p := &pass{
		o:          o,
		recordType: recordType,
		buffer:     NewChangeBuffer(),
		deferred:   deferred,
		state:      stateFetching,
	}
	for {
		switch p.state {
		case stateFetching:
			p.fetch(ctx)
		case stateAwaitingRetry:
			p.wait(ctx)
		case stateCommitting:
			p.commit(ctx)
		case stateDone:
			o.metrics.passes.WithLabelValues(string(recordType), "success").Inc()
			return nil
		case stateFailed:
			o.metrics.passes.WithLabelValues(string(recordType), "failure").Inc()
			o.logger.Printf("Fetch pass for %s failed: %v", recordType, p.err)
			return p.err
		}
	}
}

func (p *pass) fail(err error) {
	p.err = err
	p.state = stateFailed
}

func (p *pass) fetch(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		p.fail(p.o.closedOr(err))
		return
	}

	var page *Page
	var err error
	if p.cursor == nil {
		page, err = p.o.remote.Query(ctx, p.recordType)
	} else {
		page, err = p.o.remote.ResumeQuery(ctx, *p.cursor)
	}
	if err != nil && ctx.Err() != nil {
		p.fail(p.o.closedOr(ctx.Err()))
		return
	}

	decision := p.o.classifier.Classify(err)
	switch decision.Action {
	case retry.ActionSuccess:
		p.o.metrics.pages.WithLabelValues(string(p.recordType)).Inc()
		p.retries = 0
		if page == nil {
			page = &Page{}
		}
		p.buffer.Append(page.Records...)
		if page.Next == nil {
			p.state = stateCommitting
			return
		}
		if page.Next.RecordType() != p.recordType {
			p.fail(fmt.Errorf("query %s: %w: %q", p.recordType, ErrCursorMismatch, page.Next.RecordType()))
			return
		}
		next := *page.Next
		p.cursor = &next

	case retry.ActionRetry:
		p.retries++
		p.o.metrics.retries.WithLabelValues(string(p.recordType), decision.Kind.String()).Inc()
		if p.retries > p.o.maxRetries {
			p.fail(fmt.Errorf("query %s: %w after %d retries: %w", p.recordType, ErrRetriesExhausted, p.o.maxRetries, err))
			return
		}
		p.o.logger.Printf("Query %s failed (%v), retrying in %v", p.recordType, decision.Kind, decision.Delay)
		p.delay = decision.Delay
		p.state = stateAwaitingRetry

	case retry.ActionFatal:
		p.fail(fmt.Errorf("query %s: %w", p.recordType, err))

	default:
		p.fail(fmt.Errorf("query %s: %w: %w", p.recordType, ErrUnclassified, err))
	}
}

func (p *pass) wait(ctx context.Context) {
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		p.state = stateFetching
	case <-ctx.Done():
		p.fail(p.o.closedOr(ctx.Err()))
	}
}

func (p *pass) commit(ctx context.Context) {
	var commitErr error
	if err := p.o.dispatcher.await(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		commitErr = p.o.commit(ctx, p.buffer, p.deferred)
	}); err != nil {
		p.fail(p.o.closedOr(err))
		return
	}
	if commitErr != nil {
		p.fail(fmt.Errorf("commit %s: %w", p.recordType, commitErr))
		return
	}
	p.state = stateDone
}

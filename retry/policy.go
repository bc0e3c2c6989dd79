// Package retry classifies the outcome of remote store operations into
// success, retry after a delay, fatal, or ignore.
package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultDelay = time.Second

// Action is what the caller should do with an operation outcome.
type Action int

const (
	ActionSuccess Action = iota
	ActionRetry
	ActionFatal
	ActionIgnore
)

func (a Action) String() string {
	switch a {
	case ActionSuccess:
		return "success"
	case ActionRetry:
		return "retry"
	case ActionFatal:
		return "fatal"
	default:
		return "ignore"
	}
}

// Decision is the result of classifying an error. Delay is only meaningful
// for ActionRetry.
type Decision struct {
	Action Action
	Kind   Kind
	Delay  time.Duration
}

// Classifier turns an operation outcome into a Decision. Implementations
// must be pure: the same error always yields the same decision.
type Classifier interface {
	Classify(err error) Decision
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) Decision

func (f ClassifierFunc) Classify(err error) Decision {
	return f(err)
}

// Policy is the default Classifier. DefaultDelay is used when the server
// did not suggest a wait time.
type Policy struct {
	DefaultDelay time.Duration
}

// NewPolicy returns a policy that waits defaultDelay when the server gives
// no hint. A non-positive value selects DefaultDelay.
func NewPolicy(defaultDelay time.Duration) *Policy {
	if defaultDelay <= 0 {
		defaultDelay = DefaultDelay
	}
	return &Policy{DefaultDelay: defaultDelay}
}

func (p *Policy) Classify(err error) Decision {
	if err == nil {
		return Decision{Action: ActionSuccess}
	}

	kind, suggested := p.kindOf(err)
	switch kind {
	case KindTransientNetwork, KindRateLimited:
		delay := suggested
		if delay <= 0 {
			delay = p.DefaultDelay
		}
		return Decision{Action: ActionRetry, Kind: kind, Delay: delay}
	case KindPermissionDenied, KindSchemaMismatch:
		return Decision{Action: ActionFatal, Kind: kind}
	default:
		return Decision{Action: ActionIgnore, Kind: KindUnknown}
	}
}

func (p *Policy) kindOf(err error) (Kind, time.Duration) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind, tagged.RetryAfter
	}

	// Cancellation is the caller giving up, not the server failing.
	if errors.Is(err, context.Canceled) {
		return KindUnknown, 0
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return kindOfStatus(st)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork, 0
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindTransientNetwork, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransientNetwork, 0
	}
	return KindUnknown, 0
}

func kindOfStatus(st *status.Status) (Kind, time.Duration) {
	var suggested time.Duration
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			suggested = info.GetRetryDelay().AsDuration()
		}
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return KindTransientNetwork, suggested
	case codes.ResourceExhausted:
		return KindRateLimited, suggested
	case codes.PermissionDenied, codes.Unauthenticated:
		return KindPermissionDenied, 0
	case codes.FailedPrecondition, codes.InvalidArgument, codes.Unimplemented:
		return KindSchemaMismatch, 0
	default:
		return KindUnknown, 0
	}
}

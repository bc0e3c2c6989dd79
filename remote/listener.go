package remote

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/breez/public-sync/retry"
	"github.com/breez/public-sync/rpc"
	"github.com/cenkalti/backoff/v4"
)

// Listener keeps a TrackChanges stream open and reports every pushed change.
// Broken streams are reopened with exponential backoff.
type Listener struct {
	client          *Client
	subscriptionIDs []string
	onChange        func(*rpc.Notification)
	classifier      retry.Classifier
	logger          *log.Logger

	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewListener(client *Client, subscriptionIDs []string, onChange func(*rpc.Notification), logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.New(os.Stderr, "[listener] ", log.LstdFlags)
	}
	return &Listener{
		client:          client,
		subscriptionIDs: append([]string(nil), subscriptionIDs...),
		onChange:        onChange,
		classifier:      retry.NewPolicy(retry.DefaultDelay),
		logger:          logger,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     time.Minute,
	}
}

// Run listens until ctx is done or the server rejects the subscriptions
// permanently. It returns ctx.Err() on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.InitialInterval
	b.MaxInterval = l.MaxInterval
	b.MaxElapsedTime = 0

	operation := func() error {
		stream, err := l.client.TrackChanges(ctx, l.subscriptionIDs)
		if err != nil {
			return l.classify(ctx, err)
		}
		for {
			n, err := stream.Recv()
			if err != nil {
				return l.classify(ctx, err)
			}
			b.Reset()
			l.onChange(n)
		}
	}
	notify := func(err error, next time.Duration) {
		l.logger.Printf("change stream broken, reconnecting in %v: %v", next, err)
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (l *Listener) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	if l.classifier.Classify(err).Action == retry.ActionFatal {
		return backoff.Permanent(err)
	}
	return err
}

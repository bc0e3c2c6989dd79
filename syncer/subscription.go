package syncer

import (
	"context"
	"log"
	"os"

	"github.com/google/uuid"
)

// subscriptionNamespace seeds the name based subscription IDs, so every
// client derives the same ID for the same record type.
var subscriptionNamespace = uuid.MustParse("6f1c1b5e-4a52-4d38-9f0e-1d6a8f3f2c71")

// SubscriptionID is the stable subscription identifier of a record type.
func SubscriptionID(recordType RecordType) string {
	return uuid.NewSHA1(subscriptionNamespace, []byte(recordType)).String()
}

// SubscriptionManager arms one silent push subscription per record type.
// Arming is best effort: without a subscription the client still converges
// through pulls.
type SubscriptionManager struct {
	remote RemoteStore
	logger *log.Logger
}

func NewSubscriptionManager(remote RemoteStore, logger *log.Logger) *SubscriptionManager {
	if logger == nil {
		logger = log.New(os.Stderr, "[subscriptions] ", log.LstdFlags)
	}
	return &SubscriptionManager{remote: remote, logger: logger}
}

// SubscriptionFor builds the subscription of obj's primary record type.
func SubscriptionFor(obj SyncObject) Subscription {
	return Subscription{
		ID:         SubscriptionID(obj.RecordType()),
		RecordType: obj.RecordType(),
		Events:     AllEvents,
		Silent:     true,
	}
}

// EnsureSubscription creates or replaces obj's subscription. Errors are
// logged and swallowed.
func (m *SubscriptionManager) EnsureSubscription(ctx context.Context, obj SyncObject) {
	sub := SubscriptionFor(obj)
	if err := m.remote.CreateSubscription(ctx, sub); err != nil {
		m.logger.Printf("Failed to create subscription for %s: %v", sub.RecordType, err)
		return
	}
	m.logger.Printf("Subscription %s armed for %s", sub.ID, sub.RecordType)
}

// EnsureSubscriptions arms a subscription for every distinct primary record
// type of objects and returns the subscription IDs.
func (m *SubscriptionManager) EnsureSubscriptions(ctx context.Context, objects []SyncObject) []string {
	seen := make(map[RecordType]bool, len(objects))
	var ids []string
	for _, obj := range objects {
		if seen[obj.RecordType()] {
			continue
		}
		seen[obj.RecordType()] = true
		m.EnsureSubscription(ctx, obj)
		ids = append(ids, SubscriptionID(obj.RecordType()))
	}
	return ids
}

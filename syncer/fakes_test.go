package syncer

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

var discardLogger = log.New(io.Discard, "", 0)

type response struct {
	page *Page
	err  error
}

type remoteCall struct {
	key string
	at  time.Time
}

// fakeRemote replays scripted responses. Keys are "query:<type>" and
// "resume:<token>". The last response of a key repeats; unscripted keys
// return an empty, exhausted page.
type fakeRemote struct {
	mu            sync.Mutex
	responses     map[string][]response
	calls         []remoteCall
	gate          chan struct{}
	delays        map[string]time.Duration
	subscriptions []Subscription
	subscribeErr  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{responses: make(map[string][]response)}
}

func (f *fakeRemote) on(key string, responses ...response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = append(f.responses[key], responses...)
}

func (f *fakeRemote) next(ctx context.Context, key string) (*Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, remoteCall{key: key, at: time.Now()})
	gate := f.gate
	delay := f.delays[key]
	var r response
	queued := f.responses[key]
	switch {
	case len(queued) == 0:
		r = response{page: &Page{}}
	case len(queued) == 1:
		r = queued[0]
	default:
		r = queued[0]
		f.responses[key] = queued[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.page, r.err
}

func (f *fakeRemote) Query(ctx context.Context, recordType RecordType) (*Page, error) {
	return f.next(ctx, "query:"+string(recordType))
}

func (f *fakeRemote) ResumeQuery(ctx context.Context, cursor Cursor) (*Page, error) {
	return f.next(ctx, "resume:"+cursor.Token())
}

func (f *fakeRemote) CreateSubscription(ctx context.Context, sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	for i, existing := range f.subscriptions {
		if existing.ID == sub.ID {
			f.subscriptions[i] = sub
			return nil
		}
	}
	f.subscriptions = append(f.subscriptions, sub)
	return nil
}

func (f *fakeRemote) callKeys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, c := range f.calls {
		if prefix == "" || len(c.key) >= len(prefix) && c.key[:len(prefix)] == prefix {
			keys = append(keys, c.key)
		}
	}
	return keys
}

func (f *fakeRemote) callsOf(key string) []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var calls []remoteCall
	for _, c := range f.calls {
		if c.key == key {
			calls = append(calls, c)
		}
	}
	return calls
}

// addLog records adds across objects so tests can check global ordering.
type addLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *addLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *addLog) has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.HasSuffix(e, ":"+id) {
			return true
		}
	}
	return false
}

func (l *addLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeObject struct {
	primary RecordType
	types   []RecordType
	log     *addLog
	onAdd   func(Record)
	addErr  map[string]error
	// Reject records whose parent is not in log yet.
	requireParent bool

	mu          sync.Mutex
	registered  int
	cleanedUp   int
	registerErr error
	cleanUpErr  error
	cleanUpLog  *addLog
}

func newFakeObject(log *addLog, primary RecordType, extra ...RecordType) *fakeObject {
	return &fakeObject{
		primary: primary,
		types:   append([]RecordType{primary}, extra...),
		log:     log,
	}
}

func (o *fakeObject) RecordType() RecordType    { return o.primary }
func (o *fakeObject) RecordTypes() []RecordType { return o.types }

func (o *fakeObject) Add(ctx context.Context, r Record) error {
	if err := o.addErr[r.ID]; err != nil {
		return err
	}
	if o.requireParent && r.ParentID != "" && !o.log.has(r.ParentID) {
		return fmt.Errorf("%w: %s %s references %s", ErrMissingParent, r.Type, r.ID, r.ParentID)
	}
	if o.onAdd != nil {
		o.onAdd(r)
	}
	o.log.add(string(r.Type) + ":" + r.ID)
	return nil
}

func (o *fakeObject) RegisterLocalDatabase() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registered++
	return o.registerErr
}

func (o *fakeObject) CleanUp() error {
	o.mu.Lock()
	o.cleanedUp++
	o.mu.Unlock()
	if o.cleanUpLog != nil {
		o.cleanUpLog.add(string(o.primary))
	}
	return o.cleanUpErr
}

func (o *fakeObject) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registered, o.cleanedUp
}

func page(next string, recordType RecordType, records ...Record) response {
	p := &Page{Records: records}
	if next != "" {
		c := NewCursor(recordType, next)
		p.Next = &c
	}
	return response{page: p}
}

func failure(err error) response {
	return response{err: err}
}

func rec(recordType RecordType, id string) Record {
	return Record{Type: recordType, ID: id}
}

func recWithParent(recordType RecordType, id, parentID string) Record {
	return Record{Type: recordType, ID: id, ParentID: parentID}
}

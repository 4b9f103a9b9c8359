package convsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rootMsg(id, conv string, minute int) Message {
	return Message{ID: id, ConversationID: conv, SenderID: "u-" + id, Content: "msg " + id,
		CreatedAt: t0.Add(time.Duration(minute) * time.Minute), JoinCount: 1}
}

func replyMsg(id, conv, root string, minute int) Message {
	m := rootMsg(id, conv, minute)
	m.ThreadRootID = root
	return m
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func insertEnv(t *testing.T, ch Channel, row any) ChangeEnvelope {
	return ChangeEnvelope{Channel: ch, Type: ChangeInsert, New: rawJSON(t, row)}
}

func updateEnv(t *testing.T, ch Channel, row any) ChangeEnvelope {
	return ChangeEnvelope{Channel: ch, Type: ChangeUpdate, New: rawJSON(t, row)}
}

func deleteEnv(t *testing.T, ch Channel, row any) ChangeEnvelope {
	return ChangeEnvelope{Channel: ch, Type: ChangeDelete, Old: rawJSON(t, row)}
}

// ============================================================================
// fakeBackend
// ============================================================================

type fakeBackend struct {
	mu sync.Mutex

	messages   map[string][]Message
	threads    map[string][]Message
	reactions  []Reaction
	receipts   []Receipt
	joinCounts map[string]int

	fetchErr    error
	threadErr   error
	insertErr   error
	insertErrAt int // 1-based insert call that fails; 0 means every call
	writeErr    error
	joinErr     error

	// beforeFetch runs at the start of FetchMessages, outside the lock.
	beforeFetch func()
	// beforeWrite runs at the start of every write, outside the lock.
	beforeWrite func()
	// beforeJoin runs at the start of FetchJoinCounts, outside the lock.
	beforeJoin func()

	calls       map[string]int
	inserted    []Draft
	upserts     []Reaction
	deletes     [][2]string
	receiptOps  [][]Receipt
	updated     map[string]MessagePatch
	deletedMsgs []string
	joinQueries [][]string
	nextID      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:   make(map[string][]Message),
		threads:    make(map[string][]Message),
		joinCounts: make(map[string]int),
		calls:      make(map[string]int),
		updated:    make(map[string]MessagePatch),
	}
}

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBackend) setJoinCount(id string, n int) {
	b.mu.Lock()
	b.joinCounts[id] = n
	b.mu.Unlock()
}

func (b *fakeBackend) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if b.beforeFetch != nil {
		b.beforeFetch()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["fetchMessages"]++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return append([]Message(nil), b.messages[conversationID]...), nil
}

func (b *fakeBackend) FetchThread(ctx context.Context, rootID string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["fetchThread"]++
	if b.threadErr != nil {
		return nil, b.threadErr
	}
	return append([]Message(nil), b.threads[rootID]...), nil
}

func (b *fakeBackend) FetchReactions(ctx context.Context, ids []string) ([]Reaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["fetchReactions"]++
	want := toSet(ids)
	var out []Reaction
	for _, r := range b.reactions {
		if _, ok := want[r.MessageID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *fakeBackend) FetchReceipts(ctx context.Context, ids []string) ([]Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["fetchReceipts"]++
	want := toSet(ids)
	var out []Receipt
	for _, r := range b.receipts {
		if _, ok := want[r.MessageID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *fakeBackend) FetchJoinCounts(ctx context.Context, ids []string) (map[string]int, error) {
	if b.beforeJoin != nil {
		b.beforeJoin()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["fetchJoinCounts"]++
	b.joinQueries = append(b.joinQueries, append([]string(nil), ids...))
	if b.joinErr != nil {
		return nil, b.joinErr
	}
	out := make(map[string]int)
	for _, id := range ids {
		if n, ok := b.joinCounts[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (b *fakeBackend) InsertMessage(ctx context.Context, d Draft) (Message, error) {
	if b.beforeWrite != nil {
		b.beforeWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["insert"]++
	if b.insertErr != nil && (b.insertErrAt == 0 || b.insertErrAt == b.calls["insert"]) {
		return Message{}, b.insertErr
	}
	b.inserted = append(b.inserted, d)
	b.nextID++
	return Message{
		ID:             fmt.Sprintf("srv-%d", b.nextID),
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		MediaURL:       d.MediaURL,
		ThreadRootID:   d.ThreadRootID,
		CreatedAt:      t0.Add(time.Hour + time.Duration(b.nextID)*time.Second),
		JoinCount:      1,
	}, nil
}

func (b *fakeBackend) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	if b.beforeWrite != nil {
		b.beforeWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["update"]++
	if b.writeErr != nil {
		return b.writeErr
	}
	b.updated[id] = patch
	return nil
}

func (b *fakeBackend) DeleteMessage(ctx context.Context, id string) error {
	if b.beforeWrite != nil {
		b.beforeWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["deleteMessage"]++
	if b.writeErr != nil {
		return b.writeErr
	}
	b.deletedMsgs = append(b.deletedMsgs, id)
	return nil
}

func (b *fakeBackend) UpsertReaction(ctx context.Context, r Reaction) error {
	if b.beforeWrite != nil {
		b.beforeWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["upsertReaction"]++
	if b.writeErr != nil {
		return b.writeErr
	}
	b.upserts = append(b.upserts, r)
	return nil
}

func (b *fakeBackend) DeleteReaction(ctx context.Context, messageID, userID string) error {
	if b.beforeWrite != nil {
		b.beforeWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["deleteReaction"]++
	if b.writeErr != nil {
		return b.writeErr
	}
	b.deletes = append(b.deletes, [2]string{messageID, userID})
	return nil
}

func (b *fakeBackend) InsertReceipts(ctx context.Context, receipts []Receipt) error {
	if b.beforeWrite != nil {
		b.beforeWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["insertReceipts"]++
	if b.writeErr != nil {
		return b.writeErr
	}
	b.receiptOps = append(b.receiptOps, append([]Receipt(nil), receipts...))
	return nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// ============================================================================
// fakeUploader / fakeProfiles
// ============================================================================

type fakeUploader struct {
	mu    sync.Mutex
	fail  map[string]bool // by content type
	calls int
}

func (u *fakeUploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.fail[contentType] {
		return "", fmt.Errorf("%w: storage unavailable", ErrUpload)
	}
	return fmt.Sprintf("https://cdn.test/%d", u.calls), nil
}

type fakeProfiles struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *fakeProfiles) Resolve(ctx context.Context, userID string) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[userID]++
	return Profile{Username: "name-" + userID}, nil
}

func (p *fakeProfiles) count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[userID]
}

// ============================================================================
// fakeSubscriber
// ============================================================================

type fakeSubscription struct {
	filter  Filter
	onEvent func(ChangeEnvelope)
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	unsub   bool
}

func (s *fakeSubscription) Done() <-chan struct{} { return s.done }

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.unsub = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSubscription) drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

type fakeSubscriber struct {
	mu     sync.Mutex
	subs   map[Channel][]*fakeSubscription
	failFn func(Filter) error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: make(map[Channel][]*fakeSubscription)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, filter Filter, onEvent func(ChangeEnvelope)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFn != nil {
		if err := f.failFn(filter); err != nil {
			return nil, err
		}
	}
	s := &fakeSubscription{filter: filter, onEvent: onEvent, done: make(chan struct{})}
	f.subs[filter.Channel] = append(f.subs[filter.Channel], s)
	return s, nil
}

// latest returns the most recent subscription on ch.
func (f *fakeSubscriber) latest(ch Channel) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.subs[ch]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeSubscriber) count(ch Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[ch])
}

// push delivers env on the latest subscription of its channel, the way a
// transport read loop would.
func (f *fakeSubscriber) push(env ChangeEnvelope) {
	s := f.latest(env.Channel)
	if s == nil {
		panic("no subscription for " + string(env.Channel))
	}
	s.onEvent(env)
}

func (f *fakeSubscriber) setFail(fn func(Filter) error) {
	f.mu.Lock()
	f.failFn = fn
	f.mu.Unlock()
}

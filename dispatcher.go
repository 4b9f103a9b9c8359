package convsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChangeFeedDispatcher subscribes to the push channels of one conversation,
// normalizes their payloads into typed events and routes them to the
// stores.
//
// Channels are independent: each is read by its own goroutine, dropped
// channels are resubscribed with backoff, and every successful
// resubscription triggers a full resync to cover missed events.
type ChangeFeedDispatcher struct {
	subscriber  Subscriber
	store       *ConversationStore
	reactions   *ReactionAggregator
	receipts    *ReceiptTracker
	threads     *ThreadReconciler
	cfg         Config
	log         *zap.Logger
	metrics     *Metrics
	currentUser func() string
	now         func() time.Time

	// Engine hooks.
	resync   func(ctx context.Context) error
	evict    func(error)
	onChange func()
	onInsert func(Message)

	mu             sync.Mutex
	conversationID string
	runCtx         context.Context
	cancel         context.CancelFunc
	subs           map[Channel]Subscription
	pending        []pendingEvent // oldest first
	pendingSeq     uint64
	watchers       sync.WaitGroup
}

// pendingEvent is a reaction or receipt event waiting for its message.
type pendingEvent struct {
	seq       uint64
	messageID string
	ev        Event
	at        time.Time
}

// NewChangeFeedDispatcher wires a dispatcher to the stores it feeds.
func NewChangeFeedDispatcher(
	subscriber Subscriber,
	store *ConversationStore,
	reactions *ReactionAggregator,
	receipts *ReceiptTracker,
	threads *ThreadReconciler,
	cfg Config,
	log *zap.Logger,
	metrics *Metrics,
	currentUser func() string,
) *ChangeFeedDispatcher {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if currentUser == nil {
		currentUser = func() string { return "" }
	}
	return &ChangeFeedDispatcher{
		subscriber:  subscriber,
		store:       store,
		reactions:   reactions,
		receipts:    receipts,
		threads:     threads,
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		currentUser: currentUser,
		now:         time.Now,
		resync:      func(context.Context) error { return nil },
		evict:       func(error) {},
		onChange:    func() {},
		onInsert:    func(Message) {},
		subs:        make(map[Channel]Subscription),
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// Attach subscribes every channel for conversationID. A channel that fails
// to subscribe for transport reasons is retried in the background; an
// access failure aborts the attach.
func (d *ChangeFeedDispatcher) Attach(ctx context.Context, conversationID string) error {
	d.Detach()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d.mu.Lock()
	d.conversationID = conversationID
	d.runCtx = runCtx
	d.cancel = cancel
	d.mu.Unlock()

	for _, ch := range Channels {
		sub, err := d.subscribe(runCtx, ch)
		if err != nil {
			if IsAccessDenied(err) {
				d.Detach()
				return fmt.Errorf("subscribe %s: %w", ch, err)
			}
			d.log.Warn("subscribe failed; retrying in background", zap.String("channel", string(ch)), zap.Error(err))
		} else {
			d.setSub(ch, sub)
		}
		d.watchers.Add(1)
		go d.watch(runCtx, ch, sub)
	}
	d.log.Info("change feed attached", zap.String("conversation", conversationID))
	return nil
}

// Detach unsubscribes every channel and stops the resubscribe loops.
func (d *ChangeFeedDispatcher) Detach() {
	d.mu.Lock()
	cancel := d.cancel
	subs := d.subs
	d.cancel = nil
	d.runCtx = nil
	d.conversationID = ""
	d.subs = make(map[Channel]Subscription)
	d.pending = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	for ch, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			d.log.Debug("unsubscribe failed", zap.String("channel", string(ch)), zap.Error(err))
		}
	}
	d.watchers.Wait()
}

// Attached reports whether the dispatcher is subscribed to a conversation.
func (d *ChangeFeedDispatcher) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

func (d *ChangeFeedDispatcher) subscribe(ctx context.Context, ch Channel) (Subscription, error) {
	d.mu.Lock()
	conversationID := d.conversationID
	d.mu.Unlock()

	filter := Filter{Channel: ch}
	if ch != ChannelReactions {
		filter.ConversationID = conversationID
	}
	sub, err := d.subscriber.Subscribe(ctx, filter, func(env ChangeEnvelope) {
		if env.Channel == "" {
			env.Channel = ch
		}
		d.handle(env)
	})
	if err != nil {
		return nil, classify(err)
	}
	return sub, nil
}

func (d *ChangeFeedDispatcher) setSub(ch Channel, sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		_ = sub.Unsubscribe()
		return
	}
	d.subs[ch] = sub
}

// watch waits for sub to drop, then resubscribes with backoff and resyncs.
func (d *ChangeFeedDispatcher) watch(ctx context.Context, ch Channel, sub Subscription) {
	defer d.watchers.Done()
	bo := newBackoff(d.cfg)

	for {
		if sub != nil {
			bo.markHealthy()
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
			}
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("push channel dropped", zap.String("channel", string(ch)), zap.Error(sub.Err()))
		}

		sub = nil
		for sub == nil {
			if !bo.shouldRetry() {
				d.log.Error("giving up on push channel", zap.String("channel", string(ch)))
				return
			}
			delay := bo.next()
			d.log.Info("resubscribing", zap.String("channel", string(ch)), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			next, err := d.subscribe(ctx, ch)
			if err != nil {
				if IsAccessDenied(err) {
					d.evict(err)
					return
				}
				d.log.Warn("resubscribe failed", zap.String("channel", string(ch)), zap.Error(err))
				continue
			}
			sub = next
		}
		d.setSub(ch, sub)
		d.metrics.Resubscribes.Inc()

		if err := d.resync(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("resync after resubscribe failed", zap.String("channel", string(ch)), zap.Error(err))
		}
	}
}

// ============================================================================
// Routing
// ============================================================================

func (d *ChangeFeedDispatcher) handle(env ChangeEnvelope) {
	ev, err := Normalize(env)
	if err != nil {
		d.metrics.MalformedEvents.WithLabelValues(string(env.Channel)).Inc()
		d.log.Warn("dropping malformed event", zap.String("channel", string(env.Channel)), zap.Error(err))
		return
	}
	d.metrics.Events.WithLabelValues(string(env.Channel), EventName(ev)).Inc()
	d.Route(ev)
}

// Route applies a typed event to the stores. It is also the path used to
// apply the committed result of a local write, so a later echo of the same
// change is a no-op.
func (d *ChangeFeedDispatcher) Route(ev Event) {
	changed := false

	switch ev := ev.(type) {
	case MessageInserted:
		changed = d.routeInsert(ev.Message)

	case MessageUpdated:
		fields := ev.Patch
		fields.JoinCount = nil
		if !fields.IsEmpty() {
			changed = d.store.ApplyUpdate(ev.ID, fields)
		}
		if ev.Patch.JoinCount != nil {
			// ApplyServerCount notifies on its own.
			d.threads.ApplyServerCount(ev.ID, *ev.Patch.JoinCount)
		}

	case MessageDeleted:
		changed = d.store.ApplyDelete(ev.ID)
		d.dropPending(ev.ID)

	case ReactionChanged:
		if !d.store.Contains(ev.Reaction.MessageID) {
			d.buffer(ev.Reaction.MessageID, ev)
			return
		}
		changed = d.reactions.Apply(ev)

	case ReceiptAdded:
		if !d.store.Contains(ev.Receipt.MessageID) {
			d.buffer(ev.Receipt.MessageID, ev)
			return
		}
		changed = d.receipts.Apply(ev)

	case ReceiptRemoved:
		if !d.store.Contains(ev.Receipt.MessageID) {
			d.buffer(ev.Receipt.MessageID, ev)
			return
		}
		changed = d.receipts.Apply(ev)

	case MembershipChanged:
		m := ev.Membership
		if ev.Removed && m.UserID == d.currentUser() && m.ConversationID == d.store.ConversationID() {
			d.evict(fmt.Errorf("%w: removed from conversation %s", ErrAccessDenied, m.ConversationID))
		}
	}

	if changed {
		d.onChange()
	}
}

func (d *ChangeFeedDispatcher) routeInsert(m Message) bool {
	if current := d.store.ConversationID(); current == "" || m.ConversationID != current {
		return false
	}
	changed := d.store.ApplyInsert(m)
	if m.IsRoot() {
		d.threads.Observe([]Message{m})
	} else {
		d.threads.OnReplyInserted(d.context(), m)
	}
	if changed {
		d.onInsert(m)
	}
	// A reply to a closed thread is not stored; its events stay buffered.
	if d.store.Contains(m.ID) && d.flushPending(m.ID) {
		changed = true
	}
	return changed
}

func (d *ChangeFeedDispatcher) context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runCtx != nil {
		return d.runCtx
	}
	return context.Background()
}

// ============================================================================
// Out-of-order buffer
// ============================================================================

// buffer holds an event whose message is not visible yet. Expired
// entries are dropped first; when the buffer is still full the oldest
// entry makes room, so events for messages that never arrive age out.
func (d *ChangeFeedDispatcher) buffer(messageID string, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.expireLocked(now)
	if len(d.pending) >= d.cfg.PendingEventLimit {
		oldest := d.pending[0]
		d.log.Debug("pending buffer full; dropping oldest event",
			zap.String("message", oldest.messageID), zap.String("event", EventName(oldest.ev)))
		d.pending = append(d.pending[:0], d.pending[1:]...)
	}
	d.pendingSeq++
	d.pending = append(d.pending, pendingEvent{seq: d.pendingSeq, messageID: messageID, ev: ev, at: now})
}

func (d *ChangeFeedDispatcher) expireLocked(now time.Time) {
	kept := d.pending[:0]
	for _, p := range d.pending {
		if now.Sub(p.at) < d.cfg.PendingEventTTL {
			kept = append(kept, p)
		}
	}
	d.pending = kept
}

// takePendingLocked removes and returns the events of messageID, in
// arrival order.
func (d *ChangeFeedDispatcher) takePendingLocked(messageID string) []Event {
	var events []Event
	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.messageID == messageID {
			events = append(events, p.ev)
			continue
		}
		kept = append(kept, p)
	}
	d.pending = kept
	return events
}

func (d *ChangeFeedDispatcher) flushPending(messageID string) bool {
	d.mu.Lock()
	d.expireLocked(d.now())
	events := d.takePendingLocked(messageID)
	d.mu.Unlock()

	changed := false
	for _, ev := range events {
		switch ev := ev.(type) {
		case ReactionChanged:
			changed = d.reactions.Apply(ev) || changed
		case ReceiptAdded, ReceiptRemoved:
			changed = d.receipts.Apply(ev) || changed
		}
	}
	return changed
}

func (d *ChangeFeedDispatcher) dropPending(messageID string) {
	d.mu.Lock()
	d.takePendingLocked(messageID)
	d.mu.Unlock()
}

// pendingMark returns the sequence of the newest buffered event. A reload
// that starts now passes it to settlePending when it completes.
func (d *ChangeFeedDispatcher) pendingMark() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingSeq
}

// settlePending finishes a reload that started at mark. Events buffered
// before mark are covered by the fetched state and dropped. Later ones
// are kept, and applied now if their message became visible.
func (d *ChangeFeedDispatcher) settlePending(mark uint64) bool {
	d.mu.Lock()
	kept := d.pending[:0]
	var ids []string
	seen := make(map[string]struct{})
	for _, p := range d.pending {
		if p.seq <= mark {
			continue
		}
		kept = append(kept, p)
		if _, ok := seen[p.messageID]; !ok {
			seen[p.messageID] = struct{}{}
			ids = append(ids, p.messageID)
		}
	}
	d.pending = kept
	d.mu.Unlock()

	changed := false
	for _, id := range ids {
		if d.store.Contains(id) && d.flushPending(id) {
			changed = true
		}
	}
	return changed
}

// PendingCount returns the number of buffered events.
func (d *ChangeFeedDispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

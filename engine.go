package convsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Engine notifications passed to On handlers.
const (
	// EventStateChanged fires after any change visible in Snapshot. Payload: nil.
	EventStateChanged = "state.changed"
	// EventEvicted fires once per conversation when access is lost. Payload: error.
	EventEvicted = "evicted"
	// EventSendFailed fires when a message insert fails. Payload: error.
	EventSendFailed = "send.failed"
	// EventSenderResolved fires for the first message of each sender. Payload: SenderResolved.
	EventSenderResolved = "sender.resolved"
	// EventResynced fires after a full reload. Payload: conversation id.
	EventResynced = "resynced"
)

// EventHandler receives engine notifications.
type EventHandler func(event string, payload any)

// SenderResolved is the payload of EventSenderResolved.
type SenderResolved struct {
	UserID  string
	Profile Profile
}

// ============================================================================
// Emitter
// ============================================================================

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       *zap.Logger
}

// On registers handler for event. Handlers run synchronously on the
// goroutine that caused the change and must not block.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			h(event, payload)
		}()
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps one open conversation in sync with the backend and exposes
// it as snapshots plus change notifications.
type Engine struct {
	emitter

	cfg        Config
	log        *zap.Logger
	registerer prometheus.Registerer
	uploader   MediaUploader
	profiles   ProfileResolver

	backend    Backend
	subscriber Subscriber
	auth       AuthSession
	metrics    *Metrics

	store      *ConversationStore
	reactions  *ReactionAggregator
	receipts   *ReceiptTracker
	threads    *ThreadReconciler
	dispatcher *ChangeFeedDispatcher
	writer     *OptimisticWriteCoordinator

	// lifecycle serializes Open, Close and eviction teardown.
	lifecycle sync.Mutex

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	evicted bool
	senders map[string]struct{}
}

// New creates an engine. If backend also implements MediaUploader it is
// used for attachments unless WithUploader overrides it.
func New(backend Backend, subscriber Subscriber, auth AuthSession, opts ...Option) *Engine {
	e := &Engine{
		backend:    backend,
		subscriber: subscriber,
		auth:       auth,
		log:        zap.NewNop(),
		senders:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.defaults()
	if e.uploader == nil {
		if u, ok := backend.(MediaUploader); ok {
			e.uploader = u
		}
	}
	e.emitter = emitter{listeners: make(map[string][]EventHandler), log: e.log}
	e.metrics = NewMetrics(e.registerer)

	e.store = NewConversationStore(backend, e.log.Named("store"))
	e.reactions = NewReactionAggregator(e.currentUser, e.cfg.EchoWindow)
	e.receipts = NewReceiptTracker()
	e.threads = NewThreadReconciler(e.store, backend, e.cfg, e.log.Named("threads"), e.metrics)
	e.dispatcher = NewChangeFeedDispatcher(subscriber, e.store, e.reactions, e.receipts, e.threads,
		e.cfg, e.log.Named("dispatcher"), e.metrics, e.currentUser)
	e.writer = NewOptimisticWriteCoordinator(backend, e.uploader, e.store, e.reactions, e.receipts,
		e.dispatcher, e.currentUser, e.log.Named("writer"), e.metrics)

	e.store.OnDelete(func(id string) {
		e.reactions.Purge(id)
		e.receipts.Purge(id)
	})
	e.threads.onChange = e.changed
	e.threads.onDenied = e.evict
	e.dispatcher.resync = e.Resync
	e.dispatcher.evict = e.evict
	e.dispatcher.onChange = e.changed
	e.dispatcher.onInsert = e.observeSender
	e.writer.evict = e.evict
	e.writer.isEvicted = e.Evicted
	e.writer.onChange = e.changed
	e.writer.sendFailed = func(err error) { e.emit(EventSendFailed, err) }
	return e
}

func (e *Engine) currentUser() string {
	if e.auth == nil {
		return ""
	}
	return e.auth.CurrentUserID()
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// ConversationID returns the open conversation, "" if none.
func (e *Engine) ConversationID() string { return e.store.ConversationID() }

// Evicted reports whether the open conversation was lost to an access
// revocation.
func (e *Engine) Evicted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evicted
}

// ============================================================================
// Lifecycle
// ============================================================================

// Open leaves any open conversation, loads conversationID with its
// reactions and receipts, subscribes to the push feed and starts the
// join-count repair loop.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.closeLocked()

	e.mu.Lock()
	e.evicted = false
	e.senders = make(map[string]struct{})
	e.mu.Unlock()

	// Subscribe before the initial fetch. Events routed while it is in
	// flight are replayed over its result.
	e.store.Replace(conversationID, nil)
	err := e.dispatcher.Attach(ctx, conversationID)
	if err == nil {
		err = e.load(ctx, conversationID)
	}
	if err != nil {
		e.dispatcher.Detach()
		if IsAccessDenied(err) {
			e.evict(err)
		} else {
			e.store.Reset()
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.runCtx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		e.threads.Run(runCtx)
	}()

	e.log.Info("conversation opened", zap.String("conversation", conversationID))
	e.changed()
	return nil
}

// Close leaves the open conversation. In-flight writes are abandoned and
// their results discarded.
func (e *Engine) Close() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.closeLocked()
}

func (e *Engine) closeLocked() {
	e.stopLocked()
	e.store.Reset()
	e.reactions.Reset()
	e.receipts.Reset()
	e.threads.Reset()
	e.writer.Reset()
}

// stopLocked detaches the feed and stops the repair loop.
func (e *Engine) stopLocked() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runCtx = nil
	e.mu.Unlock()

	e.dispatcher.Detach()
	if cancel != nil {
		cancel()
	}
	e.loops.Wait()
}

// Resync reloads the open conversation, its reactions, receipts and open
// threads, replacing local state wholesale.
func (e *Engine) Resync(ctx context.Context) error {
	if e.Evicted() {
		return ErrEvicted
	}
	conversationID := e.store.ConversationID()
	if conversationID == "" {
		return ErrNotOpen
	}
	if err := e.load(ctx, conversationID); err != nil {
		if errors.Is(err, ErrStaleWrite) {
			return nil
		}
		if IsAccessDenied(err) {
			e.evict(err)
		}
		return err
	}
	for _, rootID := range e.store.OpenThreads() {
		if _, err := e.OpenThread(ctx, rootID); err != nil && !errors.Is(err, ErrStaleWrite) {
			e.log.Warn("thread reload failed", zap.String("root", rootID), zap.Error(err))
		}
	}
	e.emit(EventResynced, conversationID)
	e.changed()
	return nil
}

// load replaces the store, reactions and receipts with server state.
// Changes routed while the fetches are in flight are replayed on top.
func (e *Engine) load(ctx context.Context, conversationID string) error {
	mark := e.dispatcher.pendingMark()
	reactionLog := e.reactions.beginReload()
	receiptLog := e.receipts.beginReload()
	committed := false
	defer func() {
		if !committed {
			e.reactions.abortReload(reactionLog)
			e.receipts.abortReload(receiptLog)
		}
	}()

	msgs, err := e.store.Load(ctx, conversationID)
	if err != nil {
		return err
	}
	current, gen := e.store.Session()
	ids := e.store.VisibleIDs()

	reactions, err := e.backend.FetchReactions(ctx, ids)
	if err != nil {
		return fmt.Errorf("load reactions: %w", classify(err))
	}
	receipts, err := e.backend.FetchReceipts(ctx, ids)
	if err != nil {
		return fmt.Errorf("load receipts: %w", classify(err))
	}
	if c, g := e.store.Session(); c != current || g != gen {
		return ErrStaleWrite
	}

	e.reactions.replaceSince(reactions, reactionLog)
	e.receipts.replaceSince(receipts, receiptLog)
	committed = true
	e.threads.Observe(msgs)
	e.dispatcher.settlePending(mark)
	e.metrics.Resyncs.Inc()
	for _, m := range msgs {
		e.observeSender(m)
	}
	e.log.Debug("conversation loaded", zap.String("conversation", conversationID),
		zap.Int("messages", len(msgs)), zap.Int("reactions", len(reactions)), zap.Int("receipts", len(receipts)))
	return nil
}

// evict marks the conversation lost, once, and tears down its feed.
func (e *Engine) evict(cause error) {
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return
	}
	e.evicted = true
	_, gen := e.store.Session()
	e.mu.Unlock()

	e.metrics.Evictions.Inc()
	e.log.Warn("evicted from conversation", zap.String("conversation", e.store.ConversationID()), zap.Error(cause))

	// Eviction can be raised from a feed goroutine, which Detach waits on.
	go func() {
		e.lifecycle.Lock()
		defer e.lifecycle.Unlock()
		if _, g := e.store.Session(); g == gen {
			e.stopLocked()
		}
	}()

	e.emit(EventEvicted, cause)
	e.changed()
}

func (e *Engine) changed() {
	e.emit(EventStateChanged, nil)
}

// observeSender resolves the profile of a sender seen for the first time
// in this session.
func (e *Engine) observeSender(m Message) {
	if e.profiles == nil || m.SenderID == "" {
		return
	}
	e.mu.Lock()
	if _, seen := e.senders[m.SenderID]; seen {
		e.mu.Unlock()
		return
	}
	e.senders[m.SenderID] = struct{}{}
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	go func(userID string) {
		p, err := e.profiles.Resolve(ctx, userID)
		if err != nil {
			e.log.Debug("profile lookup failed", zap.String("user", userID), zap.Error(err))
			return
		}
		e.emit(EventSenderResolved, SenderResolved{UserID: userID, Profile: p})
	}(m.SenderID)
}

// ============================================================================
// Views
// ============================================================================

// Snapshot derives the current view of the open conversation.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		ConversationID: e.store.ConversationID(),
		Messages:       e.views(e.store.Messages()),
		Draft:          e.writer.Draft(),
		Evicted:        e.Evicted(),
	}
}

// ThreadSnapshot returns the replies of an open thread.
func (e *Engine) ThreadSnapshot(rootID string) ([]MessageView, bool) {
	msgs, ok := e.store.ThreadMessages(rootID)
	if !ok {
		return nil, false
	}
	return e.views(msgs), true
}

func (e *Engine) views(msgs []Message) []MessageView {
	me := e.currentUser()
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := MessageView{
			Message:   m,
			Reactions: e.reactions.Snapshot(m.ID),
			ReadBy:    e.receipts.Readers(m.ID),
			ReadByMe:  me != "" && e.receipts.IsReadBy(m.ID, me),
		}
		if m.IsRoot() {
			v.HasThread = e.threads.HasThread(m.ID)
		}
		views = append(views, v)
	}
	return views
}

// OpenThread loads the replies of rootID and keeps them updated until
// CloseThread.
func (e *Engine) OpenThread(ctx context.Context, rootID string) ([]MessageView, error) {
	if e.Evicted() {
		return nil, ErrEvicted
	}
	replies, err := e.store.OpenThread(ctx, rootID)
	if err != nil {
		if IsAccessDenied(err) {
			e.evict(err)
		}
		return nil, err
	}
	current, gen := e.store.Session()

	ids := make([]string, 0, len(replies))
	for _, m := range replies {
		ids = append(ids, m.ID)
	}
	if len(ids) > 0 {
		reactions, err := e.backend.FetchReactions(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load thread reactions: %w", classify(err))
		}
		receipts, err := e.backend.FetchReceipts(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load thread receipts: %w", classify(err))
		}
		if c, g := e.store.Session(); c != current || g != gen {
			return nil, ErrStaleWrite
		}
		for _, r := range reactions {
			e.reactions.Apply(ReactionChanged{Reaction: r})
		}
		for _, r := range receipts {
			e.receipts.Add(r)
		}
	}
	for _, m := range replies {
		e.observeSender(m)
	}
	e.changed()
	views, _ := e.ThreadSnapshot(rootID)
	return views, nil
}

// CloseThread stops tracking the replies of rootID.
func (e *Engine) CloseThread(rootID string) {
	e.store.CloseThread(rootID)
	e.changed()
}

// ============================================================================
// Writes
// ============================================================================

// SetDraft replaces the compose text.
func (e *Engine) SetDraft(text string) {
	e.writer.SetDraft(text)
	e.changed()
}

// Draft returns the compose text.
func (e *Engine) Draft() string { return e.writer.Draft() }

// SendMessage submits text and attachments to the open conversation.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	return e.writer.SendMessage(ctx, req)
}

// ToggleReaction sets, replaces or removes the current user's emoji.
func (e *Engine) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return e.writer.ToggleReaction(ctx, messageID, emoji)
}

// MarkRead records the current user as a reader of ids.
func (e *Engine) MarkRead(ctx context.Context, ids []string) error {
	return e.writer.MarkRead(ctx, ids)
}

// DeleteMessage deletes a message.
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	return e.writer.DeleteMessage(ctx, id)
}

// EditMessage replaces the content of a message.
func (e *Engine) EditMessage(ctx context.Context, id, content string) error {
	return e.writer.EditMessage(ctx, id, content)
}

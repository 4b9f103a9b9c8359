package convsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendRequest is one compose submission.
type SendRequest struct {
	// ConversationID defaults to the open conversation.
	ConversationID string
	Text           string
	Attachments    []Attachment
	// ThreadRootID sends every unit as a reply in that thread.
	ThreadRootID string
}

// SendResult lists what a send committed.
type SendResult struct {
	Messages          []Message
	FailedAttachments []AttachmentError
}

// AttachmentError is the upload failure of one attachment.
type AttachmentError struct {
	Name string
	Err  error
}

func (e AttachmentError) Error() string {
	return fmt.Sprintf("attachment %s: %v", e.Name, e.Err)
}

func (e AttachmentError) Unwrap() error { return e.Err }

// session pins a write to the conversation it was issued for.
type session struct {
	conversationID string
	generation     uint64
}

// OptimisticWriteCoordinator issues writes and applies their committed
// results through the dispatcher, so the later push echo is a no-op.
type OptimisticWriteCoordinator struct {
	backend     Backend
	uploader    MediaUploader
	store       *ConversationStore
	reactions   *ReactionAggregator
	receipts    *ReceiptTracker
	dispatcher  *ChangeFeedDispatcher
	currentUser func() string
	log         *zap.Logger
	metrics     *Metrics

	// Engine hooks.
	evict      func(error)
	isEvicted  func() bool
	onChange   func()
	sendFailed func(error)

	mu      sync.Mutex
	draft   string
	reading map[string]struct{}
}

// NewOptimisticWriteCoordinator wires a coordinator to the stores it updates.
func NewOptimisticWriteCoordinator(
	backend Backend,
	uploader MediaUploader,
	store *ConversationStore,
	reactions *ReactionAggregator,
	receipts *ReceiptTracker,
	dispatcher *ChangeFeedDispatcher,
	currentUser func() string,
	log *zap.Logger,
	metrics *Metrics,
) *OptimisticWriteCoordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if currentUser == nil {
		currentUser = func() string { return "" }
	}
	return &OptimisticWriteCoordinator{
		backend:     backend,
		uploader:    uploader,
		store:       store,
		reactions:   reactions,
		receipts:    receipts,
		dispatcher:  dispatcher,
		currentUser: currentUser,
		log:         log,
		metrics:     metrics,
		evict:       func(error) {},
		isEvicted:   func() bool { return false },
		onChange:    func() {},
		sendFailed:  func(error) {},
		reading:     make(map[string]struct{}),
	}
}

// ============================================================================
// Draft
// ============================================================================

// SetDraft replaces the compose text.
func (w *OptimisticWriteCoordinator) SetDraft(text string) {
	w.mu.Lock()
	w.draft = text
	w.mu.Unlock()
}

// Draft returns the compose text.
func (w *OptimisticWriteCoordinator) Draft() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft
}

// restoreDraft puts text back unless the user has typed something new.
func (w *OptimisticWriteCoordinator) restoreDraft(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draft == "" {
		w.draft = text
	}
}

// Reset clears the draft and the in-flight receipt set.
func (w *OptimisticWriteCoordinator) Reset() {
	w.mu.Lock()
	w.draft = ""
	w.reading = make(map[string]struct{})
	w.mu.Unlock()
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage uploads each attachment, then inserts the text and one
// message per uploaded attachment, in that order. The draft is cleared up
// front and restored if the text insert fails. Attachment upload failures
// are reported in the result and do not block the remaining units.
func (w *OptimisticWriteCoordinator) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	var res SendResult

	s, err := w.begin(req.ConversationID)
	if err != nil {
		return res, err
	}
	sender := w.currentUser()
	if req.Text == "" && len(req.Attachments) == 0 {
		return res, nil
	}

	w.mu.Lock()
	w.draft = ""
	w.mu.Unlock()
	w.onChange()

	var drafts []Draft
	if req.Text != "" {
		drafts = append(drafts, w.newDraft(s, sender, req.ThreadRootID, req.Text, ""))
	}
	for _, a := range req.Attachments {
		url, err := w.upload(ctx, a)
		if err != nil {
			w.log.Warn("attachment upload failed", zap.String("name", a.Name), zap.Error(err))
			res.FailedAttachments = append(res.FailedAttachments, AttachmentError{Name: a.Name, Err: err})
			continue
		}
		drafts = append(drafts, w.newDraft(s, sender, req.ThreadRootID, "", url))
	}

	for i, d := range drafts {
		msg, err := w.backend.InsertMessage(ctx, d)
		if err != nil {
			err = w.fail("send", s, err)
			if errors.Is(err, ErrStaleWrite) {
				return res, err
			}
			if i == 0 && req.Text != "" {
				w.restoreDraft(req.Text)
				w.onChange()
			}
			err = fmt.Errorf("%w: %w", ErrSendFailed, err)
			w.sendFailed(err)
			return res, err
		}
		if !w.current(s) {
			w.metrics.write("send", ErrStaleWrite)
			return res, ErrStaleWrite
		}
		w.metrics.write("send", nil)
		res.Messages = append(res.Messages, msg)
		w.dispatcher.Route(MessageInserted{Message: msg.normalized()})
	}
	return res, nil
}

func (w *OptimisticWriteCoordinator) newDraft(s session, sender, threadRootID, text, mediaURL string) Draft {
	return Draft{
		ClientID:       uuid.NewString(),
		ConversationID: s.conversationID,
		SenderID:       sender,
		Content:        text,
		MediaURL:       mediaURL,
		ThreadRootID:   threadRootID,
	}
}

func (w *OptimisticWriteCoordinator) upload(ctx context.Context, a Attachment) (string, error) {
	if w.uploader == nil {
		return "", fmt.Errorf("%w: no media uploader configured", ErrUpload)
	}
	url, err := w.uploader.Upload(ctx, a.Data, a.ContentType)
	if err != nil {
		if !errors.Is(err, ErrUpload) {
			err = fmt.Errorf("%w: %w", ErrUpload, err)
		}
		return "", err
	}
	return url, nil
}

// DeleteMessage deletes id on the backend and removes it locally.
func (w *OptimisticWriteCoordinator) DeleteMessage(ctx context.Context, id string) error {
	s, err := w.begin("")
	if err != nil {
		return err
	}
	if err := w.backend.DeleteMessage(ctx, id); err != nil {
		return w.fail("delete", s, err)
	}
	if !w.current(s) {
		w.metrics.write("delete", ErrStaleWrite)
		return ErrStaleWrite
	}
	w.metrics.write("delete", nil)
	w.dispatcher.Route(MessageDeleted{ID: id})
	return nil
}

// EditMessage replaces the content of id.
func (w *OptimisticWriteCoordinator) EditMessage(ctx context.Context, id, content string) error {
	s, err := w.begin("")
	if err != nil {
		return err
	}
	patch := MessagePatch{Content: &content}
	if err := w.backend.UpdateMessage(ctx, id, patch); err != nil {
		return w.fail("edit", s, err)
	}
	if !w.current(s) {
		w.metrics.write("edit", ErrStaleWrite)
		return ErrStaleWrite
	}
	w.metrics.write("edit", nil)
	w.dispatcher.Route(MessageUpdated{ID: id, Patch: patch})
	return nil
}

// ============================================================================
// Reactions
// ============================================================================

// ToggleReaction removes the current user's emoji on messageID if it is
// the same one, otherwise sets it, replacing any other emoji in a single
// upsert. The local view changes before the write and is reverted if the
// write fails.
func (w *OptimisticWriteCoordinator) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	s, err := w.begin("")
	if err != nil {
		return err
	}
	userID := w.currentUser()
	if userID == "" {
		return fmt.Errorf("toggle reaction: %w", ErrNotOpen)
	}

	target := emoji
	if held, ok := w.reactions.UserReaction(messageID, userID); ok && held == emoji {
		target = ""
	}
	prev := w.reactions.SetLocal(messageID, target)
	w.onChange()

	op := "reaction.set"
	if target == "" {
		op = "reaction.remove"
		err = w.backend.DeleteReaction(ctx, messageID, userID)
	} else {
		err = w.backend.UpsertReaction(ctx, Reaction{MessageID: messageID, UserID: userID, Emoji: target})
	}
	if err != nil {
		err = w.fail(op, s, err)
		if !errors.Is(err, ErrStaleWrite) {
			w.reactions.RevertLocal(messageID, target, prev)
			w.onChange()
		}
		return err
	}
	w.metrics.write(op, nil)
	return nil
}

// ============================================================================
// Receipts
// ============================================================================

// MarkRead records the current user as a reader of ids. Ids already read
// locally, or with a write in flight, are skipped; if none remain no
// request is made.
func (w *OptimisticWriteCoordinator) MarkRead(ctx context.Context, ids []string) error {
	s, err := w.begin("")
	if err != nil {
		return err
	}
	userID := w.currentUser()
	if userID == "" {
		return fmt.Errorf("mark read: %w", ErrNotOpen)
	}

	var receipts []Receipt
	w.mu.Lock()
	for _, id := range ids {
		if _, inflight := w.reading[id]; inflight || w.receipts.IsReadBy(id, userID) {
			continue
		}
		w.reading[id] = struct{}{}
		receipts = append(receipts, Receipt{MessageID: id, ReaderID: userID})
	}
	w.mu.Unlock()
	if len(receipts) == 0 {
		return nil
	}

	for _, r := range receipts {
		w.receipts.Add(r)
	}
	w.onChange()

	err = w.backend.InsertReceipts(ctx, receipts)

	w.mu.Lock()
	for _, r := range receipts {
		delete(w.reading, r.MessageID)
	}
	w.mu.Unlock()

	if err != nil {
		err = w.fail("receipts", s, err)
		if !errors.Is(err, ErrStaleWrite) {
			for _, r := range receipts {
				w.receipts.Remove(r)
			}
			w.onChange()
		}
		return err
	}
	w.metrics.write("receipts", nil)
	return nil
}

// ============================================================================
// Sessions
// ============================================================================

func (w *OptimisticWriteCoordinator) begin(conversationID string) (session, error) {
	if w.isEvicted() {
		return session{}, ErrEvicted
	}
	current, gen := w.store.Session()
	if current == "" {
		return session{}, ErrNotOpen
	}
	if conversationID != "" && conversationID != current {
		return session{}, fmt.Errorf("%w: %s", ErrNotOpen, conversationID)
	}
	return session{conversationID: current, generation: gen}, nil
}

func (w *OptimisticWriteCoordinator) current(s session) bool {
	c, g := w.store.Session()
	return c == s.conversationID && g == s.generation
}

// fail classifies a write error. Results for a session that is gone
// become ErrStaleWrite; access loss evicts.
func (w *OptimisticWriteCoordinator) fail(op string, s session, err error) error {
	err = classify(err)
	if !w.current(s) {
		w.metrics.write(op, ErrStaleWrite)
		w.log.Debug("discarding write result for stale conversation",
			zap.String("op", op), zap.String("conversation", s.conversationID), zap.Error(err))
		return ErrStaleWrite
	}
	w.metrics.write(op, err)
	if IsAccessDenied(err) {
		w.evict(err)
	}
	w.log.Warn("write failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

package convsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// orderedMessages
// ============================================================================

// orderedMessages is an id-keyed message set kept sorted by createdAt.
type orderedMessages struct {
	byID  map[string]Message
	order []string
}

func newOrderedMessages() *orderedMessages {
	return &orderedMessages{byID: make(map[string]Message)}
}

func (o *orderedMessages) position(m Message) int {
	return sort.Search(len(o.order), func(i int) bool {
		return !o.byID[o.order[i]].before(m)
	})
}

// insert adds m unless its id is already present.
func (o *orderedMessages) insert(m Message) bool {
	if _, ok := o.byID[m.ID]; ok {
		return false
	}
	i := o.position(m)
	o.byID[m.ID] = m
	o.order = append(o.order, "")
	copy(o.order[i+1:], o.order[i:])
	o.order[i] = m.ID
	return true
}

func (o *orderedMessages) remove(id string) bool {
	m, ok := o.byID[id]
	if !ok {
		return false
	}
	i := o.position(m)
	for i < len(o.order) && o.order[i] != id {
		i++
	}
	if i < len(o.order) {
		o.order = append(o.order[:i], o.order[i+1:]...)
	}
	delete(o.byID, id)
	return true
}

// set overwrites a known message in place; createdAt never changes.
func (o *orderedMessages) set(m Message) {
	o.byID[m.ID] = m
}

func (o *orderedMessages) list() []Message {
	out := make([]Message, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.byID[id])
	}
	return out
}

// ============================================================================
// ConversationStore
// ============================================================================

type storeOp int

const (
	storeInsert storeOp = iota
	storeUpdate
	storeDelete
)

// storeChange is one keyed mutation, kept for replay over a reload.
type storeChange struct {
	op    storeOp
	msg   Message
	id    string
	patch MessagePatch
}

// ConversationStore holds the root messages of one conversation, ordered by
// creation time, and the reply lists of the threads currently open.
//
// Every method is a single critical section; none holds the lock across a
// backend call.
type ConversationStore struct {
	backend Backend
	log     *zap.Logger

	mu             sync.RWMutex
	conversationID string
	generation     uint64
	roots          *orderedMessages
	threads        map[string]*orderedMessages
	deleteHooks    []func(id string)
	changes        changeLogs[storeChange]
}

// NewConversationStore creates an empty store reading from backend.
func NewConversationStore(backend Backend, log *zap.Logger) *ConversationStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationStore{
		backend: backend,
		log:     log,
		roots:   newOrderedMessages(),
		threads: make(map[string]*orderedMessages),
	}
}

// OnDelete registers a hook run after every ApplyDelete.
func (s *ConversationStore) OnDelete(fn func(id string)) {
	s.mu.Lock()
	s.deleteHooks = append(s.deleteHooks, fn)
	s.mu.Unlock()
}

// Load fetches the conversation and replaces the store contents with it.
// Inserts, updates and deletes applied while the fetch is in flight are
// replayed over the fetched list. It returns the ordered roots. If the
// store is reset or switched to another conversation meanwhile, the
// result is discarded with ErrStaleWrite.
func (s *ConversationStore) Load(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	gen := s.generation
	log := s.changes.start()
	s.mu.Unlock()

	msgs, err := s.backend.FetchMessages(ctx, conversationID)

	s.mu.Lock()
	defer s.mu.Unlock()
	changes := s.changes.stop(log)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, classify(err))
	}
	if s.generation != gen {
		return nil, ErrStaleWrite
	}
	s.replaceLocked(conversationID, msgs)
	s.replayLocked(changes)
	if len(changes) > 0 {
		s.log.Debug("replayed changes over reload", zap.Int("changes", len(changes)))
	}
	return s.roots.list(), nil
}

// Replace swaps in a full message list for conversationID. Replies are kept
// only for threads that are open.
func (s *ConversationStore) Replace(conversationID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(conversationID, msgs)
}

func (s *ConversationStore) replaceLocked(conversationID string, msgs []Message) {
	roots := newOrderedMessages()
	if conversationID != s.conversationID {
		s.conversationID = conversationID
		s.generation++
		s.threads = make(map[string]*orderedMessages)
	}
	for _, m := range msgs {
		if m.ConversationID != "" && m.ConversationID != conversationID {
			continue
		}
		m = m.normalized()
		if m.IsRoot() {
			roots.insert(m)
			continue
		}
		if t, ok := s.threads[m.ThreadRootID]; ok {
			if !t.insert(m) {
				t.set(m)
			}
		}
	}
	s.roots = roots
	s.log.Debug("store replaced", zap.String("conversation", conversationID), zap.Int("roots", len(roots.order)))
}

func (s *ConversationStore) replayLocked(changes []storeChange) {
	for _, c := range changes {
		switch c.op {
		case storeInsert:
			s.insertLocked(c.msg)
		case storeUpdate:
			s.updateLocked(c.id, c.patch)
		case storeDelete:
			s.deleteLocked(c.id)
		}
	}
}

// Reset empties the store and invalidates the current session.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes.reset()
	s.conversationID = ""
	s.generation++
	s.roots = newOrderedMessages()
	s.threads = make(map[string]*orderedMessages)
}

// ConversationID returns the conversation the store currently holds.
func (s *ConversationStore) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Session returns the conversation id and its generation.
func (s *ConversationStore) Session() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID, s.generation
}

// ApplyInsert adds m. Roots go to the main list; replies go to their
// thread if it is open. Known ids are a no-op.
func (s *ConversationStore) ApplyInsert(m Message) bool {
	m = m.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conversationID == "" || (m.ConversationID != "" && m.ConversationID != s.conversationID) {
		return false
	}
	s.changes.record(storeChange{op: storeInsert, msg: m})
	return s.insertLocked(m)
}

func (s *ConversationStore) insertLocked(m Message) bool {
	if m.IsRoot() {
		return s.roots.insert(m)
	}
	t, ok := s.threads[m.ThreadRootID]
	if !ok {
		return false
	}
	return t.insert(m)
}

// ApplyUpdate merges patch into a known message. Unknown ids are a no-op.
func (s *ConversationStore) ApplyUpdate(id string, patch MessagePatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes.record(storeChange{op: storeUpdate, id: id, patch: patch})
	return s.updateLocked(id, patch)
}

func (s *ConversationStore) updateLocked(id string, patch MessagePatch) bool {
	set, m, ok := s.lookupLocked(id)
	if !ok {
		return false
	}
	patch.applyTo(&m)
	set.set(m)
	return true
}

// ApplyDelete removes id from the main list or its open thread, then runs
// the delete hooks so dependent state is purged.
func (s *ConversationStore) ApplyDelete(id string) bool {
	s.mu.Lock()
	s.changes.record(storeChange{op: storeDelete, id: id})
	found := s.deleteLocked(id)
	hooks := append([]func(string){}, s.deleteHooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
	return found
}

func (s *ConversationStore) deleteLocked(id string) bool {
	found := s.roots.remove(id)
	if !found {
		for _, t := range s.threads {
			if t.remove(id) {
				found = true
				break
			}
		}
	}
	delete(s.threads, id)
	return found
}

// SetJoinCount overwrites the join count of a root. It reports whether the
// stored value changed.
func (s *ConversationStore) SetJoinCount(id string, count int) bool {
	if count < 1 {
		count = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.changes.record(storeChange{op: storeUpdate, id: id, patch: MessagePatch{JoinCount: &count}})
	m, ok := s.roots.byID[id]
	if !ok || m.JoinCount == count {
		return false
	}
	m.JoinCount = count
	s.roots.set(m)
	return true
}

// Get returns a root or an open-thread reply by id.
func (s *ConversationStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, m, ok := s.lookupLocked(id)
	return m, ok
}

// Contains reports whether id is visible in the main list or an open thread.
func (s *ConversationStore) Contains(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Messages returns the ordered roots.
func (s *ConversationStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roots.list()
}

// RootIDs returns the ids of the ordered roots.
func (s *ConversationStore) RootIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.roots.order...)
}

// VisibleIDs returns root ids followed by the ids of open-thread replies.
func (s *ConversationStore) VisibleIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := append([]string(nil), s.roots.order...)
	for _, t := range s.threads {
		ids = append(ids, t.order...)
	}
	return ids
}

// ============================================================================
// Threads
// ============================================================================

// OpenThread marks rootID's thread as open and loads its replies. Replies
// observed while the fetch is in flight are kept.
func (s *ConversationStore) OpenThread(ctx context.Context, rootID string) ([]Message, error) {
	s.mu.Lock()
	conversationID, gen := s.conversationID, s.generation
	if conversationID == "" {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	if _, ok := s.threads[rootID]; !ok {
		s.threads[rootID] = newOrderedMessages()
	}
	s.mu.Unlock()

	replies, err := s.backend.FetchThread(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", rootID, classify(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[rootID]
	if !ok || s.generation != gen {
		return nil, ErrStaleWrite
	}
	for _, m := range replies {
		if m.IsRoot() || m.ThreadRootID != rootID {
			continue
		}
		t.insert(m.normalized())
	}
	return t.list(), nil
}

// CloseThread drops the reply list of rootID.
func (s *ConversationStore) CloseThread(rootID string) {
	s.mu.Lock()
	delete(s.threads, rootID)
	s.mu.Unlock()
}

// IsThreadOpen reports whether rootID's thread view is open.
func (s *ConversationStore) IsThreadOpen(rootID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.threads[rootID]
	return ok
}

// ThreadMessages returns the ordered replies of an open thread.
func (s *ConversationStore) ThreadMessages(rootID string) ([]Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[rootID]
	if !ok {
		return nil, false
	}
	return t.list(), true
}

// OpenThreads returns the root ids of open threads.
func (s *ConversationStore) OpenThreads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *ConversationStore) lookupLocked(id string) (*orderedMessages, Message, bool) {
	if m, ok := s.roots.byID[id]; ok {
		return s.roots, m, true
	}
	for _, t := range s.threads {
		if m, ok := t.byID[id]; ok {
			return t, m, true
		}
	}
	return nil, Message{}, false
}

// classify marks transport failures as network errors. Backend
// rejections (*APIError) keep their own mapping: access denied, network
// for 5xx, neither for other client errors.
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) || errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrNetwork) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

package convsync

import (
	"sort"
	"sync"
)

// ReceiptTracker records which readers have seen which messages.
type ReceiptTracker struct {
	mu        sync.RWMutex
	byMessage map[string]map[string]struct{}
	changes   changeLogs[receiptChange]
}

type receiptChange struct {
	receipt Receipt
	removed bool
	purge   bool
}

// NewReceiptTracker creates an empty tracker.
func NewReceiptTracker() *ReceiptTracker {
	return &ReceiptTracker{byMessage: make(map[string]map[string]struct{})}
}

// Apply folds in a ReceiptAdded or ReceiptRemoved event. Other events are
// ignored. It reports whether state changed.
func (t *ReceiptTracker) Apply(ev Event) bool {
	switch ev := ev.(type) {
	case ReceiptAdded:
		return t.Add(ev.Receipt)
	case ReceiptRemoved:
		return t.Remove(ev.Receipt)
	}
	return false
}

// Add records r; repeated adds are a no-op.
func (t *ReceiptTracker) Add(r Receipt) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes.record(receiptChange{receipt: r})
	return t.addLocked(r)
}

func (t *ReceiptTracker) addLocked(r Receipt) bool {
	readers := t.byMessage[r.MessageID]
	if readers == nil {
		readers = make(map[string]struct{})
		t.byMessage[r.MessageID] = readers
	}
	if _, ok := readers[r.ReaderID]; ok {
		return false
	}
	readers[r.ReaderID] = struct{}{}
	return true
}

// Remove withdraws r if present.
func (t *ReceiptTracker) Remove(r Receipt) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes.record(receiptChange{receipt: r, removed: true})
	return t.removeLocked(r)
}

func (t *ReceiptTracker) removeLocked(r Receipt) bool {
	readers := t.byMessage[r.MessageID]
	if _, ok := readers[r.ReaderID]; !ok {
		return false
	}
	delete(readers, r.ReaderID)
	if len(readers) == 0 {
		delete(t.byMessage, r.MessageID)
	}
	return true
}

// IsReadBy reports whether userID has read messageID.
func (t *ReceiptTracker) IsReadBy(messageID, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byMessage[messageID][userID]
	return ok
}

// Readers returns the sorted reader ids of messageID.
func (t *ReceiptTracker) Readers(messageID string) []string {
	t.mu.RLock()
	readers := make([]string, 0, len(t.byMessage[messageID]))
	for id := range t.byMessage[messageID] {
		readers = append(readers, id)
	}
	t.mu.RUnlock()
	sort.Strings(readers)
	return readers
}

func (t *ReceiptTracker) beginReload() *changeLog[receiptChange] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changes.start()
}

func (t *ReceiptTracker) abortReload(log *changeLog[receiptChange]) {
	t.mu.Lock()
	t.changes.stop(log)
	t.mu.Unlock()
}

// replaceSince swaps in the full receipt set and replays what log
// recorded meanwhile. log may be nil.
func (t *ReceiptTracker) replaceSince(receipts []Receipt, log *changeLog[receiptChange]) {
	next := make(map[string]map[string]struct{})
	for _, r := range receipts {
		if r.MessageID == "" || r.ReaderID == "" {
			continue
		}
		if next[r.MessageID] == nil {
			next[r.MessageID] = make(map[string]struct{})
		}
		next[r.MessageID][r.ReaderID] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byMessage = next
	for _, c := range t.changes.stop(log) {
		switch {
		case c.purge:
			delete(t.byMessage, c.receipt.MessageID)
		case c.removed:
			t.removeLocked(c.receipt)
		default:
			t.addLocked(c.receipt)
		}
	}
}

// Purge drops every receipt of messageID.
func (t *ReceiptTracker) Purge(messageID string) {
	t.mu.Lock()
	t.changes.record(receiptChange{receipt: Receipt{MessageID: messageID}, purge: true})
	delete(t.byMessage, messageID)
	t.mu.Unlock()
}

// Reset drops all receipts.
func (t *ReceiptTracker) Reset() {
	t.mu.Lock()
	t.byMessage = make(map[string]map[string]struct{})
	t.changes.reset()
	t.mu.Unlock()
}

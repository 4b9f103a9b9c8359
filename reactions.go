package convsync

import (
	"sort"
	"sync"
	"time"
)

// ReactionAggregator keeps one emoji per (message, user) and derives the
// grouped view on demand. It is order-insensitive across users because it
// indexes by user, not by event sequence.
type ReactionAggregator struct {
	currentUser func() string
	echoWindow  time.Duration
	now         func() time.Time

	mu        sync.RWMutex
	byMessage map[string]map[string]string
	intents   map[string]reactionIntent
	changes   changeLogs[reactionChange]
}

// reactionChange is one effective (message, user) change. An empty emoji
// removes; purge drops the whole message.
type reactionChange struct {
	messageID string
	userID    string
	emoji     string
	purge     bool
}

// reactionIntent is the current user's last local choice on a message.
type reactionIntent struct {
	emoji   string // "" means removed
	expires time.Time
}

// NewReactionAggregator creates an empty aggregator. currentUser may be nil.
func NewReactionAggregator(currentUser func() string, echoWindow time.Duration) *ReactionAggregator {
	if currentUser == nil {
		currentUser = func() string { return "" }
	}
	return &ReactionAggregator{
		currentUser: currentUser,
		echoWindow:  echoWindow,
		now:         time.Now,
		byMessage:   make(map[string]map[string]string),
		intents:     make(map[string]reactionIntent),
	}
}

// Apply folds a push event in. Inserts and updates replace the user's
// previous emoji; deletes remove it if present. Events for the current user
// that contradict a pending local intent are ignored until the intent
// expires or a matching echo arrives. It reports whether state changed.
func (a *ReactionAggregator) Apply(ev ReactionChanged) bool {
	r := ev.Reaction

	a.mu.Lock()
	defer a.mu.Unlock()

	if r.UserID == a.currentUser() {
		if intent, ok := a.intents[r.MessageID]; ok {
			if a.now().Before(intent.expires) {
				matches := (ev.Removed && intent.emoji == "") || (!ev.Removed && intent.emoji == r.Emoji)
				if !matches {
					return false
				}
			}
			delete(a.intents, r.MessageID)
		}
	}
	if ev.Removed {
		return a.changeLocked(reactionChange{messageID: r.MessageID, userID: r.UserID})
	}
	return a.changeLocked(reactionChange{messageID: r.MessageID, userID: r.UserID, emoji: r.Emoji})
}

// SetLocal records the current user's choice and applies it in one step.
// An empty emoji removes the user's reaction. It returns the emoji held
// before, "" if none.
func (a *ReactionAggregator) SetLocal(messageID, emoji string) string {
	userID := a.currentUser()

	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.byMessage[messageID][userID]
	a.intents[messageID] = reactionIntent{emoji: emoji, expires: a.now().Add(a.echoWindow)}
	a.changeLocked(reactionChange{messageID: messageID, userID: userID, emoji: emoji})
	return prev
}

// RevertLocal restores prev as the current user's reaction if the local
// intent for messageID is still emoji. Used when a reaction write fails.
func (a *ReactionAggregator) RevertLocal(messageID, emoji, prev string) {
	userID := a.currentUser()

	a.mu.Lock()
	defer a.mu.Unlock()

	if intent, ok := a.intents[messageID]; !ok || intent.emoji != emoji {
		return
	}
	delete(a.intents, messageID)
	a.changeLocked(reactionChange{messageID: messageID, userID: userID, emoji: prev})
}

// UserReaction returns the emoji userID holds on messageID.
func (a *ReactionAggregator) UserReaction(messageID, userID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	emoji, ok := a.byMessage[messageID][userID]
	return emoji, ok
}

// Snapshot groups the reactions on messageID by emoji, most used first.
func (a *ReactionAggregator) Snapshot(messageID string) []ReactionGroup {
	me := a.currentUser()

	a.mu.RLock()
	users := a.byMessage[messageID]
	groups := make(map[string]*ReactionGroup, len(users))
	for userID, emoji := range users {
		g, ok := groups[emoji]
		if !ok {
			g = &ReactionGroup{Emoji: emoji}
			groups[emoji] = g
		}
		g.Count++
		if me != "" && userID == me {
			g.ReactedByMe = true
		}
	}
	a.mu.RUnlock()

	out := make([]ReactionGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Emoji < out[j].Emoji
	})
	return out
}

// Count returns how many users reacted on messageID.
func (a *ReactionAggregator) Count(messageID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byMessage[messageID])
}

// beginReload starts recording changes so a later replaceSince can replay
// them over fetched state.
func (a *ReactionAggregator) beginReload() *changeLog[reactionChange] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changes.start()
}

// abortReload stops recording for a reload that will not complete.
func (a *ReactionAggregator) abortReload(log *changeLog[reactionChange]) {
	a.mu.Lock()
	a.changes.stop(log)
	a.mu.Unlock()
}

// replaceSince swaps in the full reaction set, then replays the changes
// recorded in log since the fetch began. Pending local intents go on top
// so a resync does not undo an unconfirmed toggle. log may be nil.
func (a *ReactionAggregator) replaceSince(reactions []Reaction, log *changeLog[reactionChange]) {
	me := a.currentUser()
	next := make(map[string]map[string]string)
	for _, r := range reactions {
		if r.MessageID == "" || r.UserID == "" || r.Emoji == "" {
			continue
		}
		if next[r.MessageID] == nil {
			next[r.MessageID] = make(map[string]string)
		}
		next[r.MessageID][r.UserID] = r.Emoji
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.byMessage = next
	for _, c := range a.changes.stop(log) {
		a.applyLocked(c)
	}
	now := a.now()
	for messageID, intent := range a.intents {
		if !now.Before(intent.expires) {
			delete(a.intents, messageID)
			continue
		}
		if intent.emoji == "" {
			a.removeLocked(messageID, me)
		} else {
			a.setLocked(messageID, me, intent.emoji)
		}
	}
}

// Purge drops every reaction on messageID.
func (a *ReactionAggregator) Purge(messageID string) {
	a.mu.Lock()
	a.changeLocked(reactionChange{messageID: messageID, purge: true})
	delete(a.intents, messageID)
	a.mu.Unlock()
}

// Reset drops all reactions and intents.
func (a *ReactionAggregator) Reset() {
	a.mu.Lock()
	a.byMessage = make(map[string]map[string]string)
	a.intents = make(map[string]reactionIntent)
	a.changes.reset()
	a.mu.Unlock()
}

// changeLocked records c for open reloads and applies it.
func (a *ReactionAggregator) changeLocked(c reactionChange) bool {
	a.changes.record(c)
	return a.applyLocked(c)
}

func (a *ReactionAggregator) applyLocked(c reactionChange) bool {
	switch {
	case c.purge:
		_, ok := a.byMessage[c.messageID]
		delete(a.byMessage, c.messageID)
		return ok
	case c.emoji == "":
		return a.removeLocked(c.messageID, c.userID)
	default:
		return a.setLocked(c.messageID, c.userID, c.emoji)
	}
}

func (a *ReactionAggregator) setLocked(messageID, userID, emoji string) bool {
	users := a.byMessage[messageID]
	if users == nil {
		users = make(map[string]string)
		a.byMessage[messageID] = users
	}
	if users[userID] == emoji {
		return false
	}
	users[userID] = emoji
	return true
}

func (a *ReactionAggregator) removeLocked(messageID, userID string) bool {
	users := a.byMessage[messageID]
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(a.byMessage, messageID)
	}
	return true
}

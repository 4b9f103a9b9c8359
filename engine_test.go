package convsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events map[string][]any
}

func (r *eventRecorder) handle(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event] = append(r.events[event], payload)
}

func (r *eventRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[event])
}

func (r *eventRecorder) payloads(event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events[event]...)
}

type engineHarness struct {
	e        *Engine
	backend  *fakeBackend
	sub      *fakeSubscriber
	profiles *fakeProfiles
	rec      *eventRecorder
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	h := &engineHarness{
		backend:  newFakeBackend(),
		sub:      newFakeSubscriber(),
		profiles: &fakeProfiles{},
		rec:      &eventRecorder{events: make(map[string][]any)},
	}
	h.e = New(h.backend, h.sub, StaticSession("me"),
		WithConfig(Config{
			ReconcileInterval:    time.Hour,
			ResubscribeBaseDelay: time.Millisecond,
			ResubscribeMaxDelay:  5 * time.Millisecond,
		}),
		WithMetrics(prometheus.NewRegistry()),
		WithProfileResolver(h.profiles),
		WithUploader(&fakeUploader{}),
	)
	for _, ev := range []string{EventStateChanged, EventEvicted, EventSendFailed, EventSenderResolved, EventResynced} {
		h.e.On(ev, h.rec.handle)
	}
	t.Cleanup(h.e.threads.Wait)
	t.Cleanup(h.e.Close)
	return h
}

func (h *engineHarness) seed() {
	b := rootMsg("b", "c1", 2)
	b.JoinCount = 2
	h.backend.messages["c1"] = []Message{
		rootMsg("a", "c1", 1),
		b,
		replyMsg("r1", "c1", "b", 3),
	}
	h.backend.threads["b"] = []Message{replyMsg("r1", "c1", "b", 3)}
	h.backend.reactions = []Reaction{
		{MessageID: "a", UserID: "u1", Emoji: "👍"},
		{MessageID: "a", UserID: "me", Emoji: "👍"},
		{MessageID: "r1", UserID: "u2", Emoji: "🔥"},
	}
	h.backend.receipts = []Receipt{{MessageID: "a", ReaderID: "me"}}
}

func viewByID(t *testing.T, views []MessageView, id string) MessageView {
	t.Helper()
	for _, v := range views {
		if v.Message.ID == id {
			return v
		}
	}
	t.Fatalf("message %s not in view", id)
	return MessageView{}
}

func TestEngineOpen(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()

	require.NoError(t, h.e.Open(context.Background(), "c1"))
	snap := h.e.Snapshot()

	assert.Equal(t, "c1", snap.ConversationID)
	assert.False(t, snap.Evicted)
	require.Len(t, snap.Messages, 2)

	a := viewByID(t, snap.Messages, "a")
	assert.Equal(t, []ReactionGroup{{Emoji: "👍", Count: 2, ReactedByMe: true}}, a.Reactions)
	assert.True(t, a.ReadByMe)
	assert.False(t, a.HasThread)

	b := viewByID(t, snap.Messages, "b")
	assert.True(t, b.HasThread)
	assert.Equal(t, 2, b.Message.JoinCount)

	for _, ch := range Channels {
		assert.Equal(t, 1, h.sub.count(ch), "channel %s", ch)
	}
	assert.GreaterOrEqual(t, h.rec.count(EventStateChanged), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.e.Metrics().Resyncs))
}

func TestEngineOpenFailure(t *testing.T) {
	t.Run("network", func(t *testing.T) {
		h := newEngineHarness(t)
		h.backend.fetchErr = errors.New("connection refused")

		err := h.e.Open(context.Background(), "c1")
		assert.ErrorIs(t, err, ErrNetwork)
		assert.Equal(t, "", h.e.ConversationID())
		assert.False(t, h.e.Evicted())
		assert.False(t, h.e.dispatcher.Attached())
	})

	t.Run("access denied", func(t *testing.T) {
		h := newEngineHarness(t)
		h.backend.fetchErr = &APIError{Status: 403, Code: "NOT_A_MEMBER"}

		err := h.e.Open(context.Background(), "c1")
		assert.True(t, IsAccessDenied(err))
		assert.True(t, h.e.Evicted())
		assert.Equal(t, 1, h.rec.count(EventEvicted))
	})
}

func TestEngineDeletionCascade(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()
	require.NoError(t, h.e.Open(context.Background(), "c1"))

	h.sub.push(deleteEnv(t, ChannelMessages, map[string]any{"id": "a"}))

	snap := h.e.Snapshot()
	assert.Equal(t, []string{"b"}, msgIDs(messagesOf(snap)))
	assert.Equal(t, 0, h.e.reactions.Count("a"))
	assert.Empty(t, h.e.receipts.Readers("a"))

	// A late reaction for the deleted message never resurrects it.
	h.sub.push(insertEnv(t, ChannelReactions, Reaction{MessageID: "a", UserID: "u3", Emoji: "🎉"}))
	assert.Equal(t, 0, h.e.reactions.Count("a"))
	assert.Len(t, h.e.Snapshot().Messages, 1)
}

func messagesOf(s Snapshot) []Message {
	out := make([]Message, 0, len(s.Messages))
	for _, v := range s.Messages {
		out = append(out, v.Message)
	}
	return out
}

func TestEngineEviction(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()
	require.NoError(t, h.e.Open(context.Background(), "c1"))

	h.sub.push(deleteEnv(t, ChannelMembership, Membership{ConversationID: "c1", UserID: "me"}))
	assert.True(t, h.e.Evicted())
	assert.True(t, h.e.Snapshot().Evicted)

	// A second denial does not evict again.
	h.e.evict(&APIError{Status: 403, Code: "ACCESS_DENIED"})
	assert.Equal(t, 1, h.rec.count(EventEvicted))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.e.Metrics().Evictions))

	assert.Eventually(t, func() bool { return !h.e.dispatcher.Attached() }, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.e.ToggleReaction(context.Background(), "a", "🔥"), ErrEvicted)
	assert.ErrorIs(t, h.e.MarkRead(context.Background(), []string{"b"}), ErrEvicted)
	_, err := h.e.SendMessage(context.Background(), SendRequest{Text: "hi"})
	assert.ErrorIs(t, err, ErrEvicted)
	assert.ErrorIs(t, h.e.Resync(context.Background()), ErrEvicted)
	assert.Equal(t, 0, h.backend.count("insert"))

	t.Run("reopen clears the flag", func(t *testing.T) {
		require.NoError(t, h.e.Open(context.Background(), "c1"))
		assert.False(t, h.e.Evicted())
		assert.True(t, h.e.dispatcher.Attached())
	})
}

func TestEngineWriteDenialEvictsOnce(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()
	require.NoError(t, h.e.Open(context.Background(), "c1"))
	h.backend.writeErr = &APIError{Status: 403, Code: "ACCESS_DENIED"}

	assert.True(t, IsAccessDenied(h.e.ToggleReaction(context.Background(), "b", "🔥")))
	assert.ErrorIs(t, h.e.EditMessage(context.Background(), "b", "x"), ErrEvicted)
	assert.Equal(t, 1, h.rec.count(EventEvicted))
}

func TestEngineResyncAfterDrop(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()
	require.NoError(t, h.e.Open(context.Background(), "c1"))

	// Committed while the channel was down.
	h.backend.mu.Lock()
	h.backend.messages["c1"] = append(h.backend.messages["c1"], rootMsg("c", "c1", 4))
	h.backend.mu.Unlock()

	h.sub.latest(ChannelMessages).drop(errors.New("connection reset"))

	assert.Eventually(t, func() bool { return h.rec.count(EventResynced) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, msgIDs(messagesOf(h.e.Snapshot())))
	assert.Equal(t, []any{"c1"}, h.rec.payloads(EventResynced))
}

func TestEngineResyncKeepsEventsRoutedDuringFetch(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()
	require.NoError(t, h.e.Open(context.Background(), "c1"))

	// "c" is committed on the server but its insert has not been pushed.
	h.backend.mu.Lock()
	h.backend.messages["c1"] = append(h.backend.messages["c1"], rootMsg("c", "c1", 4))
	h.backend.mu.Unlock()

	var once sync.Once
	h.backend.beforeFetch = func() {
		once.Do(func() {
			h.sub.push(insertEnv(t, ChannelMessages, rootMsg("live", "c1", 5)))
			h.sub.push(insertEnv(t, ChannelReactions, Reaction{MessageID: "a", UserID: "u9", Emoji: "🔥"}))
			h.sub.push(insertEnv(t, ChannelReactions, Reaction{MessageID: "c", UserID: "u7", Emoji: "👀"}))
			h.sub.push(insertEnv(t, ChannelReceipts, Receipt{MessageID: "late", ReaderID: "u3"}))
		})
	}

	require.NoError(t, h.e.Resync(context.Background()))

	assert.Equal(t, []string{"a", "b", "c", "live"}, msgIDs(messagesOf(h.e.Snapshot())))
	emoji, ok := h.e.reactions.UserReaction("a", "u9")
	assert.True(t, ok)
	assert.Equal(t, "🔥", emoji)
	assert.Equal(t, 1, h.e.reactions.Count("c"), "buffered event applied once its message loaded")

	h.sub.push(insertEnv(t, ChannelMessages, rootMsg("late", "c1", 6)))
	assert.True(t, h.e.receipts.IsReadBy("late", "u3"), "buffered event survives the resync")
}

func TestEngineOpenKeepsEventsRoutedDuringFetch(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()

	var once sync.Once
	h.backend.beforeFetch = func() {
		once.Do(func() {
			h.sub.push(insertEnv(t, ChannelMessages, rootMsg("live", "c1", 5)))
			h.sub.push(insertEnv(t, ChannelReactions, Reaction{MessageID: "a", UserID: "u9", Emoji: "👍"}))
		})
	}

	require.NoError(t, h.e.Open(context.Background(), "c1"))

	snap := h.e.Snapshot()
	assert.Equal(t, []string{"a", "b", "live"}, msgIDs(messagesOf(snap)))
	a := viewByID(t, snap.Messages, "a")
	assert.Equal(t, []ReactionGroup{{Emoji: "👍", Count: 3, ReactedByMe: true}}, a.Reactions)
}

func TestEngineResolvesSendersOnce(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()
	require.NoError(t, h.e.Open(context.Background(), "c1"))

	h.sub.push(insertEnv(t, ChannelMessages, Message{
		ID: "d", ConversationID: "c1", SenderID: "u-a", Content: "again", CreatedAt: t0.Add(time.Hour),
	}))

	assert.Eventually(t, func() bool { return h.rec.count(EventSenderResolved) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.profiles.count("u-a"))
	assert.Equal(t, 1, h.profiles.count("u-b"))

	var names []string
	for _, p := range h.rec.payloads(EventSenderResolved) {
		names = append(names, p.(SenderResolved).Profile.Username)
	}
	assert.ElementsMatch(t, []string{"name-u-a", "name-u-b"}, names)
}

func TestEngineThreads(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()
	require.NoError(t, h.e.Open(context.Background(), "c1"))

	views, err := h.e.OpenThread(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, []ReactionGroup{{Emoji: "🔥", Count: 1}}, views[0].Reactions)

	h.backend.setJoinCount("b", 3)
	h.sub.push(insertEnv(t, ChannelMessages, replyMsg("r2", "c1", "b", 5)))
	h.e.threads.Wait()

	replies, ok := h.e.ThreadSnapshot("b")
	require.True(t, ok)
	assert.Equal(t, []string{"r1", "r2"}, msgIDs(messagesOfViews(replies)))
	assert.Equal(t, 3, viewByID(t, h.e.Snapshot().Messages, "b").Message.JoinCount)

	h.e.CloseThread("b")
	_, ok = h.e.ThreadSnapshot("b")
	assert.False(t, ok)
}

func messagesOfViews(views []MessageView) []Message {
	return messagesOf(Snapshot{Messages: views})
}

func TestEngineSendFailedEvent(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.e.Open(context.Background(), "c1"))
	h.backend.insertErr = errors.New("connection reset")

	h.e.SetDraft("hello")
	_, err := h.e.SendMessage(context.Background(), SendRequest{Text: "hello"})
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, "hello", h.e.Draft())
	assert.Equal(t, 1, h.rec.count(EventSendFailed))
}

func TestEngineCloseDiscardsInFlightWrites(t *testing.T) {
	h := newEngineHarness(t)
	h.seed()
	require.NoError(t, h.e.Open(context.Background(), "c1"))
	h.backend.beforeWrite = func() { h.e.Close() }

	_, err := h.e.SendMessage(context.Background(), SendRequest{Text: "hello"})
	assert.ErrorIs(t, err, ErrStaleWrite)
	snap := h.e.Snapshot()
	assert.Equal(t, "", snap.ConversationID)
	assert.Empty(t, snap.Messages)
	assert.False(t, h.e.dispatcher.Attached())
}

func TestEngineHandlerPanicIsContained(t *testing.T) {
	h := newEngineHarness(t)
	h.e.On(EventStateChanged, func(string, any) { panic("boom") })

	assert.NotPanics(t, func() { h.e.SetDraft("x") })
	assert.Equal(t, 1, h.rec.count(EventStateChanged))
}

package convsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// Message is a chat message as committed by the backend.
//
// A message whose ThreadRootID is empty or equal to its own ID is a root;
// every other message is a thread reply.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content,omitempty"`
	MediaURL       string    `json:"mediaUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ThreadRootID   string    `json:"threadRootId,omitempty"`
	JoinCount      int       `json:"joinCount,omitempty"`
}

// IsRoot reports whether m anchors its own thread.
func (m Message) IsRoot() bool {
	return m.ThreadRootID == "" || m.ThreadRootID == m.ID
}

// RootID returns the id of the root message m belongs to.
func (m Message) RootID() string {
	if m.IsRoot() {
		return m.ID
	}
	return m.ThreadRootID
}

func (m Message) normalized() Message {
	if m.JoinCount < 1 {
		m.JoinCount = 1
	}
	return m
}

// before orders messages by creation time, then id.
func (m Message) before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// MessagePatch holds the fields of an update event. Nil fields are absent.
type MessagePatch struct {
	Content   *string `json:"content,omitempty"`
	MediaURL  *string `json:"mediaUrl,omitempty"`
	JoinCount *int    `json:"joinCount,omitempty"`
}

// IsEmpty reports whether the patch carries no fields.
func (p MessagePatch) IsEmpty() bool {
	return p.Content == nil && p.MediaURL == nil && p.JoinCount == nil
}

func (p MessagePatch) applyTo(m *Message) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.MediaURL != nil {
		m.MediaURL = *p.MediaURL
	}
	if p.JoinCount != nil {
		m.JoinCount = *p.JoinCount
	}
}

// parsePatch builds a patch from the keys present in a raw update row.
func parsePatch(raw json.RawMessage) (MessagePatch, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return MessagePatch{}, err
	}
	var p MessagePatch
	if v, ok := fields["content"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return MessagePatch{}, err
		}
		p.Content = &s
	}
	if v, ok := fields["mediaUrl"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return MessagePatch{}, err
		}
		p.MediaURL = &s
	}
	if v, ok := fields["joinCount"]; ok {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return MessagePatch{}, err
		}
		p.JoinCount = &n
	}
	return p, nil
}

// Draft is a message composed locally and not yet committed.
type Draft struct {
	ClientID       string `json:"clientId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	ThreadRootID   string `json:"threadRootId,omitempty"`
}

// Attachment is a media payload to upload alongside a send.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// ============================================================================
// Reactions and receipts
// ============================================================================

// Reaction is one user's emoji on one message.
type Reaction struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// ReactionGroup is the aggregated view of one emoji on a message.
type ReactionGroup struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	ReactedByMe bool   `json:"reactedByMe"`
}

// Receipt records that a reader has seen a message.
type Receipt struct {
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
}

// ============================================================================
// Conversations and profiles
// ============================================================================

// Membership is a (conversation, user) pair carried by membership events.
type Membership struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Profile is the display identity of a user.
type Profile struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ============================================================================
// Snapshots
// ============================================================================

// MessageView is one rendered row: a message plus its derived state.
type MessageView struct {
	Message   Message         `json:"message"`
	Reactions []ReactionGroup `json:"reactions,omitempty"`
	ReadBy    []string        `json:"readBy,omitempty"`
	ReadByMe  bool            `json:"readByMe"`
	HasThread bool            `json:"hasThread"`
}

// Snapshot is a consistent, derived view of the open conversation.
type Snapshot struct {
	ConversationID string        `json:"conversationId"`
	Messages       []MessageView `json:"messages"`
	Draft          string        `json:"draft,omitempty"`
	Evicted        bool          `json:"evicted"`
}

package convsync

import (
	"encoding/json"
	"fmt"
)

// Channel names a logical push channel.
type Channel string

const (
	ChannelMessages   Channel = "messages"
	ChannelReactions  Channel = "reactions"
	ChannelReceipts   Channel = "receipts"
	ChannelMembership Channel = "membership"
)

// Channels lists every channel the dispatcher subscribes to.
var Channels = []Channel{ChannelMessages, ChannelReactions, ChannelReceipts, ChannelMembership}

// Change types carried by ChangeEnvelope.Type.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// ChangeEnvelope is the wire format of every push event.
type ChangeEnvelope struct {
	Channel Channel         `json:"channel"`
	Type    string          `json:"type"`
	New     json.RawMessage `json:"new,omitempty"`
	Old     json.RawMessage `json:"old,omitempty"`
}

// ============================================================================
// Typed events
// ============================================================================

// Event is one of the typed events below. The set is closed.
type Event interface {
	eventName() string
}

// MessageInserted carries a newly committed message.
type MessageInserted struct{ Message Message }

// MessageUpdated carries the changed fields of a message.
type MessageUpdated struct {
	ID    string
	Patch MessagePatch
}

// MessageDeleted carries the id of a removed message.
type MessageDeleted struct{ ID string }

// ReactionChanged carries an upsert, or a removal when Removed is set.
type ReactionChanged struct {
	Reaction Reaction
	Removed  bool
}

// ReceiptAdded carries a new read receipt.
type ReceiptAdded struct{ Receipt Receipt }

// ReceiptRemoved carries a withdrawn read receipt.
type ReceiptRemoved struct{ Receipt Receipt }

// MembershipChanged reports a member joining or leaving a conversation.
type MembershipChanged struct {
	Membership Membership
	Removed    bool
}

func (MessageInserted) eventName() string   { return "message.inserted" }
func (MessageUpdated) eventName() string    { return "message.updated" }
func (MessageDeleted) eventName() string    { return "message.deleted" }
func (ReactionChanged) eventName() string   { return "reaction.changed" }
func (ReceiptAdded) eventName() string      { return "receipt.added" }
func (ReceiptRemoved) eventName() string    { return "receipt.removed" }
func (MembershipChanged) eventName() string { return "membership.changed" }

// EventName returns a stable label for ev, used in logs and metrics.
func EventName(ev Event) string {
	return ev.eventName()
}

// ============================================================================
// Normalization
// ============================================================================

// Normalize converts a raw envelope into a typed event. Any payload that
// does not match a known shape yields an error wrapping ErrMalformedEvent.
func Normalize(env ChangeEnvelope) (Event, error) {
	switch env.Channel {
	case ChannelMessages:
		return normalizeMessage(env)
	case ChannelReactions:
		return normalizeReaction(env)
	case ChannelReceipts:
		return normalizeReceipt(env)
	case ChannelMembership:
		return normalizeMembership(env)
	}
	return nil, malformed(env, "unknown channel")
}

func normalizeMessage(env ChangeEnvelope) (Event, error) {
	switch env.Type {
	case ChangeInsert:
		var m Message
		if err := decodeRow(env.New, &m); err != nil {
			return nil, malformed(env, err.Error())
		}
		if m.ID == "" || m.ConversationID == "" || m.CreatedAt.IsZero() {
			return nil, malformed(env, "message row missing id, conversationId or createdAt")
		}
		return MessageInserted{Message: m.normalized()}, nil
	case ChangeUpdate:
		var row struct {
			ID string `json:"id"`
		}
		if err := decodeRow(env.New, &row); err != nil {
			return nil, malformed(env, err.Error())
		}
		if row.ID == "" {
			return nil, malformed(env, "update row missing id")
		}
		patch, err := parsePatch(env.New)
		if err != nil {
			return nil, malformed(env, err.Error())
		}
		return MessageUpdated{ID: row.ID, Patch: patch}, nil
	case ChangeDelete:
		var row struct {
			ID string `json:"id"`
		}
		if err := decodeRow(env.Old, &row); err != nil {
			return nil, malformed(env, err.Error())
		}
		if row.ID == "" {
			return nil, malformed(env, "delete row missing id")
		}
		return MessageDeleted{ID: row.ID}, nil
	}
	return nil, malformed(env, "unknown change type")
}

func normalizeReaction(env ChangeEnvelope) (Event, error) {
	var r Reaction
	removed := false
	switch env.Type {
	case ChangeInsert, ChangeUpdate:
		if err := decodeRow(env.New, &r); err != nil {
			return nil, malformed(env, err.Error())
		}
		if r.Emoji == "" {
			return nil, malformed(env, "reaction row missing emoji")
		}
	case ChangeDelete:
		if err := decodeRow(env.Old, &r); err != nil {
			return nil, malformed(env, err.Error())
		}
		removed = true
	default:
		return nil, malformed(env, "unknown change type")
	}
	if r.MessageID == "" || r.UserID == "" {
		return nil, malformed(env, "reaction row missing messageId or userId")
	}
	return ReactionChanged{Reaction: r, Removed: removed}, nil
}

func normalizeReceipt(env ChangeEnvelope) (Event, error) {
	var r Receipt
	switch env.Type {
	case ChangeInsert:
		if err := decodeRow(env.New, &r); err != nil {
			return nil, malformed(env, err.Error())
		}
	case ChangeDelete:
		if err := decodeRow(env.Old, &r); err != nil {
			return nil, malformed(env, err.Error())
		}
	default:
		return nil, malformed(env, "unknown change type")
	}
	if r.MessageID == "" || r.ReaderID == "" {
		return nil, malformed(env, "receipt row missing messageId or readerId")
	}
	if env.Type == ChangeDelete {
		return ReceiptRemoved{Receipt: r}, nil
	}
	return ReceiptAdded{Receipt: r}, nil
}

func normalizeMembership(env ChangeEnvelope) (Event, error) {
	var m Membership
	row := env.New
	if env.Type == ChangeDelete {
		row = env.Old
	} else if env.Type != ChangeInsert {
		return nil, malformed(env, "unknown change type")
	}
	if err := decodeRow(row, &m); err != nil {
		return nil, malformed(env, err.Error())
	}
	if m.ConversationID == "" || m.UserID == "" {
		return nil, malformed(env, "membership row missing conversationId or userId")
	}
	return MembershipChanged{Membership: m, Removed: env.Type == ChangeDelete}, nil
}

func decodeRow(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("empty row")
	}
	return json.Unmarshal(raw, v)
}

func malformed(env ChangeEnvelope, reason string) error {
	return fmt.Errorf("%w: %s/%s: %s", ErrMalformedEvent, env.Channel, env.Type, reason)
}

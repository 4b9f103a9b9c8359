package convsync

import "context"

// AuthSession identifies the local user.
type AuthSession interface {
	// CurrentUserID returns "" when nobody is signed in.
	CurrentUserID() string
}

// StaticSession is an AuthSession with a fixed user id.
type StaticSession string

// CurrentUserID implements AuthSession.
func (s StaticSession) CurrentUserID() string { return string(s) }

// ProfileResolver looks up display identities. Callers cache, not the engine.
type ProfileResolver interface {
	Resolve(ctx context.Context, userID string) (Profile, error)
}

// MediaUploader stores an attachment and returns its public URL.
// Failures must wrap ErrUpload.
type MediaUploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Backend is the request/response API the engine reads from and writes to.
//
// Implementations report membership loss with an error matching
// ErrAccessDenied and transport failures with one matching ErrNetwork.
type Backend interface {
	FetchMessages(ctx context.Context, conversationID string) ([]Message, error)
	FetchThread(ctx context.Context, rootID string) ([]Message, error)
	FetchReactions(ctx context.Context, messageIDs []string) ([]Reaction, error)
	FetchReceipts(ctx context.Context, messageIDs []string) ([]Receipt, error)
	FetchJoinCounts(ctx context.Context, ids []string) (map[string]int, error)

	InsertMessage(ctx context.Context, draft Draft) (Message, error)
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) error
	DeleteMessage(ctx context.Context, id string) error
	UpsertReaction(ctx context.Context, r Reaction) error
	DeleteReaction(ctx context.Context, messageID, userID string) error
	InsertReceipts(ctx context.Context, receipts []Receipt) error
}

// Filter selects one push channel, optionally scoped to a conversation.
type Filter struct {
	Channel        Channel
	ConversationID string
}

// Subscriber opens push subscriptions.
//
// onEvent is called from a single goroutine per subscription, in the order
// the backend committed the changes.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter, onEvent func(ChangeEnvelope)) (Subscription, error)
}

// Subscription is a live push channel.
type Subscription interface {
	// Done is closed when the channel stops delivering, for any reason.
	Done() <-chan struct{}
	// Err returns the reason Done was closed, nil after Unsubscribe.
	Err() error
	Unsubscribe() error
}

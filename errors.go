package convsync

import (
	"errors"
	"strings"
)

var (
	// ErrAccessDenied means the caller is no longer a member of the conversation.
	ErrAccessDenied = errors.New("access denied")
	// ErrNetwork is a transport-level failure of a fetch, write or subscription.
	ErrNetwork = errors.New("network error")
	// ErrUpload is a failed media upload.
	ErrUpload = errors.New("upload failed")
	// ErrMalformedEvent is a push payload that matches no known event.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrStaleWrite is a write result that arrived after its conversation was left.
	ErrStaleWrite = errors.New("stale write result")
	// ErrEvicted is returned for writes issued after an access revocation.
	ErrEvicted = errors.New("evicted from conversation")
	// ErrSendFailed wraps the cause of a failed message insert.
	ErrSendFailed = errors.New("send failed")
	// ErrNotOpen is returned when no conversation is open.
	ErrNotOpen = errors.New("no conversation open")
)

// APIError is the error object of a backend response envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Is maps backend codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAccessDenied:
		return e.Status == 403 || e.Code == "ACCESS_DENIED" || e.Code == "NOT_A_MEMBER"
	case ErrNetwork:
		return e.Status >= 500 || strings.Contains(e.Code, "TIMEOUT") || strings.Contains(e.Code, "NETWORK")
	}
	return false
}

// IsAccessDenied reports whether err is terminal for the conversation.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

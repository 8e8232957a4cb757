package gateway

import (
	"errors"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

var (
	// ErrStoreFailure wraps any persistence error. Nothing was published.
	ErrStoreFailure = errors.New("message store failure")
	// ErrPublishFailure means the message is stored but was not broadcast.
	ErrPublishFailure = errors.New("broadcast failure")
	ErrSessionClosed  = errors.New("session closed")
	ErrSlowConsumer   = errors.New("session send queue is full")
)

// isClientError reports errors caused by the frame itself. They never close
// the connection.
func isClientError(err error) bool {
	return errors.Is(err, domain.ErrMalformedInput) ||
		errors.Is(err, domain.ErrEmptyMessage) ||
		errors.Is(err, domain.ErrMessageTooLong) ||
		errors.Is(err, domain.ErrInvalidReference) ||
		errors.Is(err, domain.ErrMessageNotFound) ||
		errors.Is(err, domain.ErrNotSender)
}

// isFatal reports errors after which the session must end.
func isFatal(err error) bool {
	return errors.Is(err, domain.ErrNotMember) || errors.Is(err, domain.ErrChatNotFound)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, domain.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, domain.ErrMessageTooLong):
		return "message_too_long"
	case errors.Is(err, domain.ErrInvalidReference), errors.Is(err, domain.ErrMessageNotFound):
		return "invalid_reference"
	case errors.Is(err, domain.ErrNotSender):
		return "not_sender"
	case errors.Is(err, domain.ErrNotMember):
		return "not_member"
	case errors.Is(err, domain.ErrChatNotFound):
		return "chat_not_found"
	case errors.Is(err, ErrStoreFailure):
		return "store_failure"
	default:
		return "internal"
	}
}

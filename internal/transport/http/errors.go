package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/gateway"
	"github.com/cwrk-planet/chat-service/internal/logger"
)

// ToHTTP maps a service error to its status code and a stable error code.
func ToHTTP(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, domain.ErrMalformedInput):
		return http.StatusBadRequest, "malformed_input"
	case errors.Is(err, domain.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	case errors.Is(err, domain.ErrMessageTooLong):
		return http.StatusBadRequest, "message_too_long"
	case errors.Is(err, domain.ErrInvalidReference):
		return http.StatusBadRequest, "invalid_reference"
	case errors.Is(err, domain.ErrNotMember):
		return http.StatusForbidden, "not_member"
	case errors.Is(err, domain.ErrNotAdmin):
		return http.StatusForbidden, "not_admin"
	case errors.Is(err, domain.ErrNotSender):
		return http.StatusForbidden, "not_sender"
	case errors.Is(err, domain.ErrChatNotFound):
		return http.StatusNotFound, "chat_not_found"
	case errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound, "message_not_found"
	case errors.Is(err, domain.ErrLastAdmin):
		return http.StatusConflict, "last_admin"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, gateway.ErrStoreFailure):
		return http.StatusServiceUnavailable, "store_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs server-side failures and hides their details from clients.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := ToHTTP(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(op, logger.Err(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: msg}})
}

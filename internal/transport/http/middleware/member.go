package httpmw

import (
	"context"
	"net/http"

	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/logger"

	"github.com/go-chi/chi/v5"
)

type MembershipChecker interface {
	IsActiveMember(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (bool, error)
}

// RequireMember lets the request through only when the caller is an active
// member of the chat named by the {chatID} path parameter.
func RequireMember(members MembershipChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			chatID := domain.ChatID(chi.URLParam(r, "chatID"))
			ok, err := members.IsActiveMember(r.Context(), chatID, UserIDFromCtx(r.Context()))
			if err != nil {
				logger.FromContext(r.Context()).Error("membership check failed", "chat", chatID, logger.Err(err))
				deny(w, http.StatusInternalServerError, "internal", "internal error")
				return
			}
			if !ok {
				deny(w, http.StatusForbidden, "not_member", domain.ErrNotMember.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

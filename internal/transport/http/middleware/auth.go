package httpmw

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cwrk-planet/chat-service/internal/auth"
	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/logger"
)

type ctxKey string

const ctxKeyUserID ctxKey = "user_id"

// Auth resolves the bearer token to a user id and stores it in the request
// context.
func Auth(authn auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.TokenFromRequest(r)
			if err != nil {
				deny(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			userID, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				logger.FromContext(r.Context()).Debug("token rejected", logger.Err(err))
				deny(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			ctx := WithUserID(r.Context(), userID)
			ctx = logger.WithContext(ctx, logger.FromContext(ctx).With("user", string(userID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func WithUserID(ctx context.Context, userID domain.UserID) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

func UserIDFromCtx(ctx context.Context) domain.UserID {
	if v, ok := ctx.Value(ctxKeyUserID).(domain.UserID); ok {
		return v
	}
	return ""
}

func deny(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}

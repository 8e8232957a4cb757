package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-service/internal/auth"
	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/gateway"
	"github.com/cwrk-planet/chat-service/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type Gateway interface {
	Connect(ctx context.Context, userID domain.UserID, chatID domain.ChatID) (*gateway.Session, error)
	Serve(ctx context.Context, s *gateway.Session, conn gateway.Conn) error
	Disconnect(ctx context.Context, s *gateway.Session)
}

type Config struct {
	MaxFrameBytes  int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

type Server struct {
	upgrader websocket.Upgrader
	gw       Gateway
	auth     auth.Authenticator
	cfg      Config
}

func NewServer(gw Gateway, authn auth.Authenticator, cfg Config) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{
		gw:   gw,
		auth: authn,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || lo.ContainsBy(allowed, func(o string) bool {
			return strings.EqualFold(o, origin)
		})
	}
}

// HandleWS serves GET /ws/chats/{chatID}. Authorization happens before the
// upgrade so refusals are plain HTTP statuses.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	token, err := auth.TokenFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	userID, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	chatID := domain.ChatID(strings.TrimSpace(chi.URLParam(r, "chatID")))
	if chatID == "" {
		http.Error(w, "missing chat id", http.StatusBadRequest)
		return
	}

	sess, err := s.gw.Connect(r.Context(), userID, chatID)
	if err != nil {
		status := connectStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error("ws connect failed", "chat", chatID, "user", userID, logger.Err(err))
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		log.Warn("ws upgrade failed", "chat", chatID, "user", userID, logger.Err(err))
		s.gw.Disconnect(r.Context(), sess)
		return
	}

	c := newWsConn(conn, s.cfg.MaxFrameBytes, s.cfg.PingInterval, s.cfg.WriteTimeout)
	if err := s.gw.Serve(r.Context(), sess, c); err != nil {
		log.Info("ws session ended", "session", sess.ID, "chat", chatID, "user", userID, logger.Err(err))
	}
}

func connectStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrChatNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

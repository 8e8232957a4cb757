package http

import (
	"context"
	"net/http"
	"time"

	"github.com/cwrk-planet/chat-service/internal/auth"
	httpmw "github.com/cwrk-planet/chat-service/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

type RouterDeps struct {
	Handler        *Handler
	WS             WSHandler
	Auth           auth.Authenticator
	Members        httpmw.MembershipChecker
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Health reports whether storage and the bus answer; nil means always healthy.
	Health func(ctx context.Context) error
}

func NewRouter(d RouterDeps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(httpmw.RequestLogger)
	r.Use(middlewareChi.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// WS endpoint; it authenticates on its own and must not sit behind Timeout
	r.Get("/ws/chats/{chatID}", d.WS.HandleWS)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httpmw.Auth(d.Auth))
		api.Use(middlewareChi.Timeout(d.RequestTimeout))

		h := d.Handler
		api.Route("/chats", func(rc chi.Router) {
			rc.Post("/", h.CreateChat)
			rc.Get("/", h.ListChats)

			rc.Route("/{chatID}", func(rr chi.Router) {
				rr.With(httpmw.RequireMember(d.Members)).Get("/", h.GetChat)
				rr.Patch("/", h.RenameChat)
				rr.Delete("/", h.DeleteChat)
				rr.With(httpmw.RequireMember(d.Members)).Get("/members", h.ListMembers)
				rr.Post("/members", h.AddMember)
				rr.Delete("/members/{userID}", h.RemoveMember)
				rr.Put("/admins/{userID}", h.PromoteAdmin)
				rr.Delete("/admins/{userID}", h.DemoteAdmin)
				rr.Get("/messages", h.History)
				rr.Post("/messages", h.SendMessage)
				rr.Patch("/messages/{messageID}", h.EditMessage)
				rr.Delete("/messages/{messageID}", h.DeleteMessage)
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			if err := d.Health(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

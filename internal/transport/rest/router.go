package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/Austin-rgb/messages/internal/metrics"
	"github.com/Austin-rgb/messages/internal/security"
)

type RouterDeps struct {
	Handler   *Handler
	Session   http.Handler
	Verifier  security.AccessTokenVerifier
	JWTIssuer string

	// Per-IP request budget; zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	if d.RateLimit > 0 {
		window := d.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(d.RateLimit, window))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier, AuthOptions{ExpectedIssuer: d.JWTIssuer}))

		r.Post("/conversations", d.Handler.CreateConversation)
		r.Get("/conversations", d.Handler.ListConversations)
		r.Get("/conversations/{name}", d.Handler.GetConversation)
		r.Post("/conversations/{name}/messages", d.Handler.PostMessage)
		r.Get("/conversations/{name}/messages", d.Handler.GetMessages)

		r.Post("/inbox/{peer}/messages", d.Handler.PostToPeer)
		r.Get("/inbox/messages", d.Handler.GetInbox)

		r.Get("/messages/{id}/receipts", d.Handler.GetReceipts)
		r.Get("/messages/{id}/react/{reaction}", d.Handler.React)
		r.Get("/messages/{id}/mark_as_read", d.Handler.MarkAsRead)

		if d.Session != nil {
			r.Get("/ws/", d.Session.ServeHTTP)
		}
	})

	return r
}

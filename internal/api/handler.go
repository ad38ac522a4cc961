// Package api serves the REST surface of the chat relay: conversation list,
// history, REST send and mark-read fallbacks, notifications, health and
// metrics. The realtime endpoint is mounted alongside it.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/kindred/chat-relay/internal/channel"
	"github.com/kindred/chat-relay/internal/metrics"
	"github.com/kindred/chat-relay/internal/presence"
	"github.com/kindred/chat-relay/internal/relay"
	"github.com/kindred/chat-relay/internal/signal"
	"github.com/kindred/chat-relay/internal/store"
)

// Authenticator resolves the user behind a request credential.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// Limiter throttles REST callers per user.
type Limiter interface {
	Check(ctx context.Context, identifier string) error
}

// Realtime is the websocket endpoint plus the counters health reports.
type Realtime interface {
	http.Handler
	ConnectionCount() int
	Uptime() time.Duration
}

// Deps are the collaborators of the REST handlers. Limiter and Realtime may
// be nil.
type Deps struct {
	Auth     Authenticator
	Store    store.Store
	Router   *channel.Router
	Relay    *relay.Relay
	Signaler *signal.Signaler
	Presence *presence.Registry
	Limiter  Limiter
	Realtime Realtime
	// AllowedOrigins configures CORS. Empty allows any origin.
	AllowedOrigins []string
}

// Handler serves the REST API.
type Handler struct {
	deps Deps
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Routes builds the routed, CORS-wrapped handler.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if h.deps.Realtime != nil {
		r.Handle("/ws", h.deps.Realtime).Methods(http.MethodGet)
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(h.requireAuth, h.rateLimit)

	authed.HandleFunc("/chat/conversations", h.ListConversations).Methods(http.MethodGet)
	authed.HandleFunc("/chat/matches/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	authed.HandleFunc("/chat/matches/{id}/messages", h.SendMessage).Methods(http.MethodPost)
	authed.HandleFunc("/chat/matches/{id}/read", h.MarkRead).Methods(http.MethodPut)

	authed.HandleFunc("/users/notifications", h.ListNotifications).Methods(http.MethodGet)
	authed.HandleFunc("/users/notifications/read-all", h.MarkAllNotificationsRead).Methods(http.MethodPut)
	authed.HandleFunc("/users/notifications/{id}/read", h.MarkNotificationRead).Methods(http.MethodPut)

	c := cors.New(cors.Options{
		AllowedOrigins: h.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
	})
	return c.Handler(r)
}

func (h *Handler) allowedOrigins() []string {
	if len(h.deps.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return h.deps.AllowedOrigins
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"onlineUsers"`
		Channels    int    `json:"activeChannels"`
		Uptime      string `json:"uptime,omitempty"`
	}{Status: "ok"}

	if h.deps.Realtime != nil {
		resp.Connections = h.deps.Realtime.ConnectionCount()
		resp.Uptime = h.deps.Realtime.Uptime().Round(time.Second).String()
	}
	if h.deps.Presence != nil {
		resp.OnlineUsers = h.deps.Presence.OnlineUsers()
	}
	if h.deps.Router != nil {
		resp.Channels = h.deps.Router.ActiveChannels()
	}
	writeJSON(w, http.StatusOK, resp)
}

package api

import (
	"context"
	"net/http"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/log"
)

type userKey struct{}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the authenticated user stored by requireAuth.
func UserFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.deps.Auth.Authenticate(r)
		if err != nil {
			writeError(w, r, chat.ErrUnauthorized)
			return
		}
		log.SetUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), userID)))
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Limiter != nil {
			if err := h.deps.Limiter.Check(r.Context(), UserFrom(r.Context())); err != nil {
				writeError(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

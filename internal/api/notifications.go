package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kindred/chat-relay/internal/chat"
)

const defaultNotificationLimit = 50

type notificationsResponse struct {
	Notifications []chat.Notification `json:"notifications"`
	UnreadCount   int                 `json:"unreadCount"`
}

// ListNotifications handles GET /users/notifications?limit=.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", defaultNotificationLimit)
	if limit <= 0 || limit > 200 {
		limit = defaultNotificationLimit
	}

	list, unread, err := h.deps.Store.ListNotifications(ctx, UserFrom(ctx), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []chat.Notification{}
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Notifications: list, UnreadCount: unread})
}

// MarkNotificationRead handles PUT /users/notifications/{id}/read.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.deps.Store.MarkNotificationRead(ctx, UserFrom(ctx), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllNotificationsRead handles PUT /users/notifications/read-all.
func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.deps.Store.MarkAllNotificationsRead(ctx, UserFrom(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/store"
)

const statsConcurrency = 8

// ListConversations handles GET /chat/conversations. Conversations with the
// most recent activity come first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserFrom(ctx)

	matches, err := h.deps.Store.MatchesForUser(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	convs := make([]chat.Conversation, len(matches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for i, m := range matches {
		i, m := i, m
		g.Go(func() error {
			last, unread, err := h.deps.Store.ConversationStats(gctx, m.ID, userID)
			if err != nil {
				return err
			}
			partner := m.Partner(userID)
			convs[i] = chat.Conversation{
				MatchID:       m.ID,
				PartnerID:     partner,
				PartnerOnline: h.deps.Presence != nil && h.deps.Presence.IsOnline(partner),
				LastMessage:   last,
				UnreadCount:   unread,
				CreatedAt:     m.CreatedAt,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		writeError(w, r, err)
		return
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return activity(convs[i]).After(activity(convs[j]))
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

func activity(c chat.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// ListMessages handles GET /chat/matches/{id}/messages?limit=&before=.
// Messages come back oldest to newest; before is an exclusive seq cursor.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	matchID := mux.Vars(r)["id"]

	if _, err := h.deps.Router.Authorize(ctx, UserFrom(ctx), matchID); err != nil {
		writeError(w, r, err)
		return
	}

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil && n < 0 {
			err = errors.New("negative cursor")
		}
		if err != nil {
			writeError(w, r, &badRequestError{err: fmt.Errorf("before: %w", err)})
			return
		}
		before = n
	}
	limit := store.ClampLimit(queryInt(r, "limit", store.DefaultHistoryLimit))

	msgs, err := h.deps.Store.ListMessages(ctx, matchID, before, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matchId": matchID, "messages": msgs})
}

type sendMessageRequest struct {
	Content     string           `json:"content"`
	MessageType chat.MessageType `json:"messageType"`
}

// SendMessage handles POST /chat/matches/{id}/messages, the REST fallback for
// send_message. Joined connections still receive new_message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	matchID := mux.Vars(r)["id"]

	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	msg, err := h.deps.Relay.SendMessage(ctx, chat.Peer{UserID: UserFrom(ctx)}, matchID, req.Content, req.MessageType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead handles PUT /chat/matches/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	matchID := mux.Vars(r)["id"]

	n, err := h.deps.Signaler.MarkRead(ctx, chat.Peer{UserID: UserFrom(ctx)}, matchID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matchId": matchID, "updated": n})
}

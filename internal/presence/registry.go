// Package presence tracks which users currently hold at least one realtime
// connection on this node.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/metrics"
)

// Recorder persists presence transitions. Calls are best-effort.
type Recorder interface {
	MarkOnline(ctx context.Context, userID string, at time.Time) error
	MarkOffline(ctx context.Context, userID string, lastActive time.Time) error
}

const recorderTimeout = 3 * time.Second

// Registry maps users to their live connections. A user is online while at
// least one connection is registered.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]map[string]struct{} // userID -> connIDs
	byConn   map[string]string              // connID -> userID
	recorder Recorder
	now      func() time.Time
}

// NewRegistry creates an empty Registry. recorder may be nil.
func NewRegistry(recorder Recorder) *Registry {
	return &Registry{
		byUser:   make(map[string]map[string]struct{}),
		byConn:   make(map[string]string),
		recorder: recorder,
		now:      time.Now,
	}
}

// Register adds a connection for its user. It reports whether the user just
// came online. Registering the same connection twice is a no-op.
func (r *Registry) Register(peer chat.Peer) bool {
	if peer.ConnID == "" || peer.UserID == "" {
		return false
	}

	r.mu.Lock()
	if _, ok := r.byConn[peer.ConnID]; ok {
		r.mu.Unlock()
		return false
	}
	conns, ok := r.byUser[peer.UserID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[peer.UserID] = conns
	}
	cameOnline := len(conns) == 0
	conns[peer.ConnID] = struct{}{}
	r.byConn[peer.ConnID] = peer.UserID
	online := len(r.byUser)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	if cameOnline {
		r.record(peer.UserID, func(ctx context.Context, at time.Time) error {
			return r.recorder.MarkOnline(ctx, peer.UserID, at)
		})
	}
	return cameOnline
}

// Unregister removes a connection. When it was the user's last one the user
// goes offline and the last-active time is recorded. Unknown connections are
// ignored. It returns the owning user and whether they went offline.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	userID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, connID)

	wentOffline := false
	if conns := r.byUser[userID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
			wentOffline = true
		}
	}
	online := len(r.byUser)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	if wentOffline {
		r.record(userID, func(ctx context.Context, at time.Time) error {
			return r.recorder.MarkOffline(ctx, userID, at)
		})
	}
	return userID, wentOffline
}

// IsOnline reports whether the user has at least one registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Connections returns a snapshot of the user's connection ids.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// UserOf returns the user that owns connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// OnlineUsers returns how many users are online.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) record(userID string, fn func(ctx context.Context, at time.Time) error) {
	if r.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()
	if err := fn(ctx, r.now()); err != nil {
		logger := log.Component("presence")
		logger.Warn().Err(err).Str(log.FieldUserID, userID).Msg("presence record failed")
	}
}

// Users returns a snapshot of the online user ids.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	return out
}

// Package channel maintains match channel membership: which realtime
// connections are joined to which match, and who is allowed to join.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/metrics"
	"github.com/kindred/chat-relay/internal/store"
)

// Member is a connection joined to a channel.
type Member struct {
	ConnID string
	UserID string
}

// Router tracks channel membership. A channel exists while it has at least
// one member and is dropped when the last one leaves.
type Router struct {
	dir store.MatchDirectory

	mu       sync.RWMutex
	channels map[string]map[string]string   // channelID -> connID -> userID
	byConn   map[string]map[string]struct{} // connID -> channelIDs

	locks keyedMutex
}

// NewRouter creates a Router that authorizes joins against dir.
func NewRouter(dir store.MatchDirectory) *Router {
	return &Router{
		dir:      dir,
		channels: make(map[string]map[string]string),
		byConn:   make(map[string]map[string]struct{}),
		locks:    keyedMutex{entries: make(map[string]*lockEntry)},
	}
}

// Authorize returns the match when userID is one of its participants and
// chat.ErrUnauthorized otherwise, including for unknown matches.
func (r *Router) Authorize(ctx context.Context, userID, channelID string) (chat.Match, error) {
	m, err := r.dir.GetMatch(ctx, channelID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return chat.Match{}, fmt.Errorf("channel: match %s: %w", channelID, chat.ErrUnauthorized)
		}
		return chat.Match{}, fmt.Errorf("channel: authorize: %w", err)
	}
	if !m.IsParticipant(userID) {
		return chat.Match{}, fmt.Errorf("channel: user %s not in match %s: %w", userID, channelID, chat.ErrUnauthorized)
	}
	return m, nil
}

// Join adds the peer's connection to the channel after authorizing its user.
// Joining twice is a no-op. On error membership is unchanged.
func (r *Router) Join(ctx context.Context, peer chat.Peer, channelID string) error {
	if peer.ConnID == "" {
		return fmt.Errorf("channel: join: connection id required")
	}
	if _, err := r.Authorize(ctx, peer.UserID, channelID); err != nil {
		return err
	}

	r.mu.Lock()
	members, ok := r.channels[channelID]
	if !ok {
		members = make(map[string]string)
		r.channels[channelID] = members
	}
	members[peer.ConnID] = peer.UserID

	joined, ok := r.byConn[peer.ConnID]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[peer.ConnID] = joined
	}
	joined[channelID] = struct{}{}
	active := len(r.channels)
	r.mu.Unlock()

	metrics.ActiveChannels.Set(float64(active))
	return nil
}

// Leave removes the connection from the channel. Leaving a channel the
// connection never joined is a no-op.
func (r *Router) Leave(connID, channelID string) {
	r.mu.Lock()
	r.leaveLocked(connID, channelID)
	active := len(r.channels)
	r.mu.Unlock()

	metrics.ActiveChannels.Set(float64(active))
}

// LeaveAll removes the connection from every channel it joined and returns
// those channel ids. It is called on disconnect.
func (r *Router) LeaveAll(connID string) []string {
	r.mu.Lock()
	joined := r.byConn[connID]
	left := make([]string, 0, len(joined))
	for channelID := range joined {
		left = append(left, channelID)
	}
	for _, channelID := range left {
		r.leaveLocked(connID, channelID)
	}
	active := len(r.channels)
	r.mu.Unlock()

	metrics.ActiveChannels.Set(float64(active))
	return left
}

func (r *Router) leaveLocked(connID, channelID string) {
	if members, ok := r.channels[channelID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.channels, channelID)
		}
	}
	if joined, ok := r.byConn[connID]; ok {
		delete(joined, channelID)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Members returns a snapshot of the channel's joined connections.
func (r *Router) Members(channelID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[channelID]
	out := make([]Member, 0, len(members))
	for connID, userID := range members {
		out = append(out, Member{ConnID: connID, UserID: userID})
	}
	return out
}

// IsMember reports whether connID is joined to channelID.
func (r *Router) IsMember(channelID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channelID][connID]
	return ok
}

// Channels returns the channels connID is joined to.
func (r *Router) Channels(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.byConn[connID]
	out := make([]string, 0, len(joined))
	for id := range joined {
		out = append(out, id)
	}
	return out
}

// ActiveChannels returns how many channels have members.
func (r *Router) ActiveChannels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Lock serializes work on one channel and returns the unlock function.
// Operations on different channels do not contend.
func (r *Router) Lock(channelID string) func() {
	return r.locks.lock(channelID)
}

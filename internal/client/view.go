package client

import (
	"sort"
	"sync"

	"github.com/kindred/chat-relay/internal/chat"
)

// ViewState is the lifecycle state of a ChannelView.
type ViewState int

const (
	StateClosed ViewState = iota
	StateLoading
	StateLive
)

func (s ViewState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	default:
		return "closed"
	}
}

// ChannelView is the client's view of the one conversation that is open.
// Live events and history fetches may arrive in any order; the timeline
// makes them converge.
type ChannelView struct {
	self string

	mu       sync.Mutex
	state    ViewState
	matchID  string
	timeline *Timeline
	typing   map[string]bool
}

// NewChannelView creates a closed view for the user self.
func NewChannelView(self string) *ChannelView {
	return &ChannelView{
		self:     self,
		timeline: NewTimeline(),
		typing:   make(map[string]bool),
	}
}

// Open switches the view to matchID and starts a cold load. Anything shown
// for a previous match is dropped.
func (v *ChannelView) Open(matchID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.matchID = matchID
	v.state = StateLoading
	v.timeline.Reset()
	v.typing = make(map[string]bool)
}

// Resync moves an open view back to loading without dropping its timeline,
// so a fresh history fetch can be merged in. It returns the open match id.
func (v *ChannelView) Resync() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed {
		return "", false
	}
	v.state = StateLoading
	// Typing indicators from before the drop may never be cleared.
	v.typing = make(map[string]bool)
	return v.matchID, true
}

// LoadHistory merges a history page for matchID and marks the view live.
// Pages for a match that is no longer open are ignored. It returns the
// number of messages added.
func (v *ChannelView) LoadHistory(matchID string, history []chat.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed || matchID != v.matchID {
		return 0
	}
	added := v.timeline.Merge(history)
	v.state = StateLive
	return added
}

// ApplyMessage inserts a live message. added reports whether it was new;
// markRead reports that it came from the partner into the open view and the
// conversation should be marked read.
func (v *ChannelView) ApplyMessage(m chat.Message) (added, markRead bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed || m.MatchID != v.matchID {
		return false, false
	}
	delete(v.typing, m.SenderID)
	added = v.timeline.Insert(m)
	return added, added && m.SenderID != v.self
}

// ApplyTyping records a typing indicator. The user's own typing is ignored.
func (v *ChannelView) ApplyTyping(matchID, userID string, isTyping bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed || matchID != v.matchID || userID == v.self {
		return
	}
	if isTyping {
		v.typing[userID] = true
	} else {
		delete(v.typing, userID)
	}
}

// ApplyRead handles a read receipt. When the partner read the conversation
// the user's own messages are flagged read. It returns how many changed.
func (v *ChannelView) ApplyRead(matchID, readerID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed || matchID != v.matchID || readerID == v.self {
		return 0
	}
	return v.timeline.MarkSentRead(v.self)
}

// Close closes the view.
func (v *ChannelView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StateClosed
	v.matchID = ""
	v.timeline.Reset()
	v.typing = make(map[string]bool)
}

// State returns the lifecycle state.
func (v *ChannelView) State() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// MatchID returns the open match, or "" when closed.
func (v *ChannelView) MatchID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.matchID
}

// Messages returns the timeline in order.
func (v *ChannelView) Messages() []chat.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.timeline.Messages()
}

// Typing returns the users currently shown as typing, sorted.
func (v *ChannelView) Typing() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.typing))
	for id := range v.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

package client

import (
	"sort"

	"github.com/kindred/chat-relay/internal/chat"
)

// Timeline is an ordered, duplicate-free sequence of messages. Messages are
// ordered by seq, then creation time, then id. It is not safe for concurrent
// use; ChannelView guards it.
type Timeline struct {
	index map[string]int
	msgs  []chat.Message
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{index: make(map[string]int)}
}

func before(a, b chat.Message) bool {
	if a.Seq != 0 && b.Seq != 0 && a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Insert adds m unless a message with the same id is present. It reports
// whether m was added. A duplicate still propagates a read flag.
func (t *Timeline) Insert(m chat.Message) bool {
	if m.ID == "" {
		return false
	}
	if i, ok := t.index[m.ID]; ok {
		if m.Read {
			t.msgs[i].Read = true
		}
		return false
	}

	pos := sort.Search(len(t.msgs), func(i int) bool { return before(m, t.msgs[i]) })
	t.msgs = append(t.msgs, chat.Message{})
	copy(t.msgs[pos+1:], t.msgs[pos:])
	t.msgs[pos] = m
	t.reindex(pos)
	return true
}

// Merge inserts every message of history and returns how many were new.
func (t *Timeline) Merge(history []chat.Message) int {
	added := 0
	for _, m := range history {
		if t.Insert(m) {
			added++
		}
	}
	return added
}

func (t *Timeline) reindex(from int) {
	for i := from; i < len(t.msgs); i++ {
		t.index[t.msgs[i].ID] = i
	}
}

// Has reports whether a message with id is present.
func (t *Timeline) Has(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Len returns the number of messages.
func (t *Timeline) Len() int { return len(t.msgs) }

// Messages returns a copy of the messages in order.
func (t *Timeline) Messages() []chat.Message {
	out := make([]chat.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Last returns the newest message.
func (t *Timeline) Last() (chat.Message, bool) {
	if len(t.msgs) == 0 {
		return chat.Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

// MarkSentRead flags every message sent by senderID as read and returns how
// many changed.
func (t *Timeline) MarkSentRead(senderID string) int {
	n := 0
	for i := range t.msgs {
		if t.msgs[i].SenderID == senderID && !t.msgs[i].Read {
			t.msgs[i].Read = true
			n++
		}
	}
	return n
}

// Reset drops every message.
func (t *Timeline) Reset() {
	t.msgs = nil
	t.index = make(map[string]int)
}

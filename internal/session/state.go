package session

import (
	"time"

	"parish-chat/internal/chat"
)

// Snapshot is the read-only view handed to consumers on every state
// change. Slices and maps are fresh copies; consumers may hold them across
// renders.
type Snapshot struct {
	ChannelID   string                          `json:"channel_id"`
	Channel     *chat.Channel                   `json:"channel,omitempty"`
	Messages    []chat.Message                  `json:"messages"` // top-level, newest first
	Replies     map[string][]chat.Message       `json:"replies,omitempty"`
	Reactions   map[string][]chat.ReactionGroup `json:"reactions,omitempty"`
	Typing      []string                        `json:"typing,omitempty"` // user ids currently composing
	Members     []chat.Membership               `json:"members,omitempty"`
	LastReadAt  time.Time                       `json:"last_read_at"`
	UnreadCount int64                           `json:"unread_count"`
	HasMore     bool                            `json:"has_more"`
	// Stale is set while the feed is down and the view may lag the store.
	Stale bool `json:"stale"`
}

// state is the reconciled in-memory timeline. It is owned exclusively by
// the session's worker goroutine; nothing else reads or mutates it.
type state struct {
	channelID string
	channel   *chat.Channel
	messages  []chat.Message // top-level, newest first
	replies   map[string][]chat.Message
	reactions map[string][]chat.Reaction // raw rows, grouped at snapshot time
	typing    map[string]chat.TypingIndicator
	members   []chat.Membership
	// tombstones records deletes seen before (or without) the matching
	// insert, so a late insert of the same id is suppressed.
	tombstones  map[string]struct{}
	lastReadAt  time.Time
	unreadCount int64
	hasMore     bool
	stale       bool
}

func newState(channelID string) *state {
	return &state{
		channelID:  channelID,
		replies:    make(map[string][]chat.Message),
		reactions:  make(map[string][]chat.Reaction),
		typing:     make(map[string]chat.TypingIndicator),
		tombstones: make(map[string]struct{}),
	}
}

// findMessage returns the index of id in the top-level timeline, or -1.
func (st *state) findMessage(id string) int {
	for i := range st.messages {
		if st.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// upsertMessage applies id-based upsert semantics: replace in place when
// the id is already present (the optimistic copy or an earlier echo),
// otherwise insert in timeline position. Returns false for suppressed
// (tombstoned) ids.
func (st *state) upsertMessage(m chat.Message) bool {
	if _, dead := st.tombstones[m.ID]; dead {
		return false
	}

	if m.IsReply() {
		parent := *m.ParentID
		siblings := st.replies[parent]
		for i := range siblings {
			if siblings[i].ID == m.ID {
				siblings[i] = m
				return true
			}
		}
		st.replies[parent] = append(siblings, m)
		return true
	}

	if i := st.findMessage(m.ID); i >= 0 {
		st.messages[i] = m
		return true
	}

	// New messages arrive at the head; pagination appends older ones at
	// the tail. Anything else slots by creation time.
	if len(st.messages) == 0 || !m.CreatedAt.Before(st.messages[0].CreatedAt) {
		st.messages = append([]chat.Message{m}, st.messages...)
		return true
	}
	for i := range st.messages {
		if m.CreatedAt.After(st.messages[i].CreatedAt) {
			st.messages = append(st.messages[:i], append([]chat.Message{m}, st.messages[i:]...)...)
			return true
		}
	}
	st.messages = append(st.messages, m)
	return true
}

// patchMessage replaces only the mutable fields of an existing id. No-op
// when the id is absent (already scrolled past or never loaded).
func (st *state) patchMessage(m chat.Message) {
	if i := st.findMessage(m.ID); i >= 0 {
		st.messages[i].Content = m.Content
		st.messages[i].IsEdited = m.IsEdited
		st.messages[i].UpdatedAt = m.UpdatedAt
		return
	}
	for parent, siblings := range st.replies {
		for i := range siblings {
			if siblings[i].ID == m.ID {
				siblings[i].Content = m.Content
				siblings[i].IsEdited = m.IsEdited
				siblings[i].UpdatedAt = m.UpdatedAt
				st.replies[parent] = siblings
				return
			}
		}
	}
}

// detach removes id from the timeline without tombstoning it, for
// retracting failed optimistic entries; the store never wrote the row, so
// no echo will follow.
func (st *state) detach(id string) {
	if i := st.findMessage(id); i >= 0 {
		st.messages = append(st.messages[:i], st.messages[i+1:]...)
		return
	}
	for parent, siblings := range st.replies {
		for i := range siblings {
			if siblings[i].ID == id {
				st.replies[parent] = append(siblings[:i], siblings[i+1:]...)
				return
			}
		}
	}
}

// removeMessage drops id from the timeline and records a tombstone so a
// late insert cannot resurrect it.
func (st *state) removeMessage(id string) {
	st.tombstones[id] = struct{}{}
	delete(st.reactions, id)
	delete(st.replies, id)

	if i := st.findMessage(id); i >= 0 {
		st.messages = append(st.messages[:i], st.messages[i+1:]...)
		return
	}
	for parent, siblings := range st.replies {
		for i := range siblings {
			if siblings[i].ID == id {
				st.replies[parent] = append(siblings[:i], siblings[i+1:]...)
				return
			}
		}
	}
}

// upsertReaction adds a raw reaction row unless the triple is already
// present.
func (st *state) upsertReaction(r chat.Reaction) {
	rows := st.reactions[r.MessageID]
	for _, row := range rows {
		if row.UserID == r.UserID && row.Token == r.Token {
			return
		}
	}
	st.reactions[r.MessageID] = append(rows, r)
}

// removeReaction drops the exact triple.
func (st *state) removeReaction(r chat.Reaction) {
	rows := st.reactions[r.MessageID]
	for i, row := range rows {
		if row.UserID == r.UserID && row.Token == r.Token {
			st.reactions[r.MessageID] = append(rows[:i], rows[i+1:]...)
			return
		}
	}
}

// oldestLoaded returns the creation time of the oldest top-level message,
// used as the pagination cursor.
func (st *state) oldestLoaded() *time.Time {
	if len(st.messages) == 0 {
		return nil
	}
	t := st.messages[len(st.messages)-1].CreatedAt
	return &t
}

// snapshot derives the consumer view: reaction rows grouped per message,
// typing rows filtered through the liveness window.
func (st *state) snapshot(actor string, now time.Time, typingTimeout time.Duration) Snapshot {
	snap := Snapshot{
		ChannelID:   st.channelID,
		Channel:     st.channel,
		Messages:    append([]chat.Message(nil), st.messages...),
		LastReadAt:  st.lastReadAt,
		UnreadCount: st.unreadCount,
		HasMore:     st.hasMore,
		Stale:       st.stale,
	}

	if len(st.replies) > 0 {
		snap.Replies = make(map[string][]chat.Message, len(st.replies))
		for parent, siblings := range st.replies {
			snap.Replies[parent] = append([]chat.Message(nil), siblings...)
		}
	}

	snap.Reactions = make(map[string][]chat.ReactionGroup, len(st.reactions))
	for messageID, rows := range st.reactions {
		if len(rows) == 0 {
			continue
		}
		snap.Reactions[messageID] = chat.GroupReactions(rows, actor)
	}

	rows := make([]chat.TypingIndicator, 0, len(st.typing))
	for _, row := range st.typing {
		rows = append(rows, row)
	}
	snap.Typing = chat.ActiveTypers(rows, now, typingTimeout, actor)

	snap.Members = append([]chat.Membership(nil), st.members...)
	return snap
}

package session

import (
	"parish-chat/internal/feed"
	"parish-chat/internal/metrics"
)

// apply reconciles one feed event into the timeline. Runs on the worker
// goroutine, strictly in arrival order, serialized against local actions.
func (s *Session) apply(ev feed.Event) {
	if ev.ChannelID != s.st.channelID {
		// The hub scopes subscriptions per channel; anything else here is
		// a stray from a torn-down stream.
		return
	}

	metrics.AddFeedEventsApplied(1)

	switch ev.Kind {
	case feed.KindMessage:
		s.applyMessage(ev)
	case feed.KindReaction:
		s.applyReaction(ev)
	case feed.KindTyping:
		s.applyTyping(ev)
	default:
		s.logger.Warnf("unknown feed entity kind %q", ev.Kind)
		return
	}

	s.publish()
}

func (s *Session) applyMessage(ev feed.Event) {
	switch ev.Op {
	case feed.OpInsert:
		if ev.Message == nil {
			return
		}
		// Upsert by id: the local sender's optimistic copy is replaced in
		// place instead of duplicated; tombstoned ids stay suppressed.
		s.st.upsertMessage(*ev.Message)

	case feed.OpUpdate:
		if ev.Message == nil {
			return
		}
		s.st.patchMessage(*ev.Message)

	case feed.OpDelete:
		key := ev.Key
		if key == "" && ev.Message != nil {
			key = ev.Message.ID
		}
		if key == "" {
			return
		}
		// Deleting an unseen id leaves a tombstone that suppresses a
		// later out-of-order insert of the same id.
		s.st.removeMessage(key)
	}
}

func (s *Session) applyReaction(ev feed.Event) {
	if ev.Reaction == nil {
		return
	}
	switch ev.Op {
	case feed.OpInsert:
		s.st.upsertReaction(*ev.Reaction)
	case feed.OpDelete:
		s.st.removeReaction(*ev.Reaction)
	}
	// The grouped view is re-derived from the full set at snapshot time.
}

func (s *Session) applyTyping(ev feed.Event) {
	if ev.Typing == nil {
		return
	}
	// A false flag means the user stopped composing; drop the entry
	// instead of retaining a false-flag row.
	if !ev.Typing.IsTyping {
		delete(s.st.typing, ev.Typing.UserID)
		return
	}
	s.st.typing[ev.Typing.UserID] = *ev.Typing
}

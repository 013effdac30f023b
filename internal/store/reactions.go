package store

import (
	"context"
	"errors"

	"parish-chat/internal/chat"
	"parish-chat/internal/feed"
)

// AddReaction inserts one (message, user, token) row. A second insert of
// the same triple surfaces chat.ErrConflict so ToggleReaction can flip it.
func (s *Store) AddReaction(ctx context.Context, messageID, actor, token string) error {
	var m chat.Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", messageID).Error; err != nil {
		return translate(err)
	}

	r := chat.Reaction{
		MessageID: messageID,
		UserID:    actor,
		Token:     token,
		CreatedAt: nowUTC(),
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return translate(err)
	}

	s.hub.Publish(feed.Event{
		Kind:      feed.KindReaction,
		Op:        feed.OpInsert,
		ChannelID: m.ChannelID,
		Reaction:  &r,
	})
	return nil
}

// RemoveReaction deletes the exact triple. Removing an absent triple is a
// no-op.
func (s *Store) RemoveReaction(ctx context.Context, messageID, actor, token string) error {
	var m chat.Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", messageID).Error; err != nil {
		return translate(err)
	}

	res := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND token = ?", messageID, actor, token).
		Delete(&chat.Reaction{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	s.hub.Publish(feed.Event{
		Kind:      feed.KindReaction,
		Op:        feed.OpDelete,
		ChannelID: m.ChannelID,
		Reaction:  &chat.Reaction{MessageID: messageID, UserID: actor, Token: token},
	})
	return nil
}

// ToggleReaction is the two-step contract: attempt the insert, and on a
// uniqueness conflict delete the triple instead. Reacting twice with the
// same token returns to the pre-reaction state; the conflict never reaches
// the caller.
func (s *Store) ToggleReaction(ctx context.Context, messageID, actor, token string) error {
	err := s.AddReaction(ctx, messageID, actor, token)
	if errors.Is(err, chat.ErrConflict) {
		return s.RemoveReaction(ctx, messageID, actor, token)
	}
	return err
}

// ReactionsForMessage returns the full reaction set for one message.
func (s *Store) ReactionsForMessage(ctx context.Context, messageID string) ([]chat.Reaction, error) {
	var rows []chat.Reaction
	err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

// ReactionsForMessages loads reactions for a batch of message ids, used
// when a session builds its initial channel snapshot.
func (s *Store) ReactionsForMessages(ctx context.Context, messageIDs []string) ([]chat.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var rows []chat.Reaction
	err := s.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

package store

import (
	"context"

	"parish-chat/internal/chat"
	"parish-chat/internal/feed"

	"gorm.io/gorm/clause"
)

// SetTyping upserts the actor's typing flag for a channel. Rows are never
// swept here; expiry is the reader's responsibility via the liveness
// window.
func (s *Store) SetTyping(ctx context.Context, channelID, actor string, isTyping bool) error {
	row := chat.TypingIndicator{
		ChannelID: channelID,
		UserID:    actor,
		IsTyping:  isTyping,
		UpdatedAt: nowUTC(),
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_typing", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return translate(err)
	}

	s.hub.Publish(feed.Event{
		Kind:      feed.KindTyping,
		Op:        feed.OpUpdate,
		ChannelID: channelID,
		Typing:    &row,
	})
	return nil
}

// TypingForChannel returns the raw typing rows; callers filter through
// chat.ActiveTypers.
func (s *Store) TypingForChannel(ctx context.Context, channelID string) ([]chat.TypingIndicator, error) {
	var rows []chat.TypingIndicator
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

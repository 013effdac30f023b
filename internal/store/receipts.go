package store

import (
	"context"
	"errors"

	"parish-chat/internal/chat"

	"gorm.io/gorm"
)

// MarkRead advances the actor's read high-water-mark in a channel. The
// mark compares against the message's own CreatedAt, never wall-clock now,
// and the stored timestamp only moves forward; a stale messageID is still
// recorded on the id field.
func (s *Store) MarkRead(ctx context.Context, channelID, actor, messageID string) error {
	var m chat.Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", messageID).Error; err != nil {
		return translate(err)
	}
	if m.ChannelID != channelID {
		return translate(gorm.ErrRecordNotFound)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var receipt chat.ReadReceipt
		err := tx.Where("channel_id = ? AND user_id = ?", channelID, actor).First(&receipt).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			receipt = chat.ReadReceipt{
				ChannelID:  channelID,
				UserID:     actor,
				MessageID:  messageID,
				LastReadAt: m.CreatedAt,
				UpdatedAt:  nowUTC(),
			}
			return tx.Create(&receipt).Error
		}
		if err != nil {
			return err
		}

		receipt.MessageID = messageID
		if m.CreatedAt.After(receipt.LastReadAt) {
			receipt.LastReadAt = m.CreatedAt
		}
		receipt.UpdatedAt = nowUTC()
		return tx.Save(&receipt).Error
	})
	return translate(err)
}

// ReadReceipt loads the actor's receipt for a channel, or ErrNotFound when
// nothing has been read yet.
func (s *Store) ReadReceipt(ctx context.Context, channelID, actor string) (*chat.ReadReceipt, error) {
	var receipt chat.ReadReceipt
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelID, actor).
		First(&receipt).Error
	if err != nil {
		return nil, translate(err)
	}
	return &receipt, nil
}

// UnreadCount counts messages created after the actor's mark, excluding
// the actor's own. With no receipt, everything by others is unread.
func (s *Store) UnreadCount(ctx context.Context, channelID, actor string) (int64, error) {
	q := s.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("channel_id = ? AND author_id <> ?", channelID, actor)

	receipt, err := s.ReadReceipt(ctx, channelID, actor)
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		return 0, err
	}
	if receipt != nil {
		q = q.Where("created_at > ?", receipt.LastReadAt)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, translate(err)
	}
	return count, nil
}

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"parish-chat/internal/chat"
	"parish-chat/internal/feed"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateMessage persists a message and publishes its insert event. The id
// may be pre-assigned by the caller (sessions reuse their optimistic id);
// otherwise one is generated.
func (s *Store) CreateMessage(ctx context.Context, m *chat.Message) error {
	if m.ChannelID == "" || m.AuthorID == "" {
		return fmt.Errorf("%w: message requires channel and author", chat.ErrValidation)
	}
	if strings.TrimSpace(m.Content) == "" && m.Meta == nil {
		return fmt.Errorf("%w: message requires content or an attachment", chat.ErrValidation)
	}
	if m.Type == "" {
		m.Type = chat.ContentTypeText
	}
	if err := m.Meta.ValidateFor(m.Type); err != nil {
		return err
	}
	if m.ParentID != nil {
		var parent chat.Message
		if err := s.db.WithContext(ctx).First(&parent, "id = ?", *m.ParentID).Error; err != nil {
			return translate(err)
		}
		if parent.ChannelID != m.ChannelID {
			return fmt.Errorf("%w: reply must stay in the parent's channel", chat.ErrValidation)
		}
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := nowUTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate(err)
	}

	s.hub.Publish(feed.Event{
		Kind:      feed.KindMessage,
		Op:        feed.OpInsert,
		ChannelID: m.ChannelID,
		Message:   m,
	})
	return nil
}

// UpdateMessageContent edits a message's text. Only the author may edit,
// and system messages are never editable.
func (s *Store) UpdateMessageContent(ctx context.Context, actor, id, content string) (*chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: edited content cannot be empty", chat.ErrValidation)
	}

	var m chat.Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	if m.IsSystem() {
		return nil, fmt.Errorf("%w: system messages cannot be edited", chat.ErrPermissionDenied)
	}
	if m.AuthorID != actor {
		return nil, fmt.Errorf("%w: only the author can edit a message", chat.ErrPermissionDenied)
	}

	m.Content = strings.TrimSpace(content)
	m.IsEdited = true
	m.UpdatedAt = nowUTC()
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return nil, translate(err)
	}

	s.hub.Publish(feed.Event{
		Kind:      feed.KindMessage,
		Op:        feed.OpUpdate,
		ChannelID: m.ChannelID,
		Message:   &m,
	})
	return &m, nil
}

// DeleteMessage removes a message. Authors delete their own; channel admins
// and the owner delete anyone's, including system notices.
func (s *Store) DeleteMessage(ctx context.Context, actor, id string) error {
	var m chat.Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return translate(err)
	}

	allowed := m.AuthorID == actor && !m.IsSystem()
	if !allowed {
		role, err := s.MemberRole(ctx, m.ChannelID, actor)
		if err == nil && role.CanModerate() {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("%w: not permitted to delete this message", chat.ErrPermissionDenied)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&chat.Reaction{}).Error; err != nil {
			return err
		}
		return tx.Delete(&chat.Message{}, "id = ?", id).Error
	})
	if err != nil {
		return translate(err)
	}

	s.hub.Publish(feed.Event{
		Kind:      feed.KindMessage,
		Op:        feed.OpDelete,
		ChannelID: m.ChannelID,
		Key:       m.ID,
	})
	return nil
}

// MessagePage returns up to limit top-level messages, newest first,
// strictly older than before when supplied. hasMore is the page-is-full
// heuristic, not an exact count.
func (s *Store) MessagePage(ctx context.Context, channelID string, limit int, before *time.Time) ([]chat.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).
		Where("channel_id = ? AND parent_id IS NULL", channelID).
		Order("created_at desc").
		Limit(limit)
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}

	var messages []chat.Message
	if err := q.Find(&messages).Error; err != nil {
		return nil, false, translate(err)
	}

	return messages, len(messages) == limit, nil
}

// ThreadReplies returns a message's replies in ascending creation order.
func (s *Store) ThreadReplies(ctx context.Context, parentID string) ([]chat.Message, error) {
	var replies []chat.Message
	err := s.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at asc").
		Find(&replies).Error
	if err != nil {
		return nil, translate(err)
	}
	return replies, nil
}

package store

import (
	"context"
	"fmt"

	"parish-chat/internal/chat"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateChannel creates a channel and its initial memberships in one
// transaction. The creator becomes the single owner; everyone else joins as
// a member. Direct and resource-bound channels get deterministic ids, so a
// concurrent second creator converges on the existing row instead of
// duplicating it.
func (s *Store) CreateChannel(ctx context.Context, ch *chat.Channel, memberIDs []string) error {
	if ch.CreatedBy == "" {
		return fmt.Errorf("%w: channel requires a creator", chat.ErrValidation)
	}

	switch ch.Type {
	case chat.ChannelTypeDirect:
		if len(memberIDs) != 1 {
			return fmt.Errorf("%w: direct channel requires exactly one other participant", chat.ErrValidation)
		}
		ch.ID = chat.DirectChannelID(ch.CreatedBy, memberIDs[0])
	case chat.ChannelTypeResource:
		if ch.ResourceID == "" || ch.ResourceType == "" {
			return fmt.Errorf("%w: resource channel requires a resource reference", chat.ErrValidation)
		}
		ch.ID = chat.ResourceChannelID(ch.ResourceType, ch.ResourceID)
	default:
		ch.Type = chat.ChannelTypeGroup
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
	}

	now := nowUTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ch)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to an identical channel; adopt the winner.
			return tx.First(ch, "id = ?", ch.ID).Error
		}

		memberships := []chat.Membership{{
			ChannelID: ch.ID,
			UserID:    ch.CreatedBy,
			Role:      chat.RoleOwner,
			JoinedAt:  now,
		}}
		for _, id := range memberIDs {
			if id == ch.CreatedBy {
				continue
			}
			memberships = append(memberships, chat.Membership{
				ChannelID: ch.ID,
				UserID:    id,
				Role:      chat.RoleMember,
				JoinedAt:  now,
			})
		}
		return tx.Create(&memberships).Error
	})
	if err != nil {
		return translate(err)
	}

	s.logger.Debugf("created channel %s (%s)", ch.ID, ch.Type)
	return nil
}

// Channel loads one channel by id.
func (s *Store) Channel(ctx context.Context, id string) (*chat.Channel, error) {
	var ch chat.Channel
	if err := s.db.WithContext(ctx).First(&ch, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &ch, nil
}

// ChannelsForUser lists the channels the actor belongs to, most recent
// activity first, each annotated with the actor's unread count. Activity is
// whichever is later of the channel's creation and its newest message, so a
// freshly created channel ranks by creation until someone posts.
func (s *Store) ChannelsForUser(ctx context.Context, actor string) ([]chat.Channel, error) {
	var channels []chat.Channel
	err := s.db.WithContext(ctx).
		Raw(`SELECT c.* FROM channels c
		     JOIN memberships mb ON mb.channel_id = c.id AND mb.user_id = ?
		     LEFT JOIN (SELECT channel_id, MAX(created_at) AS last_message_at
		                FROM messages GROUP BY channel_id) lm
		       ON lm.channel_id = c.id
		     ORDER BY max(c.created_at, COALESCE(lm.last_message_at, c.created_at)) DESC`, actor).
		Scan(&channels).Error
	if err != nil {
		return nil, translate(err)
	}

	for i := range channels {
		count, err := s.UnreadCount(ctx, channels[i].ID, actor)
		if err != nil {
			return nil, err
		}
		channels[i].UnreadCount = count
	}

	s.logger.Debugf("listed %d channels for %s", len(channels), actor)
	return channels, nil
}

// AddMember joins a user to a channel. Ownership is assigned at channel
// creation and never through this path.
func (s *Store) AddMember(ctx context.Context, channelID, userID string, role chat.Role) error {
	if role == chat.RoleOwner {
		return fmt.Errorf("%w: owner role is assigned at channel creation", chat.ErrValidation)
	}
	if role == "" {
		role = chat.RoleMember
	}

	m := chat.Membership{
		ChannelID: channelID,
		UserID:    userID,
		Role:      role,
		JoinedAt:  nowUTC(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return translate(err)
	}
	return nil
}

// RemoveMember drops a membership. An owner can only be removed by
// themselves.
func (s *Store) RemoveMember(ctx context.Context, actor, channelID, userID string) error {
	role, err := s.MemberRole(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if role == chat.RoleOwner && actor != userID {
		return fmt.Errorf("%w: only the owner can remove themselves", chat.ErrPermissionDenied)
	}

	res := s.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Delete(&chat.Membership{})
	if res.Error != nil {
		return translate(res.Error)
	}
	return nil
}

// MembersForChannel lists memberships for a channel.
func (s *Store) MembersForChannel(ctx context.Context, channelID string) ([]chat.Membership, error) {
	var members []chat.Membership
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("joined_at asc").
		Find(&members).Error
	if err != nil {
		return nil, translate(err)
	}
	return members, nil
}

// MemberRole returns the actor's role in a channel, or ErrNotFound for
// non-members.
func (s *Store) MemberRole(ctx context.Context, channelID, userID string) (chat.Role, error) {
	var m chat.Membership
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		First(&m).Error
	if err != nil {
		return "", translate(err)
	}
	return m.Role, nil
}

package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

type ChannelType string

const (
	ChannelTypeGroup    ChannelType = "group"
	ChannelTypeDirect   ChannelType = "direct"
	ChannelTypeResource ChannelType = "resource"
)

type Channel struct {
	ID           string      `gorm:"primaryKey" json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Type         ChannelType `gorm:"default:'group'" json:"type"`
	ResourceID   string      `json:"resource_id,omitempty"`
	ResourceType string      `json:"resource_type,omitempty"`
	CreatedBy    string      `json:"created_by"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`

	// Derived, never stored. Filled in by directory queries.
	UnreadCount int64 `gorm:"-" json:"unread_count"`
}

// IsDirect returns true if this is a two-party direct channel.
func (c *Channel) IsDirect() bool {
	return c.Type == ChannelTypeDirect
}

// IsResourceBound returns true if this channel is attached to another
// record in the suite (a service plan, an event, a finance batch).
func (c *Channel) IsResourceBound() bool {
	return c.Type == ChannelTypeResource
}

// DirectChannelID derives the identity of a direct channel from its two
// participants. Both orderings of the pair produce the same id, so
// concurrent creators converge on one row.
func DirectChannelID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte("direct:" + strings.Join(pair, ":")))
	return "dm-" + hex.EncodeToString(sum[:])[:24]
}

// ResourceChannelID derives the identity of a resource-bound channel from
// the referenced record.
func ResourceChannelID(resourceType, resourceID string) string {
	sum := sha256.Sum256([]byte("resource:" + resourceType + ":" + resourceID))
	return "rc-" + hex.EncodeToString(sum[:])[:24]
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// CanModerate returns true for roles allowed to delete other members'
// messages.
func (r Role) CanModerate() bool {
	return r == RoleOwner || r == RoleAdmin
}

type Membership struct {
	ChannelID string    `gorm:"primaryKey" json:"channel_id"`
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	Role      Role      `gorm:"default:'member'" json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
}

type ContentType string

const (
	ContentTypeText   ContentType = "text"
	ContentTypeImage  ContentType = "image"
	ContentTypeFile   ContentType = "file"
	ContentTypeSystem ContentType = "system"
)

type Message struct {
	ID        string      `gorm:"primaryKey" json:"id"`
	ChannelID string      `gorm:"index:idx_messages_channel_created" json:"channel_id"`
	ParentID  *string     `gorm:"index" json:"parent_id,omitempty"` // nil = top-level
	AuthorID  string      `json:"author_id"`
	Content   string      `json:"content"` // may be empty for attachment-only messages
	Type      ContentType `gorm:"default:'text'" json:"type"`
	Meta      *Metadata   `gorm:"type:text" json:"meta,omitempty"`
	IsEdited  bool        `gorm:"default:false" json:"is_edited"`
	CreatedAt time.Time   `gorm:"index:idx_messages_channel_created" json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// IsReply returns true if the message belongs to a thread.
func (m *Message) IsReply() bool {
	return m.ParentID != nil
}

// IsSystem returns true for engine-authored notices, which regular actors
// can never edit or delete.
func (m *Message) IsSystem() bool {
	return m.Type == ContentTypeSystem
}

type Reaction struct {
	MessageID string    `gorm:"primaryKey" json:"message_id"`
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	Token     string    `gorm:"primaryKey" json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

type ReadReceipt struct {
	ChannelID string `gorm:"primaryKey" json:"channel_id"`
	UserID    string `gorm:"primaryKey" json:"user_id"`
	MessageID string `json:"message_id"`
	// LastReadAt is the CreatedAt of the newest message the user has seen.
	// Monotonically non-decreasing per (channel, user).
	LastReadAt time.Time `json:"last_read_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type TypingIndicator struct {
	ChannelID string    `gorm:"primaryKey" json:"channel_id"`
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	IsTyping  bool      `json:"is_typing"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TypingTimeout is the liveness window for typing indicators. Expiry is
// evaluated by readers; a writer that never sends an explicit clear must
// not leave a stuck indicator.
const TypingTimeout = 5 * time.Second

// Expired returns true once the indicator has fallen out of the liveness
// window relative to now.
func (t *TypingIndicator) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(t.UpdatedAt) > timeout
}

// ActiveTypers filters raw typing rows down to the users who should be shown
// as currently composing: is-typing set and refreshed within the timeout.
// The excludeUser (normally the viewing actor) is never included.
func ActiveTypers(rows []TypingIndicator, now time.Time, timeout time.Duration, excludeUser string) []string {
	users := make([]string, 0, len(rows))
	for _, row := range rows {
		if !row.IsTyping || row.Expired(now, timeout) {
			continue
		}
		if row.UserID == excludeUser {
			continue
		}
		users = append(users, row.UserID)
	}
	sort.Strings(users)
	return users
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"parish-chat/internal/chat"
	"parish-chat/internal/feed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := zap.NewNop().Sugar()
	hub := feed.NewHub(logger, 64)
	st, err := Open(logger, hub, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	return st
}

func seedChannel(t *testing.T, st *Store, owner string, members ...string) *chat.Channel {
	t.Helper()
	ch := &chat.Channel{Name: "test", Type: chat.ChannelTypeGroup, CreatedBy: owner}
	require.NoError(t, st.CreateChannel(context.Background(), ch, members))
	return ch
}

func seedMessage(t *testing.T, st *Store, id, channelID, author, content string, createdAt time.Time) *chat.Message {
	t.Helper()
	// Mirror the store's own canonical form so text comparisons in SQL see
	// the same representation the production write path produces.
	createdAt = createdAt.UTC()
	m := &chat.Message{
		ID:        id,
		ChannelID: channelID,
		AuthorID:  author,
		Content:   content,
		Type:      chat.ContentTypeText,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, st.DB().Create(m).Error)
	return m
}

func TestCreateChannelGrantsOwnership(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice", "bob")

	role, err := st.MemberRole(context.Background(), ch.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, chat.RoleOwner, role)

	role, err = st.MemberRole(context.Background(), ch.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, chat.RoleMember, role)

	_, err = st.MemberRole(context.Background(), ch.ID, "carol")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestCreateDirectChannelConverges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := &chat.Channel{Type: chat.ChannelTypeDirect, CreatedBy: "alice"}
	require.NoError(t, st.CreateChannel(ctx, first, []string{"bob"}))

	// The reverse direction adopts the existing row instead of duplicating.
	second := &chat.Channel{Type: chat.ChannelTypeDirect, CreatedBy: "bob"}
	require.NoError(t, st.CreateChannel(ctx, second, []string{"alice"}))
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, st.DB().Model(&chat.Channel{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCreateDirectChannelValidation(t *testing.T) {
	st := newTestStore(t)
	ch := &chat.Channel{Type: chat.ChannelTypeDirect, CreatedBy: "alice"}
	err := st.CreateChannel(context.Background(), ch, nil)
	assert.ErrorIs(t, err, chat.ErrValidation)
}

func TestAddMemberNeverGrantsOwner(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice")

	err := st.AddMember(context.Background(), ch.ID, "bob", chat.RoleOwner)
	assert.ErrorIs(t, err, chat.ErrValidation)

	require.NoError(t, st.AddMember(context.Background(), ch.ID, "bob", ""))
	err = st.AddMember(context.Background(), ch.ID, "bob", chat.RoleMember)
	assert.ErrorIs(t, err, chat.ErrConflict)
}

func TestRemoveMemberOwnerOnlyBySelf(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice", "bob")
	ctx := context.Background()

	err := st.RemoveMember(ctx, "bob", ch.ID, "alice")
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)

	require.NoError(t, st.RemoveMember(ctx, "alice", ch.ID, "alice"))
	_, err = st.MemberRole(ctx, ch.ID, "alice")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestToggleReactionIsAnInvolution(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice")
	seedMessage(t, st, "m1", ch.ID, "alice", "hello", time.Now())
	ctx := context.Background()

	require.NoError(t, st.ToggleReaction(ctx, "m1", "bob", "👍"))
	rows, err := st.ReactionsForMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Second toggle flips the conflict into a removal.
	require.NoError(t, st.ToggleReaction(ctx, "m1", "bob", "👍"))
	rows, err = st.ReactionsForMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Distinct tokens coexist.
	require.NoError(t, st.ToggleReaction(ctx, "m1", "bob", "👍"))
	require.NoError(t, st.ToggleReaction(ctx, "m1", "bob", "🙏"))
	rows, err = st.ReactionsForMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestReactionRequiresMessage(t *testing.T) {
	st := newTestStore(t)
	err := st.AddReaction(context.Background(), "missing", "bob", "👍")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestMarkReadOnlyAdvances(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice", "bob")
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	older := seedMessage(t, st, "m1", ch.ID, "alice", "first", base)
	newer := seedMessage(t, st, "m2", ch.ID, "alice", "second", base.Add(10*time.Minute))

	require.NoError(t, st.MarkRead(ctx, ch.ID, "bob", newer.ID))
	receipt, err := st.ReadReceipt(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, receipt.MessageID)

	// A stale mark records the id but never moves the timestamp back.
	require.NoError(t, st.MarkRead(ctx, ch.ID, "bob", older.ID))
	receipt, err = st.ReadReceipt(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, older.ID, receipt.MessageID)
	assert.False(t, receipt.LastReadAt.Before(newer.CreatedAt))
}

func TestMarkReadRejectsForeignMessage(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice")
	other := seedChannel(t, st, "alice")
	seedMessage(t, st, "m1", other.ID, "alice", "elsewhere", time.Now())

	err := st.MarkRead(context.Background(), ch.ID, "bob", "m1")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestUnreadCount(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice", "bob")
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	seedMessage(t, st, "m1", ch.ID, "alice", "one", base)
	seedMessage(t, st, "m2", ch.ID, "alice", "two", base.Add(time.Minute))
	seedMessage(t, st, "m3", ch.ID, "bob", "mine", base.Add(2*time.Minute))

	// No receipt: everything authored by others is unread.
	count, err := st.UnreadCount(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	require.NoError(t, st.MarkRead(ctx, ch.ID, "bob", "m1"))
	count, err = st.UnreadCount(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	require.NoError(t, st.MarkRead(ctx, ch.ID, "bob", "m2"))
	count, err = st.UnreadCount(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestUnreadCountBoundaryAfterCreate(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice", "bob")
	ctx := context.Background()

	// Full production path: the message's stored created_at and the
	// receipt's round-tripped mark must compare equal for the same instant,
	// so the just-read message never stays unread.
	msg := &chat.Message{ChannelID: ch.ID, AuthorID: "alice", Content: "fresh"}
	require.NoError(t, st.CreateMessage(ctx, msg))

	require.NoError(t, st.MarkRead(ctx, ch.ID, "bob", msg.ID))
	count, err := st.UnreadCount(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestMessagePagePaginatesWithoutOverlap(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice")
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	for i, id := range ids {
		seedMessage(t, st, id, ch.ID, "alice", id, base.Add(time.Duration(i)*time.Minute))
	}

	page1, hasMore, err := st.MessagePage(ctx, ch.ID, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.True(t, hasMore)
	assert.Equal(t, "m5", page1[0].ID)
	assert.Equal(t, "m4", page1[1].ID)

	cursor := page1[len(page1)-1].CreatedAt
	page2, hasMore, err := st.MessagePage(ctx, ch.ID, 2, &cursor)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.True(t, hasMore)
	assert.Equal(t, "m3", page2[0].ID)
	assert.Equal(t, "m2", page2[1].ID)

	cursor = page2[len(page2)-1].CreatedAt
	page3, hasMore, err := st.MessagePage(ctx, ch.ID, 2, &cursor)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.False(t, hasMore)
	assert.Equal(t, "m1", page3[0].ID)
}

func TestMessagePageSkipsThreadReplies(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice")
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	seedMessage(t, st, "root", ch.ID, "alice", "root", base)
	reply := &chat.Message{
		ID: "reply", ChannelID: ch.ID, AuthorID: "bob", Content: "reply",
		Type: chat.ContentTypeText, ParentID: strPtr("root"),
		CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
	}
	require.NoError(t, st.DB().Create(reply).Error)

	page, _, err := st.MessagePage(ctx, ch.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "root", page[0].ID)

	replies, err := st.ThreadReplies(ctx, "root")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "reply", replies[0].ID)
}

func TestCreateMessageRejectsCrossChannelReply(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice")
	other := seedChannel(t, st, "alice")
	seedMessage(t, st, "root", ch.ID, "alice", "root", time.Now())

	err := st.CreateMessage(context.Background(), &chat.Message{
		ChannelID: other.ID,
		AuthorID:  "bob",
		Content:   "stray reply",
		ParentID:  strPtr("root"),
	})
	assert.ErrorIs(t, err, chat.ErrValidation)
}

func TestEditPermissions(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice", "bob")
	ctx := context.Background()

	seedMessage(t, st, "m1", ch.ID, "alice", "original", time.Now())

	_, err := st.UpdateMessageContent(ctx, "bob", "m1", "tampered")
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)

	edited, err := st.UpdateMessageContent(ctx, "alice", "m1", "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Content)
	assert.True(t, edited.IsEdited)
}

func TestSystemMessagesAreImmutable(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice")
	ctx := context.Background()

	sys := &chat.Message{
		ID: "sys1", ChannelID: ch.ID, AuthorID: "system",
		Content: "bob joined", Type: chat.ContentTypeSystem,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, st.DB().Create(sys).Error)

	_, err := st.UpdateMessageContent(ctx, "system", "sys1", "rewritten")
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)

	// The channel owner can still remove a system notice.
	require.NoError(t, st.DeleteMessage(ctx, "alice", "sys1"))
}

func TestDeletePermissions(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice", "bob", "carol")
	ctx := context.Background()

	require.NoError(t, st.AddMember(ctx, ch.ID, "dave", chat.RoleAdmin))
	seedMessage(t, st, "m1", ch.ID, "bob", "hello", time.Now())

	err := st.DeleteMessage(ctx, "carol", "m1")
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)

	// Admins moderate anyone's messages.
	require.NoError(t, st.DeleteMessage(ctx, "dave", "m1"))
	var count int64
	require.NoError(t, st.DB().Model(&chat.Message{}).Where("id = ?", "m1").Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestDeleteMessageCascadesReactions(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice")
	ctx := context.Background()

	seedMessage(t, st, "m1", ch.ID, "alice", "hello", time.Now())
	require.NoError(t, st.AddReaction(ctx, "m1", "alice", "👍"))

	require.NoError(t, st.DeleteMessage(ctx, "alice", "m1"))

	var count int64
	require.NoError(t, st.DB().Model(&chat.Reaction{}).Where("message_id = ?", "m1").Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestSetTypingUpserts(t *testing.T) {
	st := newTestStore(t)
	ch := seedChannel(t, st, "alice")
	ctx := context.Background()

	require.NoError(t, st.SetTyping(ctx, ch.ID, "bob", true))
	require.NoError(t, st.SetTyping(ctx, ch.ID, "bob", true))
	require.NoError(t, st.SetTyping(ctx, ch.ID, "carol", true))

	rows, err := st.TypingForChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, st.SetTyping(ctx, ch.ID, "bob", false))
	rows, err = st.TypingForChannel(ctx, ch.ID)
	require.NoError(t, err)
	for _, row := range rows {
		if row.UserID == "bob" {
			assert.False(t, row.IsTyping)
		}
	}
}

func TestChannelsForUserOrdersByActivity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	quiet := seedChannel(t, st, "alice")
	busy := seedChannel(t, st, "alice")
	base := time.Now().Add(-time.Hour)
	seedMessage(t, st, "m1", busy.ID, "bob", "ping", base.Add(30*time.Minute))
	require.NoError(t, st.AddMember(ctx, busy.ID, "bob", chat.RoleMember))

	channels, err := st.ChannelsForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, busy.ID, channels[0].ID)
	assert.Equal(t, quiet.ID, channels[1].ID)
	assert.EqualValues(t, 1, channels[0].UnreadCount)
}

func TestCreateMessagePublishesInsert(t *testing.T) {
	logger := zap.NewNop().Sugar()
	hub := feed.NewHub(logger, 64)
	st, err := Open(logger, hub, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)

	ch := seedChannel(t, st, "alice")
	sub := hub.Subscribe(ch.ID)
	defer sub.Unsubscribe()

	msg := &chat.Message{ChannelID: ch.ID, AuthorID: "alice", Content: "hello"}
	require.NoError(t, st.CreateMessage(context.Background(), msg))
	require.NotEmpty(t, msg.ID)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, feed.KindMessage, ev.Kind)
		assert.Equal(t, feed.OpInsert, ev.Op)
		assert.Equal(t, msg.ID, ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("no insert event published")
	}
}

func strPtr(s string) *string { return &s }

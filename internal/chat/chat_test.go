package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectChannelIDIsOrderIndependent(t *testing.T) {
	a := DirectChannelID("alice", "bob")
	b := DirectChannelID("bob", "alice")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DirectChannelID("alice", "carol"))
}

func TestResourceChannelIDIsDeterministic(t *testing.T) {
	a := ResourceChannelID("service-plan", "sp-42")
	b := ResourceChannelID("service-plan", "sp-42")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ResourceChannelID("event", "sp-42"))
}

func TestGroupReactions(t *testing.T) {
	rows := []Reaction{
		{MessageID: "m1", UserID: "alice", Token: "👍"},
		{MessageID: "m1", UserID: "bob", Token: "👍"},
		{MessageID: "m1", UserID: "bob", Token: "🙏"},
	}

	groups := GroupReactions(rows, "alice")
	require.Len(t, groups, 2)

	// Ordered by token, so 🙏 sorts after 👍 by byte value.
	byToken := map[string]ReactionGroup{}
	for _, g := range groups {
		byToken[g.Token] = g
	}

	thumbs := byToken["👍"]
	assert.Equal(t, 2, thumbs.Count)
	assert.Equal(t, []string{"alice", "bob"}, thumbs.ActorIDs)
	assert.True(t, thumbs.Mine)

	pray := byToken["🙏"]
	assert.Equal(t, 1, pray.Count)
	assert.False(t, pray.Mine)
}

func TestGroupReactionsToggleInvolution(t *testing.T) {
	rows := []Reaction{
		{MessageID: "m1", UserID: "bob", Token: "👍"},
	}
	before := GroupReactions(rows, "alice")

	// Toggle on: alice's row joins the set.
	withAlice := append(rows, Reaction{MessageID: "m1", UserID: "alice", Token: "👍"})
	during := GroupReactions(withAlice, "alice")
	require.Len(t, during, 1)
	assert.Equal(t, 2, during[0].Count)
	assert.True(t, during[0].Mine)

	// Toggle off: back to the original rows, back to the original view.
	after := GroupReactions(rows, "alice")
	assert.Equal(t, before, after)
}

func TestActiveTypersExpiry(t *testing.T) {
	now := time.Now()
	rows := []TypingIndicator{
		{ChannelID: "c1", UserID: "stale", IsTyping: true, UpdatedAt: now.Add(-6 * time.Second)},
		{ChannelID: "c1", UserID: "fresh", IsTyping: true, UpdatedAt: now.Add(-1 * time.Second)},
		{ChannelID: "c1", UserID: "cleared", IsTyping: false, UpdatedAt: now},
	}

	typers := ActiveTypers(rows, now, 5*time.Second, "")
	assert.Equal(t, []string{"fresh"}, typers)
}

func TestActiveTypersExcludesViewer(t *testing.T) {
	now := time.Now()
	rows := []TypingIndicator{
		{ChannelID: "c1", UserID: "me", IsTyping: true, UpdatedAt: now},
		{ChannelID: "c1", UserID: "other", IsTyping: true, UpdatedAt: now},
	}

	typers := ActiveTypers(rows, now, 5*time.Second, "me")
	assert.Equal(t, []string{"other"}, typers)
}

func TestMetadataValidateFor(t *testing.T) {
	image := &Metadata{Image: &ImageMeta{URL: "/uploads/x.png", Name: "x.png", MimeType: "image/png"}}
	file := &Metadata{File: &FileMeta{URL: "/uploads/x.pdf", Name: "x.pdf", MimeType: "application/pdf"}}

	assert.NoError(t, image.ValidateFor(ContentTypeImage))
	assert.NoError(t, file.ValidateFor(ContentTypeFile))
	assert.NoError(t, (*Metadata)(nil).ValidateFor(ContentTypeText))

	assert.ErrorIs(t, (*Metadata)(nil).ValidateFor(ContentTypeImage), ErrValidation)
	assert.ErrorIs(t, file.ValidateFor(ContentTypeImage), ErrValidation)
	assert.ErrorIs(t, image.ValidateFor(ContentTypeText), ErrValidation)
}

func TestMetadataScanValueRoundTrip(t *testing.T) {
	meta := Metadata{Image: &ImageMeta{URL: "/uploads/a.png", Name: "a.png", SizeBytes: 1024, MimeType: "image/png", Width: 640, Height: 480}}

	raw, err := meta.Value()
	require.NoError(t, err)

	var decoded Metadata
	require.NoError(t, decoded.Scan(raw))
	require.NotNil(t, decoded.Image)
	assert.Equal(t, *meta.Image, *decoded.Image)
	assert.Nil(t, decoded.File)
}

package feed

import (
	"testing"
	"time"

	"parish-chat/internal/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testHub(buffer int) *Hub {
	return NewHub(zap.NewNop().Sugar(), buffer)
}

func TestPublishDeliversInOrder(t *testing.T) {
	hub := testHub(16)
	sub := hub.Subscribe("c1")
	defer sub.Unsubscribe()

	for _, id := range []string{"m1", "m2", "m3"} {
		hub.Publish(Event{
			Kind:      KindMessage,
			Op:        OpInsert,
			ChannelID: "c1",
			Message:   &chat.Message{ID: id, ChannelID: "c1"},
		})
	}

	for _, want := range []string{"m1", "m2", "m3"} {
		select {
		case ev := <-sub.Events:
			assert.Equal(t, want, ev.Message.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestPublishIsScopedToChannel(t *testing.T) {
	hub := testHub(16)
	sub := hub.Subscribe("c1")
	defer sub.Unsubscribe()

	hub.Publish(Event{Kind: KindMessage, Op: OpInsert, ChannelID: "c2", Message: &chat.Message{ID: "m1", ChannelID: "c2"}})
	hub.Publish(Event{Kind: KindMessage, Op: OpInsert, ChannelID: "c1", Message: &chat.Message{ID: "m2", ChannelID: "c1"}})

	select {
	case ev := <-sub.Events:
		assert.Equal(t, "m2", ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	hub := testHub(16)
	sub := hub.Subscribe("c1")
	require.Equal(t, 1, hub.SubscriberCount("c1"))

	sub.Unsubscribe()
	assert.Equal(t, 0, hub.SubscriberCount("c1"))

	_, open := <-sub.Events
	assert.False(t, open)

	// Idempotent.
	sub.Unsubscribe()
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := testHub(1)
	slow := hub.Subscribe("c1")
	fast := hub.Subscribe("c1")

	// First event fills the slow subscriber's buffer.
	hub.Publish(Event{Kind: KindTyping, Op: OpUpdate, ChannelID: "c1", Typing: &chat.TypingIndicator{ChannelID: "c1", UserID: "u1", IsTyping: true}})

	// The draining subscriber keeps up; the slow one does not.
	select {
	case <-fast.Events:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber missed first event")
	}

	// The second publish finds the slow buffer still full and drops it.
	hub.Publish(Event{Kind: KindTyping, Op: OpUpdate, ChannelID: "c1", Typing: &chat.TypingIndicator{ChannelID: "c1", UserID: "u2", IsTyping: true}})
	assert.Equal(t, 1, hub.SubscriberCount("c1"))

	// The slow stream still holds the buffered event, then closes.
	ev, open := <-slow.Events
	require.True(t, open)
	assert.Equal(t, "u1", ev.Typing.UserID)
	_, open = <-slow.Events
	assert.False(t, open)

	// The survivor still receives.
	select {
	case ev := <-fast.Events:
		assert.Equal(t, "u2", ev.Typing.UserID)
	case <-time.After(time.Second):
		t.Fatal("fast subscriber missed second event")
	}
	fast.Unsubscribe()
}

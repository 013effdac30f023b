// Package feed is the change-feed side of the durable store: every committed
// mutation is published here as a typed event, and sessions subscribe to the
// stream for one channel at a time.
package feed

import (
	"sync"

	"parish-chat/internal/chat"
	"parish-chat/internal/metrics"

	"go.uber.org/zap"
)

type EntityKind string

const (
	KindMessage  EntityKind = "message"
	KindReaction EntityKind = "reaction"
	KindTyping   EntityKind = "typing"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one row-level change notification. Inserts and updates carry the
// full new row; message deletes carry only the row key.
type Event struct {
	Kind      EntityKind            `json:"kind"`
	Op        Op                    `json:"op"`
	ChannelID string                `json:"channel_id"`
	Message   *chat.Message         `json:"message,omitempty"`
	Reaction  *chat.Reaction        `json:"reaction,omitempty"`
	Typing    *chat.TypingIndicator `json:"typing,omitempty"`
	Key       string                `json:"key,omitempty"` // row id for deletes
}

type subscriber struct {
	id        uint64
	channelID string
	events    chan Event
}

// Subscription is a live stream of events for a single channel. Events
// closes when the subscriber is unsubscribed or dropped for not draining;
// consumers treat the close as a disconnect and resubscribe.
type Subscription struct {
	Events <-chan Event

	hub *Hub
	sub *subscriber
}

// Unsubscribe detaches the subscription and closes Events. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s.sub)
}

// Hub fans committed store mutations out to per-channel subscribers.
// Publish order is delivery order for every subscriber of a channel.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*subscriber // channel id -> subscribers
	nextID uint64
	buffer int
	logger *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subs:   make(map[string]map[uint64]*subscriber),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe opens a stream scoped strictly to channelID. All three entity
// kinds for the channel arrive on the same stream, in publish order.
func (h *Hub) Subscribe(channelID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &subscriber{
		id:        h.nextID,
		channelID: channelID,
		events:    make(chan Event, h.buffer),
	}
	if h.subs[channelID] == nil {
		h.subs[channelID] = make(map[uint64]*subscriber)
	}
	h.subs[channelID][sub.id] = sub

	return &Subscription{Events: sub.events, hub: h, sub: sub}
}

// Publish delivers ev to every subscriber of its channel. A subscriber
// whose buffer is full has stopped draining and is dropped; its closed
// Events channel tells the consumer to resubscribe.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	metrics.AddFeedEventsPublished(1)

	for _, sub := range h.subs[ev.ChannelID] {
		select {
		case sub.events <- ev:
		default:
			h.logger.Warnf("feed subscriber %d on channel %s not draining, dropping", sub.id, sub.channelID)
			metrics.AddFeedSubscribersDropped(1)
			delete(h.subs[ev.ChannelID], sub.id)
			close(sub.events)
		}
	}
}

// SubscriberCount reports the live subscriptions for a channel.
func (h *Hub) SubscriberCount(channelID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channelID])
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	channelSubs, ok := h.subs[sub.channelID]
	if !ok {
		return
	}
	if _, ok := channelSubs[sub.id]; !ok {
		return
	}
	delete(channelSubs, sub.id)
	close(sub.events)
	if len(channelSubs) == 0 {
		delete(h.subs, sub.channelID)
	}
}

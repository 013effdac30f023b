// Package session implements the channel session: the single object a UI
// client interacts with. It owns the active channel's feed subscription and
// the reconciled in-memory timeline, and serializes every mutation of that
// timeline through one worker goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"parish-chat/internal/backoff"
	"parish-chat/internal/chat"
	"parish-chat/internal/feed"
	"parish-chat/internal/identity"
	"parish-chat/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the slice of the durable store the session consumes. The
// concrete implementation lives in internal/store; tests substitute fakes.
type Store interface {
	Channel(ctx context.Context, id string) (*chat.Channel, error)
	MessagePage(ctx context.Context, channelID string, limit int, before *time.Time) ([]chat.Message, bool, error)
	ThreadReplies(ctx context.Context, parentID string) ([]chat.Message, error)
	CreateMessage(ctx context.Context, m *chat.Message) error
	UpdateMessageContent(ctx context.Context, actor, id, content string) (*chat.Message, error)
	DeleteMessage(ctx context.Context, actor, id string) error
	ToggleReaction(ctx context.Context, messageID, actor, token string) error
	ReactionsForMessages(ctx context.Context, messageIDs []string) ([]chat.Reaction, error)
	SetTyping(ctx context.Context, channelID, actor string, isTyping bool) error
	TypingForChannel(ctx context.Context, channelID string) ([]chat.TypingIndicator, error)
	MarkRead(ctx context.Context, channelID, actor, messageID string) error
	UnreadCount(ctx context.Context, channelID, actor string) (int64, error)
	ReadReceipt(ctx context.Context, channelID, actor string) (*chat.ReadReceipt, error)
	MembersForChannel(ctx context.Context, channelID string) ([]chat.Membership, error)
}

// FeedSource opens per-channel change-feed subscriptions.
type FeedSource interface {
	Subscribe(channelID string) *feed.Subscription
}

// Options tune a session. Zero values fall back to defaults.
type Options struct {
	PageSize      int
	TypingTimeout time.Duration
	SendRetries   int
	Backoff       backoff.Policy
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = chat.TypingTimeout
	}
	if o.SendRetries <= 0 {
		o.SendRetries = 3
	}
	if o.Backoff == (backoff.Policy{}) {
		o.Backoff = backoff.DefaultPolicy()
	}
}

type Session struct {
	store  Store
	feeds  FeedSource
	ident  identity.Provider
	logger *zap.SugaredLogger
	opts   Options
	now    func() time.Time

	// ops is the serialized reconciliation queue. Feed events and the
	// state-applying halves of local actions both go through it; the
	// worker goroutine is the only code that touches st.
	ops  chan func()
	done chan struct{}

	// Owned by the worker goroutine.
	st         *state
	sub        *feed.Subscription
	installGen uint64 // generation of the installed subscription

	// switchSeq orders concurrent SwitchChannel calls; the highest seq
	// wins.
	switchSeq uint64

	// activeChannel mirrors st.channelID for callers outside the worker.
	activeChannel atomic.Value // string

	typingMu    sync.Mutex
	typingTimer *time.Timer

	watchMu  sync.Mutex
	watchers map[uint64]chan Snapshot
	watchSeq uint64
	latest   atomic.Value // Snapshot

	closeOnce sync.Once
}

func New(store Store, feeds FeedSource, ident identity.Provider, logger *zap.SugaredLogger, opts Options) *Session {
	opts.applyDefaults()

	s := &Session{
		store:    store,
		feeds:    feeds,
		ident:    ident,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		ops:      make(chan func(), 256),
		done:     make(chan struct{}),
		st:       newState(""),
		watchers: make(map[uint64]chan Snapshot),
	}
	s.activeChannel.Store("")
	s.latest.Store(Snapshot{})

	metrics.AddActiveSessions(1)
	go s.run()
	return s
}

// run is the single-writer loop. No two operations ever interleave their
// read-modify-write of the timeline.
func (s *Session) run() {
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.done:
			return
		}
	}
}

// enqueue hands an operation to the worker. Returns false once the session
// is closed.
func (s *Session) enqueue(op func()) bool {
	select {
	case s.ops <- op:
		return true
	case <-s.done:
		return false
	}
}

// enqueueWait runs op on the worker and blocks until it finishes.
func (s *Session) enqueueWait(op func()) bool {
	ran := make(chan struct{})
	ok := s.enqueue(func() {
		op()
		close(ran)
	})
	if !ok {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

// Close tears the session down: the feed subscription is released and the
// worker stops. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.enqueueWait(func() {
			s.dropSubscription()
		})
		close(s.done)
		s.cancelTypingTimer()

		s.watchMu.Lock()
		for id, ch := range s.watchers {
			close(ch)
			delete(s.watchers, id)
		}
		s.watchMu.Unlock()

		metrics.AddActiveSessions(-1)
	})
}

// Watch registers a consumer for state snapshots. The returned cancel
// function releases the stream. Snapshots are coalesced: a slow consumer
// sees the newest state, not every intermediate one.
func (s *Session) Watch() (<-chan Snapshot, func()) {
	s.watchMu.Lock()
	s.watchSeq++
	id := s.watchSeq
	ch := make(chan Snapshot, 1)
	s.watchers[id] = ch
	s.watchMu.Unlock()

	return ch, func() {
		s.watchMu.Lock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
		s.watchMu.Unlock()
	}
}

// Snapshot returns the most recently published state.
func (s *Session) Snapshot() Snapshot {
	return s.latest.Load().(Snapshot)
}

// publish derives a snapshot from the current state and fans it out.
// Worker goroutine only.
func (s *Session) publish() {
	actor, _ := s.ident.CurrentActorID()
	snap := s.st.snapshot(actor, s.now(), s.opts.TypingTimeout)
	s.latest.Store(snap)

	s.watchMu.Lock()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			// Replace the stale pending snapshot with the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	s.watchMu.Unlock()
}

// ActiveChannel returns the id of the channel the session is currently
// attached to, or "".
func (s *Session) ActiveChannel() string {
	return s.activeChannel.Load().(string)
}

func (s *Session) requireActor() (string, error) {
	if !s.ident.IsAuthenticated() {
		return "", chat.ErrNotAuthenticated
	}
	return s.ident.CurrentActorID()
}

func (s *Session) requireChannel() (string, error) {
	id := s.ActiveChannel()
	if id == "" {
		return "", fmt.Errorf("%w: no active channel", chat.ErrValidation)
	}
	return id, nil
}

// SwitchChannel points the session at a channel: the prior feed is
// unsubscribed, the first timeline page and membership/typing/reaction
// snapshots are loaded, and a fresh feed scoped to the channel is opened.
// Safe to call while a prior switch is in flight; only the most recently
// requested channel's subscription and state survive.
func (s *Session) SwitchChannel(ctx context.Context, channelID string) error {
	actor, err := s.requireActor()
	if err != nil {
		return err
	}

	seq := atomic.AddUint64(&s.switchSeq, 1)

	loaded, err := s.loadChannel(ctx, actor, channelID)
	if err != nil {
		return err
	}

	installed := false
	ok := s.enqueueWait(func() {
		// A later switch superseded this one while it was loading; its
		// subscription was never opened, so there is nothing to release.
		if seq != atomic.LoadUint64(&s.switchSeq) {
			return
		}
		s.install(loaded)
		installed = true
	})
	if !ok {
		return fmt.Errorf("%w: session closed", chat.ErrValidation)
	}
	if installed {
		s.logger.Debugf("switched to channel %s", channelID)
	}
	return nil
}

// loadedChannel is the result of the store reads performed off the worker
// goroutine during a switch.
type loadedChannel struct {
	channelID string
	channel   *chat.Channel
	messages  []chat.Message
	hasMore   bool
	reactions []chat.Reaction
	typing    []chat.TypingIndicator
	members   []chat.Membership
	receipt   *chat.ReadReceipt
	unread    int64
}

func (s *Session) loadChannel(ctx context.Context, actor, channelID string) (*loadedChannel, error) {
	ch, err := s.store.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	messages, hasMore, err := s.store.MessagePage(ctx, channelID, s.opts.PageSize, nil)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	reactions, err := s.store.ReactionsForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}

	typing, err := s.store.TypingForChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	members, err := s.store.MembersForChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	receipt, err := s.store.ReadReceipt(ctx, channelID, actor)
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		return nil, err
	}

	unread, err := s.store.UnreadCount(ctx, channelID, actor)
	if err != nil {
		return nil, err
	}

	return &loadedChannel{
		channelID: channelID,
		channel:   ch,
		messages:  messages,
		hasMore:   hasMore,
		reactions: reactions,
		typing:    typing,
		members:   members,
		receipt:   receipt,
		unread:    unread,
	}, nil
}

// install replaces the session state with a freshly loaded channel and
// opens its subscription. Worker goroutine only.
func (s *Session) install(loaded *loadedChannel) {
	s.dropSubscription()

	st := newState(loaded.channelID)
	st.channel = loaded.channel
	st.messages = loaded.messages
	st.hasMore = loaded.hasMore
	st.members = loaded.members
	st.unreadCount = loaded.unread
	if loaded.receipt != nil {
		st.lastReadAt = loaded.receipt.LastReadAt
	}
	for _, r := range loaded.reactions {
		st.upsertReaction(r)
	}
	for _, t := range loaded.typing {
		if t.IsTyping {
			st.typing[t.UserID] = t
		}
	}
	s.st = st
	s.activeChannel.Store(loaded.channelID)

	s.installGen++
	gen := s.installGen
	s.sub = s.feeds.Subscribe(loaded.channelID)
	go s.pump(s.sub, gen)

	s.publish()
}

// dropSubscription releases the current feed subscription, if any. Worker
// goroutine only.
func (s *Session) dropSubscription() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.installGen++ // invalidates any pump still draining the old stream
}

// pump drains one subscription into the reconciliation queue. A closed
// stream that is still current means the hub dropped us; the worker then
// rebuilds the subscription with backoff.
func (s *Session) pump(sub *feed.Subscription, gen uint64) {
	for ev := range sub.Events {
		ev := ev
		ok := s.enqueue(func() {
			if gen != s.installGen {
				return // stray event from a replaced subscription
			}
			s.apply(ev)
		})
		if !ok {
			return
		}
	}

	s.enqueue(func() {
		if gen != s.installGen {
			return // session replaced or released this subscription itself
		}
		s.sub = nil
		s.st.stale = true
		s.publish()
		s.logger.Warnf("feed for channel %s lost, resubscribing", s.st.channelID)
		go s.resubscribe(s.st.channelID, atomic.LoadUint64(&s.switchSeq))
	})
}

// resubscribe re-runs the switch path with exponential backoff until the
// channel is live again or a newer switch takes over. Stale local state is
// retained while it runs.
func (s *Session) resubscribe(channelID string, seq uint64) {
	for attempt := 1; ; attempt++ {
		delay := s.opts.Backoff.Delay(attempt)
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
		if atomic.LoadUint64(&s.switchSeq) != seq {
			return // a newer switch owns the session now
		}

		actor, err := s.requireActor()
		if err != nil {
			return
		}
		loaded, err := s.loadChannel(context.Background(), actor, channelID)
		if err != nil {
			s.logger.Warnf("resubscribe attempt %d for channel %s: %v", attempt, channelID, err)
			continue
		}

		installed := false
		s.enqueueWait(func() {
			if atomic.LoadUint64(&s.switchSeq) != seq {
				return
			}
			s.install(loaded)
			installed = true
		})
		if installed {
			metrics.AddFeedResubscribes(1)
			s.logger.Infof("feed for channel %s restored after %d attempts", channelID, attempt)
		}
		return
	}
}

// SendMessage persists a message to the active channel with an optimistic
// local echo. The session assigns the message id up front and passes it
// through the store write, so the optimistic entry, the persisted row and
// the feed echo all carry the same id and the id-based upsert converges in
// any arrival order. A failed write retracts the entry.
func (s *Session) SendMessage(ctx context.Context, content string, contentType chat.ContentType, parentID *string, meta *chat.Metadata) (*chat.Message, error) {
	actor, err := s.requireActor()
	if err != nil {
		return nil, err
	}
	channelID, err := s.requireChannel()
	if err != nil {
		return nil, err
	}

	if contentType == "" {
		contentType = chat.ContentTypeText
	}
	if strings.TrimSpace(content) == "" && meta == nil {
		return nil, fmt.Errorf("%w: message requires content or an attachment", chat.ErrValidation)
	}
	if err := meta.ValidateFor(contentType); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	optimistic := chat.Message{
		ID:        id,
		ChannelID: channelID,
		ParentID:  parentID,
		AuthorID:  actor,
		Content:   content,
		Type:      contentType,
		Meta:      meta,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}

	s.enqueue(func() {
		if s.st.channelID != channelID {
			return
		}
		s.st.upsertMessage(optimistic)
		s.publish()
	})

	persisted := chat.Message{
		ID:        id,
		ChannelID: channelID,
		ParentID:  parentID,
		AuthorID:  actor,
		Content:   content,
		Type:      contentType,
		Meta:      meta,
	}
	err = s.writeWithRetry(ctx, func() error {
		m := persisted
		if err := s.store.CreateMessage(ctx, &m); err != nil {
			return err
		}
		persisted = m
		return nil
	})
	if err != nil {
		// A failed optimistic send must visibly revert, never linger.
		s.enqueue(func() {
			if s.st.channelID != channelID {
				return
			}
			s.st.detach(id)
			s.publish()
		})
		return nil, err
	}

	// Refresh the entry with the store-stamped row. The feed echo carries
	// the same id, so whichever applies first simply replaces in place; no
	// ordering produces two entries.
	s.enqueue(func() {
		if s.st.channelID != channelID {
			return
		}
		s.st.upsertMessage(persisted)
		s.publish()
	})

	metrics.AddMessagesSent(1)
	return &persisted, nil
}

// EditMessage replaces a message's content. Author-only; the store
// enforces it.
func (s *Session) EditMessage(ctx context.Context, id, content string) error {
	actor, err := s.requireActor()
	if err != nil {
		return err
	}

	var updated *chat.Message
	err = s.writeWithRetry(ctx, func() error {
		m, err := s.store.UpdateMessageContent(ctx, actor, id, content)
		if err != nil {
			return err
		}
		updated = m
		return nil
	})
	if err != nil {
		return err
	}

	s.enqueue(func() {
		s.st.patchMessage(*updated)
		s.publish()
	})
	return nil
}

// DeleteMessage removes a message. Author or channel admin/owner; the
// store enforces it.
func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	actor, err := s.requireActor()
	if err != nil {
		return err
	}

	err = s.writeWithRetry(ctx, func() error {
		return s.store.DeleteMessage(ctx, actor, id)
	})
	if err != nil {
		return err
	}

	s.enqueue(func() {
		s.st.removeMessage(id)
		s.publish()
	})
	return nil
}

// ToggleReaction flips the actor's reaction on a message. The grouped view
// updates when the feed echoes the row change.
func (s *Session) ToggleReaction(ctx context.Context, messageID, token string) error {
	actor, err := s.requireActor()
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("%w: reaction token required", chat.ErrValidation)
	}
	return s.writeWithRetry(ctx, func() error {
		return s.store.ToggleReaction(ctx, messageID, actor, token)
	})
}

// SetTyping records the actor's composing state for the active channel.
// After setTyping(true) the session self-clears once the liveness window
// passes without another keystroke.
func (s *Session) SetTyping(ctx context.Context, isTyping bool) error {
	actor, err := s.requireActor()
	if err != nil {
		return err
	}
	channelID, err := s.requireChannel()
	if err != nil {
		return err
	}

	if err := s.store.SetTyping(ctx, channelID, actor, isTyping); err != nil {
		return err
	}

	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if isTyping {
		s.typingTimer = time.AfterFunc(s.opts.TypingTimeout, func() {
			// Best-effort clear; readers expire the row regardless.
			_ = s.store.SetTyping(context.Background(), channelID, actor, false)
		})
	}
	return nil
}

func (s *Session) cancelTypingTimer() {
	s.typingMu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingMu.Unlock()
}

// MarkRead advances the actor's read receipt to messageID.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	actor, err := s.requireActor()
	if err != nil {
		return err
	}
	channelID, err := s.requireChannel()
	if err != nil {
		return err
	}

	if err := s.store.MarkRead(ctx, channelID, actor, messageID); err != nil {
		return err
	}

	receipt, err := s.store.ReadReceipt(ctx, channelID, actor)
	if err != nil {
		return err
	}
	unread, err := s.store.UnreadCount(ctx, channelID, actor)
	if err != nil {
		return err
	}

	s.enqueue(func() {
		if s.st.channelID != channelID {
			return
		}
		s.st.lastReadAt = receipt.LastReadAt
		s.st.unreadCount = unread
		s.publish()
	})
	return nil
}

// LoadMoreMessages extends the timeline one page into the past, using the
// oldest loaded message's timestamp as the cursor. Sequential pages never
// skip or duplicate an id.
func (s *Session) LoadMoreMessages(ctx context.Context) error {
	if _, err := s.requireActor(); err != nil {
		return err
	}
	channelID, err := s.requireChannel()
	if err != nil {
		return err
	}

	var cursor *time.Time
	s.enqueueWait(func() {
		cursor = s.st.oldestLoaded()
	})

	page, hasMore, err := s.store.MessagePage(ctx, channelID, s.opts.PageSize, cursor)
	if err != nil {
		return err
	}

	ids := make([]string, len(page))
	for i, m := range page {
		ids[i] = m.ID
	}
	reactions, err := s.store.ReactionsForMessages(ctx, ids)
	if err != nil {
		return err
	}

	s.enqueue(func() {
		if s.st.channelID != channelID {
			return
		}
		for _, m := range page {
			s.st.upsertMessage(m)
		}
		for _, r := range reactions {
			s.st.upsertReaction(r)
		}
		s.st.hasMore = hasMore
		s.publish()
	})
	return nil
}

// LoadThread fetches a message's replies into the reconciled state.
func (s *Session) LoadThread(ctx context.Context, parentID string) error {
	if _, err := s.requireActor(); err != nil {
		return err
	}
	channelID, err := s.requireChannel()
	if err != nil {
		return err
	}

	replies, err := s.store.ThreadReplies(ctx, parentID)
	if err != nil {
		return err
	}

	s.enqueue(func() {
		if s.st.channelID != channelID {
			return
		}
		for _, m := range replies {
			s.st.upsertMessage(m)
		}
		s.publish()
	})
	return nil
}

// writeWithRetry retries transient store failures with backoff; terminal
// errors (validation, permission) surface immediately.
func (s *Session) writeWithRetry(ctx context.Context, write func() error) error {
	var err error
	for attempt := 1; attempt <= s.opts.SendRetries; attempt++ {
		err = write()
		if err == nil || !errors.Is(err, chat.ErrTransientIO) {
			return err
		}
		if attempt == s.opts.SendRetries {
			break
		}
		select {
		case <-time.After(s.opts.Backoff.Delay(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", chat.ErrTransientIO, ctx.Err())
		}
	}
	return err
}

package session

import (
	"context"

	"parish-chat/internal/chat"
	"parish-chat/internal/identity"
)

// DirectoryStore is the slice of the durable store the directory needs.
type DirectoryStore interface {
	ChannelsForUser(ctx context.Context, actor string) ([]chat.Channel, error)
}

// Directory lists the channels the actor belongs to, most recent activity
// first, each annotated with an unread count. Read-only; callers subscribe
// to their session for live updates.
type Directory struct {
	store DirectoryStore
	ident identity.Provider
}

func NewDirectory(store DirectoryStore, ident identity.Provider) *Directory {
	return &Directory{store: store, ident: ident}
}

func (d *Directory) ListChannels(ctx context.Context) ([]chat.Channel, error) {
	if !d.ident.IsAuthenticated() {
		return nil, chat.ErrNotAuthenticated
	}
	actor, err := d.ident.CurrentActorID()
	if err != nil {
		return nil, err
	}
	return d.store.ChannelsForUser(ctx, actor)
}

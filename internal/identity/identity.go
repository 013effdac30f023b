// Package identity is the boundary to the suite's auth provider. The engine
// only ever needs to know who the actor is.
package identity

import "parish-chat/internal/chat"

type Provider interface {
	CurrentActorID() (string, error)
	IsAuthenticated() bool
}

// Static is a provider pinned to one actor, used by the server surface
// (one per authenticated connection) and by tests.
type Static struct {
	ActorID string
}

func (s Static) CurrentActorID() (string, error) {
	if s.ActorID == "" {
		return "", chat.ErrNotAuthenticated
	}
	return s.ActorID, nil
}

func (s Static) IsAuthenticated() bool {
	return s.ActorID != ""
}

package chat

import "sort"

// ReactionGroup is the per-token view exposed to consumers.
type ReactionGroup struct {
	Token    string   `json:"token"`
	Count    int      `json:"count"`
	ActorIDs []string `json:"actor_ids"`
	Mine     bool     `json:"mine"` // true if currentActor is among ActorIDs
}

// GroupReactions re-derives the grouped view for one message from its full
// reaction set. Re-deriving on every change avoids incremental-count drift.
// Groups are ordered by token for stable rendering.
func GroupReactions(rows []Reaction, currentActor string) []ReactionGroup {
	byToken := make(map[string]*ReactionGroup)
	for _, row := range rows {
		g, ok := byToken[row.Token]
		if !ok {
			g = &ReactionGroup{Token: row.Token}
			byToken[row.Token] = g
		}
		g.Count++
		g.ActorIDs = append(g.ActorIDs, row.UserID)
		if row.UserID == currentActor {
			g.Mine = true
		}
	}

	groups := make([]ReactionGroup, 0, len(byToken))
	for _, g := range byToken {
		sort.Strings(g.ActorIDs)
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Token < groups[j].Token })
	return groups
}

// Package content defines the counters-bearing item model shared by the
// cache, the counter stores, and the broadcast hub.
package content

import (
	"fmt"
	"time"
)

type Type string

const (
	TypeArticle      Type = "article"
	TypeThread       Type = "thread"
	TypeGuide        Type = "guide"
	TypeCatalogEntry Type = "catalogEntry"
)

func ParseType(raw string) (Type, error) {
	switch Type(raw) {
	case TypeArticle, TypeThread, TypeGuide, TypeCatalogEntry:
		return Type(raw), nil
	default:
		return "", fmt.Errorf("unknown content type %q", raw)
	}
}

// Ref identifies one counters-bearing item. Immutable once created.
type Ref struct {
	Type Type   `json:"contentType"`
	ID   string `json:"identifier"`
}

func (r Ref) String() string {
	return string(r.Type) + "/" + r.ID
}

func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// Stats maps counter names to non-negative totals. Every write path keeps
// the floor-at-zero invariant; a negative value never reaches a caller.
type Stats map[string]int

func (s Stats) Get(counter string) int {
	if s == nil {
		return 0
	}
	return s[counter]
}

func (s Stats) Clone() Stats {
	if s == nil {
		return nil
	}
	out := make(Stats, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Interactions holds per-(viewer, ref) boolean flags. It travels only to the
// viewer that owns it and is never fanned out to other connections.
type Interactions map[string]bool

func (i Interactions) Get(flag string) bool {
	if i == nil {
		return false
	}
	return i[flag]
}

func (i Interactions) Clone() Interactions {
	if i == nil {
		return nil
	}
	out := make(Interactions, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

type Action string

const (
	ActionLike     Action = "like"
	ActionBookmark Action = "bookmark"
	ActionHelpful  Action = "helpful"
	ActionShare    Action = "share"
)

func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionLike, ActionBookmark, ActionHelpful, ActionShare:
		return Action(raw), nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}

// Counter names the Stats field the action moves.
func (a Action) Counter() string {
	switch a {
	case ActionLike:
		return "likes"
	case ActionBookmark:
		return "bookmarks"
	case ActionHelpful:
		return "helpful"
	case ActionShare:
		return "shares"
	default:
		return ""
	}
}

// Flag names the Interactions field the action toggles. Monotonic actions
// have no flag and return "".
func (a Action) Flag() string {
	switch a {
	case ActionLike:
		return "isLiked"
	case ActionBookmark:
		return "isBookmarked"
	case ActionHelpful:
		return "isHelpful"
	default:
		return ""
	}
}

// Monotonic reports whether the action only ever increments its counter.
func (a Action) Monotonic() bool {
	return a == ActionShare
}

// ToggleActions lists the flag-bearing actions, in stable order.
func ToggleActions() []Action {
	return []Action{ActionLike, ActionBookmark, ActionHelpful}
}

// StatsUpdate is the authoritative delta handed from the mutation gateway to
// the broadcast hub after a successful counter-store write. It is consumed at
// most once per subscription and never persisted.
type StatsUpdate struct {
	Ref          Ref
	Stats        Stats
	Interactions Interactions
	ActorID      string
	Timestamp    time.Time
}

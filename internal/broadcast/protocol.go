package broadcast

import (
	"time"

	"pulse/api/internal/content"
)

const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeStatsUpdate  = "stats_update"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
)

// Envelope is the wire message exchanged with subscription clients.
type Envelope struct {
	Type         string               `json:"type"`
	ContentRef   *content.Ref         `json:"contentRef,omitempty"`
	ViewerID     string               `json:"viewerId,omitempty"`
	Stats        content.Stats        `json:"stats,omitempty"`
	Interactions content.Interactions `json:"interactions,omitempty"`
	ActorID      string               `json:"actorId,omitempty"`
	Timestamp    int64                `json:"timestamp,omitempty"`
}

// UpdateEnvelope renders a stats update for one recipient. Interaction state
// and the actor id travel only in the actor's own copy; everyone else gets
// stats only.
func UpdateEnvelope(update content.StatsUpdate, forActor bool) Envelope {
	ref := update.Ref
	ts := update.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	env := Envelope{
		Type:       TypeStatsUpdate,
		ContentRef: &ref,
		Stats:      update.Stats,
		Timestamp:  ts.UnixMilli(),
	}
	if forActor {
		env.Interactions = update.Interactions
		env.ActorID = update.ActorID
	}
	return env
}

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Action names an administrative operation worth an audit trail entry.
type Action string

const (
	ActionTierOverride Action = "subscription.tier_override"
	ActionSuspend      Action = "subscription.suspend"
	ActionReactivate   Action = "subscription.reactivate"
	ActionCancel       Action = "subscription.cancel"
	ActionBootstrap    Action = "subscription.bootstrap"
)

// Event is a single audit trail entry. Events are best effort: the recorder
// never blocks the operation that produced them.
type Event struct {
	ID        snowflake.ID   `json:"id"`
	OrgID     string         `json:"organization_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorRole string         `json:"actor_role,omitempty"`
	Action    Action         `json:"action"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	At        time.Time      `json:"at"`
}

package domain

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"

	"github.com/smallbiznis/quotaledger/pkg/entitystore"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusPending   Status = "PENDING"
	StatusCancelled Status = "CANCELLED"

	// statusLegacyPaid was written by the old billing integration. New
	// code never writes it, but historical records still carry it.
	statusLegacyPaid = "paid"
)

// IsActive reports whether a record counts as active when deriving the
// current subscription.
func (s Status) IsActive() bool {
	switch strings.ToUpper(strings.TrimSpace(string(s))) {
	case string(StatusActive), strings.ToUpper(statusLegacyPaid):
		return true
	}
	return false
}

// SubscriptionRecord is one entry in an organization's append-only
// subscription history. Records are immutable once written; every
// administrative transition appends a new one. The current subscription is
// derived, never stored: the newest record whose status counts as active.
type SubscriptionRecord struct {
	entitystore.Meta

	ID             string `dynamodbav:"id" json:"id"`
	OrganizationID string `dynamodbav:"organization_id" json:"organization_id"`
	Tier           string `dynamodbav:"tier" json:"tier"`
	Status         Status `dynamodbav:"status" json:"status"`
	Reason         string `dynamodbav:"reason" json:"reason,omitempty"`
	ActorID        string `dynamodbav:"actor_id" json:"actor_id,omitempty"`
}

// SubscriptionKey builds the store key for one history entry. The ULID
// sort key embeds the creation timestamp, so lexicographic SK order is
// creation order and same-millisecond appends are tie-broken by the ULID's
// monotonic entropy.
func SubscriptionKey(orgID snowflake.ID, id string) entitystore.Key {
	return entitystore.Key{
		PK: fmt.Sprintf("ORG#%s", orgID.String()),
		SK: fmt.Sprintf("SUB#%s", id),
	}
}

func (r *SubscriptionRecord) ItemKey() entitystore.Key {
	id, _ := snowflake.ParseString(r.OrganizationID)
	return SubscriptionKey(id, r.ID)
}

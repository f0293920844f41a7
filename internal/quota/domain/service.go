// Package domain defines the quota decision contract. Every failure mode
// is fail-closed: when the engine cannot prove an action is within limits,
// the action is denied.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	usagedomain "github.com/smallbiznis/quotaledger/internal/usage/domain"
)

// Unlimited is the sentinel for tiers without a cap on a resource.
const Unlimited int64 = -1

// Decision is the outcome of a quota check. Allowed=false with a nil error
// is a policy denial carrying the payload callers surface to the user;
// errors mean the check itself could not be completed (and the action must
// be denied).
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	ResetDate time.Time `json:"reset_date"`
	Message   string    `json:"message"`
}

type Service interface {
	// CanStartAction checks whether one more unit of the resource fits the
	// organization's tier limit. Check-then-act: callers record the action
	// separately, and concurrent callers may transiently overshoot the
	// limit between the check and the record (soft limit).
	CanStartAction(ctx context.Context, orgID snowflake.ID, resource usagedomain.ResourceType) (Decision, error)
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrNoActiveSubscription = errors.New("no_active_subscription")
	// ErrSubscriptionInactive denies admission when the newest history
	// record is a suspension or cancellation, even though an older active
	// record still resolves as the current subscription.
	ErrSubscriptionInactive = errors.New("subscription_inactive")
	ErrInvalidTier          = errors.New("invalid_tier")
)

package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type HistoryRequest struct {
	PageToken string `json:"page_token"`
	PageSize  int32  `json:"page_size"`
}

type HistoryResponse struct {
	NextPageToken string                `json:"next_page_token"`
	Records       []*SubscriptionRecord `json:"records"`
}

// Transition describes a committed state change handed to post-commit
// hooks.
type Transition struct {
	Action string
	Record *SubscriptionRecord
	Reason string
}

// TransitionHook runs after a transition has committed. A hook's failure
// is reported and never rolls back the transition.
type TransitionHook interface {
	AfterTransition(ctx context.Context, t Transition) error
}

type Service interface {
	Bootstrap(ctx context.Context, orgID snowflake.ID, tier string) (*SubscriptionRecord, error)
	OverrideTier(ctx context.Context, orgID snowflake.ID, tier, reason string) (*SubscriptionRecord, error)
	Suspend(ctx context.Context, orgID snowflake.ID, reason string) (*SubscriptionRecord, error)
	Reactivate(ctx context.Context, orgID snowflake.ID) (*SubscriptionRecord, error)
	Cancel(ctx context.Context, orgID snowflake.ID, reason string) (*SubscriptionRecord, error)

	// GetCurrent derives the active subscription. (nil, nil) means the
	// organization has no active record.
	GetCurrent(ctx context.Context, orgID snowflake.ID) (*SubscriptionRecord, error)
	GetHistory(ctx context.Context, orgID snowflake.ID, req HistoryRequest) (HistoryResponse, error)
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidTier          = errors.New("invalid_tier")
	ErrNotFound             = errors.New("subscription_not_found")
	ErrAlreadyProvisioned   = errors.New("subscription_already_provisioned")
	ErrConcurrentTransition = errors.New("concurrent_transition")
)

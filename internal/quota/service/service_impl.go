package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/quotaledger/internal/billingperiod"
	"github.com/smallbiznis/quotaledger/internal/config"
	obsmetrics "github.com/smallbiznis/quotaledger/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/quotaledger/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/quotaledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/quotaledger/internal/usage/domain"
)

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Limits  *config.TierLimitsHolder
	Periods *billingperiod.Manager
	SubSvc  subscriptiondomain.Service
	Usage   usagedomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	limits  *config.TierLimitsHolder
	periods *billingperiod.Manager
	subSvc  subscriptiondomain.Service
	usage   usagedomain.Service
	metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		log:     p.Log.Named("quota.service"),
		limits:  p.Limits,
		periods: p.Periods,
		subSvc:  p.SubSvc,
		usage:   p.Usage,
		metrics: p.Metrics,
	}
}

// CanStartAction resolves the organization's tier, reads current-period
// usage and decides whether one more unit fits. Any failure along the way
// denies the action.
func (s *Service) CanStartAction(ctx context.Context, orgID snowflake.ID, resource usagedomain.ResourceType) (quotadomain.Decision, error) {
	if orgID == 0 {
		return quotadomain.Decision{}, quotadomain.ErrInvalidOrganization
	}
	if _, ok := usagedomain.CounterAttribute(resource); !ok {
		return quotadomain.Decision{}, usagedomain.ErrInvalidResourceType
	}

	current, err := s.subSvc.GetCurrent(ctx, orgID)
	if err != nil {
		return quotadomain.Decision{}, fmt.Errorf("resolving subscription: %w", err)
	}
	if current == nil {
		s.metrics.RecordQuotaDenied(ctx, string(resource), "", "no_active_subscription")
		return quotadomain.Decision{}, quotadomain.ErrNoActiveSubscription
	}

	// Admission gates on the newest history record. Current-subscription
	// derivation skips suspension records, so without this check a
	// just-suspended organization would still be admitted through an older
	// active record.
	history, err := s.subSvc.GetHistory(ctx, orgID, subscriptiondomain.HistoryRequest{PageSize: 1})
	if err != nil {
		return quotadomain.Decision{}, fmt.Errorf("reading latest subscription record: %w", err)
	}
	if len(history.Records) > 0 && !history.Records[0].Status.IsActive() {
		s.metrics.RecordQuotaDenied(ctx, string(resource), current.Tier, "subscription_inactive")
		return quotadomain.Decision{}, quotadomain.ErrSubscriptionInactive
	}

	limits, ok := s.limits.Lookup(current.Tier)
	if !ok {
		s.metrics.RecordQuotaDenied(ctx, string(resource), current.Tier, "invalid_tier")
		s.log.Warn("subscription carries unrecognized tier",
			zap.String("organization_id", orgID.String()),
			zap.String("tier", current.Tier),
		)
		return quotadomain.Decision{}, quotadomain.ErrInvalidTier
	}

	stats, err := s.usage.GetUsageSnapshot(ctx, orgID)
	if err != nil {
		return quotadomain.Decision{}, fmt.Errorf("reading usage: %w", err)
	}

	limit := limitFor(limits, resource)
	used := stats.Used(resource)
	reset := s.periods.CurrentReset()

	if limit < 0 {
		s.metrics.RecordQuotaAllowed(ctx, string(resource), current.Tier)
		return quotadomain.Decision{
			Allowed:   true,
			Remaining: quotadomain.Unlimited,
			Limit:     quotadomain.Unlimited,
			Used:      used,
			ResetDate: reset,
			Message:   fmt.Sprintf("%s is unlimited on the %s tier", resource, current.Tier),
		}, nil
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	decision := quotadomain.Decision{
		Allowed:   remaining > 0,
		Remaining: remaining,
		Limit:     limit,
		Used:      used,
		ResetDate: reset,
	}
	if decision.Allowed {
		decision.Message = fmt.Sprintf("%d of %d %s remaining this period", remaining, limit, resource)
		s.metrics.RecordQuotaAllowed(ctx, string(resource), current.Tier)
	} else {
		decision.Message = fmt.Sprintf("%s limit of %d reached for the %s tier, upgrade to increase", resource, limit, current.Tier)
		s.metrics.RecordQuotaDenied(ctx, string(resource), current.Tier, "limit_reached")
	}
	return decision, nil
}

func limitFor(limits config.TierLimits, resource usagedomain.ResourceType) int64 {
	switch resource {
	case usagedomain.ResourceRuns:
		return limits.MaxRunsPerMonth
	case usagedomain.ResourceExports:
		return limits.MaxExportsPerMonth
	case usagedomain.ResourceAPICalls:
		return limits.APICallsPerMonth
	case usagedomain.ResourceStorage:
		return limits.StorageUnits
	case usagedomain.ResourceUsers:
		return limits.MaxUsers
	default:
		return 0
	}
}

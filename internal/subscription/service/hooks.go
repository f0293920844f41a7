package service

import (
	"context"

	"github.com/bwmarrin/snowflake"

	auditdomain "github.com/smallbiznis/quotaledger/internal/audit/domain"
	obsmetrics "github.com/smallbiznis/quotaledger/internal/observability/metrics"
	"github.com/smallbiznis/quotaledger/internal/orgcontext"
	subscriptioncache "github.com/smallbiznis/quotaledger/internal/subscription/cache"
	subscriptiondomain "github.com/smallbiznis/quotaledger/internal/subscription/domain"
)

// cacheHook drops the cached current-subscription entry so the next read
// re-derives it from the just-extended history.
type cacheHook struct {
	cache subscriptioncache.ResolverCache
}

func (h *cacheHook) AfterTransition(ctx context.Context, t subscriptiondomain.Transition) error {
	orgID, err := snowflake.ParseString(t.Record.OrganizationID)
	if err != nil {
		return err
	}
	h.cache.Invalidate(ctx, orgID)
	return nil
}

// auditHook hands the transition to the best-effort audit recorder.
type auditHook struct {
	recorder AuditRecorder
}

func (h *auditHook) AfterTransition(ctx context.Context, t subscriptiondomain.Transition) error {
	actor := orgcontext.ActorFromContext(ctx)
	h.recorder.Record(ctx, auditdomain.Event{
		OrgID:     t.Record.OrganizationID,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    auditdomain.Action(t.Action),
		Reason:    t.Reason,
		Metadata: map[string]any{
			"subscription_id": t.Record.ID,
			"tier":            t.Record.Tier,
			"status":          string(t.Record.Status),
		},
	})
	return nil
}

// metricsHook counts committed transitions by action.
type metricsHook struct {
	metrics *obsmetrics.Metrics
}

func (h *metricsHook) AfterTransition(ctx context.Context, t subscriptiondomain.Transition) error {
	h.metrics.RecordSubscriptionTransition(ctx, t.Action)
	return nil
}

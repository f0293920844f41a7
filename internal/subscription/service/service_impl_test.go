package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	auditdomain "github.com/smallbiznis/quotaledger/internal/audit/domain"
	"github.com/smallbiznis/quotaledger/internal/billingperiod"
	"github.com/smallbiznis/quotaledger/internal/clock"
	"github.com/smallbiznis/quotaledger/internal/config"
	obsmetrics "github.com/smallbiznis/quotaledger/internal/observability/metrics"
	"github.com/smallbiznis/quotaledger/internal/orgcontext"
	subscriptioncache "github.com/smallbiznis/quotaledger/internal/subscription/cache"
	subscriptiondomain "github.com/smallbiznis/quotaledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/quotaledger/internal/usage/domain"
	usageservice "github.com/smallbiznis/quotaledger/internal/usage/service"
	"github.com/smallbiznis/quotaledger/pkg/entitystore"
	"github.com/smallbiznis/quotaledger/pkg/entitystore/storetest"
)

const testTable = "quotaledger"

type captureAudit struct {
	mu     sync.Mutex
	events []auditdomain.Event
}

func (c *captureAudit) Record(_ context.Context, event auditdomain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureAudit) snapshot() []auditdomain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]auditdomain.Event(nil), c.events...)
}

type testDeps struct {
	client *storetest.Client
	clk    *clock.FakeClock
	audit  *captureAudit
	cache  subscriptioncache.ResolverCache
}

func newTestService(t *testing.T, resolver subscriptioncache.ResolverCache) (subscriptiondomain.Service, *testDeps) {
	t.Helper()

	client := storetest.New()
	clk := clock.NewFakeClock(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))
	if resolver == nil {
		resolver = subscriptioncache.NewResolverCache(config.Config{}, nil, zap.NewNop())
	}

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		Log: zap.NewNop(),
		Store: entitystore.New[usagedomain.UsageRecord, *usagedomain.UsageRecord](
			client, testTable, entitystore.WithClock(clk.Now),
		),
		Periods: billingperiod.NewManager(clk),
		Clock:   clk,
	})

	audit := &captureAudit{}
	svc := NewService(ServiceParam{
		Log: zap.NewNop(),
		Store: entitystore.New[subscriptiondomain.SubscriptionRecord, *subscriptiondomain.SubscriptionRecord](
			client, testTable, entitystore.WithClock(clk.Now),
		),
		Limits:   config.NewStaticTierLimits(config.DefaultTierLimits()),
		Clock:    clk,
		Cache:    resolver,
		UsageSvc: usageSvc,
		Audit:    audit,
	})

	return svc, &testDeps{client: client, clk: clk, audit: audit, cache: resolver}
}

func TestBootstrapProvisionsFirstRecord(t *testing.T) {
	svc, deps := newTestService(t, nil)
	orgID := snowflake.ID(42)

	record, err := svc.Bootstrap(context.Background(), orgID, "free")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)
	assert.Equal(t, "free", record.Tier)
	assert.NotEmpty(t, record.ID)

	// Subscription record plus the zeroed usage row.
	assert.Equal(t, 2, deps.client.ItemCount(testTable))

	_, err = svc.Bootstrap(context.Background(), orgID, "pro")
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadyProvisioned)
}

func TestBootstrapRejectsUnknownTier(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Bootstrap(context.Background(), snowflake.ID(42), "platinum")
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTier)
}

func TestOverrideTierRequiresHistory(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.OverrideTier(context.Background(), snowflake.ID(42), "pro", "upgrade")
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotFound)
}

func TestOverrideTierVisibleImmediatelyHistoryUnchanged(t *testing.T) {
	svc, _ := newTestService(t, nil)
	orgID := snowflake.ID(42)

	first, err := svc.Bootstrap(context.Background(), orgID, "free")
	require.NoError(t, err)

	overridden, err := svc.OverrideTier(context.Background(), orgID, "pro", "sales deal")
	require.NoError(t, err)
	assert.Equal(t, "pro", overridden.Tier)

	current, err := svc.GetCurrent(context.Background(), orgID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "pro", current.Tier)

	history, err := svc.GetHistory(context.Background(), orgID, subscriptiondomain.HistoryRequest{})
	require.NoError(t, err)
	require.Len(t, history.Records, 2)
	assert.Equal(t, "pro", history.Records[0].Tier)
	assert.Equal(t, "free", history.Records[1].Tier)
	assert.Equal(t, first.ID, history.Records[1].ID)
	assert.Equal(t, int64(1), history.Records[1].Version)
}

func TestSuspendCarriesTierAndIsSkippedByGetCurrent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	orgID := snowflake.ID(42)

	_, err := svc.Bootstrap(context.Background(), orgID, "starter")
	require.NoError(t, err)

	suspended, err := svc.Suspend(context.Background(), orgID, "payment overdue")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusSuspended, suspended.Status)
	assert.Equal(t, "starter", suspended.Tier)

	// Derivation skips non-active records, so the bootstrap entry is
	// still the current subscription.
	current, err := svc.GetCurrent(context.Background(), orgID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, subscriptiondomain.StatusActive, current.Status)

	reactivated, err := svc.Reactivate(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, reactivated.Status)
	assert.Equal(t, "starter", reactivated.Tier)

	current, err = svc.GetCurrent(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, reactivated.ID, current.ID)
}

func TestCancelAppendsCancelledRecord(t *testing.T) {
	svc, _ := newTestService(t, nil)
	orgID := snowflake.ID(42)

	_, err := svc.Bootstrap(context.Background(), orgID, "pro")
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), orgID, "churn")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelled, cancelled.Status)
	assert.Equal(t, "pro", cancelled.Tier)

	history, err := svc.GetHistory(context.Background(), orgID, subscriptiondomain.HistoryRequest{})
	require.NoError(t, err)
	require.Len(t, history.Records, 2)
	assert.Equal(t, subscriptiondomain.StatusCancelled, history.Records[0].Status)
}

func TestGetCurrentNoHistoryIsNil(t *testing.T) {
	svc, _ := newTestService(t, nil)

	current, err := svc.GetCurrent(context.Background(), snowflake.ID(404))
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestTransitionsEmitAuditEvents(t *testing.T) {
	svc, deps := newTestService(t, nil)
	orgID := snowflake.ID(42)
	ctx := orgcontext.WithActor(context.Background(), orgcontext.Actor{ID: "admin-7", Role: "platform_admin"})

	_, err := svc.Bootstrap(ctx, orgID, "free")
	require.NoError(t, err)
	_, err = svc.OverrideTier(ctx, orgID, "pro", "upgrade")
	require.NoError(t, err)
	_, err = svc.Suspend(ctx, orgID, "abuse")
	require.NoError(t, err)

	events := deps.audit.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, auditdomain.ActionBootstrap, events[0].Action)
	assert.Equal(t, auditdomain.ActionTierOverride, events[1].Action)
	assert.Equal(t, "upgrade", events[1].Reason)
	assert.Equal(t, "admin-7", events[1].ActorID)
	assert.Equal(t, auditdomain.ActionSuspend, events[2].Action)
	assert.Equal(t, "pro", events[2].Metadata["tier"])
}

func TestConcurrentTransitionCountsVersionConflict(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := obsmetrics.New(obsmetrics.Config{}, provider)
	require.NoError(t, err)

	client := storetest.New()
	clk := clock.NewFakeClock(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		Log: zap.NewNop(),
		Store: entitystore.New[usagedomain.UsageRecord, *usagedomain.UsageRecord](
			client, testTable, entitystore.WithClock(clk.Now),
		),
		Periods: billingperiod.NewManager(clk),
		Clock:   clk,
	})
	svc := NewService(ServiceParam{
		Log: zap.NewNop(),
		Store: entitystore.New[subscriptiondomain.SubscriptionRecord, *subscriptiondomain.SubscriptionRecord](
			client, testTable, entitystore.WithClock(clk.Now),
		),
		Limits:   config.NewStaticTierLimits(config.DefaultTierLimits()),
		Clock:    clk,
		Cache:    subscriptioncache.NewResolverCache(config.Config{}, nil, zap.NewNop()),
		UsageSvc: usageSvc,
		Metrics:  m,
	})

	orgID := snowflake.ID(42)
	_, err = svc.Bootstrap(context.Background(), orgID, "free")
	require.NoError(t, err)

	// A racing append on the same sort key surfaces as a failed
	// conditional put.
	client.Fail("PutItem", &types.ConditionalCheckFailedException{})
	_, err = svc.Suspend(context.Background(), orgID, "abuse")
	assert.ErrorIs(t, err, subscriptiondomain.ErrConcurrentTransition)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(1), counterValue(rm, "quotaledger_version_conflicts_total"))
}

func counterValue(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, instrument := range scope.Metrics {
			if instrument.Name != name {
				continue
			}
			if sum, ok := instrument.Data.(metricdata.Sum[int64]); ok {
				for _, point := range sum.DataPoints {
					total += point.Value
				}
			}
		}
	}
	return total
}

func TestRedisResolverCacheReadThroughAndInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	resolver := subscriptioncache.NewResolverCache(
		config.Config{Redis: config.RedisConfig{Addr: mr.Addr(), TTLSeconds: 60}},
		client, zap.NewNop(),
	)

	svc, _ := newTestService(t, resolver)
	orgID := snowflake.ID(42)

	_, err := svc.Bootstrap(context.Background(), orgID, "free")
	require.NoError(t, err)

	current, err := svc.GetCurrent(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, "free", current.Tier)
	assert.True(t, mr.Exists("quotaledger:subscription:current:42"))

	cached, ok := resolver.GetCurrent(context.Background(), orgID)
	require.True(t, ok)
	assert.Equal(t, current.ID, cached.ID)

	// The override invalidates post-commit, so the next read re-derives
	// instead of serving the stale tier for the rest of the TTL.
	_, err = svc.OverrideTier(context.Background(), orgID, "pro", "upgrade")
	require.NoError(t, err)
	assert.False(t, mr.Exists("quotaledger:subscription:current:42"))

	current, err = svc.GetCurrent(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, "pro", current.Tier)
}

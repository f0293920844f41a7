package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/quotaledger/internal/billingperiod"
	"github.com/smallbiznis/quotaledger/internal/clock"
	"github.com/smallbiznis/quotaledger/internal/config"
	quotadomain "github.com/smallbiznis/quotaledger/internal/quota/domain"
	subscriptioncache "github.com/smallbiznis/quotaledger/internal/subscription/cache"
	subscriptiondomain "github.com/smallbiznis/quotaledger/internal/subscription/domain"
	subscriptionservice "github.com/smallbiznis/quotaledger/internal/subscription/service"
	usagedomain "github.com/smallbiznis/quotaledger/internal/usage/domain"
	usageservice "github.com/smallbiznis/quotaledger/internal/usage/service"
	"github.com/smallbiznis/quotaledger/pkg/entitystore"
	"github.com/smallbiznis/quotaledger/pkg/entitystore/storetest"
)

const testTable = "quotaledger"

type fixture struct {
	quota  quotadomain.Service
	subs   subscriptiondomain.Service
	usage  usagedomain.Service
	client *storetest.Client
	clk    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	client := storetest.New()
	clk := clock.NewFakeClock(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))
	periods := billingperiod.NewManager(clk)
	limits := config.NewStaticTierLimits(config.DefaultTierLimits())

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		Log: zap.NewNop(),
		Store: entitystore.New[usagedomain.UsageRecord, *usagedomain.UsageRecord](
			client, testTable, entitystore.WithClock(clk.Now),
		),
		Periods: periods,
		Clock:   clk,
	})

	subSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		Log: zap.NewNop(),
		Store: entitystore.New[subscriptiondomain.SubscriptionRecord, *subscriptiondomain.SubscriptionRecord](
			client, testTable, entitystore.WithClock(clk.Now),
		),
		Limits:   limits,
		Clock:    clk,
		Cache:    subscriptioncache.NewResolverCache(config.Config{}, nil, zap.NewNop()),
		UsageSvc: usageSvc,
	})

	quotaSvc := NewService(ServiceParam{
		Log:     zap.NewNop(),
		Limits:  limits,
		Periods: periods,
		SubSvc:  subSvc,
		Usage:   usageSvc,
	})

	return &fixture{quota: quotaSvc, subs: subSvc, usage: usageSvc, client: client, clk: clk}
}

func TestCanStartActionCountsDownToDenial(t *testing.T) {
	f := newFixture(t)
	orgID := snowflake.ID(42)
	ctx := context.Background()

	_, err := f.subs.Bootstrap(ctx, orgID, "free")
	require.NoError(t, err)

	// free tier allows 10 runs per month; burn 9.
	for i := 0; i < 9; i++ {
		_, err := f.usage.RecordAction(ctx, orgID, usagedomain.ResourceRuns)
		require.NoError(t, err)
	}

	decision, err := f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.Remaining)
	assert.Equal(t, int64(10), decision.Limit)
	assert.Contains(t, decision.Message, "1 of 10")

	_, err = f.usage.RecordAction(ctx, orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)

	decision, err = f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Zero(t, decision.Remaining)
	assert.Contains(t, decision.Message, "upgrade")
}

func TestCanStartActionFailsClosedWithoutSubscription(t *testing.T) {
	f := newFixture(t)

	_, err := f.quota.CanStartAction(context.Background(), snowflake.ID(42), usagedomain.ResourceRuns)
	assert.ErrorIs(t, err, quotadomain.ErrNoActiveSubscription)
}

func TestSuspendedOrganizationIsDeniedImmediately(t *testing.T) {
	f := newFixture(t)
	orgID := snowflake.ID(42)
	ctx := context.Background()

	_, err := f.subs.Bootstrap(ctx, orgID, "free")
	require.NoError(t, err)

	decision, err := f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	// The bootstrap record is still active and resolvable, but the
	// suspension on top of it must deny admission right away.
	_, err = f.subs.Suspend(ctx, orgID, "payment overdue")
	require.NoError(t, err)

	_, err = f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	assert.ErrorIs(t, err, quotadomain.ErrSubscriptionInactive)

	_, err = f.subs.Reactivate(ctx, orgID)
	require.NoError(t, err)

	decision, err = f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCancelledOrganizationIsDenied(t *testing.T) {
	f := newFixture(t)
	orgID := snowflake.ID(42)
	ctx := context.Background()

	_, err := f.subs.Bootstrap(ctx, orgID, "starter")
	require.NoError(t, err)
	_, err = f.subs.Cancel(ctx, orgID, "churn")
	require.NoError(t, err)

	_, err = f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	assert.ErrorIs(t, err, quotadomain.ErrSubscriptionInactive)
}

func TestCanStartActionFailsClosedOnUnknownTier(t *testing.T) {
	f := newFixture(t)
	orgID := snowflake.ID(42)

	// A record written before the tier was retired from the table.
	store := entitystore.New[subscriptiondomain.SubscriptionRecord, *subscriptiondomain.SubscriptionRecord](
		f.client, testTable, entitystore.WithClock(f.clk.Now),
	)
	require.NoError(t, store.Create(context.Background(), &subscriptiondomain.SubscriptionRecord{
		ID:             "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		OrganizationID: orgID.String(),
		Tier:           "legacy-gold",
		Status:         subscriptiondomain.StatusActive,
	}))

	_, err := f.quota.CanStartAction(context.Background(), orgID, usagedomain.ResourceRuns)
	assert.ErrorIs(t, err, quotadomain.ErrInvalidTier)
}

func TestLegacyPaidStatusCountsAsActive(t *testing.T) {
	f := newFixture(t)
	orgID := snowflake.ID(42)

	store := entitystore.New[subscriptiondomain.SubscriptionRecord, *subscriptiondomain.SubscriptionRecord](
		f.client, testTable, entitystore.WithClock(f.clk.Now),
	)
	require.NoError(t, store.Create(context.Background(), &subscriptiondomain.SubscriptionRecord{
		ID:             "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		OrganizationID: orgID.String(),
		Tier:           "starter",
		Status:         subscriptiondomain.Status("paid"),
	}))

	decision, err := f.quota.CanStartAction(context.Background(), orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(100), decision.Limit)
}

func TestUnlimitedTierAlwaysAllows(t *testing.T) {
	f := newFixture(t)
	orgID := snowflake.ID(42)
	ctx := context.Background()

	_, err := f.subs.Bootstrap(ctx, orgID, "enterprise")
	require.NoError(t, err)

	_, err = f.usage.RecordActionN(ctx, orgID, usagedomain.ResourceRuns, 1_000_000)
	require.NoError(t, err)

	decision, err := f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, quotadomain.Unlimited, decision.Remaining)
	assert.Equal(t, quotadomain.Unlimited, decision.Limit)
	assert.Contains(t, decision.Message, "unlimited")
}

func TestResetDateIsFirstInstantOfNextMonth(t *testing.T) {
	f := newFixture(t)
	orgID := snowflake.ID(42)
	ctx := context.Background()

	_, err := f.subs.Bootstrap(ctx, orgID, "free")
	require.NoError(t, err)

	decision, err := f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), decision.ResetDate)
}

func TestRolloverRestoresQuota(t *testing.T) {
	f := newFixture(t)
	orgID := snowflake.ID(42)
	ctx := context.Background()

	_, err := f.subs.Bootstrap(ctx, orgID, "free")
	require.NoError(t, err)
	_, err = f.usage.RecordActionN(ctx, orgID, usagedomain.ResourceRuns, 10)
	require.NoError(t, err)

	decision, err := f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	f.clk.Set(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))

	decision, err = f.quota.CanStartAction(ctx, orgID, usagedomain.ResourceRuns)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(10), decision.Remaining)
	assert.Zero(t, decision.Used)
}

func TestUnknownResourceTypeRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.quota.CanStartAction(context.Background(), snowflake.ID(42), usagedomain.ResourceType("teleports"))
	assert.ErrorIs(t, err, usagedomain.ErrInvalidResourceType)
}

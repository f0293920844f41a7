package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	auditdomain "github.com/smallbiznis/quotaledger/internal/audit/domain"
	"github.com/smallbiznis/quotaledger/internal/clock"
	"github.com/smallbiznis/quotaledger/internal/config"
	obsmetrics "github.com/smallbiznis/quotaledger/internal/observability/metrics"
	"github.com/smallbiznis/quotaledger/internal/orgcontext"
	subscriptioncache "github.com/smallbiznis/quotaledger/internal/subscription/cache"
	subscriptiondomain "github.com/smallbiznis/quotaledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/quotaledger/internal/usage/domain"
	"github.com/smallbiznis/quotaledger/pkg/entitystore"
)

const (
	defaultHistoryPageSize = 20
	resolvePageSize        = 25
)

// SubscriptionStore is the typed entity store history entries append
// through.
type SubscriptionStore = entitystore.Store[subscriptiondomain.SubscriptionRecord, *subscriptiondomain.SubscriptionRecord]

// NewSubscriptionStore binds the history record type to a table.
func NewSubscriptionStore(client entitystore.API, table string, opts ...entitystore.Option) *SubscriptionStore {
	return entitystore.New[subscriptiondomain.SubscriptionRecord, *subscriptiondomain.SubscriptionRecord](client, table, opts...)
}

// AuditRecorder is the slice of the audit recorder the service dispatches
// to.
type AuditRecorder interface {
	Record(ctx context.Context, event auditdomain.Event)
}

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	Store    *SubscriptionStore
	Limits   *config.TierLimitsHolder
	Clock    clock.Clock
	Cache    subscriptioncache.ResolverCache
	UsageSvc usagedomain.Service
	Audit    AuditRecorder       `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	store    *SubscriptionStore
	limits   *config.TierLimitsHolder
	clock    clock.Clock
	cache    subscriptioncache.ResolverCache
	usageSvc usagedomain.Service
	metrics  *obsmetrics.Metrics
	hooks    []subscriptiondomain.TransitionHook

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	svc := &Service{
		log:      p.Log.Named("subscription.service"),
		store:    p.Store,
		limits:   p.Limits,
		clock:    p.Clock,
		cache:    p.Cache,
		usageSvc: p.UsageSvc,
		metrics:  p.Metrics,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	// Post-commit hooks in dispatch order. Invalidation runs first so no
	// reader can observe the cache outliving a committed transition longer
	// than necessary.
	svc.hooks = append(svc.hooks, &cacheHook{cache: p.Cache})
	if p.Audit != nil {
		svc.hooks = append(svc.hooks, &auditHook{recorder: p.Audit})
	}
	if p.Metrics != nil {
		svc.hooks = append(svc.hooks, &metricsHook{metrics: p.Metrics})
	}
	return svc
}

// Bootstrap provisions the first history entry for a new organization and
// starts its usage tracking.
func (s *Service) Bootstrap(ctx context.Context, orgID snowflake.ID, tier string) (*subscriptiondomain.SubscriptionRecord, error) {
	if orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}
	tier = strings.ToLower(strings.TrimSpace(tier))
	if _, ok := s.limits.Lookup(tier); !ok {
		return nil, subscriptiondomain.ErrInvalidTier
	}

	latest, err := s.latest(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		return nil, subscriptiondomain.ErrAlreadyProvisioned
	}

	record, err := s.append(ctx, orgID, tier, subscriptiondomain.StatusActive, "", string(auditdomain.ActionBootstrap))
	if err != nil {
		return nil, err
	}

	if err := s.usageSvc.InitializeUsageTracking(ctx, orgID); err != nil {
		// The subscription is committed; usage tracking will be lazily
		// created on the first recorded action.
		s.log.Warn("usage tracking init failed during bootstrap",
			zap.String("organization_id", orgID.String()),
			zap.Error(err),
		)
	}
	return record, nil
}

// OverrideTier appends an active record carrying the new tier. The change
// is visible to GetCurrent immediately; prior history entries are never
// touched.
func (s *Service) OverrideTier(ctx context.Context, orgID snowflake.ID, tier, reason string) (*subscriptiondomain.SubscriptionRecord, error) {
	if orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}
	tier = strings.ToLower(strings.TrimSpace(tier))
	if _, ok := s.limits.Lookup(tier); !ok {
		return nil, subscriptiondomain.ErrInvalidTier
	}

	latest, err := s.latest(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, subscriptiondomain.ErrNotFound
	}

	return s.append(ctx, orgID, tier, subscriptiondomain.StatusActive, reason, string(auditdomain.ActionTierOverride))
}

// Suspend appends a suspended record, carrying the tier over from the
// latest history entry.
func (s *Service) Suspend(ctx context.Context, orgID snowflake.ID, reason string) (*subscriptiondomain.SubscriptionRecord, error) {
	return s.transition(ctx, orgID, subscriptiondomain.StatusSuspended, reason, string(auditdomain.ActionSuspend))
}

// Reactivate appends an active record with the tier carried over.
func (s *Service) Reactivate(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.SubscriptionRecord, error) {
	return s.transition(ctx, orgID, subscriptiondomain.StatusActive, "", string(auditdomain.ActionReactivate))
}

// Cancel appends a cancelled record with the tier carried over.
func (s *Service) Cancel(ctx context.Context, orgID snowflake.ID, reason string) (*subscriptiondomain.SubscriptionRecord, error) {
	return s.transition(ctx, orgID, subscriptiondomain.StatusCancelled, reason, string(auditdomain.ActionCancel))
}

func (s *Service) transition(ctx context.Context, orgID snowflake.ID, status subscriptiondomain.Status, reason, action string) (*subscriptiondomain.SubscriptionRecord, error) {
	if orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}

	latest, err := s.latest(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, subscriptiondomain.ErrNotFound
	}

	return s.append(ctx, orgID, latest.Tier, status, reason, action)
}

// GetCurrent derives the active subscription: the newest history entry
// whose status counts as active. Suspension and cancellation records are
// skipped, per the derived-value rule; (nil, nil) means no active record
// exists.
func (s *Service) GetCurrent(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.SubscriptionRecord, error) {
	if orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}

	if record, ok := s.cache.GetCurrent(ctx, orgID); ok {
		return record, nil
	}

	record, err := s.resolveCurrent(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if record != nil {
		s.cache.SetCurrent(ctx, orgID, record)
	}
	return record, nil
}

// GetHistory pages the full append-only trail, newest first.
func (s *Service) GetHistory(ctx context.Context, orgID snowflake.ID, req subscriptiondomain.HistoryRequest) (subscriptiondomain.HistoryResponse, error) {
	if orgID == 0 {
		return subscriptiondomain.HistoryResponse{}, subscriptiondomain.ErrInvalidOrganization
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}

	records, next, err := s.store.Query(ctx,
		"#pk = :pk AND begins_with(#sk, :prefix)",
		entitystore.Fields{":pk": partitionKey(orgID), ":prefix": "SUB#"},
		entitystore.WithLimit(pageSize),
		entitystore.WithPageToken(req.PageToken),
		entitystore.Descending(),
	)
	if err != nil {
		return subscriptiondomain.HistoryResponse{}, fmt.Errorf("reading subscription history: %w", err)
	}

	return subscriptiondomain.HistoryResponse{
		NextPageToken: next,
		Records:       records,
	}, nil
}

// latest returns the newest history entry regardless of status, or nil.
func (s *Service) latest(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.SubscriptionRecord, error) {
	records, _, err := s.store.Query(ctx,
		"#pk = :pk AND begins_with(#sk, :prefix)",
		entitystore.Fields{":pk": partitionKey(orgID), ":prefix": "SUB#"},
		entitystore.WithLimit(1),
		entitystore.Descending(),
	)
	if err != nil {
		return nil, fmt.Errorf("reading latest subscription: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *Service) resolveCurrent(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.SubscriptionRecord, error) {
	token := ""
	for {
		records, next, err := s.store.Query(ctx,
			"#pk = :pk AND begins_with(#sk, :prefix)",
			entitystore.Fields{":pk": partitionKey(orgID), ":prefix": "SUB#"},
			entitystore.WithLimit(resolvePageSize),
			entitystore.WithPageToken(token),
			entitystore.Descending(),
		)
		if err != nil {
			return nil, fmt.Errorf("resolving current subscription: %w", err)
		}
		for _, record := range records {
			if record.Status.IsActive() {
				return record, nil
			}
		}
		if next == "" {
			return nil, nil
		}
		token = next
	}
}

// append commits a single immutable history entry and dispatches the
// post-commit hooks. The conditional create is the atomicity boundary:
// the transition either fully lands or not at all.
func (s *Service) append(ctx context.Context, orgID snowflake.ID, tier string, status subscriptiondomain.Status, reason, action string) (*subscriptiondomain.SubscriptionRecord, error) {
	actor := orgcontext.ActorFromContext(ctx)
	record := &subscriptiondomain.SubscriptionRecord{
		ID:             s.newID(),
		OrganizationID: orgID.String(),
		Tier:           tier,
		Status:         status,
		Reason:         strings.TrimSpace(reason),
		ActorID:        actor.ID,
	}

	if err := s.store.Create(ctx, record); err != nil {
		if errors.Is(err, entitystore.ErrAlreadyExists) {
			s.metrics.RecordVersionConflict(ctx, "subscription")
			return nil, subscriptiondomain.ErrConcurrentTransition
		}
		return nil, fmt.Errorf("appending subscription record: %w", err)
	}

	s.log.Info("subscription transition committed",
		zap.String("organization_id", orgID.String()),
		zap.String("action", action),
		zap.String("tier", tier),
		zap.String("status", string(status)),
	)

	s.dispatch(ctx, subscriptiondomain.Transition{
		Action: action,
		Record: record,
		Reason: record.Reason,
	})
	return record, nil
}

func (s *Service) dispatch(ctx context.Context, t subscriptiondomain.Transition) {
	for _, hook := range s.hooks {
		if err := hook.AfterTransition(ctx, t); err != nil {
			s.log.Warn("post-commit hook failed",
				zap.String("action", t.Action),
				zap.String("organization_id", t.Record.OrganizationID),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), s.entropy).String()
}

func partitionKey(orgID snowflake.ID) string {
	return subscriptiondomain.SubscriptionKey(orgID, "").PK
}

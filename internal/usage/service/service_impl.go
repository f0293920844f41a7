package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/quotaledger/internal/billingperiod"
	"github.com/smallbiznis/quotaledger/internal/clock"
	obsmetrics "github.com/smallbiznis/quotaledger/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/quotaledger/internal/usage/domain"
	"github.com/smallbiznis/quotaledger/pkg/entitystore"
)

const defaultHistoryPageSize = 12

// UsageStore is the typed entity store the ledger writes through.
type UsageStore = entitystore.Store[usagedomain.UsageRecord, *usagedomain.UsageRecord]

// NewUsageStore binds the ledger's record type to a table.
func NewUsageStore(client entitystore.API, table string, opts ...entitystore.Option) *UsageStore {
	return entitystore.New[usagedomain.UsageRecord, *usagedomain.UsageRecord](client, table, opts...)
}

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Store   *UsageStore
	Periods *billingperiod.Manager
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	store   *UsageStore
	periods *billingperiod.Manager
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		log:     p.Log.Named("usage.service"),
		store:   p.Store,
		periods: p.Periods,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// InitializeUsageTracking creates the zeroed counter row for the current
// period. Racing initializers are fine: the second create loses the
// conditional write and that loss is swallowed.
func (s *Service) InitializeUsageTracking(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return usagedomain.ErrInvalidOrganization
	}

	period := s.periods.CurrentKey()
	record := &usagedomain.UsageRecord{
		OrganizationID: orgID.String(),
		Period:         period,
	}

	if err := s.store.Create(ctx, record); err != nil {
		if errors.Is(err, entitystore.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("initializing usage tracking: %w", err)
	}

	s.log.Info("usage tracking initialized",
		zap.String("organization_id", orgID.String()),
		zap.String("period", period),
	)
	return nil
}

// RecordAction adds one unit to the resource counter for the current
// period.
func (s *Service) RecordAction(ctx context.Context, orgID snowflake.ID, resource usagedomain.ResourceType) (*usagedomain.UsageRecord, error) {
	return s.RecordActionN(ctx, orgID, resource, 1)
}

// RecordActionN adds n units in a single atomic counter write, so
// concurrent callers always sum correctly regardless of interleaving. The
// period row is created lazily when the month has rolled over since the
// last write.
func (s *Service) RecordActionN(ctx context.Context, orgID snowflake.ID, resource usagedomain.ResourceType, n int64) (*usagedomain.UsageRecord, error) {
	if orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	if n <= 0 {
		return nil, usagedomain.ErrInvalidQuantity
	}
	counter, ok := usagedomain.CounterAttribute(resource)
	if !ok {
		return nil, usagedomain.ErrInvalidResourceType
	}

	key := usagedomain.UsageKey(orgID, s.periods.CurrentKey())

	record, err := s.increment(ctx, key, counter, n)
	if errors.Is(err, entitystore.ErrConditionFailed) {
		// First write of the period. Initialize and take one more swing;
		// a concurrent initializer racing us is harmless.
		if initErr := s.InitializeUsageTracking(ctx, orgID); initErr != nil {
			return nil, initErr
		}
		record, err = s.increment(ctx, key, counter, n)
	}
	if err != nil {
		return nil, fmt.Errorf("recording %s usage: %w", resource, err)
	}

	s.metrics.RecordUsageIncrement(ctx, string(resource))
	return record, nil
}

func (s *Service) increment(ctx context.Context, key entitystore.Key, counter string, n int64) (*usagedomain.UsageRecord, error) {
	return s.store.UpdateRaw(ctx, key,
		"SET #c = if_not_exists(#c, :zero) + :n, #version = #version + :inc, #updated = :ts",
		map[string]string{
			"#pk":      "pk",
			"#c":       counter,
			"#version": "version",
			"#updated": "updated_at",
		},
		entitystore.Fields{
			":zero": int64(0),
			":n":    n,
			":inc":  int64(1),
			":ts":   s.clock.Now(),
		},
		"attribute_exists(#pk)",
	)
}

// GetUsageSnapshot reads the current period's counters. An organization
// that has recorded nothing this month reads as all zeroes, never an error.
func (s *Service) GetUsageSnapshot(ctx context.Context, orgID snowflake.ID) (usagedomain.UsageStats, error) {
	if orgID == 0 {
		return usagedomain.UsageStats{}, usagedomain.ErrInvalidOrganization
	}

	period := s.periods.CurrentKey()
	record, found, err := s.store.FindByKey(ctx, usagedomain.UsageKey(orgID, period))
	if err != nil {
		return usagedomain.UsageStats{}, fmt.Errorf("reading usage snapshot: %w", err)
	}
	if !found {
		return usagedomain.UsageStats{Period: period}, nil
	}
	return record.Stats(), nil
}

// History pages through past period rows, newest first. Rows are never
// deleted, so this is the full reporting trail.
func (s *Service) History(ctx context.Context, orgID snowflake.ID, req usagedomain.HistoryRequest) (usagedomain.HistoryResponse, error) {
	if orgID == 0 {
		return usagedomain.HistoryResponse{}, usagedomain.ErrInvalidOrganization
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}

	pk := usagedomain.UsageKey(orgID, "").PK
	records, next, err := s.store.Query(ctx,
		"#pk = :pk AND begins_with(#sk, :prefix)",
		entitystore.Fields{":pk": pk, ":prefix": "USAGE#"},
		entitystore.WithLimit(pageSize),
		entitystore.WithPageToken(req.PageToken),
		entitystore.Descending(),
	)
	if err != nil {
		return usagedomain.HistoryResponse{}, fmt.Errorf("reading usage history: %w", err)
	}

	return usagedomain.HistoryResponse{
		NextPageToken: next,
		Records:       records,
	}, nil
}

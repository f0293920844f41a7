package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// UsageStats is the current-period snapshot for one organization. A missing
// stored row reads as all zeroes.
type UsageStats struct {
	Period       string `json:"period"`
	Runs         int64  `json:"runs"`
	Exports      int64  `json:"exports"`
	APICalls     int64  `json:"api_calls"`
	StorageUnits int64  `json:"storage_units"`
	Users        int64  `json:"users"`
}

// Used reads the counter for a resource type off the snapshot.
func (s UsageStats) Used(resource ResourceType) int64 {
	switch resource {
	case ResourceRuns:
		return s.Runs
	case ResourceExports:
		return s.Exports
	case ResourceAPICalls:
		return s.APICalls
	case ResourceStorage:
		return s.StorageUnits
	case ResourceUsers:
		return s.Users
	default:
		return 0
	}
}

type HistoryRequest struct {
	PageToken string `json:"page_token"`
	PageSize  int32  `json:"page_size"`
}

type HistoryResponse struct {
	NextPageToken string         `json:"next_page_token"`
	Records       []*UsageRecord `json:"records"`
}

type Service interface {
	InitializeUsageTracking(ctx context.Context, orgID snowflake.ID) error
	RecordAction(ctx context.Context, orgID snowflake.ID, resource ResourceType) (*UsageRecord, error)
	RecordActionN(ctx context.Context, orgID snowflake.ID, resource ResourceType, n int64) (*UsageRecord, error)
	GetUsageSnapshot(ctx context.Context, orgID snowflake.ID) (UsageStats, error)
	History(ctx context.Context, orgID snowflake.ID, req HistoryRequest) (HistoryResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidResourceType = errors.New("invalid_resource_type")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
)

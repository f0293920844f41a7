package domain

import (
	"fmt"

	"github.com/bwmarrin/snowflake"

	"github.com/smallbiznis/quotaledger/pkg/entitystore"
)

// ResourceType names a metered resource.
type ResourceType string

const (
	ResourceRuns     ResourceType = "runs"
	ResourceExports  ResourceType = "exports"
	ResourceAPICalls ResourceType = "api_calls"
	ResourceStorage  ResourceType = "storage"
	ResourceUsers    ResourceType = "users"
)

// UsageRecord is the counter row for one (organization, period) pair. One
// row per calendar month; rollover is lazy, the first write of a new month
// creates the next row and leaves the old one untouched.
type UsageRecord struct {
	entitystore.Meta

	OrganizationID string `dynamodbav:"organization_id" json:"organization_id"`
	Period         string `dynamodbav:"period" json:"period"`

	RunsThisPeriod     int64 `dynamodbav:"runs_this_period" json:"runs_this_period"`
	ExportsThisPeriod  int64 `dynamodbav:"exports_this_period" json:"exports_this_period"`
	APICallsThisPeriod int64 `dynamodbav:"api_calls_this_period" json:"api_calls_this_period"`
	StorageUsedUnits   int64 `dynamodbav:"storage_used_units" json:"storage_used_units"`
	CurrentUsers       int64 `dynamodbav:"current_users" json:"current_users"`
}

// UsageKey builds the store key for an organization's period row.
func UsageKey(orgID snowflake.ID, period string) entitystore.Key {
	return entitystore.Key{
		PK: fmt.Sprintf("ORG#%s", orgID.String()),
		SK: fmt.Sprintf("USAGE#%s", period),
	}
}

func (r *UsageRecord) ItemKey() entitystore.Key {
	id, _ := snowflake.ParseString(r.OrganizationID)
	return UsageKey(id, r.Period)
}

// counterAttributes maps each resource type to its counter attribute.
var counterAttributes = map[ResourceType]string{
	ResourceRuns:     "runs_this_period",
	ResourceExports:  "exports_this_period",
	ResourceAPICalls: "api_calls_this_period",
	ResourceStorage:  "storage_used_units",
	ResourceUsers:    "current_users",
}

// CounterAttribute resolves the stored counter attribute for a resource
// type. Unknown types return false.
func CounterAttribute(resource ResourceType) (string, bool) {
	attr, ok := counterAttributes[resource]
	return attr, ok
}

// Used reads the counter for a resource type off a record.
func (r *UsageRecord) Used(resource ResourceType) int64 {
	switch resource {
	case ResourceRuns:
		return r.RunsThisPeriod
	case ResourceExports:
		return r.ExportsThisPeriod
	case ResourceAPICalls:
		return r.APICallsThisPeriod
	case ResourceStorage:
		return r.StorageUsedUnits
	case ResourceUsers:
		return r.CurrentUsers
	default:
		return 0
	}
}

// Stats flattens a record into the read model handed back to callers.
func (r *UsageRecord) Stats() UsageStats {
	return UsageStats{
		Period:       r.Period,
		Runs:         r.RunsThisPeriod,
		Exports:      r.ExportsThisPeriod,
		APICalls:     r.APICallsThisPeriod,
		StorageUnits: r.StorageUsedUnits,
		Users:        r.CurrentUsers,
	}
}

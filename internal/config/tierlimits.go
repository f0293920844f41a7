package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TierLimits is the resource-limit profile of one subscription tier.
// A negative limit means the tier is uncapped for that resource.
type TierLimits struct {
	MaxUsers           int64 `mapstructure:"maxUsers" json:"max_users"`
	MaxOrganizations   int64 `mapstructure:"maxOrganizations" json:"max_organizations"`
	MaxRunsPerMonth    int64 `mapstructure:"maxRunsPerMonth" json:"max_runs_per_month"`
	MaxExportsPerMonth int64 `mapstructure:"maxExportsPerMonth" json:"max_exports_per_month"`
	StorageUnits       int64 `mapstructure:"storageUnits" json:"storage_units"`
	APICallsPerMonth   int64 `mapstructure:"apiCallsPerMonth" json:"api_calls_per_month"`
}

// DefaultTierLimits is the built-in limit table, used when no tiers.yml is
// mounted. Changing limits in production is a config change, not a deploy.
func DefaultTierLimits() map[string]TierLimits {
	return map[string]TierLimits{
		"free": {
			MaxUsers:           3,
			MaxOrganizations:   1,
			MaxRunsPerMonth:    10,
			MaxExportsPerMonth: 5,
			StorageUnits:       100,
			APICallsPerMonth:   1_000,
		},
		"starter": {
			MaxUsers:           10,
			MaxOrganizations:   3,
			MaxRunsPerMonth:    100,
			MaxExportsPerMonth: 50,
			StorageUnits:       1_000,
			APICallsPerMonth:   25_000,
		},
		"pro": {
			MaxUsers:           50,
			MaxOrganizations:   10,
			MaxRunsPerMonth:    1_000,
			MaxExportsPerMonth: 500,
			StorageUnits:       10_000,
			APICallsPerMonth:   250_000,
		},
		"enterprise": {
			MaxUsers:           -1,
			MaxOrganizations:   -1,
			MaxRunsPerMonth:    -1,
			MaxExportsPerMonth: -1,
			StorageUnits:       -1,
			APICallsPerMonth:   -1,
		},
	}
}

// TierLimitsHolder is the hot-reloadable tier-limit table.
type TierLimitsHolder struct {
	current atomic.Value // holds map[string]TierLimits
}

// NewTierLimitsHolder reads tiers.yml (volume-mounted in production,
// working directory in dev), falling back to the built-in table, and keeps
// watching the file for changes.
func NewTierLimitsHolder() (*TierLimitsHolder, error) {
	v := viper.New()

	v.SetConfigName("tiers")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/quotaledger/config")
	v.AddConfigPath("/etc/quotaledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("QUOTALEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("tiers", DefaultTierLimits())
	}

	table, err := readTierTable(v)
	if err != nil {
		return nil, err
	}

	holder := &TierLimitsHolder{}
	holder.current.Store(table)

	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		reloaded, err := readTierTable(v)
		if err != nil {
			log.Printf("tier limits reload rejected: %v", err)
			return
		}
		holder.current.Store(reloaded)
		log.Printf("tier limits reloaded: %d tiers", len(reloaded))
	})

	return holder, nil
}

// NewStaticTierLimits wraps a fixed table; tests use it.
func NewStaticTierLimits(table map[string]TierLimits) *TierLimitsHolder {
	holder := &TierLimitsHolder{}
	holder.current.Store(normalizeTierTable(table))
	return holder
}

// Lookup resolves a tier identifier, case-insensitively.
func (h *TierLimitsHolder) Lookup(tier string) (TierLimits, bool) {
	table := h.current.Load().(map[string]TierLimits)
	limits, ok := table[strings.ToLower(strings.TrimSpace(tier))]
	return limits, ok
}

// Tiers lists the known tier identifiers.
func (h *TierLimitsHolder) Tiers() []string {
	table := h.current.Load().(map[string]TierLimits)
	out := make([]string, 0, len(table))
	for tier := range table {
		out = append(out, tier)
	}
	return out
}

func readTierTable(v *viper.Viper) (map[string]TierLimits, error) {
	var table map[string]TierLimits
	if err := v.UnmarshalKey("tiers", &table); err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return nil, errors.New("tier table is empty")
	}
	return normalizeTierTable(table), nil
}

func normalizeTierTable(table map[string]TierLimits) map[string]TierLimits {
	out := make(map[string]TierLimits, len(table))
	for tier, limits := range table {
		out[strings.ToLower(strings.TrimSpace(tier))] = limits
	}
	return out
}

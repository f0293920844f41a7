package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupIsCaseInsensitive(t *testing.T) {
	holder := NewStaticTierLimits(map[string]TierLimits{
		"Pro": {MaxRunsPerMonth: 1_000},
	})

	limits, ok := holder.Lookup("  PRO ")
	require.True(t, ok)
	assert.Equal(t, int64(1_000), limits.MaxRunsPerMonth)

	_, ok = holder.Lookup("platinum")
	assert.False(t, ok)
}

func TestDefaultTableCoversAllTiers(t *testing.T) {
	holder := NewStaticTierLimits(DefaultTierLimits())

	for _, tier := range []string{"free", "starter", "pro", "enterprise"} {
		_, ok := holder.Lookup(tier)
		assert.True(t, ok, tier)
	}

	enterprise, _ := holder.Lookup("enterprise")
	assert.Negative(t, enterprise.MaxRunsPerMonth)

	free, _ := holder.Lookup("free")
	assert.Equal(t, int64(10), free.MaxRunsPerMonth)
}

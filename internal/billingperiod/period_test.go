package billingperiod_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/quotaledger/internal/billingperiod"
	"github.com/smallbiznis/quotaledger/internal/clock"
)

func TestKeyIsUTCCalendarMonth(t *testing.T) {
	// 03:30 on August 1 in UTC+5 is still July in UTC.
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2026, time.August, 1, 3, 30, 0, 0, loc)

	assert.Equal(t, "2026-07", billingperiod.Key(local))
	assert.Equal(t, "2026-08", billingperiod.Key(local.Add(2*time.Hour)))
}

func TestNextResetIsFirstInstantOfNextMonth(t *testing.T) {
	at := time.Date(2026, time.August, 23, 14, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC), billingperiod.NextReset(at))

	// December wraps the year.
	at = time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC), billingperiod.NextReset(at))
}

func TestPrevious(t *testing.T) {
	prev, err := billingperiod.Previous("2026-01")
	require.NoError(t, err)
	assert.Equal(t, "2025-12", prev)

	_, err = billingperiod.Previous("garbage")
	assert.Error(t, err)
}

func TestManagerRollsOverWithClock(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, time.August, 31, 23, 0, 0, 0, time.UTC))
	manager := billingperiod.NewManager(fake)

	assert.Equal(t, "2026-08", manager.CurrentKey())

	fake.Advance(2 * time.Hour)
	assert.Equal(t, "2026-09", manager.CurrentKey())
	assert.Equal(t, time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC), manager.CurrentReset())
}

// Package billingperiod derives the calendar-month keys that partition
// per-organization usage counters. There is no persisted state: once the
// month rolls over, readers and writers simply address a key nothing has
// touched yet, and the previous month's record stays behind for reporting.
package billingperiod

import (
	"fmt"
	"time"

	"go.uber.org/fx"

	"github.com/smallbiznis/quotaledger/internal/clock"
)

// Key formats the period key ("2026-08") for an instant, in UTC.
func Key(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextReset returns the first instant of the calendar month after t, UTC.
// Quota decisions surface this as the moment counters start from zero.
func NextReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// Previous returns the period key immediately before key.
func Previous(key string) (string, error) {
	t, err := time.Parse("2006-01", key)
	if err != nil {
		return "", fmt.Errorf("bad period key %q: %w", key, err)
	}
	return Key(t.AddDate(0, -1, 0)), nil
}

// Manager binds period derivation to the application clock.
type Manager struct {
	clock clock.Clock
}

func NewManager(c clock.Clock) *Manager {
	return &Manager{clock: c}
}

// CurrentKey returns the period key for the current UTC wall-clock month.
func (m *Manager) CurrentKey() string {
	return Key(m.clock.Now())
}

// CurrentReset returns the upcoming counter-reset instant.
func (m *Manager) CurrentReset() time.Time {
	return NextReset(m.clock.Now())
}

var Module = fx.Module("billingperiod",
	fx.Provide(NewManager),
)

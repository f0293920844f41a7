// Package clock abstracts wall-clock time so billing-period math is
// testable against a controlled clock.
package clock

import (
	"time"

	"go.uber.org/fx"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystem returns the production UTC clock.
func NewSystem() Clock { return systemClock{} }

// Module provides the system clock to the fx graph.
var Module = fx.Module("clock",
	fx.Provide(NewSystem),
)

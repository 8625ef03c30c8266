// Package clock abstracts time so billing math stays testable.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the current instant in UTC.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by wall time.
func NewSystemClock() Clock {
	return systemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)

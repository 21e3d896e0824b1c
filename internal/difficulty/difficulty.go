// Package difficulty implements the proportional difficulty controller that
// steers round duration toward a target.
package difficulty

import (
	"math"
	"time"
)

// MinObservedDuration replaces zero or negative round durations.
const MinObservedDuration = time.Millisecond

// Controller adjusts difficulty from one observed round duration.
type Controller struct {
	Target time.Duration
	Factor float64
	Min    float64
	Max    float64
}

// DefaultController returns the controller with the stock settings.
func DefaultController() Controller {
	return Controller{
		Target: 7500 * time.Millisecond,
		Factor: 0.1,
		Min:    0.1,
		Max:    100,
	}
}

// Adjust returns the difficulty for the next round.
//
//	next = current * (1 + factor*(target/observed - 1))
//
// clamped to [Min, Max].
func (c Controller) Adjust(current float64, observed time.Duration) float64 {
	if observed < MinObservedDuration {
		observed = MinObservedDuration
	}

	ratio := float64(c.Target.Milliseconds()) / (float64(observed) / float64(time.Millisecond))
	return c.Clamp(current * (1 + c.Factor*(ratio-1)))
}

// Clamp forces d into [Min, Max]. NaN maps to Min.
func (c Controller) Clamp(d float64) float64 {
	switch {
	case math.IsNaN(d):
		return c.Min
	case d < c.Min:
		return c.Min
	case d > c.Max:
		return c.Max
	default:
		return d
	}
}

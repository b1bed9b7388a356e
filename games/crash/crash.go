package crash

import (
	"math"
	"time"
)

// DefaultPace is the growth constant k in exp(k*seconds).
const DefaultPace = 0.9

// MinMultiplier is the value shown before (and at) the start of a round.
const MinMultiplier = 1.0

// Curve is the one multiplier-over-time definition. The ticker and manual
// cash-out both read it so they can never disagree.
type Curve struct {
	Pace float64
}

func NewCurve(pace float64) Curve {
	if pace <= 0 || math.IsNaN(pace) || math.IsInf(pace, 0) {
		pace = DefaultPace
	}
	return Curve{Pace: pace}
}

// Multiplier returns max(1, floor(exp(k*s)*100)/100) for elapsed running time s.
func (c Curve) Multiplier(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return MinMultiplier
	}
	m := math.Floor(math.Exp(c.pace()*elapsed.Seconds())*100) / 100
	if m < MinMultiplier {
		return MinMultiplier
	}
	return m
}

func (c Curve) pace() float64 {
	if c.Pace <= 0 {
		return DefaultPace
	}
	return c.Pace
}

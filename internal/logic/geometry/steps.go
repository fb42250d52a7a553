package geometry

import (
	"math"

	"github.com/cjeanneret/SentryGo/internal/config"
)

// StepsCalculator converts axis positions between user units (degrees or
// millimeters) and motor microsteps.
type StepsCalculator struct {
	stepsPerUnit float64
	unit         string
	min, max     float64
	limited      bool
}

// NewStepsCalculator creates a step calculator from one axis configuration.
func NewStepsCalculator(axis *config.AxisConfig) *StepsCalculator {
	return &StepsCalculator{
		stepsPerUnit: axis.StepsPerUnit(),
		unit:         axis.Unit,
		min:          axis.Min,
		max:          axis.Max,
		limited:      axis.Limited(),
	}
}

// StepsFromUnits converts a position in user units to the nearest microstep.
func (s *StepsCalculator) StepsFromUnits(value float64) int64 {
	return int64(math.Round(value * s.stepsPerUnit))
}

// UnitsFromSteps converts a microstep position back to user units.
func (s *StepsCalculator) UnitsFromSteps(steps int64) float64 {
	return float64(steps) / s.stepsPerUnit
}

// Clamp limits value to the configured travel range. The second result is
// false when value had to be moved.
func (s *StepsCalculator) Clamp(value float64) (float64, bool) {
	if !s.limited {
		return value, true
	}
	switch {
	case value < s.min:
		return s.min, false
	case value > s.max:
		return s.max, false
	}
	return value, true
}

func (s *StepsCalculator) StepsPerUnit() float64 { return s.stepsPerUnit }

func (s *StepsCalculator) Unit() string { return s.unit }

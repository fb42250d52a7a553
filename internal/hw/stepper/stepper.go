package stepper

import (
	"context"
	"fmt"
	"math"

	"github.com/cjeanneret/SentryGo/internal/hw/clock"
)

// Direction is the sign applied to the position on each completed step.
type Direction int8

const (
	CW  Direction = 1
	CCW Direction = -1
)

func (d Direction) String() string {
	if d == CCW {
		return "ccw"
	}
	return "cw"
}

// MarshalText renders the direction as "cw" or "ccw" in status payloads.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "cw":
		*d = CW
	case "ccw":
		*d = CCW
	default:
		return fmt.Errorf("invalid direction %q", text)
	}
	return nil
}

// Outputs abstracts the STEP, DIR and ENABLE lines of one external driver.
type Outputs interface {
	// ToggleStepLine flips STEP and reports whether it is now asserted.
	ToggleStepLine() bool
	ReadStepLine() bool
	SetDirectionLine(level bool)
	// SetEnableLine energizes (true) or releases (false) the driver.
	// Electrical polarity is the implementation's concern.
	SetEnableLine(active bool)
}

// Clock is a wrapping microsecond tick counter.
type Clock interface {
	NowMicros() uint64
	// Max is the largest tick before the counter wraps to zero.
	Max() uint64
}

const (
	DefaultMaxSpeed              = 100.0 // steps/s
	DefaultAcceleration          = 10.0  // steps/s²
	DefaultRecalculationInterval = 10000 // µs
)

// Config holds the per-axis tunables. Zero values select the defaults.
type Config struct {
	InvertDirection       bool
	MaxSpeed              float64 // steps/s
	Acceleration          float64 // steps/s²
	RecalculationInterval uint64  // µs between profile recalculations
}

// Stepper drives one axis along a trapezoidal speed profile. It never
// blocks: Poll must be called much more often than the fastest step rate,
// and emits at most one STEP edge per call.
//
// Stepper is not safe for concurrent use; callers sharing one across
// goroutines must serialize every method call.
type Stepper struct {
	out       Outputs
	clock     Clock
	invertDir bool

	enabled bool

	position       int64 // steps, only changed by a completed pulse or SetPosition
	targetPosition int64

	speed        float64 // magnitude, steps/s, always >= 0
	maxSpeed     float64
	acceleration float64

	// 0 means halted.
	stepInterval        uint64
	calculationInterval uint64

	lastStepTime uint64
	lastCalcTime uint64

	direction Direction
}

// Status is a point-in-time snapshot of one axis.
type Status struct {
	Position     int64     `json:"position"`
	Target       int64     `json:"target"`
	Speed        float64   `json:"speed"`
	Direction    Direction `json:"direction"`
	StepInterval uint64    `json:"step_interval_us"`
	Enabled      bool      `json:"enabled"`
}

// NewStepper configures the outputs, applies the tunables, points the axis
// CW and energizes the driver.
func NewStepper(out Outputs, clk Clock, cfg Config) *Stepper {
	s := &Stepper{
		out:                 out,
		clock:               clk,
		invertDir:           cfg.InvertDirection,
		maxSpeed:            DefaultMaxSpeed,
		acceleration:        DefaultAcceleration,
		calculationInterval: DefaultRecalculationInterval,
	}

	if cfg.MaxSpeed != 0 {
		s.SetMaxSpeed(cfg.MaxSpeed)
	}
	s.SetAcceleration(cfg.Acceleration)
	s.SetRecalculationInterval(cfg.RecalculationInterval)

	s.setDirection(CW)
	s.out.SetEnableLine(true)
	s.enabled = true
	return s
}

// SetEnabled energizes or releases the driver. While disabled Poll and Wait
// do nothing; position and speed are kept as they were. Re-enabling restarts
// the recalculation timer so the time spent disabled does not count as
// acceleration.
func (s *Stepper) SetEnabled(enabled bool) {
	s.out.SetEnableLine(enabled)
	if enabled && !s.enabled {
		s.lastCalcTime = s.clock.NowMicros()
	}
	s.enabled = enabled
}

func (s *Stepper) IsEnabled() bool { return s.enabled }

// MoveTo sets the absolute target. Motion happens over later Poll calls.
func (s *Stepper) MoveTo(position int64) {
	s.targetPosition = position
}

// Move sets the target relative to the current position.
func (s *Stepper) Move(delta int64) {
	s.MoveTo(s.position + delta)
}

// SetPosition redefines the current position without moving. The target is
// left alone, so DistanceToGo changes accordingly.
func (s *Stepper) SetPosition(position int64) {
	s.position = position
}

func (s *Stepper) Position() int64 { return s.position }

func (s *Stepper) Target() int64 { return s.targetPosition }

// SetMaxSpeed stores |speed| as the speed ceiling.
func (s *Stepper) SetMaxSpeed(speed float64) {
	s.maxSpeed = math.Abs(speed)
}

func (s *Stepper) MaxSpeed() float64 { return s.maxSpeed }

// SetAcceleration stores |accel|. Zero is ignored and the previous value kept.
func (s *Stepper) SetAcceleration(accel float64) {
	if accel == 0 {
		return
	}
	s.acceleration = math.Abs(accel)
}

func (s *Stepper) Acceleration() float64 { return s.acceleration }

// SetRecalculationInterval sets the minimum µs between profile
// recalculations. Zero is ignored.
func (s *Stepper) SetRecalculationInterval(interval uint64) {
	if interval == 0 {
		return
	}
	s.calculationInterval = interval
}

func (s *Stepper) RecalculationInterval() uint64 { return s.calculationInterval }

func (s *Stepper) Speed() float64 { return s.speed }

func (s *Stepper) Direction() Direction { return s.direction }

// StepInterval is the µs between full steps at the current speed, 0 when halted.
func (s *Stepper) StepInterval() uint64 { return s.stepInterval }

// DistanceToGo returns target - position; zero means at target.
func (s *Stepper) DistanceToGo() int64 {
	return s.targetPosition - s.position
}

func (s *Stepper) Status() Status {
	return Status{
		Position:     s.position,
		Target:       s.targetPosition,
		Speed:        s.speed,
		Direction:    s.direction,
		StepInterval: s.stepInterval,
		Enabled:      s.enabled,
	}
}

// Poll recalculates the speed when calculationInterval has elapsed, then
// emits one STEP edge if half a step interval has elapsed since the last one.
// A step is credited to the position on the falling edge only.
func (s *Stepper) Poll() {
	if !s.enabled {
		return
	}

	now := s.clock.NowMicros()
	wrap := s.clock.Max()

	if sinceCalc := clock.TimeDiff(now, s.lastCalcTime, wrap); sinceCalc >= s.calculationInterval {
		s.computeNewSpeed(sinceCalc)
		s.lastCalcTime = now
	}

	if s.stepInterval > 0 && clock.TimeDiff(now, s.lastStepTime, wrap) >= s.stepInterval/2 {
		// a failed write leaves the line where it was; only HIGH to LOW completes a pulse
		wasHigh := s.out.ReadStepLine()
		if !s.toggleStep() && wasHigh {
			s.position += int64(s.direction)
		}
		s.lastStepTime = now
	}
}

// Wait spins on Poll until the axis reaches its target. It returns
// immediately when disabled, and with ctx.Err() if ctx is cancelled first.
// Other axes are starved while it runs.
func (s *Stepper) Wait(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	for s.DistanceToGo() != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Poll()
	}
	return nil
}

// EmergencyStop cancels pending travel, drops the speed to zero and leaves
// STEP deasserted. It always succeeds.
func (s *Stepper) EmergencyStop() {
	s.targetPosition = s.position
	s.speed = 0
	s.stepInterval = 0

	if s.out.ReadStepLine() {
		s.toggleStep()
	}
}

// computeNewSpeed advances the profile by elapsed µs.
func (s *Stepper) computeNewSpeed(elapsed uint64) {
	stepsToGo := s.DistanceToGo()
	stepsToStop := int64((s.speed * s.speed) / (2.0 * s.acceleration))
	delta := float64(elapsed) / 1e6 * s.acceleration

	switch {
	case stepsToGo == 0 && stepsToStop <= 1:
		// at target and able to stop within a step
		s.speed = 0
	case s.speed > s.maxSpeed:
		// above a lowered ceiling
		s.speed = math.Max(s.maxSpeed, s.speed-delta)
	case (stepsToGo >= 0) != (s.direction == CCW):
		// heading toward the target
		if stepsToStop >= abs64(stepsToGo) {
			s.speed = math.Max(0, s.speed-delta)
		} else {
			s.speed = math.Min(s.maxSpeed, s.speed+delta)
		}
	case delta > s.speed:
		// heading away, slow enough to turn around this interval
		s.setDirection(-s.direction)
		s.speed = math.Min(s.maxSpeed, delta-s.speed)
	default:
		// heading away, brake first
		s.speed -= delta
	}

	if s.speed > 0 {
		s.stepInterval = uint64(math.Ceil(1e6 / s.speed))
	} else {
		s.stepInterval = 0
	}
}

// toggleStep flips STEP and reports whether it is now asserted.
func (s *Stepper) toggleStep() bool {
	return s.out.ToggleStepLine()
}

func (s *Stepper) setDirection(d Direction) {
	s.direction = d
	s.out.SetDirectionLine((d == CW) != s.invertDir)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

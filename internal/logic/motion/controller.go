package motion

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/SentryGo/internal/debug"
	"github.com/cjeanneret/SentryGo/internal/hw/stepper"
	"github.com/cjeanneret/SentryGo/internal/logic/geometry"
)

// ErrUnknownAxis is returned for axis names the controller does not drive.
var ErrUnknownAxis = errors.New("unknown axis")

// Axis binds a named stepper to its unit conversion.
type Axis struct {
	Name    string
	Stepper *stepper.Stepper
	Steps   *geometry.StepsCalculator

	moving bool
}

// AxisStatus is a snapshot of one axis in steps and in user units.
type AxisStatus struct {
	stepper.Status

	Name          string  `json:"name"`
	Unit          string  `json:"unit"`
	PositionUnits float64 `json:"position_units"`
	TargetUnits   float64 `json:"target_units"`
	DistanceToGo  int64   `json:"distance_to_go"`
	MaxSpeed      float64 `json:"max_speed"`
	Acceleration  float64 `json:"acceleration"`
}

// Controller orchestrates the pitch, yaw and slide steppers. It's an
// intermediate layer between callers issuing targets (web, CLI) and the
// non-blocking per-axis profiles, which it polls from a single loop.
//
// Every stepper access goes through mu, so targets may be issued from any
// goroutine while Run is polling.
type Controller struct {
	mu     sync.Mutex
	clk    clock.Clock
	axes   []*Axis
	byName map[string]*Axis
	idle   time.Duration
}

// NewController creates a controller over the given axes. clk paces the idle
// pause between poll sweeps and WaitIdle; idle zero only yields the processor.
func NewController(clk clock.Clock, idle time.Duration, axes ...*Axis) (*Controller, error) {
	if clk == nil {
		return nil, errors.New("motion: nil clock")
	}
	if len(axes) == 0 {
		return nil, errors.New("motion: no axes")
	}
	c := &Controller{clk: clk, byName: make(map[string]*Axis, len(axes)), idle: idle}
	for _, a := range axes {
		if a.Name == "" || a.Stepper == nil || a.Steps == nil {
			return nil, fmt.Errorf("motion: incomplete axis %q", a.Name)
		}
		if _, dup := c.byName[a.Name]; dup {
			return nil, fmt.Errorf("motion: duplicate axis %q", a.Name)
		}
		c.byName[a.Name] = a
		c.axes = append(c.axes, a)
	}
	return c, nil
}

// AxisNames returns the axis names in poll order.
func (c *Controller) AxisNames() []string {
	names := make([]string, len(c.axes))
	for i, a := range c.axes {
		names[i] = a.Name
	}
	return names
}

// Run polls every axis until ctx is cancelled, then emergency-stops them all.
func (c *Controller) Run(ctx context.Context) error {
	debug.Info("Motion loop started (%d axes, idle %v)", len(c.axes), c.idle)
	defer func() {
		c.EmergencyStopAll()
		debug.Info("Motion loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.Poll()

		if c.idle > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-c.clk.After(c.idle):
			}
		} else {
			runtime.Gosched()
		}
	}
}

// Poll performs one sweep over all axes.
func (c *Controller) Poll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.axes {
		a.Stepper.Poll()
		if a.moving && a.Stepper.DistanceToGo() == 0 && a.Stepper.Speed() == 0 {
			a.moving = false
			pos := a.Stepper.Position()
			debug.Live("Axis %s: reached %d steps (%.3f %s)", a.Name, pos, a.Steps.UnitsFromSteps(pos), a.Steps.Unit())
		}
	}
}

func (c *Controller) axis(name string) (*Axis, error) {
	a, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAxis, name)
	}
	return a, nil
}

// MoveTo sets an absolute target in user units. Targets outside the axis
// travel range are clamped.
func (c *Controller) MoveTo(name string, value float64) (AxisStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(name)
	if err != nil {
		return AxisStatus{}, err
	}
	c.moveToLocked(a, value)
	return statusOf(a), nil
}

// Move sets a target relative to the current position, in user units.
func (c *Controller) Move(name string, delta float64) (AxisStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(name)
	if err != nil {
		return AxisStatus{}, err
	}
	c.moveToLocked(a, a.Steps.UnitsFromSteps(a.Stepper.Position())+delta)
	return statusOf(a), nil
}

// MoveSteps sets a target relative to the current position, in microsteps.
func (c *Controller) MoveSteps(name string, steps int64) (AxisStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(name)
	if err != nil {
		return AxisStatus{}, err
	}
	target := a.Stepper.Position() + steps
	value := a.Steps.UnitsFromSteps(target)
	if _, ok := a.Steps.Clamp(value); !ok {
		c.moveToLocked(a, value)
		return statusOf(a), nil
	}
	a.Stepper.MoveTo(target)
	a.moving = true
	debug.Move(a.Name, target, a.Steps.Unit(), value)
	return statusOf(a), nil
}

// must hold mu
func (c *Controller) moveToLocked(a *Axis, value float64) {
	clamped, ok := a.Steps.Clamp(value)
	if !ok {
		debug.Live("Axis %s: target %.3f %s out of range, clamped to %.3f", a.Name, value, a.Steps.Unit(), clamped)
	}
	target := a.Steps.StepsFromUnits(clamped)
	a.Stepper.MoveTo(target)
	a.moving = true
	debug.Move(a.Name, target, a.Steps.Unit(), clamped)
}

// EmergencyStop halts one axis at its current position.
func (c *Controller) EmergencyStop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(name)
	if err != nil {
		return err
	}
	stopLocked(a)
	return nil
}

// EmergencyStopAll halts every axis.
func (c *Controller) EmergencyStopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.axes {
		stopLocked(a)
	}
}

func stopLocked(a *Axis) {
	a.Stepper.EmergencyStop()
	a.moving = false
	debug.Stop(a.Name, a.Stepper.Position())
}

// SetEnabled energizes or releases one axis driver.
func (c *Controller) SetEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(name)
	if err != nil {
		return err
	}
	a.Stepper.SetEnabled(enabled)
	debug.Live("Axis %s: driver enabled=%v", a.Name, enabled)
	return nil
}

// EnableMotors energizes every driver.
func (c *Controller) EnableMotors() error {
	return c.setAllEnabled(true)
}

// DisableMotors releases every driver so the axes can be moved by hand.
// Pending targets are kept and resume on EnableMotors.
func (c *Controller) DisableMotors() error {
	return c.setAllEnabled(false)
}

func (c *Controller) setAllEnabled(enabled bool) error {
	for _, name := range c.AxisNames() {
		if err := c.SetEnabled(name, enabled); err != nil {
			return err
		}
	}
	return nil
}

// SetPosition redefines the current position of an axis in user units,
// e.g. after homing against a known mark. The axis is stopped first.
func (c *Controller) SetPosition(name string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(name)
	if err != nil {
		return err
	}
	a.Stepper.EmergencyStop()
	steps := a.Steps.StepsFromUnits(value)
	a.Stepper.SetPosition(steps)
	a.Stepper.MoveTo(steps)
	a.moving = false
	debug.Live("Axis %s: position set to %d steps (%.3f %s)", a.Name, steps, value, a.Steps.Unit())
	return nil
}

// Status returns a snapshot of every axis in poll order.
func (c *Controller) Status() []AxisStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AxisStatus, len(c.axes))
	for i, a := range c.axes {
		out[i] = statusOf(a)
	}
	return out
}

// AxisStatus returns a snapshot of one axis.
func (c *Controller) AxisStatus(name string) (AxisStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(name)
	if err != nil {
		return AxisStatus{}, err
	}
	return statusOf(a), nil
}

func statusOf(a *Axis) AxisStatus {
	st := a.Stepper.Status()
	return AxisStatus{
		Name:          a.Name,
		Status:        st,
		Unit:          a.Steps.Unit(),
		PositionUnits: a.Steps.UnitsFromSteps(st.Position),
		TargetUnits:   a.Steps.UnitsFromSteps(st.Target),
		DistanceToGo:  a.Stepper.DistanceToGo(),
		MaxSpeed:      a.Stepper.MaxSpeed(),
		Acceleration:  a.Stepper.Acceleration(),
	}
}

// Idle reports whether every enabled axis is at rest on its target.
func (c *Controller) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.axes {
		if a.Stepper.IsEnabled() && (a.Stepper.DistanceToGo() != 0 || a.Stepper.Speed() != 0) {
			return false
		}
	}
	return true
}

// WaitIdle blocks until Idle reports true or ctx is done. It relies on Run
// polling concurrently.
func (c *Controller) WaitIdle(ctx context.Context) error {
	ticker := c.clk.Ticker(time.Millisecond)
	defer ticker.Stop()
	for !c.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

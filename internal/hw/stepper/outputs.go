package stepper

import (
	"fmt"

	"github.com/cjeanneret/SentryGo/internal/debug"
	"github.com/cjeanneret/SentryGo/internal/hw/gpio"
)

// PinConfig holds the GPIO wiring of one step/dir driver.
type PinConfig struct {
	StepPin          int
	DirPin           int
	EnablePin        int  // driver ENABLE pin (BCM). 0 = not wired.
	EnableActiveHigh bool // A4988/TMC2130 ENABLE is active LOW; set for drivers that want HIGH.
}

// PinOutputs implements Outputs on top of a gpio.Driver. The STEP level is
// shadowed locally so reads never touch the bus.
type PinOutputs struct {
	gpio      gpio.Driver
	cfg       PinConfig
	stepLevel gpio.Level
}

// NewPinOutputs configures STEP, DIR and ENABLE as outputs with STEP low.
// The driver is left released; the Stepper energizes it on construction.
func NewPinOutputs(g gpio.Driver, cfg PinConfig) (*PinOutputs, error) {
	if cfg.StepPin == cfg.DirPin {
		return nil, fmt.Errorf("step and dir share pin %d", cfg.StepPin)
	}
	for _, pin := range []int{cfg.StepPin, cfg.DirPin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", pin, err)
		}
	}
	if err := g.WritePin(cfg.StepPin, gpio.Low); err != nil {
		return nil, fmt.Errorf("reset step pin %d: %w", cfg.StepPin, err)
	}

	o := &PinOutputs{gpio: g, cfg: cfg, stepLevel: gpio.Low}

	if cfg.EnablePin > 0 {
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup enable pin %d: %w", cfg.EnablePin, err)
		}
		o.SetEnableLine(false)
	}
	return o, nil
}

func (o *PinOutputs) ToggleStepLine() bool {
	next := !o.stepLevel
	if err := o.gpio.WritePin(o.cfg.StepPin, next); err != nil {
		debug.Error(fmt.Errorf("toggle step pin %d: %w", o.cfg.StepPin, err))
		return bool(o.stepLevel)
	}
	o.stepLevel = next
	return bool(next)
}

func (o *PinOutputs) ReadStepLine() bool {
	return bool(o.stepLevel)
}

func (o *PinOutputs) SetDirectionLine(level bool) {
	if err := o.gpio.WritePin(o.cfg.DirPin, gpio.Level(level)); err != nil {
		debug.Error(fmt.Errorf("write dir pin %d: %w", o.cfg.DirPin, err))
	}
}

func (o *PinOutputs) SetEnableLine(active bool) {
	if o.cfg.EnablePin <= 0 {
		return
	}
	level := gpio.Level(active == o.cfg.EnableActiveHigh)
	if err := o.gpio.WritePin(o.cfg.EnablePin, level); err != nil {
		debug.Error(fmt.Errorf("write enable pin %d: %w", o.cfg.EnablePin, err))
	}
}

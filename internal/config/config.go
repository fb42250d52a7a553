package config

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file read by Load.
const MaxConfigFileBytes = 64 * 1024

// Axis names, in the order the rig polls them.
const (
	AxisPitch = "pitch"
	AxisYaw   = "yaw"
	AxisSlide = "slide"
)

// AxisNames lists every configured axis.
var AxisNames = []string{AxisPitch, AxisYaw, AxisSlide}

// Units an axis position can be expressed in.
const (
	UnitDegrees     = "deg"
	UnitMillimeters = "mm"
)

// AxisConfig holds the wiring, motion tunables and drivetrain of one stepper axis.
type AxisConfig struct {
	StepPin          int  `yaml:"step_pin"`
	DirPin           int  `yaml:"dir_pin"`
	EnablePin        int  `yaml:"enable_pin"`         // driver ENABLE pin (BCM). 0 = not used.
	EnableActiveHigh bool `yaml:"enable_active_high"` // A4988/TMC2130 ENABLE is active LOW
	InvertDirection  bool `yaml:"invert_direction"`

	MaxSpeed                float64 `yaml:"max_speed"`                 // steps/s
	Acceleration            float64 `yaml:"acceleration"`              // steps/s²
	RecalculationIntervalUs int     `yaml:"recalculation_interval_us"` // µs between profile updates

	StepsPerRev   int     `yaml:"steps_per_rev"` // full steps per motor revolution
	Microstepping int     `yaml:"microstepping"`
	PinionTeeth   int     `yaml:"pinion_teeth"`
	GearTeeth     int     `yaml:"gear_teeth"`  // rotary axes: driven gear
	GearModule    float64 `yaml:"gear_module"` // linear axes: rack module (mm)

	Unit string  `yaml:"unit"` // "deg" or "mm"
	Min  float64 `yaml:"min"`  // travel limits in Unit; min == max == 0 means unlimited
	Max  float64 `yaml:"max"`
}

// DefaultsConfig contains process-wide parameters.
type DefaultsConfig struct {
	DebugLevel int    `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool   `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	LogFile    string `yaml:"log_file"`    // optional rotating log file
	ClockBits  uint   `yaml:"clock_bits"`  // width of the wrapping µs tick counter
	PollIdleUs int    `yaml:"poll_idle_us"` // sleep between poll sweeps; 0 = yield only
}

// Config aggregates all application configuration.
type Config struct {
	Pitch    AxisConfig     `yaml:"pitch"`
	Yaw      AxisConfig     `yaml:"yaw"`
	Slide    AxisConfig     `yaml:"slide"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files sitting directly in a
// directory named "configs", with no ".." elements.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	for _, name := range AxisNames {
		axis, _ := cfg.Axis(name)
		if err := axis.applyDefaults(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	if cfg.Defaults.ClockBits == 0 {
		cfg.Defaults.ClockBits = 32 // Arduino micros() width
	}
	if cfg.Defaults.ClockBits > 64 {
		return nil, fmt.Errorf("clock_bits must be 1-64, got %d", cfg.Defaults.ClockBits)
	}
	if cfg.Defaults.PollIdleUs < 0 {
		return nil, fmt.Errorf("poll_idle_us must be >= 0, got %d", cfg.Defaults.PollIdleUs)
	}
	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("debug_level must be 0-4, got %d", cfg.Defaults.DebugLevel)
	}

	return &cfg, nil
}

func (a *AxisConfig) applyDefaults() error {
	if a.StepPin <= 0 || a.DirPin <= 0 {
		return fmt.Errorf("step_pin and dir_pin are required")
	}
	if a.StepPin == a.DirPin {
		return fmt.Errorf("step_pin and dir_pin must differ, both %d", a.StepPin)
	}
	if a.EnablePin < 0 {
		return fmt.Errorf("enable_pin must be >= 0, got %d", a.EnablePin)
	}

	if a.MaxSpeed < 0 || math.IsNaN(a.MaxSpeed) || math.IsInf(a.MaxSpeed, 0) {
		return fmt.Errorf("max_speed must be a finite value >= 0, got %g", a.MaxSpeed)
	}
	if a.MaxSpeed == 0 {
		a.MaxSpeed = 100 // steps/s
	}
	if a.Acceleration < 0 || math.IsNaN(a.Acceleration) || math.IsInf(a.Acceleration, 0) {
		return fmt.Errorf("acceleration must be a finite value > 0, got %g", a.Acceleration)
	}
	if a.Acceleration == 0 {
		a.Acceleration = 10 // steps/s²
	}
	if a.RecalculationIntervalUs < 0 {
		return fmt.Errorf("recalculation_interval_us must be > 0, got %d", a.RecalculationIntervalUs)
	}
	if a.RecalculationIntervalUs == 0 {
		a.RecalculationIntervalUs = 10000
	}

	if a.StepsPerRev <= 0 {
		a.StepsPerRev = 200
	}
	if a.Microstepping <= 0 {
		a.Microstepping = 1
	}

	switch a.Unit {
	case "":
		a.Unit = UnitDegrees
	case UnitDegrees, UnitMillimeters:
	default:
		return fmt.Errorf("unit must be %q or %q, got %q", UnitDegrees, UnitMillimeters, a.Unit)
	}

	if a.Unit == UnitMillimeters {
		if a.PinionTeeth <= 0 || a.GearModule <= 0 {
			return fmt.Errorf("linear axes need pinion_teeth and gear_module > 0")
		}
	} else {
		if a.PinionTeeth <= 0 {
			a.PinionTeeth = 1
		}
		if a.GearTeeth <= 0 {
			a.GearTeeth = a.PinionTeeth // direct drive
		}
	}

	if a.Min > a.Max {
		return fmt.Errorf("min (%g) must be <= max (%g)", a.Min, a.Max)
	}
	return nil
}

// Axis returns the configuration of the named axis.
func (c *Config) Axis(name string) (*AxisConfig, error) {
	switch name {
	case AxisPitch:
		return &c.Pitch, nil
	case AxisYaw:
		return &c.Yaw, nil
	case AxisSlide:
		return &c.Slide, nil
	default:
		return nil, fmt.Errorf("unknown axis %q", name)
	}
}

// PollIdle returns the pause between two poll sweeps.
func (c *Config) PollIdle() time.Duration {
	return time.Duration(c.Defaults.PollIdleUs) * time.Microsecond
}

// StepsPerUnit returns microsteps per degree (rotary) or per millimeter (linear).
func (a *AxisConfig) StepsPerUnit() float64 {
	stepsPerRev := float64(a.StepsPerRev * a.Microstepping)
	if a.Unit == UnitMillimeters {
		// one pinion revolution advances the rack by teeth * module * π
		return stepsPerRev / (float64(a.PinionTeeth) * a.GearModule * math.Pi)
	}
	return stepsPerRev * float64(a.GearTeeth) / float64(a.PinionTeeth) / 360.0
}

// Limited reports whether travel limits are configured.
func (a *AxisConfig) Limited() bool {
	return a.Min != 0 || a.Max != 0
}

// RecalculationInterval returns the profile recalculation cadence in µs.
func (a *AxisConfig) RecalculationInterval() uint64 {
	return uint64(a.RecalculationIntervalUs)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	benclock "github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/SentryGo/internal/config"
	"github.com/cjeanneret/SentryGo/internal/debug"
	"github.com/cjeanneret/SentryGo/internal/hw/clock"
	"github.com/cjeanneret/SentryGo/internal/hw/gpio"
	"github.com/cjeanneret/SentryGo/internal/hw/stepper"
	"github.com/cjeanneret/SentryGo/internal/logic/geometry"
	"github.com/cjeanneret/SentryGo/internal/logic/motion"
	"github.com/cjeanneret/SentryGo/internal/web"
)

// options carries the parsed command line.
type options struct {
	cfgPath string
	webPort int
	targets map[string]*targetFlag
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	targets := make(map[string]*targetFlag, len(config.AxisNames))
	for _, name := range config.AxisNames {
		targets[name] = &targetFlag{}
		flag.Var(targets[name], name, fmt.Sprintf("move %s to this position (deg or mm, per config)", name))
	}
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, options{cfgPath: *cfgPath, webPort: webPort.port(), targets: targets}); err != nil {
		log.Fatalf("sentry: %v", err)
	}
}

// run wires the rig from configuration. Without -web it performs the CLI
// moves and returns once every axis is idle; with -web it serves until ctx
// is cancelled.
func run(ctx context.Context, o options) (err error) {
	if err := config.ValidateConfigPath(o.cfgPath); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateCLITargets(cfg, o.targets); err != nil {
		return fmt.Errorf("invalid CLI target: %w", err)
	}
	if o.webPort == 0 && !anyTargetSet(o.targets) {
		return errors.New("nothing to do: pass -web or at least one of -pitch, -yaw, -slide")
	}

	// Initialize debug system
	debug.InitWithFile(cfg.Defaults.DebugLevel, cfg.Defaults.LogFile)
	defer func() { err = multierr.Append(err, debug.Sync()) }()
	debug.Section("Initialization")
	debug.Value("Config path", o.cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	debug.Step(1, "Initializing tick clock")
	wall := benclock.New()
	clk, err := clock.New(wall, cfg.Defaults.ClockBits)
	if err != nil {
		return fmt.Errorf("init clock: %w", err)
	}
	debug.Value("Clock bits", cfg.Defaults.ClockBits)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(2, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() { err = multierr.Append(err, gpioDriver.Close()) }()

	debug.Step(3, "Initializing axes")
	axes, err := buildAxes(cfg, gpioDriver, clk)
	if err != nil {
		return err
	}
	ctrl, err := motion.NewController(wall, cfg.PollIdle(), axes...)
	if err != nil {
		return err
	}

	for _, name := range config.AxisNames {
		if t := o.targets[name]; t != nil && t.set {
			if _, err := ctrl.MoveTo(name, t.val); err != nil {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if o.webPort > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		srv, err := web.NewServer(fmt.Sprintf(":%d", o.webPort), broadcaster, ctrl, axisInfos(cfg))
		if err != nil {
			return err
		}
		g.Go(func() error { return ctrl.Run(gctx) })
		g.Go(func() error { return srv.Run(gctx) })
		return g.Wait()
	}

	// One-shot: stop the motion loop once every axis has arrived.
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()
	g.Go(func() error { return ctrl.Run(loopCtx) })
	g.Go(func() error {
		defer stopLoop()
		if err := ctrl.WaitIdle(gctx); err != nil {
			return err
		}
		debug.Summary("Moves complete")
		for _, st := range ctrl.Status() {
			debug.Info("Axis %s at %.3f %s (%d steps)", st.Name, st.PositionUnits, st.Unit, st.Position)
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildAxes wires STEP/DIR/ENABLE outputs, a profile and a unit converter
// for every configured axis.
func buildAxes(cfg *config.Config, g gpio.Driver, clk stepper.Clock) ([]*motion.Axis, error) {
	axes := make([]*motion.Axis, 0, len(config.AxisNames))
	for _, name := range config.AxisNames {
		ac, err := cfg.Axis(name)
		if err != nil {
			return nil, err
		}
		out, err := stepper.NewPinOutputs(g, stepper.PinConfig{
			StepPin:          ac.StepPin,
			DirPin:           ac.DirPin,
			EnablePin:        ac.EnablePin,
			EnableActiveHigh: ac.EnableActiveHigh,
		})
		if err != nil {
			return nil, fmt.Errorf("%s outputs: %w", name, err)
		}
		s := stepper.NewStepper(out, clk, stepper.Config{
			InvertDirection:       ac.InvertDirection,
			MaxSpeed:              ac.MaxSpeed,
			Acceleration:          ac.Acceleration,
			RecalculationInterval: ac.RecalculationInterval(),
		})
		steps := geometry.NewStepsCalculator(ac)
		debug.PrintStruct(name+" axis config", *ac)
		debug.Value(name+" steps/"+ac.Unit, steps.StepsPerUnit())
		axes = append(axes, &motion.Axis{Name: name, Stepper: s, Steps: steps})
	}
	return axes, nil
}

// axisInfos exposes the per-axis limits and tunables to the web UI.
func axisInfos(cfg *config.Config) []web.AxisInfo {
	infos := make([]web.AxisInfo, 0, len(config.AxisNames))
	for _, name := range config.AxisNames {
		ac, _ := cfg.Axis(name)
		infos = append(infos, web.AxisInfo{
			Name:         name,
			Unit:         ac.Unit,
			Min:          ac.Min,
			Max:          ac.Max,
			MaxSpeed:     ac.MaxSpeed,
			Acceleration: ac.Acceleration,
		})
	}
	return infos
}

// validateCLITargets checks that every target given on the command line is
// finite and inside the axis travel range. Unlike web moves, CLI targets are
// rejected rather than clamped.
func validateCLITargets(cfg *config.Config, targets map[string]*targetFlag) error {
	for _, name := range config.AxisNames {
		t := targets[name]
		if t == nil || !t.set {
			continue
		}
		if math.IsNaN(t.val) || math.IsInf(t.val, 0) {
			return fmt.Errorf("%s must be a finite number, got %g", name, t.val)
		}
		ac, err := cfg.Axis(name)
		if err != nil {
			return err
		}
		if ac.Limited() && (t.val < ac.Min || t.val > ac.Max) {
			return fmt.Errorf("%s must be between %g and %g %s, got %g", name, ac.Min, ac.Max, ac.Unit, t.val)
		}
	}
	return nil
}

func anyTargetSet(targets map[string]*targetFlag) bool {
	for _, t := range targets {
		if t != nil && t.set {
			return true
		}
	}
	return false
}

// targetFlag implements flag.Value for an optional axis position; unlike a
// plain float flag it tells "0" apart from "not given".
type targetFlag struct {
	val float64
	set bool
}

func (t *targetFlag) String() string {
	if !t.set {
		return ""
	}
	return strconv.FormatFloat(t.val, 'g', -1, 64)
}

func (t *targetFlag) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	t.val, t.set = v, true
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

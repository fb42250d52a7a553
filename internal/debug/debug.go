package debug

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (axis setup, targets)
	LevelLive    = 2 // Live info (moves issued, stops)
	LevelVerbose = 3 // Verbose (profile tunables, conversions)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	mu      sync.Mutex
	level   int
	out     io.Writer = os.Stdout
	file    *lumberjack.Logger
	logger  *zap.SugaredLogger
	base    *zap.Logger
	logPath string
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (axis setup, one-shot targets)
// 2 = live info (moves issued, emergency stops)
// 3 = verbose (tunables, unit conversions, config dump)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	InitWithFile(debugLevel, "")
}

// InitWithFile is Init plus a rotating log file (lumberjack). An empty path
// logs to the current output only.
func InitWithFile(debugLevel int, path string) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	logPath = path
	rebuild()
}

// SetOutput redirects console output (e.g. to an io.MultiWriter feeding SSE clients).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// Sync flushes buffered entries and closes the log file, if any.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		return nil
	}
	// Syncing a console writer returns EINVAL on some platforms; only the file matters.
	_ = base.Sync()
	if file != nil {
		return file.Close()
	}
	return nil
}

// must hold mu
func rebuild() {
	if level <= LevelOff {
		logger, base = nil, nil
		return
	}

	encCfg := zapcore.EncoderConfig{
		MessageKey:       "message",
		LevelKey:         "level",
		TimeKey:          "time",
		NameKey:          "logger",
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(out), zapcore.DebugLevel),
	}
	if logPath != "" {
		if file == nil || file.Filename != logPath {
			file = &lumberjack.Logger{
				Filename:   logPath,
				MaxSize:    10, // MB
				MaxBackups: 3,
				MaxAge:     28, // days
				LocalTime:  true,
			}
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(file), zapcore.DebugLevel))
	}

	base = zap.New(zapcore.NewTee(cores...)).Named("sentry")
	logger = base.Sugar()
}

func enabled(min int) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if level >= min && logger != nil {
		return logger
	}
	return nil
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l := enabled(LevelInfo); l != nil {
		l.Infof(format, args...)
	}
}

// Summary prints an important banner (level 1).
func Summary(title string) {
	if l := enabled(LevelInfo); l != nil {
		l.Info("═══════════════════════════════════════")
		l.Infof("  %s", title)
		l.Info("═══════════════════════════════════════")
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l := enabled(LevelLive); l != nil {
		l.Infof("[LIVE] "+format, args...)
	}
}

// Move prints an axis target change (level 2).
func Move(axis string, target int64, unit string, value float64) {
	if l := enabled(LevelLive); l != nil {
		l.Infof("[LIVE] Axis %s: target %d steps (%.3f %s)", axis, target, value, unit)
	}
}

// Stop prints an emergency stop (level 2).
func Stop(axis string, position int64) {
	if l := enabled(LevelLive); l != nil {
		l.Warnf("[LIVE] Axis %s: emergency stop at %d steps", axis, position)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l := enabled(LevelVerbose); l != nil {
		l.Debugf("[VERBOSE] "+format, args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l := enabled(LevelVerbose); l != nil {
		l.Debugf("[VERBOSE] %s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l := enabled(LevelVerbose); l != nil {
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Debugf("  %s", name)
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l := enabled(LevelVerbose); l != nil {
		l.Debugf("[VERBOSE] Step %d: %s", num, description)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if l := enabled(LevelInfo); l != nil {
		l.Infof("  %s = %v", name, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO).
func Trace(format string, args ...interface{}) {
	if l := enabled(LevelTrace); l != nil {
		l.Debugf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l := enabled(LevelTrace); l != nil {
		l.Debugf("[GPIO] %s pin=%d value=%v", operation, pin, value)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if l := enabled(LevelInfo); l != nil {
		l.Errorf("%v", err)
	}
}

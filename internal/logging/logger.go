package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	// Production logger until the binary installs its own with SetGlobal
	globalLogger, _ = zap.NewProduction()
}

// ParseLevel maps a level string to a zap level. Unknown values fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options selects the level, encoding and destination of a logger.
type Options struct {
	Level string
	// Format is "json" (default) or "console".
	Format string
	// Output is "stderr" (default), "stdout" or a file path. Files are
	// rotated according to Rotation.
	Output   string
	Rotation Rotation
}

// Rotation configures size based rotation of file output.
type Rotation struct {
	MaxSize    int // megabytes, default 100
	MaxBackups int // default 3
	MaxAge     int // days, default 28
	Compress   bool
	LocalTime  bool
}

// New creates a JSON zap logger writing to stderr at the given level.
func New(level string) (*zap.Logger, error) {
	return Build(Options{Level: level})
}

// Build creates a zap logger from opts.
func Build(opts Options) (*zap.Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(opts.Format, "console") {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, writer(opts), zap.NewAtomicLevelAt(ParseLevel(opts.Level)))
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

func writer(opts Options) zapcore.WriteSyncer {
	switch opts.Output {
	case "", "stderr":
		return zapcore.Lock(os.Stderr)
	case "stdout":
		return zapcore.Lock(os.Stdout)
	}

	r := opts.Rotation
	lj := &lumberjack.Logger{
		Filename:   opts.Output,
		MaxSize:    r.MaxSize,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAge,
		Compress:   r.Compress,
		LocalTime:  r.LocalTime,
	}
	if lj.MaxSize <= 0 {
		lj.MaxSize = 100
	}
	if lj.MaxBackups <= 0 {
		lj.MaxBackups = 3
	}
	if lj.MaxAge <= 0 {
		lj.MaxAge = 28
	}
	return zapcore.AddSync(lj)
}

// Global returns the global logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Or returns l when it is non-nil and the global logger otherwise.
// Components use it to default an optional logger option.
func Or(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Global()
}

// Named returns a child of the global logger scoped to a component.
func Named(component string) *zap.Logger {
	return Global().Named(component)
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = Global().Sync()
}

// Package logging defines the Logger interface used throughout the engine.
// It also includes functions for setting the global log level and a
// per-package log level.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mut           sync.RWMutex
	logLevel      zapcore.Level
	packageLevels = make(map[string]zapcore.Level)
	registry      []registered
)

type registered struct {
	name  string
	level zap.AtomicLevel
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "panic":
		return zap.PanicLevel
	case "fatal":
		return zap.FatalLevel
	default:
		panic("invalid log level '" + level + "'")
	}
}

// SetLogLevel sets the global log level.
func SetLogLevel(levelStr string) {
	level := parseLevel(levelStr)
	mut.Lock()
	defer mut.Unlock()
	logLevel = level
	for _, r := range registry {
		if _, ok := packageLevels[r.name]; !ok {
			r.level.SetLevel(level)
		}
	}
}

// SetPackageLogLevel overrides the global level for loggers with the given
// name.
func SetPackageLogLevel(packageName, levelStr string) {
	level := parseLevel(levelStr)
	mut.Lock()
	defer mut.Unlock()
	packageLevels[packageName] = level
	for _, r := range registry {
		if r.name == packageName {
			r.level.SetLevel(level)
		}
	}
}

// Logger is the logging interface used by the engine.
// It is based on zap.SugaredLogger.
type Logger interface {
	DPanic(args ...interface{})
	DPanicf(template string, args ...interface{})
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(template string, args ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Panic(args ...interface{})
	Panicf(template string, args ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
}

func register(name string, level zap.AtomicLevel) {
	mut.Lock()
	defer mut.Unlock()
	if pl, ok := packageLevels[name]; ok {
		level.SetLevel(pl)
	} else {
		level.SetLevel(logLevel)
	}
	registry = append(registry, registered{name: name, level: level})
}

// New returns a new logger for stderr with the given name.
func New(name string) Logger {
	var config zap.Config
	if strings.ToLower(os.Getenv("SCP_LOG_TYPE")) == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}
	l, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	register(name, config.Level)
	return l.Sugar().Named(name)
}

// NewWithDest returns a new logger for the given destination with the given
// name.
func NewWithDest(dest io.Writer, name string) Logger {
	atom := zap.NewAtomicLevel()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(dest), atom)
	l := zap.New(core, zap.AddCallerSkip(1))
	register(name, atom)
	return l.Sugar().Named(name)
}

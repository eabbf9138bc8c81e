package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Options controls how the process logger is built
type Options struct {
	Name   string
	Level  string
	JSON   bool
	Color  bool
	Output io.Writer
}

var (
	defaultLogger hclog.Logger = hclog.New(&hclog.LoggerOptions{Name: "pianoreel", Level: hclog.Info})
	defaultMu     sync.RWMutex
)

// New creates an hclog logger from options
func New(opts Options) hclog.Logger {
	name := opts.Name
	if name == "" {
		name = "pianoreel"
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	color := hclog.ColorOff
	if opts.Color && !opts.JSON {
		color = hclog.AutoColor
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      ParseLevel(opts.Level),
		Output:     output,
		JSONFormat: opts.JSON,
		Color:      color,
	})
}

// Null returns a logger that discards everything (tests, quiet mode)
func Null() hclog.Logger {
	return hclog.NewNullLogger()
}

// ParseLevel maps a config string to an hclog level, defaulting to info
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(strings.TrimSpace(level))
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}

// SetDefault replaces the package-level logger used by Info/Warn/Error/Debug
func SetDefault(l hclog.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the package-level logger
func Default() hclog.Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Named returns a sub-logger of the package-level logger
func Named(name string) hclog.Logger {
	return Default().Named(name)
}

// Info logs informational messages with key/value pairs
func Info(msg string, args ...interface{}) {
	Default().Info(msg, args...)
}

// Warn logs warning messages
func Warn(msg string, args ...interface{}) {
	Default().Warn(msg, args...)
}

// Error logs error messages
func Error(msg string, args ...interface{}) {
	Default().Error(msg, args...)
}

// Debug logs debug messages
func Debug(msg string, args ...interface{}) {
	Default().Debug(msg, args...)
}

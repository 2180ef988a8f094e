package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the shell configuration. Every flag takes its default from a
// HOSTV8_* environment variable.
type Config struct {
	// Eval is run before any files.
	Eval string
	// Interactive forces the REPL after files ran.
	Interactive bool

	// Inspect is the DevTools listen address. Empty disables the inspector.
	Inspect string
	// InspectBrk waits for a debugger and pauses before the first script.
	InspectBrk bool

	// Metrics is the listen address of the Prometheus endpoint.
	Metrics string
	// CodeCache is the path of the code cache database.
	CodeCache string

	MaxHeapMB int
	V8Flags   string

	LogLevel  string
	LogFormat string
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// installFlags binds cfg to flags.
func (cfg *Config) installFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&cfg.Eval, "eval", "e", "", "Evaluate a script before any files")
	flags.BoolVarP(&cfg.Interactive, "interactive", "i", envBool("HOSTV8_INTERACTIVE", false), "Start the REPL after running files")
	flags.StringVar(&cfg.Inspect, "inspect", envString("HOSTV8_INSPECT", ""), "Serve the inspector on `addr` (e.g. 127.0.0.1:9229)")
	flags.BoolVar(&cfg.InspectBrk, "inspect-brk", envBool("HOSTV8_INSPECT_BRK", false), "Wait for a debugger and pause before the first script")
	flags.StringVar(&cfg.Metrics, "metrics", envString("HOSTV8_METRICS", ""), "Serve Prometheus metrics on `addr`")
	flags.StringVar(&cfg.CodeCache, "code-cache", envString("HOSTV8_CODE_CACHE", ""), "Persist code caches in the SQLite database at `path`")
	flags.IntVar(&cfg.MaxHeapMB, "max-heap-mb", envInt("HOSTV8_MAX_HEAP_MB", 0), "Heap limit in MiB (0 keeps the engine default)")
	flags.StringVar(&cfg.V8Flags, "v8-flags", envString("HOSTV8_V8_FLAGS", ""), "Flags passed to the engine before initialization")
	flags.StringVar(&cfg.LogLevel, "log-level", envString("HOSTV8_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", envString("HOSTV8_LOG_FORMAT", "console"), "Log format (console, json)")
}

// newLogger builds the shell logger. Logs go to stderr.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	var zc zap.Config
	switch format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

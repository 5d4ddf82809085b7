// Package observability owns the process loggers and the telemetry system.
// The CLI and server loggers come from gofulmen profiles; the engine logger
// is a plain zap logger handed to the core packages.
package observability

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is used for CLI commands (SIMPLE profile)
	CLILogger *logging.Logger

	// ServerLogger is used for the daemon and HTTP server (STRUCTURED profile)
	ServerLogger *logging.Logger

	// EngineLogger is handed to the scheduler, resolver and batcher.
	EngineLogger = zap.NewNop()
)

// levels maps accepted level names to gofulmen severities and zap levels.
var levels = map[string]struct {
	severity string
	zap      zapcore.Level
}{
	"trace":   {"TRACE", zapcore.DebugLevel},
	"debug":   {"DEBUG", zapcore.DebugLevel},
	"info":    {"INFO", zapcore.InfoLevel},
	"warn":    {"WARN", zapcore.WarnLevel},
	"warning": {"WARN", zapcore.WarnLevel},
	"error":   {"ERROR", zapcore.ErrorLevel},
}

// InitCLILogger initializes the CLI logger with SIMPLE profile
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		fatal(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
}

// InitServerLogger initializes the server logger with STRUCTURED profile
// and the engine logger at the same level.
func InitServerLogger(serviceName, logLevel, namespace string) {
	logger, err := logging.New(serverLoggerConfig(serviceName, logLevel, namespace))
	if err != nil {
		fatal(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}
	engine, err := NewEngineLogger(serviceName, logLevel)
	if err != nil {
		fatal(foundry.ExitConfigInvalid, "Failed to initialize engine logger", err)
	}
	ServerLogger = logger
	EngineLogger = engine
}

func serverLoggerConfig(serviceName, logLevel, namespace string) *logging.LoggerConfig {
	static := map[string]any{}
	if namespace != "" {
		static["namespace"] = namespace
	}
	return &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: parseLogLevel(logLevel),
		Service:      serviceName,
		Environment:  "production",
		StaticFields: static,
		Middleware: []logging.MiddlewareConfig{
			{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:    "console",
				Format:  "json",
				Console: &logging.ConsoleSinkConfig{Stream: "stderr"},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// NewEngineLogger builds a JSON zap logger writing to stderr.
func NewEngineLogger(serviceName, logLevel string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(logLevel))
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", serviceName), zap.String("component", "engine")), nil
}

// SyncLoggers flushes the server and engine loggers. Sync on a console
// stream commonly reports EINVAL, so callers usually log and move on.
func SyncLoggers() error {
	var errs []error
	if err := EngineLogger.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("engine logger: %w", err))
	}
	if ServerLogger != nil {
		if err := ServerLogger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("server logger: %w", err))
		}
	}
	return errors.Join(errs...)
}

// parseLogLevel converts a configured level to a gofulmen severity.
func parseLogLevel(levelStr string) string {
	if level, ok := levels[strings.ToLower(strings.TrimSpace(levelStr))]; ok {
		return level.severity
	}
	return "INFO"
}

func zapLevel(levelStr string) zapcore.Level {
	if level, ok := levels[strings.ToLower(strings.TrimSpace(levelStr))]; ok {
		return level.zap
	}
	return zapcore.InfoLevel
}

// fatal reports a logger setup failure on stderr and exits. No logger
// exists yet at this point.
func fatal(exitCode foundry.ExitCode, msg string, err error) {
	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	code := int(exitCode)
	if info, ok := foundry.GetExitCodeInfo(exitCode); ok {
		code = info.Code
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	}
	os.Exit(code)
}

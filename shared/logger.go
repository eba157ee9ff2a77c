package shared

import (
	"go.uber.org/zap"
)

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	ServiceName string // "keytap", "keytap-demo" or "keytap-watch"
	QuietMode   bool   // true when riding inside a host application
	Development bool   // true for development mode
}

// Logger wraps zap.Logger with additional context
type Logger struct {
	*zap.Logger
	serviceName string
	quietMode   bool
}

// NewLogger creates a new logger instance based on the configuration
func NewLogger(config LoggerConfig) (*Logger, error) {
	var zapLogger *zap.Logger
	var err error

	if config.QuietMode {
		// Quiet mode keeps the tap invisible to the host application:
		// error-only output, no caller or stacktrace noise
		zapConfig := zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
		zapConfig.DisableCaller = true
		zapConfig.DisableStacktrace = true
		zapLogger, err = zapConfig.Build()
	} else if config.Development {
		// Development mode: console logging with debug level
		zapConfig := zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zapLogger, err = zapConfig.Build()
	} else {
		// Standalone production mode: structured JSON logging
		zapConfig := zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = zapConfig.Build()
	}

	if err != nil {
		return nil, err
	}

	// Add service-specific fields
	zapLogger = zapLogger.With(
		zap.String("service", config.ServiceName),
		zap.Bool("quiet_mode", config.QuietMode),
	)

	return &Logger{
		Logger:      zapLogger,
		serviceName: config.ServiceName,
		quietMode:   config.QuietMode,
	}, nil
}

// NewLoggerFromEnv creates a logger using environment variables.
// Quiet mode defaults to on: a capture shim stays silent unless the
// operator explicitly asks for output.
func NewLoggerFromEnv(serviceName string) (*Logger, error) {
	config := LoggerConfig{
		ServiceName: serviceName,
		QuietMode:   GetEnvOrDefault(EnvQuiet, "true") == "true",
		Development: GetEnvOrDefault(EnvDevelopment, "false") == "true",
	}
	return NewLogger(config)
}

// NopLogger returns a logger that discards everything. Used as the
// fallback when logger construction itself fails, and by tests.
func NopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Symbol-aware logging methods
func (l *Logger) WithSymbol(symbol string) *zap.Logger {
	return l.Logger.With(zap.String("symbol", symbol))
}

// Critical error logging - always logs even in quiet mode
func (l *Logger) Critical(msg string, fields ...zap.Field) {
	l.Logger.Error(msg, append(fields, zap.Bool("critical", true))...)
}

// Conditional debug logging - only logs in non-quiet mode
func (l *Logger) DebugIf(msg string, fields ...zap.Field) {
	if !l.quietMode {
		l.Logger.Debug(msg, fields...)
	}
}

// Conditional info logging - respects quiet mode settings
func (l *Logger) InfoIf(msg string, fields ...zap.Field) {
	if !l.quietMode {
		l.Logger.Info(msg, fields...)
	}
}

// Conditional warning logging - respects quiet mode settings
func (l *Logger) WarnIf(msg string, fields ...zap.Field) {
	if !l.quietMode {
		l.Logger.Warn(msg, fields...)
	}
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

// Package mzap is the production Logger implementation, backed by zap and
// bridged to OpenTelemetry logs so records pick up trace/span IDs whenever a
// tracer is configured in the process. With no tracer configured the bridge
// writes to the global no-op LoggerProvider, so running the module never
// requires a collector.
package mzap

import (
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slapcommerce/core/logging/mlog"
)

// ZapWithTraceLogger wraps a zap.SugaredLogger behind the mlog.Logger
// contract.
type ZapWithTraceLogger struct {
	Logger *zap.SugaredLogger
}

// New builds a ZapWithTraceLogger. env selects the encoder ("production" or
// anything else for development/colorized output); level is a zapcore level
// string ("debug", "info", ...); libraryName tags the OTel bridge core.
func New(env, level, libraryName string) (*ZapWithTraceLogger, error) {
	var cfg zap.Config

	if env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.Set(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCallerSkip(1), zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, otelzap.NewCore(libraryName))
	}))
	if err != nil {
		return nil, err
	}

	return &ZapWithTraceLogger{Logger: logger.Sugar()}, nil
}

// NewDefault builds a logger using ENV_NAME/LOG_LEVEL/OTEL_LIBRARY_NAME
// environment variables, matching the teacher's bootstrap convention.
func NewDefault() (*ZapWithTraceLogger, error) {
	return New(os.Getenv("ENV_NAME"), os.Getenv("LOG_LEVEL"), os.Getenv("OTEL_LIBRARY_NAME"))
}

func (l *ZapWithTraceLogger) Info(args ...any)                 { l.Logger.Info(args...) }
func (l *ZapWithTraceLogger) Infof(format string, args ...any) { l.Logger.Infof(format, args...) }
func (l *ZapWithTraceLogger) Error(args ...any)                { l.Logger.Error(args...) }
func (l *ZapWithTraceLogger) Errorf(format string, args ...any) {
	l.Logger.Errorf(format, args...)
}
func (l *ZapWithTraceLogger) Warn(args ...any)                 { l.Logger.Warn(args...) }
func (l *ZapWithTraceLogger) Warnf(format string, args ...any) { l.Logger.Warnf(format, args...) }
func (l *ZapWithTraceLogger) Debug(args ...any)                { l.Logger.Debug(args...) }
func (l *ZapWithTraceLogger) Debugf(format string, args ...any) {
	l.Logger.Debugf(format, args...)
}
func (l *ZapWithTraceLogger) Fatal(args ...any)                 { l.Logger.Fatal(args...) }
func (l *ZapWithTraceLogger) Fatalf(format string, args ...any) { l.Logger.Fatalf(format, args...) }

// WithFields adds structured context to the logger. It returns a new logger
// and leaves the original unchanged.
//
//nolint:ireturn
func (l *ZapWithTraceLogger) WithFields(fields ...any) mlog.Logger {
	return &ZapWithTraceLogger{Logger: l.Logger.With(fields...)}
}

func (l *ZapWithTraceLogger) Sync() error { return l.Logger.Sync() }

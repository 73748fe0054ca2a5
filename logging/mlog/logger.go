// Package mlog defines the logging contract used throughout the core so
// call sites never depend on a concrete logging library.
package mlog

import (
	"fmt"
	"log"
	"strings"
)

// Logger is the common interface every worker (batcher, dispatcher, sweeper,
// consumer, coordinator) is constructed with.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)

	// WithFields returns a new Logger with the given key/value pairs bound,
	// leaving the receiver unchanged.
	WithFields(fields ...any) Logger

	Sync() error
}

// Level represents the severity threshold of a Logger.
type Level int8

const (
	FatalLevel Level = iota
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
)

// ParseLevel takes a string level and returns a Level constant.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(lvl) {
	case "fatal":
		return FatalLevel, nil
	case "error":
		return ErrorLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "info":
		return InfoLevel, nil
	case "debug":
		return DebugLevel, nil
	}

	var l Level

	return l, fmt.Errorf("not a valid log Level: %q", lvl)
}

// GoLogger is a dependency-free stdlib (log) implementation of Logger, used
// by tests and anywhere a caller does not wish to configure zap.
type GoLogger struct {
	fields []any
	Level  Level
}

func (l *GoLogger) enabled(level Level) bool { return l.Level >= level }

func (l *GoLogger) Info(args ...any) {
	if l.enabled(InfoLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Infof(format string, args ...any) {
	if l.enabled(InfoLevel) {
		log.Printf(format, args...)
	}
}

func (l *GoLogger) Error(args ...any) {
	if l.enabled(ErrorLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Errorf(format string, args ...any) {
	if l.enabled(ErrorLevel) {
		log.Printf(format, args...)
	}
}

func (l *GoLogger) Warn(args ...any) {
	if l.enabled(WarnLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Warnf(format string, args ...any) {
	if l.enabled(WarnLevel) {
		log.Printf(format, args...)
	}
}

func (l *GoLogger) Debug(args ...any) {
	if l.enabled(DebugLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Debugf(format string, args ...any) {
	if l.enabled(DebugLevel) {
		log.Printf(format, args...)
	}
}

func (l *GoLogger) Fatal(args ...any) {
	if l.enabled(FatalLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Fatalf(format string, args ...any) {
	if l.enabled(FatalLevel) {
		log.Printf(format, args...)
	}
}

//nolint:ireturn
func (l *GoLogger) WithFields(fields ...any) Logger {
	return &GoLogger{Level: l.Level, fields: append(append([]any{}, l.fields...), fields...)}
}

func (l *GoLogger) Sync() error { return nil }

// NoneLogger discards everything. Useful as a safe default for workers
// constructed without an explicit Logger.
type NoneLogger struct{}

func (l *NoneLogger) Info(args ...any)                    {}
func (l *NoneLogger) Infof(format string, args ...any)    {}
func (l *NoneLogger) Error(args ...any)                   {}
func (l *NoneLogger) Errorf(format string, args ...any)   {}
func (l *NoneLogger) Warn(args ...any)                    {}
func (l *NoneLogger) Warnf(format string, args ...any)    {}
func (l *NoneLogger) Debug(args ...any)                   {}
func (l *NoneLogger) Debugf(format string, args ...any)   {}
func (l *NoneLogger) Fatal(args ...any)                   {}
func (l *NoneLogger) Fatalf(format string, args ...any)   {}
func (l *NoneLogger) Sync() error                         { return nil }

//nolint:ireturn
func (l *NoneLogger) WithFields(fields ...any) Logger { return l }

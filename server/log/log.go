// Package log wires up the loggers used by the pipeline.
// Everything speaks logs.Log. This package adds level filtering, prefixes, and an optional GCP sink.
package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/logging"
	"github.com/cyclopcam/logs"
)

type Log = logs.Log

type Level int

const (
	LevelDebug    Level = iota // information that only a programmer will understand
	LevelInfo                  // information that a non-programmer might be interested in
	LevelWarn                  // speeds up tracking down issues, once you know about them
	LevelError                 // should not have happened
	LevelCritical              // wake somebody up
	LevelOff                   // nothing at all
)

// ParseLevel accepts either a level name or its integer value (0 = debug, 4 = critical, 5 = off)
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "debug", "":
		return LevelDebug, nil
	case "1", "info":
		return LevelInfo, nil
	case "2", "warn", "warning":
		return LevelWarn, nil
	case "3", "error":
		return LevelError, nil
	case "4", "critical", "fatal":
		return LevelCritical, nil
	case "5", "off":
		return LevelOff, nil
	}
	return LevelDebug, fmt.Errorf("Invalid log level '%v'", s)
}

func levelToGCP(level Level) logging.Severity {
	switch level {
	case LevelDebug:
		return logging.Debug
	case LevelInfo:
		return logging.Info
	case LevelWarn:
		return logging.Warning
	case LevelError:
		return logging.Error
	case LevelCritical:
		return logging.Critical
	}
	panic("Unknown log level")
}

// NewLog creates the process logger.
// If GCP_PROJECT_ID and GCP_LOGNAME are set, logs go to Google Cloud Logging, otherwise to stdout.
// Messages below minLevel are dropped.
func NewLog(minLevel Level) (Log, error) {
	var base Log
	gcpProjectID := os.Getenv("GCP_PROJECT_ID")
	gcpLogname := os.Getenv("GCP_LOGNAME")
	if gcpProjectID != "" && gcpLogname != "" {
		fmt.Printf("Logging to GCP %v / %v (you won't see further logs on stdout)\n", gcpProjectID, gcpLogname)
		client, err := logging.NewClient(context.Background(), gcpProjectID)
		if err != nil {
			return nil, fmt.Errorf("Failed to create GCP logging client: %w", err)
		}
		base = &gcpLogger{
			client: client,
			logger: client.Logger(gcpLogname),
		}
	} else {
		l, err := logs.NewLog()
		if err != nil {
			return nil, err
		}
		base = l
	}
	if minLevel == LevelDebug {
		return base, nil
	}
	return NewLevelFilter(base, minLevel), nil
}

type gcpLogger struct {
	client *logging.Client
	logger *logging.Logger
}

func (l *gcpLogger) write(level Level, format string, a ...any) {
	l.logger.Log(logging.Entry{
		Timestamp: time.Now(),
		Severity:  levelToGCP(level),
		Payload:   fmt.Sprintf(format, a...),
	})
}

func (l *gcpLogger) Close() {
	l.logger.Flush()
	l.client.Close()
}

func (l *gcpLogger) Debugf(format string, a ...any) {
	l.write(LevelDebug, format, a...)
}

func (l *gcpLogger) Infof(format string, a ...any) {
	l.write(LevelInfo, format, a...)
}

func (l *gcpLogger) Warnf(format string, a ...any) {
	l.write(LevelWarn, format, a...)
}

func (l *gcpLogger) Errorf(format string, a ...any) {
	l.write(LevelError, format, a...)
}

func (l *gcpLogger) Criticalf(format string, a ...any) {
	l.write(LevelCritical, format, a...)
}

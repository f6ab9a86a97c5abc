// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package oplog writes the per-operation deployment log: one file per
// deploy/rollback/cleanup run under <root>/logs/deployments/, one line
// per event in the fixed format
//
//	[2006-01-02 15:04:05] [LEVEL] message
//
// with LEVEL one of INFO, WARNING, ERROR, SUCCESS. The format is
// identical across operations; only the file name distinguishes them.
//
// The log also bridges into log/slog: Slog() returns a *slog.Logger
// whose records are appended to the same file (and mirrored to the
// process logger when one is attached), so library packages that log
// through slog land in the file the operator reads afterwards.
package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/slipway-sh/slipway/lib/clock"
)

// Level is an operation log severity.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
	LevelSuccess Level = "SUCCESS"
)

// timestampFormat is the in-line event timestamp.
const timestampFormat = "2006-01-02 15:04:05"

// fileTimestampFormat names the log file; second precision keeps one
// operation per file under the one-attempt-at-a-time precondition.
const fileTimestampFormat = "20060102-150405"

// Log is an open operation log. Methods are safe for concurrent use
// (the slog bridge requires it even though attempts are sequential).
type Log struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	clock    clock.Clock
	mirror   *slog.Logger
	writeErr error
}

// Open creates the log file for one operation, creating the directory
// when needed. The file is named <operation>-<timestamp>.log. mirror
// may be nil; when set, every line is also emitted through it at the
// closest slog level.
func Open(directory, operation string, clk clock.Clock, mirror *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.log", operation, clk.Now().Format(fileTimestampFormat))
	path := filepath.Join(directory, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating operation log %s: %w", path, err)
	}

	return &Log{
		file:   file,
		path:   path,
		clock:  clk,
		mirror: mirror,
	}, nil
}

// Path returns the log file's path, for the end-of-run report.
func (l *Log) Path() string { return l.path }

// Infof logs an INFO event.
func (l *Log) Infof(format string, args ...any) {
	l.write(LevelInfo, fmt.Sprintf(format, args...))
}

// Warningf logs a WARNING event.
func (l *Log) Warningf(format string, args ...any) {
	l.write(LevelWarning, fmt.Sprintf(format, args...))
}

// Errorf logs an ERROR event.
func (l *Log) Errorf(format string, args ...any) {
	l.write(LevelError, fmt.Sprintf(format, args...))
}

// Successf logs a SUCCESS event.
func (l *Log) Successf(format string, args ...any) {
	l.write(LevelSuccess, fmt.Sprintf(format, args...))
}

// Slog returns a logger whose records are appended to this log.
// slog levels below Info are dropped; Warn maps to WARNING, Error to
// ERROR, everything else to INFO. Attrs are rendered as key=value
// pairs after the message.
func (l *Log) Slog() *slog.Logger {
	return slog.New(&bridgeHandler{log: l})
}

// Close flushes and closes the file. Write failures during the run
// are deliberately deferred to Close: a logging hiccup must never
// interrupt a cutover or its rollback, but it must not pass silently
// either.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return l.writeErr
	}
	closeErr := l.file.Close()
	l.file = nil
	if l.writeErr != nil {
		return l.writeErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing operation log: %w", closeErr)
	}
	return nil
}

func (l *Log) write(level Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		line := fmt.Sprintf("[%s] [%s] %s\n", l.clock.Now().Format(timestampFormat), level, message)
		if _, err := l.file.WriteString(line); err != nil && l.writeErr == nil {
			l.writeErr = fmt.Errorf("writing operation log: %w", err)
		}
	}

	if l.mirror != nil {
		switch level {
		case LevelWarning:
			l.mirror.Warn(message)
		case LevelError:
			l.mirror.Error(message)
		case LevelSuccess:
			l.mirror.Info(message, "status", "success")
		default:
			l.mirror.Info(message)
		}
	}
}

// bridgeHandler adapts slog records into operation log lines.
type bridgeHandler struct {
	log    *Log
	attrs  []slog.Attr
	groups []string
}

func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *bridgeHandler) Handle(_ context.Context, record slog.Record) error {
	var builder strings.Builder
	builder.WriteString(record.Message)

	appendAttr := func(attr slog.Attr) {
		if attr.Equal(slog.Attr{}) {
			return
		}
		builder.WriteByte(' ')
		if len(h.groups) > 0 {
			builder.WriteString(strings.Join(h.groups, "."))
			builder.WriteByte('.')
		}
		builder.WriteString(attr.Key)
		builder.WriteByte('=')
		builder.WriteString(attr.Value.Resolve().String())
	}

	for _, attr := range h.attrs {
		appendAttr(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(attr)
		return true
	})

	level := LevelInfo
	switch {
	case record.Level >= slog.LevelError:
		level = LevelError
	case record.Level >= slog.LevelWarn:
		level = LevelWarning
	}
	h.log.write(level, builder.String())
	return nil
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

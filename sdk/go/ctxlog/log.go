// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package ctxlog builds logrus loggers from config, and carries them
// in contexts.
package ctxlog

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

type loggerCtxKey struct{}

var rootLogger = logrus.New()

const rfc3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

// Context returns a child of ctx that carries logger.
func Context(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger carried by ctx, or the root logger
// if there is none.
func FromContext(ctx context.Context) logrus.FieldLogger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerCtxKey{}).(logrus.FieldLogger); ok {
			return logger
		}
	}
	return rootLogger.WithFields(nil)
}

// New returns a logger writing to out in the given format ("text" or
// "json") at the given level. Unknown values fall back to "text" and
// "info" with a warning.
func New(out io.Writer, format, level string) *logrus.Logger {
	logger := logrus.New()
	logger.Out = out
	logger.Formatter = newFormatter(format)
	if format != "" && format != "text" && format != "json" {
		logger.WithField("LogFormat", format).Warn("unknown log format, using text")
	}
	if level == "" {
		level = "info"
	}
	if lvl, err := logrus.ParseLevel(level); err != nil {
		logger.WithField("LogLevel", level).Warn("unknown log level, using info")
		logger.Level = logrus.InfoLevel
	} else {
		logger.Level = lvl
	}
	return logger
}

func newFormatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: rfc3339NanoFixed}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: rfc3339NanoFixed}
}

// TestLogger returns a logger that writes to the gocheck test log.
// Set $SIMCLOUD_DEBUG to see debug messages.
func TestLogger(c *check.C) *logrus.Logger {
	level := "info"
	if os.Getenv("SIMCLOUD_DEBUG") != "" {
		level = "debug"
	}
	return New(checkLogWriter{c}, "text", level)
}

type checkLogWriter struct {
	c *check.C
}

func (w checkLogWriter) Write(buf []byte) (int, error) {
	w.c.Log(string(bytes.TrimRight(buf, "\n")))
	return len(buf), nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package errutil provides helpers for logging and asserting oops errors.
package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code and context.
// For standard errors, it logs the error string. Extra attrs are appended
// as key/value pairs.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	if oopsErr, ok := oops.AsOops(err); ok {
		args := []any{
			"error", oopsErr.Error(),
		}
		if code := oopsErr.Code(); code != nil {
			args = append(args, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			args = append(args, "context", ctx)
		}
		logger.Error(msg, append(args, attrs...)...)
	} else {
		logger.Error(msg, append([]any{"error", err}, attrs...)...)
	}
}

// LogWarn is LogError at warning level, for failures that are tolerated.
func LogWarn(logger *slog.Logger, msg string, err error, attrs ...any) {
	args := []any{"error", err}
	if code := Code(err); code != "" {
		args = append(args, "code", code)
	}
	logger.Warn(msg, append(args, attrs...)...)
}

// Code returns the oops code of err as a string, or "".
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}

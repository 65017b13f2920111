// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package errutil bridges oops errors and structured logging.
package errutil

import (
	"context"
	"log/slog"
	"slices"

	"github.com/samber/oops"

	"github.com/authkeep/authkeep/internal/logging"
)

// LogError logs err at error level on logger, with ctx passed through to
// the handler. args are appended after the error attributes.
func LogError(ctx context.Context, logger *slog.Logger, msg string, err error, args ...any) {
	logger.ErrorContext(ctx, msg, append(Attrs(err), args...)...)
}

// Attrs describes err as slog arguments: "error", plus "code" and a
// "context" group for oops errors. Values under keys that logging.Sensitive
// reports are replaced with logging.Redacted.
func Attrs(err error) []any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return []any{"error", err}
	}
	out := []any{"error", oopsErr.Error()}
	if code, _ := oopsErr.Code().(string); code != "" {
		out = append(out, "code", code)
	}
	if group := contextGroup(oopsErr.Context()); len(group) > 0 {
		out = append(out, slog.Group("context", group...))
	}
	return out
}

func contextGroup(values map[string]any) []any {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	group := make([]any, 0, len(keys))
	for _, k := range keys {
		v := values[k]
		if logging.Sensitive(k) {
			v = logging.Redacted
		}
		group = append(group, slog.Any(k, v))
	}
	return group
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package hostenv

import (
	"context"
	"log/slog"

	"github.com/vokality/ragdoll/internal/extension"
)

// LogNotifier records notifications to the structured log. It stands in
// wherever no desktop notification surface is wired up, and in tests.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs at info level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements extension.Notifier.
func (n *LogNotifier) Notify(_ context.Context, title, body string) error {
	n.logger.Info("notification", "title", title, "body", body)
	return nil
}

var _ extension.Notifier = (*LogNotifier)(nil)

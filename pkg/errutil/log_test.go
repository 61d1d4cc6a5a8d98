// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vokality/ragdoll/pkg/errutil"
)

func TestCode(t *testing.T) {
	assert.Equal(t, "INSTALL_FAILED", errutil.Code(oops.Code("INSTALL_FAILED").Errorf("boom")))
	assert.Empty(t, errutil.Code(oops.Errorf("uncoded")))
	assert.Empty(t, errutil.Code(errors.New("plain")))
	assert.Empty(t, errutil.Code(nil))
}

func TestLogError_StructuredError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("INSTALL_FAILED").
		With("extension", "clock").
		Errorf("download failed")
	errutil.LogError(logger, "install failed", err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "install failed", entry["msg"])
	assert.Equal(t, "INSTALL_FAILED", entry["code"])
	assert.Contains(t, entry["error"], "download failed")

	ctx, ok := entry["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "clock", ctx["extension"])
}

func TestLogError_PlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "operation failed", errors.New("disk full"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["error"], "disk full")
	assert.NotContains(t, entry, "code")
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"
	"github.com/stacklok/toolhive-core/logging"
)

func TestUnstructuredLogsCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv("UNSTRUCTURED_LOGS").Return(tt.envValue)

			assert.Equal(t, tt.expected, unstructuredLogsWithEnv(mockEnv))
		})
	}
}

func setSingletonForTest(t *testing.T, l *slog.Logger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv"},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv"},
		{"Warnw", func() { Warnw("warn kv", "key_alias", "alias/primary") }, "alias/primary"},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv"},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			setSingletonForTest(t, logging.New(
				logging.WithOutput(&buf),
				logging.WithLevel(slog.LevelDebug),
			))

			tc.logFn()

			assert.Contains(t, buf.String(), tc.contains)
		})
	}
}

func TestGetSetAndOrDefault(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	l := logging.New(logging.WithOutput(&buf))
	setSingletonForTest(t, l)

	require.Same(t, l, Get())
	assert.Same(t, l, OrDefault(nil))

	other := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, other, OrDefault(other))

	Set(other)
	assert.Same(t, other, Get())
}

func TestComponent(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	setSingletonForTest(t, logging.New(logging.WithOutput(&buf)))

	Component("jwe").Info("decrypting")

	assert.Contains(t, buf.String(), "jwe")
	assert.Contains(t, buf.String(), "decrypting")
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "info", Format: "json", Component: "pipeline"}, &buf)

	ctx := ContextWith(context.Background(), CaseIDKey, "case-1")
	ctx = ContextWith(ctx, RunIDKey, "run-1")
	l.WithContext(ctx).WithError(errors.New("boom")).Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "pipeline", rec["component"])
	assert.Equal(t, "case-1", rec["case_id"])
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, "boom", rec["error"])
	assert.NotContains(t, rec, "agent")
}

func TestWithContextEmpty(t *testing.T) {
	l := Nop()
	assert.Same(t, l, l.WithContext(context.Background()))
	assert.Same(t, l, l.WithError(nil))
}

func TestNamed(t *testing.T) {
	l := NewWithWriter(Config{Component: "pipeline"}, &bytes.Buffer{})
	assert.Equal(t, "pipeline.triage", l.Named("triage").Component())
	assert.Equal(t, "triage", Nop().Named("triage").Component())
}

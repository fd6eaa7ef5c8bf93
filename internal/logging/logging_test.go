package logging

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerFormatsSortedFields(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf)
	h.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	logger := &log.Logger{Handler: h, Level: log.DebugLevel}
	logger.WithFields(log.Fields{"repo": "acme/api", "attempt": 2}).Warn("retrying")

	assert.Equal(t, "2026-01-02 03:04:05 W retrying attempt=2 repo=acme/api\n", buf.String())
}

func TestInitVerboseForcesDebug(t *testing.T) {
	t.Setenv(EnvLevel, "error")
	var buf bytes.Buffer
	Init(&buf, true)
	t.Cleanup(func() { Init(&bytes.Buffer{}, false) })

	log.Debug("visible")
	require.Contains(t, buf.String(), "D visible")
}

func TestInitHonoursEnvLevel(t *testing.T) {
	t.Setenv(EnvLevel, "warn")
	var buf bytes.Buffer
	Init(&buf, false)
	t.Cleanup(func() { Init(&bytes.Buffer{}, false) })

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "W shown")
}

func TestInitFallsBackToInfoOnUnknownLevel(t *testing.T) {
	t.Setenv(EnvLevel, "chatty")
	var buf bytes.Buffer
	require.NotPanics(t, func() { Init(&buf, false) })
	t.Cleanup(func() { Init(&bytes.Buffer{}, false) })

	log.Debug("hidden")
	log.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "I shown")
}

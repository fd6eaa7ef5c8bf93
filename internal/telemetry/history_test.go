package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRecentNewestFirst(t *testing.T) {
	h, err := OpenHistory(HistoryOptions{InMemory: true, Retention: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.Append(RunSummary{RunID: id, StartedAt: base.Add(time.Duration(i) * time.Minute), Items: i}))
	}

	runs, err := h.Recent(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "b", runs[1].RunID)
}

func TestHistoryBaselines(t *testing.T) {
	h, err := OpenHistory(HistoryOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, mean := range []time.Duration{10 * time.Millisecond, 30 * time.Millisecond} {
		require.NoError(t, h.Append(RunSummary{
			RunID:     "run",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Operations: map[string]OperationStats{
				"git.acquire": {Count: 1, Mean: mean},
				"unused":      {Count: 0, Mean: time.Hour},
			},
		}))
	}

	baselines, err := h.Baselines(10)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, baselines["git.acquire"])
	_, ok := baselines["unused"]
	assert.False(t, ok)
}

func TestOpenHistoryRequiresPath(t *testing.T) {
	_, err := OpenHistory(HistoryOptions{})
	assert.Error(t, err)
}

func TestHistoryPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHistory(HistoryOptions{Path: dir, Retention: 24 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, h.Append(RunSummary{RunID: "persisted", StartedAt: time.Now()}))
	require.NoError(t, h.Close())

	h, err = OpenHistory(HistoryOptions{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	runs, err := h.Recent(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "persisted", runs[0].RunID)
}

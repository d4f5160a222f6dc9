package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewJobRun(t *testing.T) {
	run := NewJobRun("quality-score-recompute")

	require.Equal(t, "quality-score-recompute", run.Name())
	require.Equal(t, RunStatusRunning, run.Status())
	require.True(t, run.IsTemporary())
	require.WithinDuration(t, time.Now(), run.StartedAt(), 2*time.Second)

	_, finished := run.FinishedAt()
	require.False(t, finished)
}

func TestJobRunTotalsAndCursor(t *testing.T) {
	run := NewJobRun("sitemap-generate")

	run.AddTotal("pages", 10)
	run.AddTotal("pages", 5)
	run.AddTotal("errors", 1)
	require.Equal(t, int64(15), run.Totals()["pages"])
	require.Equal(t, int64(1), run.Totals()["errors"])

	_, ok := run.Cursor()
	require.False(t, ok)

	run.SetCursor("album:1234")
	cursor, ok := run.Cursor()
	require.True(t, ok)
	require.Equal(t, "album:1234", cursor)
}

func TestJobRunFinish(t *testing.T) {
	run := NewJobRun("full-sync")
	run.Finish(RunStatusSuccess)

	require.Equal(t, RunStatusSuccess, run.Status())
	finishedAt, ok := run.FinishedAt()
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), finishedAt, 2*time.Second)
}

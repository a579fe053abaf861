package api_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
)

func TestSweepScheduler_RunsOnStart(t *testing.T) {
	// GIVEN: A scheduler with a long interval
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	scheduler := ts.handler.Scheduler
	scheduler.Interval = time.Hour

	// WHEN: It starts
	scheduler.Start()
	defer scheduler.Stop()

	// THEN: One sweep runs right away and is recorded at the scheduler's time
	require.Eventually(t, func() bool {
		runs, err := ts.store.ListSweepRuns(t.Context(), 0)
		return err == nil && len(runs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	runs, err := ts.store.ListSweepRuns(t.Context(), 0)
	require.NoError(t, err)
	assert.True(t, monday.Equal(runs[0].RanAt), runs[0].RanAt)
	assert.Equal(t, monday.Add(time.Hour), scheduler.NextRunTime())
}

func TestSweepScheduler_Disabled(t *testing.T) {
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	scheduler := ts.handler.Scheduler
	scheduler.Enabled = false

	scheduler.Start()
	scheduler.Stop()

	runs, err := ts.store.ListSweepRuns(t.Context(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSweepScheduler_StopIsIdempotent(t *testing.T) {
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	scheduler := ts.handler.Scheduler
	scheduler.Interval = time.Hour

	scheduler.Start()
	scheduler.Stop()

	assert.NotPanics(t, scheduler.Stop)
}

func TestSweepScheduler_RunNowLogsOneSummary(t *testing.T) {
	// GIVEN: A scheduler over an empty library
	ts := newTestServer(t, circulation.NewFixedClock(monday))

	// WHEN: A sweep runs on demand
	run, err := ts.handler.Scheduler.RunNow(t.Context(), monday)

	// THEN: It is recorded and summarised in a single log line
	require.NoError(t, err)
	assert.True(t, monday.Equal(run.RanAt))
	assert.Equal(t, 1, strings.Count(ts.logs.String(), "sweep finished"))
}

package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestComputeStatsEmpty: the aggregate over zero jobs is all zeros, not NaN.
func TestComputeStatsEmpty(t *testing.T) {
	t.Parallel()

	stats := ComputeStats(nil)
	require.Zero(t, stats.TotalProcessed)
	require.Zero(t, stats.AvgSpeed)
	require.Zero(t, stats.PeakSpeed)
	require.Zero(t, stats.Jobs)

	stats = ComputeStats([]Snapshot{})
	require.Zero(t, stats.AvgSpeed)
}

// TestComputeStats sums progress and averages speeds across snapshots.
func TestComputeStats(t *testing.T) {
	t.Parallel()

	snaps := []Snapshot{
		{Job: Job{ID: "a", Progress: 40}, EventsPerSecond: 2},
		{Job: Job{ID: "b", Progress: 60}, EventsPerSecond: 6},
		{Job: Job{ID: "c", Progress: 0}, EventsPerSecond: 0},
	}
	stats := ComputeStats(snaps)
	require.InDelta(t, 100, stats.TotalProcessed, 1e-9)
	require.InDelta(t, 8.0/3.0, stats.AvgSpeed, 1e-9)
	require.InDelta(t, 6, stats.PeakSpeed, 1e-9)
	require.Equal(t, 3, stats.Jobs)
}

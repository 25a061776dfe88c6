package progress

// SystemStats aggregates display figures across every tracked job. It is
// derived on demand and never persisted.
type SystemStats struct {
	// TotalProcessed sums the latest overall progress percent of each job.
	TotalProcessed float64 `json:"total_processed"`
	// AvgSpeed is the mean events-per-second across tracked jobs.
	AvgSpeed float64 `json:"avg_speed"`
	// PeakSpeed is the highest events-per-second among tracked jobs.
	PeakSpeed float64 `json:"peak_speed"`
	// Jobs is the tracked-job count the other figures were computed over.
	Jobs int `json:"jobs"`
}

// ComputeStats reduces job snapshots to system-wide totals. With zero jobs
// every field is 0, never NaN.
func ComputeStats(snaps []Snapshot) SystemStats {
	stats := SystemStats{Jobs: len(snaps)}
	if len(snaps) == 0 {
		return stats
	}
	var sumSpeed float64
	for _, snap := range snaps {
		stats.TotalProcessed += snap.Job.Progress
		sumSpeed += snap.EventsPerSecond
		if snap.EventsPerSecond > stats.PeakSpeed {
			stats.PeakSpeed = snap.EventsPerSecond
		}
	}
	stats.AvgSpeed = sumSpeed / float64(len(snaps))
	return stats
}

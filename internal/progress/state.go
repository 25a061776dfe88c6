package progress

import "time"

const (
	// DefaultEventLogCap bounds the per-job event history.
	DefaultEventLogCap = 100
	// DefaultRateWindow is the sliding window used for the events-per-second
	// estimate.
	DefaultRateWindow = 10 * time.Second
)

// JobState tracks everything the engine knows about one running job: the
// descriptor, a bounded event log, per-phase progress, and derived ETA and
// throughput figures.
//
// JobState is not safe for concurrent use. The tracker owns each instance and
// serializes every mutation through its aggregation loop.
type JobState struct {
	job          Job
	startTime    time.Time
	events       []Event
	currentPhase Phase
	// phaseProgress holds the last reported percent per phase (last-write-wins),
	// phaseMax the highest seen, kept for the optional display clamp.
	phaseProgress map[Phase]float64
	phaseMax      map[Phase]float64
	eta           *time.Duration
	eventsPerSec  float64
	failed        bool
	lastError     string
	expanded      bool

	logCap     int
	rateWindow time.Duration
}

// NewJobState initializes state for a job that just appeared in the running
// snapshot. The job's reported start time is used when present, otherwise now.
func NewJobState(job Job, now time.Time, logCap int, rateWindow time.Duration) *JobState {
	if logCap <= 0 {
		logCap = DefaultEventLogCap
	}
	if rateWindow <= 0 {
		rateWindow = DefaultRateWindow
	}
	start := job.StartedAt
	if start.IsZero() {
		start = now
	}
	return &JobState{
		job:           job,
		startTime:     start,
		events:        make([]Event, 0, logCap),
		currentPhase:  job.Phase,
		phaseProgress: make(map[Phase]float64),
		phaseMax:      make(map[Phase]float64),
		logCap:        logCap,
		rateWindow:    rateWindow,
	}
}

// Apply folds one event into the state. receivedAt resolves timestamps for
// events the server sent without one. No event is ever rejected for arriving
// out of order or regressing progress; updates are last-write-wins.
func (s *JobState) Apply(evt Event, receivedAt time.Time) {
	evt.TS = evt.ResolvedTS(receivedAt)
	s.appendEvent(evt)

	if evt.Phase != "" {
		s.phaseProgress[evt.Phase] = evt.Progress
		if evt.Progress > s.phaseMax[evt.Phase] {
			s.phaseMax[evt.Phase] = evt.Progress
		}
		s.currentPhase = evt.Phase
		s.job.Phase = evt.Phase
	}
	s.job.Progress = evt.Progress

	if evt.Status == StatusError {
		s.failed = true
		s.lastError = evt.Error
		if s.lastError == "" {
			s.lastError = evt.Message
		}
	}

	s.recomputeETA(evt)
	s.Refresh(receivedAt)
}

// Refresh recomputes wall-clock-derived figures without a new event. The
// tracker calls it once per tick so the throughput estimate decays while a
// job is quiescent.
func (s *JobState) Refresh(now time.Time) {
	cutoff := now.Add(-s.rateWindow)
	recent := 0
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].TS.Before(cutoff) {
			break
		}
		recent++
	}
	s.eventsPerSec = float64(recent) / s.rateWindow.Seconds()
}

// MarkFailed records a transport-level failure. The job keeps its last known
// state; it leaves the registry only when the running snapshot drops it.
func (s *JobState) MarkFailed(msg string) {
	s.failed = true
	s.lastError = msg
}

// SetExpanded toggles the display-expansion flag.
func (s *JobState) SetExpanded(expanded bool) {
	s.expanded = expanded
}

// Expanded reports the display-expansion flag.
func (s *JobState) Expanded() bool {
	return s.expanded
}

func (s *JobState) appendEvent(evt Event) {
	if len(s.events) == s.logCap {
		copy(s.events, s.events[1:])
		s.events[len(s.events)-1] = evt
		return
	}
	s.events = append(s.events, evt)
}

func (s *JobState) recomputeETA(evt Event) {
	if evt.Progress <= 0 {
		s.eta = nil
		return
	}
	elapsed := evt.TS.Sub(s.startTime)
	if elapsed <= 0 {
		s.eta = nil
		return
	}
	estimatedTotal := time.Duration(float64(elapsed) / (evt.Progress / 100))
	remaining := estimatedTotal - elapsed
	if remaining < 0 {
		remaining = 0
	}
	s.eta = &remaining
}

// Snapshot is a read-only copy of a job's state for display.
type Snapshot struct {
	Job             Job               `json:"job"`
	CurrentPhase    Phase             `json:"current_phase,omitempty"`
	PhaseProgress   map[Phase]float64 `json:"phase_progress"`
	Events          []Event           `json:"events"`
	StartTime       time.Time         `json:"start_time"`
	Elapsed         time.Duration     `json:"elapsed"`
	ETA             *time.Duration    `json:"eta,omitempty"`
	EventsPerSecond float64           `json:"events_per_second"`
	Failed          bool              `json:"failed"`
	LastError       string            `json:"last_error,omitempty"`
	Expanded        bool              `json:"expanded"`
}

// Snapshot materializes the current state. When clampPhases is set the phase
// map reports the highest percent seen per phase instead of the last written
// one; the underlying state stays last-write-wins either way.
func (s *JobState) Snapshot(now time.Time, clampPhases bool) Snapshot {
	src := s.phaseProgress
	if clampPhases {
		src = s.phaseMax
	}
	phases := make(map[Phase]float64, len(src))
	for phase, pct := range src {
		phases[phase] = pct
	}
	events := make([]Event, len(s.events))
	copy(events, s.events)

	var eta *time.Duration
	if s.eta != nil {
		v := *s.eta
		eta = &v
	}
	return Snapshot{
		Job:             s.job,
		CurrentPhase:    s.currentPhase,
		PhaseProgress:   phases,
		Events:          events,
		StartTime:       s.startTime,
		Elapsed:         now.Sub(s.startTime),
		ETA:             eta,
		EventsPerSecond: s.eventsPerSec,
		Failed:          s.failed,
		LastError:       s.lastError,
		Expanded:        s.expanded,
	}
}

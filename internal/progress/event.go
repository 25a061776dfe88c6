// Package progress defines the event model and per-job state machine for the
// live pipeline progress engine.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Phase names a pipeline stage that reports its own progress percentage.
type Phase string

// Pipeline phases in nominal execution order. Delivery is best-effort: events
// may skip, repeat, or regress phases and none of that is an error.
const (
	PhasePull      Phase = "pull"
	PhaseExtract   Phase = "extract"
	PhaseASR       Phase = "asr"
	PhaseMT        Phase = "mt"
	PhasePost      Phase = "post"
	PhaseWriteback Phase = "writeback"
)

// Status classifies what an event reports about its phase.
type Status string

// Supported event statuses.
const (
	StatusStarted   Status = "started"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Event is a single progress update pushed by the pipeline for one job. It is
// immutable once received; ordering is guaranteed only within one job's
// stream, and even that only best-effort.
type Event struct {
	// JobID identifies the job the event belongs to.
	JobID string `json:"job_id"`
	// Phase scopes the update to one pipeline stage; may be empty for
	// job-level status messages.
	Phase Phase `json:"phase,omitempty"`
	// Status classifies the update.
	Status Status `json:"status"`
	// Progress is the phase completion percentage, 0-100.
	Progress float64 `json:"progress"`
	// Total and Completed optionally carry unit counts (segments, lines).
	Total     int64 `json:"total,omitempty"`
	Completed int64 `json:"completed,omitempty"`
	// Message carries optional human-readable detail.
	Message string `json:"message,omitempty"`
	// Error holds the failure text for StatusError events.
	Error string `json:"error,omitempty"`
	// TS is the server-side emission time; zero when the server omitted it.
	TS time.Time `json:"timestamp"`
}

// ParseEvent decodes and validates a JSON event payload.
func ParseEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode progress event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// Validate performs coarse shape validation. Out-of-order or regressed
// progress values are deliberately not rejected.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	switch e.Status {
	case StatusStarted, StatusProgress, StatusCompleted, StatusError:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	switch e.Phase {
	case "", PhasePull, PhaseExtract, PhaseASR, PhaseMT, PhasePost, PhaseWriteback:
	default:
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %v out of range", e.Progress)
	}
	return nil
}

// ResolvedTS returns the server timestamp when present, else the receipt time.
func (e Event) ResolvedTS(receivedAt time.Time) time.Time {
	if e.TS.IsZero() {
		return receivedAt
	}
	return e.TS
}

// Job is the descriptor for a running job as reported by the job listing
// collaborator.
type Job struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`
	Progress  float64   `json:"progress"`
	StartedAt time.Time `json:"started_at"`
}

// Clock abstracts wall time so state transitions stay testable.
type Clock interface {
	Now() time.Time
}

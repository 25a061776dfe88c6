package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/subpulse/subpulse/internal/progress"
)

type fakeSource struct {
	mu       sync.Mutex
	snaps    map[string]progress.Snapshot
	expanded map[string]bool
}

func newFakeSource(snaps ...progress.Snapshot) *fakeSource {
	src := &fakeSource{
		snaps:    make(map[string]progress.Snapshot),
		expanded: make(map[string]bool),
	}
	for _, snap := range snaps {
		src.snaps[snap.Job.ID] = snap
	}
	return src
}

func (f *fakeSource) Snapshot(jobID string) (progress.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[jobID]
	return snap, ok
}

func (f *fakeSource) Snapshots() []progress.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]progress.Snapshot, 0, len(f.snaps))
	for _, snap := range f.snaps {
		out = append(out, snap)
	}
	return out
}

func (f *fakeSource) Stats() progress.SystemStats {
	return progress.ComputeStats(f.Snapshots())
}

func (f *fakeSource) SetExpanded(_ context.Context, jobID string, expanded bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expanded[jobID] = expanded
	return nil
}

type fakeCanceler struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeCanceler) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, jobID)
	return f.err
}

func testSnapshot(id string, pct float64) progress.Snapshot {
	eta := 90 * time.Second
	return progress.Snapshot{
		Job:             progress.Job{ID: id, Title: "S01E01", Progress: pct},
		CurrentPhase:    progress.PhaseASR,
		PhaseProgress:   map[progress.Phase]float64{progress.PhaseASR: pct},
		Events:          []progress.Event{{JobID: id, Status: progress.StatusProgress, Progress: pct}},
		StartTime:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Elapsed:         30 * time.Second,
		ETA:             &eta,
		EventsPerSecond: 0.4,
	}
}

func newTestServer(t *testing.T, source ProgressSource, canceler Canceler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(source, canceler, nil, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

// TestListProgress returns every tracked job plus the aggregate.
func TestListProgress(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeSource(testSnapshot("a", 40), testSnapshot("b", 80)), nil)

	resp, err := http.Get(srv.URL + "/api/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Jobs  []snapshotDTO        `json:"jobs"`
		Stats progress.SystemStats `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Jobs, 2)
	require.Equal(t, 2, body.Stats.Jobs)
	require.InDelta(t, 120.0, body.Stats.TotalProcessed, 1e-9)
	require.InDelta(t, 60.0, body.Stats.AvgSpeed, 1e-9)
}

// TestGetProgress: tracked jobs come back as DTOs with ETA in seconds,
// unknown IDs are a 404.
func TestGetProgress(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeSource(testSnapshot("abc123", 55)), nil)

	resp, err := http.Get(srv.URL + "/api/progress/abc123")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Job snapshotDTO `json:"job"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "abc123", body.Job.ID)
	require.Equal(t, "asr", body.Job.Phase)
	require.InDelta(t, 55.0, body.Job.PhaseProgress["asr"], 1e-9)
	require.NotNil(t, body.Job.ETASeconds)
	require.InDelta(t, 90.0, *body.Job.ETASeconds, 1e-9)
	require.InDelta(t, 30.0, body.Job.ElapsedSeconds, 1e-9)

	missing, err := http.Get(srv.URL + "/api/progress/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

// TestSetExpanded toggles the display flag and rejects unknown jobs and
// malformed bodies.
func TestSetExpanded(t *testing.T) {
	t.Parallel()

	source := newFakeSource(testSnapshot("abc123", 10))
	srv := newTestServer(t, source, nil)

	resp, err := http.Post(srv.URL+"/api/progress/abc123/expand", "application/json",
		bytes.NewBufferString(`{"expanded":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	source.mu.Lock()
	require.True(t, source.expanded["abc123"])
	source.mu.Unlock()

	missing, err := http.Post(srv.URL+"/api/progress/nope/expand", "application/json",
		bytes.NewBufferString(`{"expanded":true}`))
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)

	bad, err := http.Post(srv.URL+"/api/progress/abc123/expand", "application/json",
		bytes.NewBufferString(`{expanded`))
	require.NoError(t, err)
	defer bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

// TestCancelJob delegates to the canceler and maps failures to 502.
func TestCancelJob(t *testing.T) {
	t.Parallel()

	canceler := &fakeCanceler{}
	srv := newTestServer(t, newFakeSource(), canceler)

	resp, err := http.Post(srv.URL+"/api/jobs/abc123/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	canceler.mu.Lock()
	require.Equal(t, []string{"abc123"}, canceler.ids)
	canceler.mu.Unlock()

	canceler.mu.Lock()
	canceler.err = errors.New("pipeline down")
	canceler.mu.Unlock()

	failed, err := http.Post(srv.URL+"/api/jobs/abc123/cancel", "application/json", nil)
	require.NoError(t, err)
	defer failed.Body.Close()
	require.Equal(t, http.StatusBadGateway, failed.StatusCode)
}

// TestCancelWithoutCanceler: the endpoint degrades to 503 when no
// collaborator is wired.
func TestCancelWithoutCanceler(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeSource(), nil)
	resp, err := http.Post(srv.URL+"/api/jobs/abc123/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestHealthzAndRequestID: liveness plus the request-ID header every
// response carries.
func TestHealthzAndRequestID(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeSource(), nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

// TestMetricsDisabled: no handler wired means no /metrics route.
func TestMetricsDisabled(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeSource(), nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// Package jobsource talks to the pipeline's REST API: it fetches the
// running-jobs snapshot the tracker reconciles against and issues
// fire-and-forget cancel commands.
package jobsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/subpulse/subpulse/internal/progress"
)

const defaultTimeout = 10 * time.Second

// Config controls access to the pipeline API.
type Config struct {
	// BaseURL is the pipeline API root.
	BaseURL string
	// Token is appended as a query parameter; the API accepts no custom
	// headers from dashboard clients.
	Token string
	// Timeout bounds each request (default 10s).
	Timeout time.Duration
	// HTTPClient optionally overrides the transport.
	HTTPClient *http.Client
}

// Client implements the job listing and cancel collaborators.
type Client struct {
	cfg   Config
	httpc *http.Client
}

// NewClient validates and applies defaults to cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("jobsource: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("jobsource: parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpc: httpc}, nil
}

type jobListResponse struct {
	Jobs []jobDTO `json:"jobs"`
}

type jobDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Phase     string    `json:"phase"`
	Progress  float64   `json:"progress"`
	StartedAt time.Time `json:"started_at"`
}

// ListRunning fetches the currently running jobs. A failure here simply
// skips one reconciliation cycle; the caller decides the cadence.
func (c *Client) ListRunning(ctx context.Context) ([]progress.Job, error) {
	endpoint, err := c.buildURL("/api/jobs", url.Values{"status": {"running"}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("jobsource: build request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jobsource: list jobs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jobsource: list jobs: unexpected status %d", resp.StatusCode)
	}
	var payload jobListResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("jobsource: decode job list: %w", err)
	}

	jobs := make([]progress.Job, 0, len(payload.Jobs))
	for _, dto := range payload.Jobs {
		if dto.ID == "" {
			continue
		}
		// The API may return more than running jobs; only those feed the
		// registry.
		if dto.Status != "" && dto.Status != "running" {
			continue
		}
		jobs = append(jobs, progress.Job{
			ID:        dto.ID,
			Title:     dto.Title,
			Phase:     progress.Phase(dto.Phase),
			Progress:  dto.Progress,
			StartedAt: dto.StartedAt,
		})
	}
	return jobs, nil
}

// Cancel asks the pipeline to stop a job. The engine does not manage
// retries; the job leaves the registry when a later snapshot no longer
// reports it running.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("jobsource: job id is required")
	}
	endpoint, err := c.buildURL("/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("jobsource: build request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("jobsource: cancel job %s: %w", jobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("jobsource: cancel job %s: unexpected status %d", jobID, resp.StatusCode)
	}
	return nil
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("jobsource: parse base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query == nil {
		query = url.Values{}
	}
	if c.cfg.Token != "" {
		query.Set("token", c.cfg.Token)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

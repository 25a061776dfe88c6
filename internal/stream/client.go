// Package stream implements the per-job push subscription client. Each
// subscription holds one long-lived server-sent-events connection and feeds
// parsed events into a channel consumed by the tracker loop.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subpulse/subpulse/internal/progress"
)

const (
	defaultBufferSize = 64
	maxFrameBytes     = 1 << 20
)

// Config controls connection and buffering behavior for the Client.
type Config struct {
	// BaseURL is the pipeline API root, e.g. "http://localhost:8765".
	BaseURL string
	// Token is the API credential. The event transport cannot carry custom
	// headers, so it rides along as a query parameter.
	Token string
	// BufferSize sizes each subscription's event channel (default 64).
	BufferSize int
	// HTTPClient optionally overrides the transport. The default carries no
	// overall timeout because the connection is long-lived.
	HTTPClient *http.Client
	// Logger is used for dropped-payload warnings.
	Logger *zap.Logger
}

// Client opens push subscriptions against the pipeline's event endpoint.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *zap.Logger
}

// NewClient validates and applies defaults to cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("stream: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("stream: parse base url: %w", err)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 15 * time.Second,
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, httpc: httpc, logger: logger}, nil
}

// Subscribe opens one push connection scoped to jobID and starts delivering
// parsed events on the returned subscription's channel. The connection lives
// until Close is called, ctx ends, or the transport fails.
func (c *Client) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	if jobID == "" {
		return nil, errors.New("stream: job id is required")
	}
	endpoint, err := c.eventsURL(jobID)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream: connect job %s: %w", jobID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream: connect job %s: unexpected status %d", jobID, resp.StatusCode)
	}

	sub := &Subscription{
		jobID:  jobID,
		events: make(chan progress.Event, c.cfg.BufferSize),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger.With(zap.String("job_id", jobID)),
	}
	go sub.readLoop(resp.Body)
	return sub, nil
}

func (c *Client) eventsURL(jobID string) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("stream: parse base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/jobs/" + url.PathEscape(jobID) + "/events"
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Subscription owns one open streaming connection tied to a job id.
type Subscription struct {
	jobID  string
	events chan progress.Event
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
}

// JobID reports the job this subscription is scoped to.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Events yields parsed progress events. The channel closes when the
// connection ends for any reason.
func (s *Subscription) Events() <-chan progress.Event {
	return s.events
}

// Errs reports at most one transport error. Malformed payloads never appear
// here; they are dropped and logged.
func (s *Subscription) Errs() <-chan error {
	return s.errs
}

// Close tears down the connection. It is idempotent and safe to call from
// the goroutine consuming Events; no new deliveries start after it returns.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// readLoop parses the SSE framing: "data:" lines accumulate until a blank
// line terminates the frame. Other field names (event, id, retry) and
// comments are ignored.
func (s *Subscription) readLoop(body io.ReadCloser) {
	defer close(s.events)
	defer body.Close()
	defer s.cancel()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 16*1024), maxFrameBytes)

	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if !s.dispatch(data) {
					return
				}
				data = nil
			}
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		}
	}
	if s.closed() {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("stream closed by server")
	}
	s.reportError(fmt.Errorf("stream: job %s: %w", s.jobID, err))
}

// dispatch parses one frame and delivers it. A malformed payload is dropped
// and logged; it must never tear the subscription down.
func (s *Subscription) dispatch(data []byte) bool {
	evt, err := progress.ParseEvent(data)
	if err != nil {
		s.logger.Warn("dropping malformed progress payload", zap.Error(err))
		return true
	}
	evt.TS = evt.ResolvedTS(time.Now().UTC())
	select {
	case s.events <- evt:
		return true
	case <-s.done:
		return false
	}
}

func (s *Subscription) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

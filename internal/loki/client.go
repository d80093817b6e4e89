package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/threatpilot/remediator/internal/metrics"
)

// Query directions.
const (
	Forward  = "FORWARD"
	Backward = "BACKWARD"
)

// Config holds the log backend connection settings.
type Config struct {
	Addr            string
	Username        string
	Password        string
	Timeout         time.Duration // default 10s
	BreakerFailures uint32        // consecutive failures before opening; default 5
	BreakerTimeout  time.Duration // open-state duration; default 30s
}

// Stream is one labelled log stream. Each value is [unix-nanos, line].
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// QueryParams are the query_range parameters.
type QueryParams struct {
	Query     string
	Start     time.Time
	End       time.Time
	Limit     int
	Direction string
}

// QueryData is the data member of a query_range response. Result is kept raw
// because its shape depends on ResultType.
type QueryData struct {
	ResultType string          `json:"resultType"`
	Result     json.RawMessage `json:"result"`
	Stats      json.RawMessage `json:"stats,omitempty"`
}

// QueryResponse is the query_range response body.
type QueryResponse struct {
	Status string    `json:"status"`
	Data   QueryData `json:"data"`
}

// Streams decodes Result as log streams. Non-stream results yield nil.
func (r *QueryResponse) Streams() ([]Stream, error) {
	if r.Data.ResultType != "streams" || len(r.Data.Result) == 0 {
		return nil, nil
	}
	var out []Stream
	if err := json.Unmarshal(r.Data.Result, &out); err != nil {
		return nil, fmt.Errorf("decode streams: %w", err)
	}
	return out, nil
}

// LabelsResponse is the body of the labels and label-values endpoints.
type LabelsResponse struct {
	Status string   `json:"status"`
	Data   []string `json:"data"`
}

// APIError carries a non-2xx response from the log backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("loki api error (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("loki api error (HTTP %d): %s", e.StatusCode, e.Body)
}

// ErrTimeout is returned when a call exceeds its deadline.
type ErrTimeout struct {
	Endpoint string
	Err      error
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Endpoint, e.Err)
}

func (e *ErrTimeout) Unwrap() error { return e.Err }

// Timeout lets callers detect this error through an interface check.
func (e *ErrTimeout) Timeout() bool { return true }

// Client talks to the Loki HTTP API. Every call runs through a circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("loki address is required")
	}
	if _, err := url.Parse(cfg.Addr); err != nil {
		return nil, fmt.Errorf("loki address: %w", err)
	}
	cfg.Addr = strings.TrimRight(cfg.Addr, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return newClient(cfg, &http.Client{Timeout: cfg.Timeout}, log), nil
}

func newClient(cfg Config, hc *http.Client, log zerolog.Logger) *Client {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	maxFailures := cfg.BreakerFailures
	settings := gobreaker.Settings{
		Name:        "loki",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

// execute runs fn through the breaker. Client errors (4xx) are returned to the
// caller but do not count as backend failures.
func (c *Client) execute(fn func() error) error {
	var callErr error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		callErr = fn()
		var apiErr *APIError
		if errors.As(callErr, &apiErr) && apiErr.StatusCode < 500 {
			return nil, nil
		}
		return nil, callErr
	})
	if IsBreakerOpen(err) {
		metrics.LokiCalls.WithLabelValues("any", "breaker_open").Inc()
		return fmt.Errorf("breaker (%s): %w", c.breaker.Name(), err)
	}
	return callErr
}

// do sends req and decodes a 2xx JSON body into out (when non-nil).
func (c *Client) do(req *http.Request, endpoint string, out interface{}) error {
	if c.cfg.Username != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.LokiCalls.WithLabelValues(endpoint, "error").Inc()
		if isTimeout(req.Context(), err) {
			return &ErrTimeout{Endpoint: endpoint, Err: err}
		}
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.LokiCalls.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// Push ingests streams.
func (c *Client) Push(ctx context.Context, streams []Stream) error {
	body, err := json.Marshal(map[string]interface{}{"streams": streams})
	if err != nil {
		return fmt.Errorf("marshal push body: %w", err)
	}
	return c.execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Addr+"/loki/api/v1/push", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, "push", nil)
	})
}

// QueryRange runs a range query.
func (c *Client) QueryRange(ctx context.Context, p QueryParams) (*QueryResponse, error) {
	q := url.Values{}
	q.Set("query", p.Query)
	q.Set("start", nanos(p.Start))
	q.Set("end", nanos(p.End))
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Direction != "" {
		q.Set("direction", p.Direction)
	}

	var out QueryResponse
	err := c.execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Addr+"/loki/api/v1/query_range?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		return c.do(req, "query_range", &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Labels lists label names seen between start and end.
func (c *Client) Labels(ctx context.Context, start, end time.Time) (*LabelsResponse, error) {
	return c.labels(ctx, "/loki/api/v1/labels", "labels", start, end)
}

// LabelValues lists the values of label seen between start and end.
func (c *Client) LabelValues(ctx context.Context, label string, start, end time.Time) (*LabelsResponse, error) {
	return c.labels(ctx, "/loki/api/v1/label/"+url.PathEscape(label)+"/values", "label_values", start, end)
}

func (c *Client) labels(ctx context.Context, path, endpoint string, start, end time.Time) (*LabelsResponse, error) {
	q := url.Values{}
	q.Set("start", nanos(start))
	q.Set("end", nanos(end))

	var out LabelsResponse
	err := c.execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Addr+path+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		return c.do(req, endpoint, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IsBreakerOpen reports whether err was returned without calling the backend
// because the circuit breaker is open.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

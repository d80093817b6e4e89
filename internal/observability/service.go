package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/threatpilot/remediator/internal/loki"
)

// DefaultQuery matches every stream carrying a service label.
const DefaultQuery = `{service=~".+"}`

// Defaults for log queries.
const (
	DefaultFallbackWindow = 2 * time.Hour
	DefaultQueryLimit     = 1000
	DefaultTailBatch      = 50
	DefaultSummaryMinutes = 15
	tailWindow            = 5 * time.Minute
	labelWindow           = time.Hour
)

// ValidationError reports a malformed observability request.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Backend is the log store. *loki.Client satisfies it.
type Backend interface {
	Push(ctx context.Context, streams []loki.Stream) error
	QueryRange(ctx context.Context, p loki.QueryParams) (*loki.QueryResponse, error)
	Labels(ctx context.Context, start, end time.Time) (*loki.LabelsResponse, error)
	LabelValues(ctx context.Context, label string, start, end time.Time) (*loki.LabelsResponse, error)
}

// Config tunes the Service.
type Config struct {
	// FallbackWindow is both the default query window and the window of the
	// fallback query. Defaults to 2h.
	FallbackWindow time.Duration
	Now            func() time.Time
}

// Service implements the log observability operations.
type Service struct {
	backend        Backend
	fallbackWindow time.Duration
	now            func() time.Time
	log            zerolog.Logger
}

// NewService constructs a Service.
func NewService(backend Backend, cfg Config, log zerolog.Logger) *Service {
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = DefaultFallbackWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{backend: backend, fallbackWindow: cfg.FallbackWindow, now: cfg.Now, log: log}
}

// QueryRequest is the body of POST /query_loki. From and To are unix nanoseconds.
type QueryRequest struct {
	Query   string `json:"query"`
	From    int64  `json:"from,omitempty"`
	To      int64  `json:"to,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Forward bool   `json:"forward,omitempty"`
}

// QueryResult wraps a query response. Fallback is set when the requested query
// failed and the default query was served instead.
type QueryResult struct {
	Status   string              `json:"status"`
	Fallback bool                `json:"fallback,omitempty"`
	Message  string              `json:"message,omitempty"`
	Data     *loki.QueryResponse `json:"data"`
}

// QueryLogs runs req. If it fails, the default query over the fallback window
// is tried once; only a second failure is returned.
func (s *Service) QueryLogs(ctx context.Context, req QueryRequest) (QueryResult, error) {
	now := s.now()
	windowStart := now.Add(-s.fallbackWindow)

	p := loki.QueryParams{
		Query:     req.Query,
		Start:     windowStart,
		End:       now,
		Limit:     req.Limit,
		Direction: loki.Backward,
	}
	if strings.TrimSpace(p.Query) == "" {
		p.Query = DefaultQuery
	}
	if req.From != 0 {
		p.Start = time.Unix(0, req.From)
	}
	if req.To != 0 {
		p.End = time.Unix(0, req.To)
	}
	if p.Limit <= 0 {
		p.Limit = DefaultQueryLimit
	}
	if req.Forward {
		p.Direction = loki.Forward
	}

	resp, err := s.backend.QueryRange(ctx, p)
	if err == nil {
		return QueryResult{Status: "success", Data: resp}, nil
	}
	if ctx.Err() != nil {
		return QueryResult{}, err
	}
	s.log.Warn().Err(err).Str("query", p.Query).Msg("log query failed; falling back to default query")

	resp, ferr := s.backend.QueryRange(ctx, loki.QueryParams{
		Query:     DefaultQuery,
		Start:     windowStart,
		End:       now,
		Limit:     p.Limit,
		Direction: loki.Backward,
	})
	if ferr != nil {
		return QueryResult{}, fmt.Errorf("fallback query: %w", ferr)
	}
	return QueryResult{
		Status:   "success",
		Fallback: true,
		Message:  fmt.Sprintf("Query failed. Showing all logs from the last %s.", s.fallbackWindow),
		Data:     resp,
	}, nil
}

// TailLogs returns up to batch entries from the last five minutes, oldest first.
func (s *Service) TailLogs(ctx context.Context, query string, batch int) (*loki.QueryResponse, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &ValidationError{Field: "query", Msg: "is required"}
	}
	if batch <= 0 {
		batch = DefaultTailBatch
	}
	now := s.now()
	return s.backend.QueryRange(ctx, loki.QueryParams{
		Query:     query,
		Start:     now.Add(-tailWindow),
		End:       now,
		Limit:     batch,
		Direction: loki.Forward,
	})
}

// Summary counts log entries per value of the groupBy label over the last
// windowMinutes. Streams without the label count under "unknown".
func (s *Service) Summary(ctx context.Context, query, groupBy string, windowMinutes int) (map[string]int, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &ValidationError{Field: "query", Msg: "is required"}
	}
	if strings.TrimSpace(groupBy) == "" {
		return nil, &ValidationError{Field: "group_by", Msg: "is required"}
	}
	if windowMinutes <= 0 {
		windowMinutes = DefaultSummaryMinutes
	}
	now := s.now()
	resp, err := s.backend.QueryRange(ctx, loki.QueryParams{
		Query: query,
		Start: now.Add(-time.Duration(windowMinutes) * time.Minute),
		End:   now,
		Limit: DefaultQueryLimit,
	})
	if err != nil {
		return nil, err
	}
	streams, err := resp.Streams()
	if err != nil {
		return nil, err
	}
	summary := make(map[string]int)
	for _, st := range streams {
		key := st.Stream[groupBy]
		if key == "" {
			key = "unknown"
		}
		summary[key] += len(st.Values)
	}
	return summary, nil
}

// Labels lists label names seen in the last hour.
func (s *Service) Labels(ctx context.Context) (*loki.LabelsResponse, error) {
	now := s.now()
	return s.backend.Labels(ctx, now.Add(-labelWindow), now)
}

// LabelValues lists values of label seen in the last hour.
func (s *Service) LabelValues(ctx context.Context, label string) (*loki.LabelsResponse, error) {
	if strings.TrimSpace(label) == "" {
		return nil, &ValidationError{Field: "label", Msg: "is required"}
	}
	now := s.now()
	return s.backend.LabelValues(ctx, label, now.Add(-labelWindow), now)
}

// PushLogs ingests streams and returns how many were sent.
func (s *Service) PushLogs(ctx context.Context, streams []loki.Stream) (int, error) {
	if len(streams) == 0 {
		return 0, &ValidationError{Field: "streams", Msg: "a non-empty array is required"}
	}
	if err := s.backend.Push(ctx, streams); err != nil {
		return 0, err
	}
	return len(streams), nil
}

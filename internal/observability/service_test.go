package observability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threatpilot/remediator/internal/loki"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	queries []loki.QueryParams
	errs    []error // consumed one per QueryRange call
	resp    *loki.QueryResponse
	pushed  []loki.Stream
	start   time.Time
	label   string
}

func (f *fakeBackend) Push(_ context.Context, streams []loki.Stream) error {
	f.pushed = streams
	return nil
}

func (f *fakeBackend) QueryRange(_ context.Context, p loki.QueryParams) (*loki.QueryResponse, error) {
	f.queries = append(f.queries, p)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.resp == nil {
		return &loki.QueryResponse{Status: "success"}, nil
	}
	return f.resp, nil
}

func (f *fakeBackend) Labels(_ context.Context, start, _ time.Time) (*loki.LabelsResponse, error) {
	f.start = start
	return &loki.LabelsResponse{Status: "success", Data: []string{"app"}}, nil
}

func (f *fakeBackend) LabelValues(_ context.Context, label string, start, _ time.Time) (*loki.LabelsResponse, error) {
	f.label, f.start = label, start
	return &loki.LabelsResponse{Status: "success", Data: []string{"api"}}, nil
}

func newTestService(b Backend) *Service {
	return NewService(b, Config{Now: func() time.Time { return testNow }}, zerolog.Nop())
}

func TestQueryLogs_Defaults(t *testing.T) {
	b := &fakeBackend{}
	res, err := newTestService(b).QueryLogs(context.Background(), QueryRequest{})
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	require.Len(t, b.queries, 1)

	q := b.queries[0]
	assert.Equal(t, DefaultQuery, q.Query)
	assert.Equal(t, testNow.Add(-2*time.Hour), q.Start)
	assert.Equal(t, testNow, q.End)
	assert.Equal(t, 1000, q.Limit)
	assert.Equal(t, loki.Backward, q.Direction)
}

func TestQueryLogs_ExplicitParams(t *testing.T) {
	b := &fakeBackend{}
	from := testNow.Add(-10 * time.Minute).UnixNano()
	_, err := newTestService(b).QueryLogs(context.Background(), QueryRequest{
		Query: `{app="api"}`, From: from, Limit: 10, Forward: true,
	})
	require.NoError(t, err)
	q := b.queries[0]
	assert.Equal(t, from, q.Start.UnixNano())
	assert.Equal(t, 10, q.Limit)
	assert.Equal(t, loki.Forward, q.Direction)
}

func TestQueryLogs_FallsBackOnce(t *testing.T) {
	b := &fakeBackend{errs: []error{&loki.APIError{StatusCode: 400}}}
	res, err := newTestService(b).QueryLogs(context.Background(), QueryRequest{Query: "{bad", Limit: 25, Forward: true})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.NotEmpty(t, res.Message)
	require.Len(t, b.queries, 2)

	fb := b.queries[1]
	assert.Equal(t, DefaultQuery, fb.Query)
	assert.Equal(t, testNow.Add(-2*time.Hour), fb.Start)
	assert.Equal(t, 25, fb.Limit)
	assert.Equal(t, loki.Backward, fb.Direction)
}

func TestQueryLogs_SecondFailureReturned(t *testing.T) {
	down := errors.New("connection refused")
	b := &fakeBackend{errs: []error{errors.New("first"), down}}
	_, err := newTestService(b).QueryLogs(context.Background(), QueryRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, down)
	assert.Len(t, b.queries, 2)
}

func TestTailLogs(t *testing.T) {
	b := &fakeBackend{}
	s := newTestService(b)

	_, err := s.TailLogs(context.Background(), "", 0)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = s.TailLogs(context.Background(), `{app="api"}`, 0)
	require.NoError(t, err)
	q := b.queries[0]
	assert.Equal(t, 50, q.Limit)
	assert.Equal(t, loki.Forward, q.Direction)
	assert.Equal(t, testNow.Add(-5*time.Minute), q.Start)
}

func TestSummary(t *testing.T) {
	b := &fakeBackend{resp: &loki.QueryResponse{Status: "success", Data: loki.QueryData{
		ResultType: "streams",
		Result: json.RawMessage(`[
			{"stream":{"level":"error"},"values":[["1","a"],["2","b"]]},
			{"stream":{"level":"info"},"values":[["3","c"]]},
			{"stream":{"app":"x"},"values":[["4","d"]]},
			{"stream":{"level":"error"},"values":[["5","e"]]}
		]`),
	}}}
	s := newTestService(b)

	got, err := s.Summary(context.Background(), `{app=~".+"}`, "level", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"error": 3, "info": 1, "unknown": 1}, got)
	assert.Equal(t, testNow.Add(-15*time.Minute), b.queries[0].Start)

	_, err = s.Summary(context.Background(), `{}`, "", 5)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "group_by", ve.Field)
}

func TestLabels(t *testing.T) {
	b := &fakeBackend{}
	s := newTestService(b)

	_, err := s.Labels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-time.Hour), b.start)

	_, err = s.LabelValues(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "app", b.label)

	_, err = s.LabelValues(context.Background(), "")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestPushLogs(t *testing.T) {
	b := &fakeBackend{}
	s := newTestService(b)

	_, err := s.PushLogs(context.Background(), nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	n, err := s.PushLogs(context.Background(), []loki.Stream{{Stream: map[string]string{"a": "b"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, b.pushed, 1)
}

func TestMocks(t *testing.T) {
	hist := IncidentHistory("", testNow)
	require.Len(t, hist, 2)
	assert.Equal(t, "Unknown", hist[0].Entity)
	assert.Equal(t, testNow.Add(-time.Hour).UnixMilli(), hist[0].Timestamp)

	md, err := MetadataLookup("1.2.3.4", "")
	require.NoError(t, err)
	assert.Equal(t, Metadata{Key: "1.2.3.4", Type: "unknown", Location: "US-East", Owner: "Unknown"}, md)
	_, err = MetadataLookup("", "ip")
	require.Error(t, err)

	al, err := AlertTrigger(zerolog.Nop(), "High", "disk full", "")
	require.NoError(t, err)
	assert.Equal(t, "alert logged", al.Status)
	assert.Equal(t, "[ALERT] Severity: High, Message: disk full, Target: N/A", al.Message)
	_, err = AlertTrigger(zerolog.Nop(), "", "x", "")
	require.Error(t, err)
}

package loki

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server, failures uint32) *Client {
	t.Helper()
	c := newClient(Config{
		Addr:            srv.URL,
		Username:        "user",
		Password:        "pass",
		BreakerFailures: failures,
		BreakerTimeout:  time.Minute,
	}, srv.Client(), zerolog.Nop())
	return c
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	require.Error(t, err)

	c, err := New(Config{Addr: "http://loki:3100/"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "http://loki:3100", c.cfg.Addr)
	assert.Equal(t, 10*time.Second, c.cfg.Timeout)
}

func TestQueryRange(t *testing.T) {
	start := time.Unix(100, 0)
	end := time.Unix(200, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/query_range", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, `{app="api"}`, q.Get("query"))
		assert.Equal(t, "100000000000", q.Get("start"))
		assert.Equal(t, "200000000000", q.Get("end"))
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, Forward, q.Get("direction"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)

		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[
			{"stream":{"app":"api"},"values":[["1","a"],["2","b"]]}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 5)
	resp, err := c.QueryRange(context.Background(), QueryParams{
		Query: `{app="api"}`, Start: start, End: end, Limit: 50, Direction: Forward,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)

	streams, err := resp.Streams()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "api", streams[0].Stream["app"])
	assert.Len(t, streams[0].Values, 2)
}

func TestStreams_NonStreamResult(t *testing.T) {
	r := &QueryResponse{Data: QueryData{ResultType: "matrix", Result: json.RawMessage(`[]`)}}
	streams, err := r.Streams()
	require.NoError(t, err)
	assert.Nil(t, streams)
}

func TestPush(t *testing.T) {
	var body struct {
		Streams []Stream `json:"streams"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 5)
	err := c.Push(context.Background(), []Stream{{
		Stream: map[string]string{"service": "api"},
		Values: [][2]string{{"1700000000000000000", "hello"}},
	}})
	require.NoError(t, err)
	require.Len(t, body.Streams, 1)
	assert.Equal(t, "hello", body.Streams[0].Values[0][1])
}

func TestLabelsAndValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("start"))
		switch r.URL.Path {
		case "/loki/api/v1/labels":
			_, _ = w.Write([]byte(`{"status":"success","data":["app","level"]}`))
		case "/loki/api/v1/label/app/values":
			_, _ = w.Write([]byte(`{"status":"success","data":["api","web"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 5)
	now := time.Now()
	labels, err := c.Labels(context.Background(), now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "level"}, labels.Data)

	values, err := c.LabelValues(context.Background(), "app", now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web"}, values.Data)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "parse error at line 1", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 5)
	_, err := c.QueryRange(context.Background(), QueryParams{Query: "{"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "parse error")
}

func TestBreaker_OpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 2)
	for i := 0; i < 2; i++ {
		_, err := c.QueryRange(context.Background(), QueryParams{Query: "{}"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
	}
	assert.Equal(t, gobreaker.StateOpen, c.breaker.State())

	_, err := c.QueryRange(context.Background(), QueryParams{Query: "{}"})
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), hits.Load(), "open breaker must not reach the backend")
}

func TestBreaker_IgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 1)
	for i := 0; i < 3; i++ {
		_, _ = c.QueryRange(context.Background(), QueryParams{Query: "{"})
	}
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(Config{Addr: srv.URL}, &http.Client{Timeout: 50 * time.Millisecond}, zerolog.Nop())
	_, err := c.Labels(context.Background(), time.Now(), time.Now())
	var te *ErrTimeout
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Timeout())
}

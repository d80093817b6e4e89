package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/threatpilot/remediator/internal/metrics"
)

// ClientConfig holds parameters for constructing a Cloudflare API client.
type ClientConfig struct {
	BaseURL      string // e.g. https://api.cloudflare.com/client/v4
	APIToken     string
	ZoneID       string
	Timeout      time.Duration
	RulesPerPage int
	Debug        bool
}

// client implements Gateway using direct HTTPS calls to the Cloudflare v4 API.
type client struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger
}

// NewClient constructs a Gateway for one zone. No request is made; use Verify
// to check the token.
func NewClient(cfg ClientConfig, log zerolog.Logger) (Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cloudflare base URL is required")
	}
	if cfg.ZoneID == "" {
		return nil, fmt.Errorf("cloudflare zone ID is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("cloudflare API token is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RulesPerPage <= 0 {
		cfg.RulesPerPage = 1000
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return newClient(cfg, &http.Client{Transport: transport, Timeout: cfg.Timeout}, log), nil
}

func newClient(cfg ClientConfig, httpClient *http.Client, log zerolog.Logger) *client {
	return &client{cfg: cfg, http: httpClient, log: log}
}

// apiDo executes an HTTP request, handling auth, metrics, and typed error translation.
// On success the caller owns resp.Body.
func (c *client) apiDo(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	start := time.Now()
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("cloudflare api request")
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		if c.cfg.Debug {
			c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
				Err(err).Dur("elapsed", elapsed).Msg("cloudflare api request failed")
		}
		if isTimeout(err) {
			metrics.GatewayCalls.WithLabelValues(endpoint, "timeout").Inc()
			return nil, &ErrTimeout{Endpoint: endpoint, Err: err}
		}
		metrics.GatewayCalls.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.GatewayCalls.WithLabelValues(endpoint, statusLabel).Inc()
	metrics.GatewayDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("cloudflare api response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		msgs := drainMessages(resp)
		return nil, &ErrUnauthorized{Msg: fmt.Sprintf("HTTP %d %s", resp.StatusCode, strings.Join(msgs, "; "))}
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &ErrNotFound{}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		_ = resp.Body.Close()
		return nil, &ErrRateLimit{RetryAfter: retryAfter}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &APIError{StatusCode: resp.StatusCode, Messages: drainMessages(resp)}
	}
	return resp, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Verify calls the token verification endpoint.
func (c *client) Verify(ctx context.Context) error {
	return verifyToken(ctx, c)
}

func (c *client) CreateBlockRule(ctx context.Context, target, value, notes string) (AccessRule, error) {
	return createAccessRule(ctx, c, ModeBlock, target, value, notes)
}

func (c *client) ListRules(ctx context.Context) ([]AccessRule, error) {
	return listAccessRules(ctx, c)
}

func (c *client) DeleteRule(ctx context.Context, id string) error {
	return deleteAccessRule(ctx, c, id)
}

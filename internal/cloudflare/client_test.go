package cloudflare

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestClient builds a *client against srv, skipping transport setup.
func newTestClient(baseURL string, timeout time.Duration) *client {
	cfg := ClientConfig{
		BaseURL:      baseURL,
		APIToken:     "test-token",
		ZoneID:       "zone123",
		Timeout:      timeout,
		RulesPerPage: 1000,
	}
	return newClient(cfg, &http.Client{Timeout: timeout}, zerolog.Nop())
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": success,
		"errors":  []interface{}{},
		"result":  json.RawMessage(raw),
	})
}

func TestNewClient_RequiresFields(t *testing.T) {
	cases := []ClientConfig{
		{ZoneID: "z", APIToken: "t"},
		{BaseURL: "https://x", APIToken: "t"},
		{BaseURL: "https://x", ZoneID: "z"},
	}
	for i, cfg := range cases {
		if _, err := NewClient(cfg, zerolog.Nop()); err == nil {
			t.Errorf("case %d: expected error for incomplete config", i)
		}
	}
	if _, err := NewClient(ClientConfig{BaseURL: "https://x/", ZoneID: "z", APIToken: "t"}, zerolog.Nop()); err != nil {
		t.Errorf("expected valid config to succeed, got %v", err)
	}
}

func TestCreateBlockRule(t *testing.T) {
	var gotAuth string
	var gotBody apiAccessRule
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/zones/zone123/firewall/access_rules/rules" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeEnvelope(w, http.StatusOK, true, map[string]interface{}{
			"id":            "rule-abc",
			"mode":          "block",
			"configuration": map[string]string{"target": "ip", "value": "1.2.3.4"},
			"notes":         gotBody.Notes,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5*time.Second)
	rule, err := c.CreateBlockRule(context.Background(), TargetIP, "1.2.3.4", "ThreatPilot Block (low)")
	if err != nil {
		t.Fatalf("CreateBlockRule: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization header: got %q", gotAuth)
	}
	if gotBody.Mode != "block" || gotBody.Configuration.Target != "ip" || gotBody.Configuration.Value != "1.2.3.4" {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
	if rule.ID != "rule-abc" || rule.Value != "1.2.3.4" || rule.Notes != "ThreatPilot Block (low)" {
		t.Errorf("unexpected rule: %+v", rule)
	}
}

func TestCreateBlockRule_EnvelopeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"success":false,"errors":[{"code":10009,"message":"firewallaccessrules.api.duplicate_of_existing"}],"result":null}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5*time.Second)
	_, err := c.CreateBlockRule(context.Background(), TargetIP, "1.2.3.4", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode: got %d", apiErr.StatusCode)
	}
	if len(apiErr.Messages) != 1 || !strings.Contains(apiErr.Messages[0], "duplicate_of_existing") {
		t.Errorf("Messages: got %v", apiErr.Messages)
	}
}

func TestCreateBlockRule_SuccessFalseOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"errors":[{"code":1,"message":"nope"}],"result":null}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5*time.Second)
	_, err := c.CreateBlockRule(context.Background(), TargetIP, "1.2.3.4", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
}

func TestListRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("per_page") != "1000" {
			t.Errorf("per_page: got %q", r.URL.Query().Get("per_page"))
		}
		writeEnvelope(w, http.StatusOK, true, []map[string]interface{}{
			{"id": "r1", "mode": "block", "configuration": map[string]string{"target": "ip", "value": "1.1.1.1"}},
			{"id": "r2", "mode": "whitelist", "configuration": map[string]string{"target": "ip", "value": "2.2.2.2"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5*time.Second)
	rules, err := c.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].ID != "r1" || rules[0].Mode != "block" || rules[0].Value != "1.1.1.1" {
		t.Errorf("rule 0: %+v", rules[0])
	}
	if rules[1].Mode != "whitelist" {
		t.Errorf("rule 1 mode: %q", rules[1].Mode)
	}
}

func TestDeleteRule(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		gotPath = r.URL.Path
		writeEnvelope(w, http.StatusOK, true, map[string]string{"id": "r1"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5*time.Second)
	if err := c.DeleteRule(context.Background(), "r1"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if gotPath != "/zones/zone123/firewall/access_rules/rules/r1" {
		t.Errorf("path: got %q", gotPath)
	}
}

func TestDeleteRule_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5*time.Second)
	err := c.DeleteRule(context.Background(), "gone")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected *ErrNotFound, got %T", err)
	}
	if nf.ID != "gone" {
		t.Errorf("ErrNotFound.ID: got %q", nf.ID)
	}
}

func TestStatusTranslation(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header map[string]string
		check  func(error) bool
	}{
		{"401", http.StatusUnauthorized, nil, func(err error) bool {
			var e *ErrUnauthorized
			return errors.As(err, &e)
		}},
		{"403", http.StatusForbidden, nil, func(err error) bool {
			var e *ErrUnauthorized
			return errors.As(err, &e)
		}},
		{"429", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, func(err error) bool {
			var e *ErrRateLimit
			return errors.As(err, &e) && e.RetryAfter == 7*time.Second
		}},
		{"500", http.StatusInternalServerError, nil, func(err error) bool {
			var e *APIError
			return errors.As(err, &e) && e.StatusCode == 500
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := newTestClient(srv.URL, 5*time.Second)
			_, err := c.ListRules(context.Background())
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error translation: %T %v", err, err)
			}
		})
	}
}

func TestTimeoutTranslation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(srv.URL, 50*time.Millisecond)
	_, err := c.ListRules(context.Background())
	var te *ErrTimeout
	if !errors.As(err, &te) {
		t.Fatalf("expected *ErrTimeout, got %T: %v", err, err)
	}
	if !te.Timeout() {
		t.Error("Timeout() should report true")
	}
}

func TestVerify(t *testing.T) {
	status := "active"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/tokens/verify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, true, map[string]string{"id": "tok", "status": status})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5*time.Second)
	if err := c.Verify(context.Background()); err != nil {
		t.Fatalf("Verify active: %v", err)
	}

	status = "disabled"
	err := c.Verify(context.Background())
	var unauth *ErrUnauthorized
	if !errors.As(err, &unauth) {
		t.Fatalf("expected *ErrUnauthorized for disabled token, got %v", err)
	}
}

package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// --- Wire types (JSON mapping to Cloudflare v4 API) -------------------------

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiRuleConfiguration struct {
	Target string `json:"target"`
	Value  string `json:"value"`
}

type apiAccessRule struct {
	ID            string               `json:"id,omitempty"`
	Mode          string               `json:"mode"`
	Configuration apiRuleConfiguration `json:"configuration"`
	Notes         string               `json:"notes,omitempty"`
}

type apiTokenStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (r apiAccessRule) toRule() AccessRule {
	return AccessRule{
		ID:     r.ID,
		Mode:   r.Mode,
		Target: r.Configuration.Target,
		Value:  r.Configuration.Value,
		Notes:  r.Notes,
	}
}

// --- Generic HTTP helpers ---------------------------------------------------

// decodeEnvelope reads the standard {success, errors, result} wrapper and
// returns result, turning success=false into an *APIError.
func decodeEnvelope(resp *http.Response) (json.RawMessage, error) {
	defer resp.Body.Close()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Messages: messages(env.Errors)}
	}
	return env.Result, nil
}

// drainMessages extracts error messages from an error response body, if any,
// and closes it.
func drainMessages(resp *http.Response) []string {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		return nil
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	return messages(env.Errors)
}

func messages(errs []apiMessage) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, fmt.Sprintf("%d: %s", e.Code, e.Message))
	}
	return out
}

func doGET(ctx context.Context, c *client, u, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.apiDo(ctx, req, endpoint)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(resp)
}

func doPOST(ctx context.Context, c *client, u, endpoint string, payload interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.apiDo(ctx, req, endpoint)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(resp)
}

func doDELETE(ctx context.Context, c *client, u, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.apiDo(ctx, req, endpoint)
	if err != nil {
		return err
	}
	_, err = decodeEnvelope(resp)
	return err
}

// --- Access rules -----------------------------------------------------------

func rulesEndpoint(baseURL, zoneID string) string {
	return fmt.Sprintf("%s/zones/%s/firewall/access_rules/rules", baseURL, url.PathEscape(zoneID))
}

func createAccessRule(ctx context.Context, c *client, mode, target, value, notes string) (AccessRule, error) {
	payload := apiAccessRule{
		Mode:          mode,
		Configuration: apiRuleConfiguration{Target: target, Value: value},
		Notes:         notes,
	}
	raw, err := doPOST(ctx, c, rulesEndpoint(c.cfg.BaseURL, c.cfg.ZoneID), "create-rule", payload)
	if err != nil {
		return AccessRule{}, err
	}
	var created apiAccessRule
	if err := json.Unmarshal(raw, &created); err != nil {
		return AccessRule{}, fmt.Errorf("decode created rule: %w", err)
	}
	if created.ID == "" {
		return AccessRule{}, fmt.Errorf("created rule has no id")
	}
	return created.toRule(), nil
}

// listAccessRules fetches a single page of rules; per_page is set high enough
// that one call covers a zone's rule set.
func listAccessRules(ctx context.Context, c *client) ([]AccessRule, error) {
	u := rulesEndpoint(c.cfg.BaseURL, c.cfg.ZoneID) + "?per_page=" + strconv.Itoa(c.cfg.RulesPerPage)
	raw, err := doGET(ctx, c, u, "list-rules")
	if err != nil {
		return nil, err
	}
	var rules []apiAccessRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	out := make([]AccessRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.toRule())
	}
	return out, nil
}

func deleteAccessRule(ctx context.Context, c *client, id string) error {
	u := rulesEndpoint(c.cfg.BaseURL, c.cfg.ZoneID) + "/" + url.PathEscape(id)
	err := doDELETE(ctx, c, u, "delete-rule")
	if nf, ok := err.(*ErrNotFound); ok {
		nf.ID = id
	}
	return err
}

// --- Token verification -----------------------------------------------------

func verifyToken(ctx context.Context, c *client) error {
	raw, err := doGET(ctx, c, c.cfg.BaseURL+"/user/tokens/verify", "verify-token")
	if err != nil {
		return err
	}
	var st apiTokenStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode token status: %w", err)
	}
	if st.Status != "active" {
		return &ErrUnauthorized{Msg: fmt.Sprintf("token status %q", st.Status)}
	}
	return nil
}

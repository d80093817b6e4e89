package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/threatpilot/remediator/internal/firewall"
	"github.com/threatpilot/remediator/internal/loki"
	"github.com/threatpilot/remediator/internal/observability"
	"github.com/threatpilot/remediator/internal/remediation"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "Remediation API"

type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Status: remediation.StatusError, Error: msg})
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// allowEmpty is set.
func decode(r *http.Request, v interface{}, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &firewall.ValidationError{Field: "body", Msg: "request body too large"}
		}
		return &firewall.ValidationError{Field: "body", Msg: "invalid JSON: " + err.Error()}
	}
	return nil
}

// errorStatus maps an error kind to its HTTP status.
func errorStatus(err error) int {
	var (
		validation    *firewall.ValidationError
		obsValidation *observability.ValidationError
		gateway       *firewall.GatewayError
		store         *firewall.StoreError
		lokiTimeout   *loki.ErrTimeout
		lokiAPI       *loki.APIError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &obsValidation):
		return http.StatusBadRequest
	case errors.As(err, &gateway):
		if gateway.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.As(err, &store):
		return http.StatusInternalServerError
	case errors.As(err, &lokiTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &lokiAPI), loki.IsBreakerOpen(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	ev := zerolog.Ctx(r.Context()).Debug()
	if status >= http.StatusInternalServerError {
		ev = zerolog.Ctx(r.Context()).Error()
	}
	ev.Err(err).Int("status", status).Msg("request failed")
	writeError(w, status, err.Error())
}

func (s *Server) handleRemediate(w http.ResponseWriter, r *http.Request) {
	var req remediation.Request
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type cleanupResponse struct {
	Status     string                       `json:"status"`
	CleanedIPs []string                     `json:"cleaned_ips"`
	Failed     []remediation.CleanupFailure `json:"failed"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Dispatcher.Dispatch(r.Context(), remediation.Request{Action: remediation.ActionCleanup})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{
		Status:     resp.Status,
		CleanedIPs: resp.CleanedIPs,
		Failed:     resp.Failed,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   ServiceName,
		"timestamp": s.deps.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verifier != nil {
		if err := s.deps.Verifier.Verify(r.Context()); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req remediation.ExecRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Executor.Execute(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Status == remediation.StatusIgnored {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePushLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Streams []loki.Stream `json:"streams"`
	}
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.deps.Observability.PushLogs(r.Context(), req.Streams)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "success",
		"ingested_streams": n,
	})
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	var req observability.QueryRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Observability.QueryLogs(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTailLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		Batch int    `json:"batch"`
	}
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Observability.TailLogs(r.Context(), req.Query, req.Batch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string `json:"query"`
		GroupBy    string `json:"group_by"`
		TimeWindow int    `json:"time_window"`
	}
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	summary, err := s.deps.Observability.Summary(r.Context(), req.Query, req.GroupBy, req.TimeWindow)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Observability.Labels(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLabelValues(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Observability.LabelValues(r.Context(), req.Label)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlertTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
		Target   string `json:"target"`
	}
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := observability.AlertTrigger(*zerolog.Ctx(r.Context()), req.Severity, req.Message, req.Target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMetadataLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key  string `json:"key"`
		Type string `json:"type"`
	}
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	md, err := observability.MetadataLookup(req.Key, req.Type)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"metadata": md,
	})
}

func (s *Server) handleIncidentHistory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity string `json:"entity"`
	}
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"incidents": observability.IncidentHistory(req.Entity, s.deps.Now()),
	})
}

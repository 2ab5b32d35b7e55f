package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/guard"
	"firestige.xyz/flowguard/internal/metrics"
	"firestige.xyz/flowguard/internal/registry"
)

const maxBodySize = 1 << 20

// ruleBody is the addRule payload. "tabla" is the historical name of the
// table field and is accepted alongside "table".
type ruleBody struct {
	Match    string          `json:"match"`
	Tabla    string          `json:"tabla"`
	Table    string          `json:"table"`
	Action   string          `json:"action"`
	Param    string          `json:"param"`
	Priority int             `json:"priority"`
	Owner    string          `json:"owner"`
	Devices  []core.DeviceID `json:"devices"`
}

func (b ruleBody) request(ruleID string) registry.RuleRequest {
	table := b.Table
	if table == "" {
		table = b.Tabla
	}
	return registry.RuleRequest{
		Owner:   b.Owner,
		RuleID:  ruleID,
		Devices: b.Devices,
		Spec: registry.RuleSpec{
			Match:    b.Match,
			Table:    table,
			Action:   b.Action,
			Param:    b.Param,
			Priority: b.Priority,
		},
	}
}

type statusResponse struct {
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api response write failed", "error", err)
	}
}

func writeOK(w http.ResponseWriter, result interface{}) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Result: result})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, statusResponse{Status: "error", Error: err.Error()})
}

func writeResult(w http.ResponseWriter, err error, result interface{}) {
	if err == nil {
		writeOK(w, result)
		return
	}
	writeJSON(w, statusFor(err), statusResponse{Status: "error", Error: err.Error(), Result: result})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidRule), errors.Is(err, core.ErrInvalidLimits):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrBackendUnavailable), errors.Is(err, core.ErrUnknownDevice):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func (s *Server) handleTest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var body ruleBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.registry.AddRule(r.Context(), body.request(mux.Vars(r)["idRule"]))
	writeResult(w, err, report)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	report, err := s.registry.DeleteRule(r.Context(), mux.Vars(r)["idRule"])
	writeResult(w, err, report)
}

func (s *Server) handleDeleteAppRules(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["idApp"]
	cleared, err := s.registry.DeleteAllRulesByApp(r.Context(), owner)
	writeResult(w, err, map[string]interface{}{"owner": owner, "cleared": cleared})
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.registry.Rules()
	writeOK(w, map[string]interface{}{"rules": rules, "count": len(rules)})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.guard.Limits())
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var limits guard.Limits
	if err := decodeBody(r, &limits); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.guard.Configure(limits.MaxEvents, limits.BanDuration); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeOK(w, s.guard.Limits())
}

func (s *Server) handleBans(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.guard.Snapshot())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		result := "ok"
		if rec.status >= 400 {
			result = "error"
		}
		metrics.CommandsTotal.WithLabelValues("rest", name, result).Inc()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("api request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

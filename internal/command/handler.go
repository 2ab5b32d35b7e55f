// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/guard"
	"firestige.xyz/flowguard/internal/metrics"
	"firestige.xyz/flowguard/internal/registry"
)

// Version is reported by daemon_status. Overridden at link time.
var Version = "dev"

// Method names.
const (
	MethodAddRule        = "add_rule"
	MethodDeleteRule     = "delete_rule"
	MethodDeleteAppRules = "delete_app_rules"
	MethodConfigure      = "configure"
	MethodBans           = "bans"
	MethodRules          = "rules"
	MethodDaemonStatus   = "daemon_status"
	MethodConfigReload   = "config_reload"
	MethodDaemonShutdown = "daemon_shutdown"
)

// Guard is the part of the ping-flood guard the control plane drives.
type Guard interface {
	Configure(maxEvents int, banDuration time.Duration) error
	Limits() guard.Limits
	Snapshot() guard.Snapshot
}

// Registry is the part of the rule registry the control plane drives.
type Registry interface {
	AddRule(ctx context.Context, req registry.RuleRequest) (registry.Report, error)
	DeleteRule(ctx context.Context, ruleID string) (registry.Report, error)
	DeleteAllRulesByApp(ctx context.Context, owner string) (int, error)
	Rules() []registry.Entry
	Owner() string
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler dispatches commands from every transport.
type CommandHandler struct {
	guard          Guard
	registry       Registry
	configReloader ConfigReloader
	shutdownFunc   func()
	started        time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(g Guard, r Registry, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		guard:          g,
		registry:       r,
		configReloader: reloader,
		started:        time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response. Data carries the partial
// result of an operation that failed on some devices only.
type ErrorInfo struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError         = -32700 // Invalid JSON
	ErrCodeInvalidRequest     = -32600 // Invalid request object
	ErrCodeMethodNotFound     = -32601 // Method not found
	ErrCodeInvalidParams      = -32602 // Invalid method parameters
	ErrCodeInternalError      = -32603 // Internal error
	ErrCodeBackendUnavailable = -32001 // Enforcement backend failed
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodAddRule:
		return h.handleAddRule(ctx, cmd)
	case MethodDeleteRule:
		return h.handleDeleteRule(ctx, cmd)
	case MethodDeleteAppRules:
		return h.handleDeleteAppRules(ctx, cmd)
	case MethodConfigure:
		return h.handleConfigure(cmd)
	case MethodBans:
		return ok(cmd, h.guard.Snapshot())
	case MethodRules:
		rules := h.registry.Rules()
		return ok(cmd, RulesResult{Rules: rules, Count: len(rules)})
	case MethodDaemonStatus:
		return h.handleDaemonStatus(cmd)
	case MethodConfigReload:
		return h.handleConfigReload(cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(cmd)
	default:
		return fail(cmd, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method), nil)
	}
}

// RulesResult is the rules result.
type RulesResult struct {
	Rules []registry.Entry `json:"rules"`
	Count int              `json:"count"`
}

// handleFrom is Handle plus the per-transport command counter.
func (h *CommandHandler) handleFrom(ctx context.Context, transport string, cmd Command) Response {
	resp := h.Handle(ctx, cmd)
	result := "ok"
	if resp.Error != nil {
		result = "error"
	}
	metrics.CommandsTotal.WithLabelValues(transport, cmd.Method, result).Inc()
	return resp
}

func ok(cmd Command, result interface{}) Response {
	return Response{ID: cmd.ID, Result: result}
}

func fail(cmd Command, code int, msg string, data interface{}) Response {
	return Response{ID: cmd.ID, Error: &ErrorInfo{Code: code, Message: msg, Data: data}}
}

// codeFor maps a domain error to a JSON-RPC error code.
func codeFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidRule), errors.Is(err, core.ErrInvalidLimits):
		return ErrCodeInvalidParams
	case errors.Is(err, core.ErrBackendUnavailable), errors.Is(err, core.ErrUnknownDevice):
		return ErrCodeBackendUnavailable
	default:
		return ErrCodeInternalError
	}
}

func decode(cmd Command, v interface{}) *Response {
	if len(cmd.Params) == 0 {
		r := fail(cmd, ErrCodeInvalidParams, "params required", nil)
		return &r
	}
	if err := json.Unmarshal(cmd.Params, v); err != nil {
		r := fail(cmd, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err), nil)
		return &r
	}
	return nil
}

// AddRuleParams are the add_rule parameters.
type AddRuleParams = registry.RuleRequest

func (h *CommandHandler) handleAddRule(ctx context.Context, cmd Command) Response {
	var params AddRuleParams
	if r := decode(cmd, &params); r != nil {
		return *r
	}
	report, err := h.registry.AddRule(ctx, params)
	if err != nil {
		return fail(cmd, codeFor(err), fmt.Sprintf("add rule failed: %v", err), report)
	}
	return ok(cmd, report)
}

// DeleteRuleParams are the delete_rule parameters.
type DeleteRuleParams struct {
	RuleID string `json:"rule_id"`
}

func (h *CommandHandler) handleDeleteRule(ctx context.Context, cmd Command) Response {
	var params DeleteRuleParams
	if r := decode(cmd, &params); r != nil {
		return *r
	}
	if params.RuleID == "" {
		return fail(cmd, ErrCodeInvalidParams, "rule_id is required", nil)
	}
	report, err := h.registry.DeleteRule(ctx, params.RuleID)
	if err != nil {
		return fail(cmd, codeFor(err), fmt.Sprintf("delete rule failed: %v", err), report)
	}
	return ok(cmd, report)
}

// DeleteAppRulesParams are the delete_app_rules parameters. An empty owner
// means the registry's default owner.
type DeleteAppRulesParams struct {
	Owner string `json:"owner"`
}

// DeleteAppRulesResult is the delete_app_rules result.
type DeleteAppRulesResult struct {
	Owner   string `json:"owner"`
	Cleared int    `json:"cleared"`
}

func (h *CommandHandler) handleDeleteAppRules(ctx context.Context, cmd Command) Response {
	var params DeleteAppRulesParams
	if len(cmd.Params) > 0 {
		if r := decode(cmd, &params); r != nil {
			return *r
		}
	}
	if params.Owner == "" {
		params.Owner = h.registry.Owner()
	}
	cleared, err := h.registry.DeleteAllRulesByApp(ctx, params.Owner)
	result := DeleteAppRulesResult{Owner: params.Owner, Cleared: cleared}
	if err != nil {
		return fail(cmd, codeFor(err), fmt.Sprintf("delete rules of %s failed: %v", params.Owner, err), result)
	}
	return ok(cmd, result)
}

func (h *CommandHandler) handleConfigure(cmd Command) Response {
	var limits guard.Limits
	if r := decode(cmd, &limits); r != nil {
		return *r
	}
	if err := h.guard.Configure(limits.MaxEvents, limits.BanDuration); err != nil {
		return fail(cmd, codeFor(err), err.Error(), nil)
	}
	slog.Info("guard limits changed", "max_events", limits.MaxEvents, "ban_duration", limits.BanDuration)
	return ok(cmd, h.guard.Limits())
}

// StatusResult is the daemon_status result.
type StatusResult struct {
	Version   string       `json:"version"`
	UptimeSec int64        `json:"uptime_sec"`
	Limits    guard.Limits `json:"limits"`
	Counters  int          `json:"counters"`
	Bans      int          `json:"bans"`
	Rules     int          `json:"rules"`
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	snap := h.guard.Snapshot()
	return ok(cmd, StatusResult{
		Version:   Version,
		UptimeSec: int64(time.Since(h.started).Seconds()),
		Limits:    snap.Limits,
		Counters:  len(snap.Counters),
		Bans:      len(snap.Bans),
		Rules:     len(h.registry.Rules()),
	})
}

func (h *CommandHandler) handleConfigReload(cmd Command) Response {
	if h.configReloader == nil {
		return fail(cmd, ErrCodeInternalError, "config reloader not available", nil)
	}
	if err := h.configReloader.Reload(); err != nil {
		return fail(cmd, ErrCodeInternalError, fmt.Sprintf("reload config failed: %v", err), nil)
	}
	return ok(cmd, map[string]string{"status": "reloaded"})
}

func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return fail(cmd, ErrCodeInternalError, "shutdown handler not registered", nil)
	}
	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	// Let the response go out first.
	go h.shutdownFunc()
	return ok(cmd, map[string]string{"status": "shutting_down"})
}

package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/guard"
	"firestige.xyz/flowguard/internal/registry"
)

// UDSClient is a JSON-RPC client over a Unix domain socket. Each call uses
// its own connection.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{socketPath: socketPath, timeout: timeout}
}

type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Call sends method with params and decodes the result into out, which may
// be nil. A JSON-RPC error is returned as *ErrorInfo. A daemon that is not
// listening yields core.ErrDaemonNotRunning.
func (c *UDSClient) Call(ctx context.Context, method string, params, out interface{}) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: %s", core.ErrDaemonNotRunning, c.socketPath)
		}
		return fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	var raw json.RawMessage
	if params != nil {
		if raw, err = json.Marshal(params); err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	reqID := uuid.NewString()
	if err := json.NewEncoder(conn).Encode(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
		ID:      reqID,
	}); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*maxRequestSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		return errors.New("connection closed without response")
	}

	var resp clientResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.ID != reqID {
		return fmt.Errorf("response ID mismatch: expected %s, got %s", reqID, resp.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// AddRule calls add_rule.
func (c *UDSClient) AddRule(ctx context.Context, req registry.RuleRequest) (registry.Report, error) {
	var report registry.Report
	err := c.Call(ctx, MethodAddRule, req, &report)
	return report, err
}

// DeleteRule calls delete_rule.
func (c *UDSClient) DeleteRule(ctx context.Context, ruleID string) (registry.Report, error) {
	var report registry.Report
	err := c.Call(ctx, MethodDeleteRule, DeleteRuleParams{RuleID: ruleID}, &report)
	return report, err
}

// DeleteAppRules calls delete_app_rules.
func (c *UDSClient) DeleteAppRules(ctx context.Context, owner string) (DeleteAppRulesResult, error) {
	var res DeleteAppRulesResult
	err := c.Call(ctx, MethodDeleteAppRules, DeleteAppRulesParams{Owner: owner}, &res)
	return res, err
}

// Configure calls configure.
func (c *UDSClient) Configure(ctx context.Context, limits guard.Limits) (guard.Limits, error) {
	var res guard.Limits
	err := c.Call(ctx, MethodConfigure, limits, &res)
	return res, err
}

// Bans calls bans.
func (c *UDSClient) Bans(ctx context.Context) (guard.Snapshot, error) {
	var snap guard.Snapshot
	err := c.Call(ctx, MethodBans, nil, &snap)
	return snap, err
}

// Rules calls rules.
func (c *UDSClient) Rules(ctx context.Context) (RulesResult, error) {
	var res RulesResult
	err := c.Call(ctx, MethodRules, nil, &res)
	return res, err
}

// Status calls daemon_status.
func (c *UDSClient) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	err := c.Call(ctx, MethodDaemonStatus, nil, &res)
	return res, err
}

// Reload calls config_reload.
func (c *UDSClient) Reload(ctx context.Context) error {
	return c.Call(ctx, MethodConfigReload, nil, nil)
}

// Shutdown calls daemon_shutdown.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.Call(ctx, MethodDaemonShutdown, nil, nil)
}

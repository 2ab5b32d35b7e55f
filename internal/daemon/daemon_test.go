package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowguard/internal/command"
	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/guard"
	"firestige.xyz/flowguard/internal/registry"
)

const baseConfig = `flowguard:
  node:
    hostname: test-node
  guard:
    max_events: %d
    ban_duration: 30s
  enforcement:
    backend: memory
    devices: [device:s1, device:s2]
  api:
    enabled: true
    listen: 127.0.0.1:0
  metrics:
    enabled: false
  log:
    level: %s
    format: text
%s`

type fixture struct {
	dir        string
	configPath string
	socketPath string
	pidFile    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Unix socket paths are length-limited; keep them short.
	dir, err := os.MkdirTemp("", "fg")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return &fixture{
		dir:        dir,
		configPath: filepath.Join(dir, "flowguard.yml"),
		socketPath: filepath.Join(dir, "fg.sock"),
		pidFile:    filepath.Join(dir, "fg.pid"),
	}
}

func (f *fixture) writeConfig(t *testing.T, maxEvents int, level, extra string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.configPath, []byte(fmt.Sprintf(baseConfig, maxEvents, level, extra)), 0o644))
}

func (f *fixture) start(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(f.configPath, f.socketPath, f.pidFile)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

func (f *fixture) client() *command.UDSClient {
	return command.NewUDSClient(f.socketPath, 2*time.Second)
}

func TestNewUsesControlPaths(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 3, "info", fmt.Sprintf("  control:\n    socket: %s\n    pid_file: %s\n",
		filepath.Join(f.dir, "ctl.sock"), filepath.Join(f.dir, "ctl.pid")))

	d, err := New(f.configPath, "", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dir, "ctl.sock"), d.socketPath)
	assert.Equal(t, filepath.Join(f.dir, "ctl.pid"), d.pidFile)

	d, err = New(f.configPath, f.socketPath, f.pidFile)
	require.NoError(t, err)
	assert.Equal(t, f.socketPath, d.socketPath)
	assert.Equal(t, f.pidFile, d.pidFile)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 0, "info", "")

	_, err := New(f.configPath, f.socketPath, f.pidFile)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(filepath.Join(f.dir, "missing.yml"), "", "")
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 3, "info", "")
	d := f.start(t)

	data, err := os.ReadFile(f.pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	status, err := f.client().Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, guard.Limits{MaxEvents: 3, BanDuration: 30 * time.Second}, status.Limits)
	assert.Zero(t, status.Bans)

	require.NotNil(t, d.apiServer)
	resp, err := http.Get("http://" + d.apiServer.Addr() + "/store/test")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	d.Stop()
	assert.NoFileExists(t, f.pidFile)
	assert.NoFileExists(t, f.socketPath)

	_, err = f.client().Status(context.Background())
	assert.ErrorIs(t, err, core.ErrDaemonNotRunning)

	assert.NotPanics(t, d.Stop)
}

func TestStartInstallsRulesFile(t *testing.T) {
	f := newFixture(t)
	rules := filepath.Join(f.dir, "rules.yml")
	require.NoError(t, os.WriteFile(rules, []byte(`rules:
  - rule_id: no-icmp
    devices: [device:s1]
    table: ingress.table0_control.table0
    action: ingress.table0_control.drop
  - rule_id: no-udp
    match: udp
    table: ingress.table0_control.table0
    action: ingress.table0_control.drop
`), 0o644))
	f.writeConfig(t, 3, "info", "  rules_file: "+rules+"\n")
	f.start(t)

	res, err := f.client().Rules(context.Background())
	require.NoError(t, err)
	// no-icmp on one device, no-udp on both.
	assert.Equal(t, 3, res.Count)
}

func TestStopKeepsRegistryRules(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 1, "info", "")
	d := f.start(t)
	ctx := context.Background()

	_, err := d.registry.AddRule(ctx, registry.RuleRequest{
		RuleID:  "no-icmp",
		Devices: []core.DeviceID{"device:s1"},
		Spec:    registry.RuleSpec{Table: "ingress.table0_control.table0", Action: "ingress.table0_control.drop"},
	})
	require.NoError(t, err)

	src, dst := core.MustParseMAC("00:00:00:00:00:01"), core.MustParseMAC("00:00:00:00:00:02")
	d.guard.OnEvent(ctx, "device:s2", src, dst)
	require.Equal(t, core.VerdictBlock, d.guard.OnEvent(ctx, "device:s2", src, dst))

	d.Stop()

	kept, err := d.backend.ListActive(ctx, "device:s1")
	require.NoError(t, err)
	assert.Len(t, kept, 1, "registry rule stays installed")
	banned, err := d.backend.ListActive(ctx, "device:s2")
	require.NoError(t, err)
	assert.Empty(t, banned, "ban rules are lifted")
}

func TestStartFailsOnBadRulesFile(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 3, "info", "  rules_file: "+filepath.Join(f.dir, "absent.yml")+"\n")

	d, err := New(f.configPath, f.socketPath, f.pidFile)
	require.NoError(t, err)
	assert.Error(t, d.Start())
	assert.NoFileExists(t, f.pidFile, "a failed start cleans up")
}

func TestReloadAppliesGuardLimits(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 3, "info", "")
	d := f.start(t)

	f.writeConfig(t, 9, "debug", "")
	require.NoError(t, d.Reload())

	assert.Equal(t, 9, d.guard.Limits().MaxEvents)
	assert.Equal(t, "debug", d.Config().Log.Level)
}

func TestReloadOverSocket(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 3, "info", "")
	d := f.start(t)

	f.writeConfig(t, 5, "info", "")
	require.NoError(t, f.client().Reload(context.Background()))
	assert.Equal(t, 5, d.guard.Limits().MaxEvents)
}

func TestReloadKeepsConfigOnError(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 3, "info", "")
	d := f.start(t)

	f.writeConfig(t, 4, "loud", "")
	assert.Error(t, d.Reload())
	assert.Equal(t, 3, d.guard.Limits().MaxEvents)
	assert.Equal(t, "info", d.Config().Log.Level)
}

func TestRunStopsOnShutdownCommand(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 3, "info", "")
	d := f.start(t)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.NoError(t, f.client().Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.NoFileExists(t, f.pidFile)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 3, "info", "")
	d := f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestTriggerShutdownIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, 3, "info", "")
	d, err := New(f.configPath, f.socketPath, f.pidFile)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		d.TriggerShutdown()
		d.TriggerShutdown()
	})
}

func TestReadPID(t *testing.T) {
	f := newFixture(t)

	_, err := ReadPID(f.pidFile)
	assert.ErrorIs(t, err, core.ErrDaemonNotRunning)

	require.NoError(t, os.WriteFile(f.pidFile, []byte("garbage\n"), 0o644))
	_, err = ReadPID(f.pidFile)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrDaemonNotRunning)

	require.NoError(t, os.WriteFile(f.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
	pid, err := ReadPID(f.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Signal 0 only probes.
	assert.NoError(t, SignalDaemon(f.pidFile, syscall.Signal(0)))
}

func TestSignalDaemonNotRunning(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, SignalDaemon(f.pidFile, syscall.SIGTERM), core.ErrDaemonNotRunning)
}

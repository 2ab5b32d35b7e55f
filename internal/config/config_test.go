package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowguard/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowguard.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
flowguard:
  node:
    hostname: "sw-ctl-1"
  control:
    pid_file: "/tmp/test.pid"
    socket: "/tmp/test.sock"
  guard:
    max_events: 3
    ban_duration: 90s
  enforcement:
    backend: nftables
    timeout: 2s
    devices: ["device:s1", "device:s2"]
    nftables:
      verdicts:
        - action: ingress.table0_control.drop
          verdict: drop
  capture:
    enabled: true
    interfaces:
      - name: br0
        device: "device:s1"
  log:
    level: debug
    format: text
  rules_file: /etc/flowguard/rules.yml
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sw-ctl-1", cfg.Node.Hostname)
	assert.Equal(t, "/tmp/test.pid", cfg.Control.PIDFile)
	assert.Equal(t, 3, cfg.Guard.MaxEvents)
	assert.Equal(t, 90*time.Second, cfg.Guard.BanDuration)
	assert.Equal(t, 32, cfg.Guard.Shards)
	assert.Equal(t, "pingguard", cfg.Guard.Owner)
	assert.Equal(t, "nftables", cfg.Enforcement.Backend)
	assert.Equal(t, 2*time.Second, cfg.Enforcement.Timeout)
	assert.Equal(t, []core.DeviceID{"device:s1", "device:s2"}, cfg.Enforcement.DeviceIDs())
	assert.Equal(t, "drop", cfg.Enforcement.NFTables.VerdictMap()["ingress.table0_control.drop"])
	assert.Equal(t, "flowguard_", cfg.Enforcement.NFTables.TablePrefix)
	require.Len(t, cfg.Capture.Interfaces, 1)
	assert.Equal(t, "br0", cfg.Capture.Interfaces[0].Name)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/etc/flowguard/rules.yml", cfg.RulesFile)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Guard.MaxEvents)
	assert.Equal(t, 60*time.Second, cfg.Guard.BanDuration)
	assert.Equal(t, "memory", cfg.Enforcement.Backend)
	assert.Equal(t, 5*time.Second, cfg.Enforcement.Timeout)
	assert.Equal(t, "device:s", cfg.Registry.DevicePrefix)
	assert.Equal(t, "rulestore", cfg.Registry.Owner)
	assert.Equal(t, "/var/run/flowguard.sock", cfg.Control.Socket)
	assert.Equal(t, 5*time.Minute, cfg.CommandChannel.CommandTTL)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Node.Hostname)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FLOWGUARD_GUARD_MAX_EVENTS", "11")
	t.Setenv("FLOWGUARD_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "flowguard:\n  guard:\n    max_events: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.Guard.MaxEvents)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "flowguard:\n  log:\n    level: loud\n"},
		{"log format", "flowguard:\n  log:\n    format: xml\n"},
		{"max events", "flowguard:\n  guard:\n    max_events: 0\n"},
		{"ban duration", "flowguard:\n  guard:\n    ban_duration: -1s\n"},
		{"backend", "flowguard:\n  enforcement:\n    backend: p4runtime\n"},
		{"nftables devices", "flowguard:\n  enforcement:\n    backend: nftables\n"},
		{"verdict", "flowguard:\n  enforcement:\n    backend: nftables\n    devices: [\"device:s1\"]\n    nftables:\n      verdicts:\n        - action: a\n          verdict: reject\n"},
		{"capture interfaces", "flowguard:\n  capture:\n    enabled: true\n"},
		{"capture device", "flowguard:\n  capture:\n    enabled: true\n    interfaces:\n      - name: eth0\n"},
		{"command channel topic", "flowguard:\n  node:\n    ip: 10.0.0.1\n  command_channel:\n    enabled: true\n    kafka:\n      brokers: [\"k:9092\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestKafkaInheritance(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
flowguard:
  node:
    ip: 10.0.0.5
    hostname: ctl
  kafka:
    brokers: ["kafka-1:9092"]
    sasl:
      enabled: true
      mechanism: PLAIN
  command_channel:
    enabled: true
    kafka:
      topic: flowguard-commands
`))
	require.NoError(t, err)
	cc := cfg.CommandChannel.Kafka
	assert.Equal(t, []string{"kafka-1:9092"}, cc.Brokers)
	assert.True(t, cc.SASL.Enabled)
	assert.Equal(t, "flowguard-ctl", cc.GroupID)
	assert.Equal(t, "10.0.0.5", cfg.Node.IP)
}

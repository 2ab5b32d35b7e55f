// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/flowguard/internal/core"
)

// rootKey is the top-level YAML key; env vars use the FLOWGUARD_ prefix.
const rootKey = "flowguard"

// GlobalConfig represents the top-level static configuration.
// Maps to the `flowguard:` root key in YAML.
type GlobalConfig struct {
	Node           NodeConfig           `mapstructure:"node"`
	Control        ControlConfig        `mapstructure:"control"`
	Guard          GuardConfig          `mapstructure:"guard"`
	Registry       RegistryConfig       `mapstructure:"registry"`
	Enforcement    EnforcementConfig    `mapstructure:"enforcement"`
	Capture        CaptureConfig        `mapstructure:"capture"`
	API            APIConfig            `mapstructure:"api"`
	Kafka          GlobalKafkaConfig    `mapstructure:"kafka"`
	CommandChannel CommandChannelConfig `mapstructure:"command_channel"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Log            LogConfig            `mapstructure:"log"`
	RulesFile      string               `mapstructure:"rules_file"` // static rules installed at start
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	IP       string            `mapstructure:"ip"`       // Empty = auto-detect
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Guard ───

// GuardConfig holds the ping-flood guard limits. MaxEvents and BanDuration
// are hot-reloadable.
type GuardConfig struct {
	MaxEvents   int           `mapstructure:"max_events"`
	BanDuration time.Duration `mapstructure:"ban_duration"`
	Shards      int           `mapstructure:"shards"`
	Owner       string        `mapstructure:"owner"` // app id ban rules are installed under
}

// ─── Rule Registry ───

// RegistryConfig configures the rule bookkeeping layer.
type RegistryConfig struct {
	Owner        string `mapstructure:"owner"`         // default owner of rules added without one
	DevicePrefix string `mapstructure:"device_prefix"` // devices in scope when a request names none
}

// ─── Enforcement ───

// EnforcementConfig selects and configures the forwarding plane backend.
type EnforcementConfig struct {
	Backend  string         `mapstructure:"backend"` // memory | nftables
	Timeout  time.Duration  `mapstructure:"timeout"` // bound on each backend call
	Devices  []string       `mapstructure:"devices"`
	NFTables NFTablesConfig `mapstructure:"nftables"`
}

// NFTablesConfig configures the nftables backend.
type NFTablesConfig struct {
	TablePrefix string           `mapstructure:"table_prefix"`
	Chain       string           `mapstructure:"chain"`
	Verdicts    []VerdictMapping `mapstructure:"verdicts"`
}

// VerdictMapping maps a rule action id to an nftables verdict.
// A list rather than a map because action ids contain dots.
type VerdictMapping struct {
	Action  string `mapstructure:"action"`
	Verdict string `mapstructure:"verdict"` // drop | accept
}

// DeviceIDs returns Devices as typed ids.
func (e EnforcementConfig) DeviceIDs() []core.DeviceID {
	out := make([]core.DeviceID, len(e.Devices))
	for i, d := range e.Devices {
		out[i] = core.DeviceID(d)
	}
	return out
}

// VerdictMap returns the verdict mappings keyed by action.
func (n NFTablesConfig) VerdictMap() map[string]string {
	m := make(map[string]string, len(n.Verdicts))
	for _, v := range n.Verdicts {
		m[v.Action] = v.Verdict
	}
	return m
}

// ─── Capture ───

// CaptureConfig configures the live event source.
type CaptureConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Interfaces []CaptureInterface `mapstructure:"interfaces"`
	SnapLen    int                `mapstructure:"snap_len"`
	Partitions int                `mapstructure:"partitions"` // dispatch partitions
	QueueSize  int                `mapstructure:"queue_size"` // events per partition
}

// CaptureInterface attributes frames seen on Name to Device.
type CaptureInterface struct {
	Name   string `mapstructure:"name"`
	Device string `mapstructure:"device"`
}

// ─── REST API ───

// APIConfig configures the REST management API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ─── Kafka Global Default ───

// GlobalKafkaConfig provides shared Kafka connection defaults.
// command_channel.kafka inherits from here when its fields are zero.
type GlobalKafkaConfig struct {
	Brokers []string   `mapstructure:"brokers"`
	SASL    SASLConfig `mapstructure:"sasl"`
	TLS     TLSConfig  `mapstructure:"tls"`
}

// SASLConfig contains SASL authentication settings.
type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"` // PLAIN | SCRAM-SHA-256 | SCRAM-SHA-512
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// TLSConfig contains TLS settings.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACert             string `mapstructure:"ca_cert"`
	ClientCert         string `mapstructure:"client_cert"`
	ClientKey          string `mapstructure:"client_key"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ─── Command Channel ───

// CommandChannelConfig configures the remote command channel.
type CommandChannelConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Type       string             `mapstructure:"type"` // "kafka"
	Kafka      CommandKafkaConfig `mapstructure:"kafka"`
	CommandTTL time.Duration      `mapstructure:"command_ttl"`
}

// CommandKafkaConfig contains Kafka-specific command channel settings.
// Brokers/SASL/TLS inherit from GlobalKafkaConfig when empty/zero.
type CommandKafkaConfig struct {
	Brokers         []string   `mapstructure:"brokers"`
	Topic           string     `mapstructure:"topic"`
	ResponseTopic   string     `mapstructure:"response_topic"` // empty = responses disabled
	GroupID         string     `mapstructure:"group_id"`
	AutoOffsetReset string     `mapstructure:"auto_offset_reset"`
	SASL            SASLConfig `mapstructure:"sasl"`
	TLS             TLSConfig  `mapstructure:"tls"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
	Loki LokiOutputConfig `mapstructure:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Endpoint     string            `mapstructure:"endpoint"`
	Labels       map[string]string `mapstructure:"labels"`
	BatchSize    int               `mapstructure:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `flowguard: ...`.
type configRoot struct {
	Flowguard GlobalConfig `mapstructure:"flowguard"`
}

// Load loads configuration from file. An empty path yields the defaults
// plus environment overrides.
// The YAML file uses `flowguard:` as root key; env vars use the FLOWGUARD_
// prefix (e.g. FLOWGUARD_GUARD_MAX_EVENTS).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `flowguard.` key prefix maps to FLOWGUARD_ through the replacer
	// (key "flowguard.log.level" → env "FLOWGUARD_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Flowguard

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "flowguard." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	d := func(key string, value any) { v.SetDefault(rootKey+"."+key, value) }

	// Control defaults
	d("control.pid_file", "/var/run/flowguard.pid")
	d("control.socket", "/var/run/flowguard.sock")

	// Guard defaults
	d("guard.max_events", 7)
	d("guard.ban_duration", "60s")
	d("guard.shards", 32)
	d("guard.owner", "pingguard")

	// Registry defaults
	d("registry.owner", "rulestore")
	d("registry.device_prefix", "device:s")

	// Enforcement defaults
	d("enforcement.backend", "memory")
	d("enforcement.timeout", "5s")
	d("enforcement.nftables.table_prefix", "flowguard_")
	d("enforcement.nftables.chain", "forward")

	// Capture defaults
	d("capture.enabled", false)
	d("capture.snap_len", 128)
	d("capture.partitions", 8)
	d("capture.queue_size", 4096)

	// REST API defaults
	d("api.enabled", true)
	d("api.listen", "127.0.0.1:8181")

	// Log defaults
	d("log.level", "info")
	d("log.format", "json")
	d("log.outputs.file.enabled", false)
	d("log.outputs.file.path", "/var/log/flowguard/flowguard.log")
	d("log.outputs.file.rotation.max_size_mb", 100)
	d("log.outputs.file.rotation.max_age_days", 30)
	d("log.outputs.file.rotation.max_backups", 5)
	d("log.outputs.file.rotation.compress", true)

	// Metrics defaults
	d("metrics.enabled", true)
	d("metrics.listen", ":9091")
	d("metrics.path", "/metrics")

	// Command channel defaults
	d("command_channel.enabled", false)
	d("command_channel.type", "kafka")
	d("command_channel.kafka.auto_offset_reset", "latest")
	d("command_channel.command_ttl", "5m")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Guard validation ──
	if cfg.Guard.MaxEvents < 1 {
		return fmt.Errorf("%w: guard.max_events must be >= 1, got %d", core.ErrConfigInvalid, cfg.Guard.MaxEvents)
	}
	if cfg.Guard.BanDuration <= 0 {
		return fmt.Errorf("%w: guard.ban_duration must be > 0, got %s", core.ErrConfigInvalid, cfg.Guard.BanDuration)
	}
	if cfg.Guard.Shards <= 0 {
		cfg.Guard.Shards = 32
	}

	// ── Enforcement validation ──
	switch cfg.Enforcement.Backend {
	case "memory":
	case "nftables":
		if len(cfg.Enforcement.Devices) == 0 {
			return fmt.Errorf("%w: enforcement.devices is required for the nftables backend", core.ErrConfigInvalid)
		}
		for _, vm := range cfg.Enforcement.NFTables.Verdicts {
			if vm.Verdict != "drop" && vm.Verdict != "accept" {
				return fmt.Errorf("%w: verdict for %s must be drop/accept, got %q", core.ErrConfigInvalid, vm.Action, vm.Verdict)
			}
		}
	default:
		return fmt.Errorf("%w: unsupported enforcement.backend: %s (must be memory/nftables)", core.ErrConfigInvalid, cfg.Enforcement.Backend)
	}

	// ── Capture validation ──
	if cfg.Capture.Enabled {
		if len(cfg.Capture.Interfaces) == 0 {
			return fmt.Errorf("%w: capture.interfaces is required when capture.enabled=true", core.ErrConfigInvalid)
		}
		for i, ci := range cfg.Capture.Interfaces {
			if ci.Name == "" || ci.Device == "" {
				return fmt.Errorf("%w: capture.interfaces[%d] needs both name and device", core.ErrConfigInvalid, i)
			}
		}
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Kafka inheritance ──
	applyKafkaInheritance(cfg)

	// ── Command channel validation ──
	if cfg.CommandChannel.Enabled {
		if cfg.CommandChannel.Type != "kafka" {
			return fmt.Errorf("%w: unsupported command_channel.type: %s (only 'kafka' supported)", core.ErrConfigInvalid, cfg.CommandChannel.Type)
		}
		if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: command_channel.kafka.brokers is required when command_channel.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.CommandChannel.Kafka.Topic == "" {
			return fmt.Errorf("%w: command_channel.kafka.topic is required when command_channel.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.CommandChannel.Kafka.GroupID == "" {
			cfg.CommandChannel.Kafka.GroupID = "flowguard-" + cfg.Node.Hostname
		}
		// Target filtering of remote commands needs the node address.
		resolvedIP, err := resolveNodeIP(&cfg.Node)
		if err != nil {
			return err
		}
		cfg.Node.IP = resolvedIP
	}

	return nil
}

// resolveNodeIP resolves the node IP address.
// Priority: env/config explicit value → auto-detect → error.
func resolveNodeIP(node *NodeConfig) (string, error) {
	if node.IP != "" {
		return node.IP, nil
	}

	// Auto-detect: first non-loopback, non-link-local IPv4
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("cannot resolve node IP: failed to list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || (ip4[0] == 169 && ip4[1] == 254) {
				continue
			}
			return ip4.String(), nil
		}
	}

	return "", fmt.Errorf("cannot resolve node IP: set FLOWGUARD_NODE_IP or flowguard.node.ip")
}

// applyKafkaInheritance copies global Kafka settings into command_channel.kafka
// where its own fields are empty/zero.
func applyKafkaInheritance(cfg *GlobalConfig) {
	global := &cfg.Kafka
	cc := &cfg.CommandChannel.Kafka
	if len(cc.Brokers) == 0 {
		cc.Brokers = global.Brokers
	}
	if !cc.SASL.Enabled && global.SASL.Enabled {
		cc.SASL = global.SASL
	}
	if !cc.TLS.Enabled && global.TLS.Enabled {
		cc.TLS = global.TLS
	}
}

// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/flowguard/internal/api"
	"firestige.xyz/flowguard/internal/backend"
	"firestige.xyz/flowguard/internal/backend/memory"
	"firestige.xyz/flowguard/internal/backend/nft"
	"firestige.xyz/flowguard/internal/capture"
	"firestige.xyz/flowguard/internal/command"
	"firestige.xyz/flowguard/internal/config"
	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/guard"
	logpkg "firestige.xyz/flowguard/internal/log"
	"firestige.xyz/flowguard/internal/metrics"
	"firestige.xyz/flowguard/internal/registry"
	"firestige.xyz/flowguard/internal/scheduler"
)

const stopTimeout = 10 * time.Second

// Daemon manages the flowguard process lifecycle.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Enforcement
	backend   core.EnforcementBackend
	devices   core.DeviceLister
	closeBack func() error
	sched     *scheduler.TimerScheduler
	guard     *guard.Guard
	registry  *registry.Registry

	// Event sources
	dispatcher *capture.Dispatcher
	captureWG  sync.WaitGroup

	// Control plane
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	apiServer     *api.Server                   // nil if api disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	mu       sync.Mutex // serialises Reload
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	sigChan  chan os.Signal
}

// New loads the configuration. Empty socketPath or pidFile fall back to the
// control section of the configuration.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		socketPath: socketPath,
		pidFile:    pidFile,
		shutdown:   make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components. On error the
// components already started are stopped again.
func (d *Daemon) Start() (err error) {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting flowguard daemon",
		"version", command.Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := d.buildBackend(); err != nil {
		return fmt.Errorf("failed to create enforcement backend: %w", err)
	}

	d.sched = scheduler.NewTimerScheduler()
	gc := d.config.Guard
	d.guard, err = guard.New(d.backend, d.sched, guard.Options{
		Limits:         guard.Limits{MaxEvents: gc.MaxEvents, BanDuration: gc.BanDuration},
		Shards:         gc.Shards,
		Owner:          gc.Owner,
		BackendTimeout: d.config.Enforcement.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create guard: %w", err)
	}
	d.registry = registry.New(d.backend, d.devices, registry.Options{
		Owner:          d.config.Registry.Owner,
		DevicePrefix:   d.config.Registry.DevicePrefix,
		BackendTimeout: d.config.Enforcement.Timeout,
	})

	if err := d.applyRulesFile(); err != nil {
		return err
	}

	d.cmdHandler = command.NewCommandHandler(d.guard, d.registry, d)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(); err != nil {
		return err
	}
	go func() {
		if err := d.udsServer.Serve(d.ctx); err != nil {
			slog.Error("uds server failed", "error", err)
		}
	}()

	if d.config.API.Enabled {
		d.apiServer = api.NewServer(d.config.API.Listen, d.guard, d.registry)
		if err := d.apiServer.Start(d.ctx); err != nil {
			return err
		}
	}

	if d.config.CommandChannel.Enabled {
		if err := d.startKafkaConsumer(); err != nil {
			// Non-fatal: the daemon stays controllable over UDS.
			slog.Error("failed to start kafka consumer", "error", err)
		}
	}

	if d.config.Capture.Enabled {
		d.startCapture()
	}

	slog.Info("daemon started successfully")
	return nil
}

func (d *Daemon) buildBackend() error {
	ec := d.config.Enforcement
	switch ec.Backend {
	case "nftables":
		b, err := nft.New(nft.Options{
			TablePrefix: ec.NFTables.TablePrefix,
			Chain:       ec.NFTables.Chain,
			Devices:     ec.DeviceIDs(),
			Verdicts:    ec.NFTables.VerdictMap(),
		})
		if err != nil {
			return err
		}
		d.backend = backend.Instrument("nftables", b)
		d.devices = b
		d.closeBack = b.Close
	default:
		b := memory.New(ec.DeviceIDs()...)
		d.backend = backend.Instrument("memory", b)
		d.devices = b
	}
	slog.Info("enforcement backend ready", "backend", ec.Backend, "devices", ec.Devices)
	return nil
}

func (d *Daemon) applyRulesFile() error {
	if d.config.RulesFile == "" {
		return nil
	}
	reqs, err := registry.LoadFile(d.config.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules file: %w", err)
	}
	if err := d.registry.Apply(d.ctx, reqs); err != nil {
		// Rules that failed are logged; the daemon runs with the rest.
		slog.Warn("some static rules were not installed", "error", err)
	}
	return nil
}

func (d *Daemon) startCapture() {
	cc := d.config.Capture
	d.dispatcher = capture.NewDispatcher(d.guard, cc.Partitions, cc.QueueSize)
	for _, ci := range cc.Interfaces {
		src := capture.NewSource(capture.SourceConfig{
			Interface: ci.Name,
			Device:    core.DeviceID(ci.Device),
			SnapLen:   cc.SnapLen,
		})
		d.captureWG.Add(1)
		go func(name string) {
			defer d.captureWG.Done()
			if err := src.Run(d.ctx, d.dispatcher.Dispatch); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("capture stopped", "interface", name, "error", err)
			}
		}(ci.Name)
	}
}

// Stop performs graceful shutdown of all daemon components. Active bans
// are lifted; registry rules stay installed. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	// No new commands.
	if d.kafkaConsumer != nil {
		if err := d.kafkaConsumer.Stop(); err != nil {
			slog.Error("error stopping kafka consumer", "error", err)
		}
	}
	if d.apiServer != nil {
		if err := d.apiServer.Stop(ctx); err != nil {
			slog.Error("error stopping api server", "error", err)
		}
	}
	if d.udsServer != nil {
		if err := d.udsServer.Stop(); err != nil {
			slog.Error("error stopping uds server", "error", err)
		}
	}

	// No new events; cancelling the context also ends the capture loops.
	d.cancel()
	d.captureWG.Wait()
	if d.dispatcher != nil {
		if err := d.dispatcher.Close(ctx); err != nil {
			slog.Error("error draining event dispatcher", "error", err)
		}
	}

	if d.guard != nil {
		if err := d.guard.Close(ctx); err != nil {
			slog.Error("error lifting bans", "error", err)
		}
	}
	if d.sched != nil {
		if err := d.sched.Stop(ctx); err != nil {
			slog.Error("error stopping scheduler", "error", err)
		}
	}
	if d.closeBack != nil {
		if err := d.closeBack(); err != nil {
			slog.Error("error closing enforcement backend", "error", err)
		}
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(ctx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
	_ = logpkg.Close()
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, the
// daemon_shutdown command or cancellation of ctx. SIGHUP reloads the
// configuration.
func (d *Daemon) Run(ctx context.Context) error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")
	for {
		select {
		case sig := <-d.sigChan:
			if sig == syscall.SIGHUP {
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			d.Stop()
			return nil

		case <-d.shutdown:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-ctx.Done():
			d.Stop()
			return ctx.Err()
		}
	}
}

// TriggerShutdown asks Run to stop the daemon. Repeated calls are no-ops.
func (d *Daemon) TriggerShutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.shutdown:
	default:
		close(d.shutdown)
	}
}

// Reload re-reads the configuration file. Logging and guard limits are
// applied in place; everything else needs a restart and is only reported.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	slog.Info("reloading configuration", "path", d.configPath)
	next, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	prev := d.config

	var hot, cold []string
	if !reflect.DeepEqual(next.Log, prev.Log) {
		if err := logpkg.Init(next.Log); err != nil {
			return fmt.Errorf("failed to reinitialize logging: %w", err)
		}
		hot = append(hot, "log")
	}
	if next.Guard.MaxEvents != prev.Guard.MaxEvents || next.Guard.BanDuration != prev.Guard.BanDuration {
		if err := d.guard.Configure(next.Guard.MaxEvents, next.Guard.BanDuration); err != nil {
			return err
		}
		hot = append(hot, "guard")
	}

	check := func(name string, changed bool) {
		if changed {
			cold = append(cold, name)
		}
	}
	check("node.hostname", next.Node.Hostname != prev.Node.Hostname)
	check("enforcement.backend", next.Enforcement.Backend != prev.Enforcement.Backend)
	check("api.listen", next.API.Listen != prev.API.Listen)
	check("metrics.listen", next.Metrics.Listen != prev.Metrics.Listen)
	check("capture", next.Capture.Enabled != prev.Capture.Enabled || len(next.Capture.Interfaces) != len(prev.Capture.Interfaces))
	check("rules_file", next.RulesFile != prev.RulesFile)

	d.config = next
	slog.Info("configuration reloaded", "hot_reloaded", hot, "requires_restart", cold)
	return nil
}

// Config returns the configuration currently in force.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized", "level", d.config.Log.Level, "format", d.config.Log.Format)
	return nil
}

func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(d.config.CommandChannel, d.config.Node, d.cmdHandler)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	d.kafkaConsumer = consumer
	go func() {
		if err := consumer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("kafka consumer stopped with error", "error", err)
		}
	}()
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}

// Command pulsed runs the trigger and notification delivery daemon: the
// durable queue, the periodic processors, the delivery engine, and the HTTP
// gateway. Subcommands cover health checks (status) and preflight
// diagnostics (doctor).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/lunahq/pulse/internal/audit"
	"github.com/lunahq/pulse/internal/config"
	"github.com/lunahq/pulse/internal/cron"
	"github.com/lunahq/pulse/internal/delivery"
	"github.com/lunahq/pulse/internal/gateway"
	otelpkg "github.com/lunahq/pulse/internal/otel"
	"github.com/lunahq/pulse/internal/presence"
	"github.com/lunahq/pulse/internal/store"
	"github.com/lunahq/pulse/internal/summarize"
	"github.com/lunahq/pulse/internal/telemetry"
	"github.com/lunahq/pulse/internal/trigger"
)

var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon (queue, processors, gateway)
  %s daemon                   Same, explicit form

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

ENVIRONMENT VARIABLES:
  PULSE_HOME              Data directory (default: ~/.pulse)
  PULSE_AUTH_TOKEN        API token override (default: $PULSE_HOME/auth.token)
  PULSE_TELEGRAM_TOKEN    Telegram bot token override

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are themselves audited. Audit only
	// needs the home dir, not the logger.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.CORS.Enabled {
			logger.Warn("cors is disabled on a non-loopback bind; browser clients on other origins will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsInit {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	// OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	var metrics *otelpkg.Metrics
	if cfg.Telemetry.MetricsEnabled {
		metrics, err = otelpkg.NewMetrics(otelProvider.Meter)
		if err != nil {
			fatalStartup(logger, "E_OTEL_INIT", err)
		}
	}

	dbPath := filepath.Join(cfg.HomeDir, "pulse.db")
	st, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	requeued, failedRows, err := st.RecoverStuckTriggers(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"requeued", requeued, "failed", failedRows)

	registry := presence.NewRegistry()

	// Telegram is optional: a missing token or a failed handshake degrades
	// to chat fallback instead of blocking startup.
	var bot *delivery.Bot
	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram enabled but token is missing; deliveries fall back to chat")
		} else if b, err := delivery.NewBot(cfg.Telegram.Token, st, logger); err != nil {
			logger.Warn("telegram bot init failed; deliveries fall back to chat", "error", err)
		} else {
			bot = b
		}
	}

	engineCfg := delivery.Config{
		SweepInterval: time.Duration(cfg.Queue.SweepIntervalSeconds) * time.Second,
		BatchSize:     cfg.Queue.BatchSize,
		PushDisabled:  !cfg.Push.Enabled,
	}
	if bot != nil {
		engineCfg.Telegram = bot
	}
	engine := delivery.New(st, registry, engineCfg, logger)
	engine.Start(ctx)
	logger.Info("startup phase", "phase", "delivery_engine_started")

	compactor := summarize.NewCompactor(st, nil, cfg.Idle.KeepRecent, logger)
	scheduler := summarize.NewScheduler(st, compactor, summarize.Config{
		IdleDelay:      time.Duration(cfg.Idle.DelaySeconds) * time.Second,
		TokenThreshold: cfg.Idle.TokenThreshold,
	}, logger)

	detectors := trigger.NewDetectorRegistry(st)
	processors := trigger.NewProcessors(st, detectors, logger)
	cronRunner := cron.NewRunner(logger, cron.DefaultJobs(processors, st, cron.Config{
		TimeInterval:          time.Duration(cfg.Processors.TimeIntervalSeconds) * time.Second,
		PatternInterval:       time.Duration(cfg.Processors.PatternIntervalMinutes) * time.Minute,
		InsightInterval:       time.Duration(cfg.Processors.InsightIntervalMinutes) * time.Minute,
		TriggerRetentionDays:  cfg.RetentionTriggerDays,
		AuditLogRetentionDays: cfg.RetentionAuditLogDays,
		MessageRetentionDays:  cfg.RetentionMessagesDays,
	}))
	cronRunner.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", cronRunner.JobNames())

	if bot != nil {
		go func() {
			if err := bot.Start(ctx); err != nil {
				logger.Error("telegram listener failed", "error", err)
			}
		}()
	}

	// The queue and engine counters are observable instruments; unregister
	// before the deferred st.Close so callbacks never read a closed store.
	if cfg.Telemetry.MetricsEnabled {
		obsReg, err := otelpkg.RegisterObservers(otelProvider.Meter, otelpkg.Observers{
			TriggersEnqueued:    st.EnqueuedCount,
			TriggersDelivered:   func() int64 { return engine.Status().Delivered },
			TriggersFailed:      func() int64 { return engine.Status().Failed },
			DeliveryFallbacks:   func() int64 { return engine.Status().Fallbacks },
			Compactions:         compactor.CompactionCount,
			QueueDepth:          st.QueueDepth,
			PresenceSubscribers: func() int64 { return int64(registry.TotalSubscribers()) },
		})
		if err != nil {
			logger.Warn("metric observer registration failed", "error", err)
		} else {
			defer func() { _ = obsReg.Unregister() }()
		}
	}

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             st,
		Engine:            engine,
		Presence:          registry,
		Scheduler:         scheduler,
		AuthToken:         authToken,
		AllowOrigins:      cfg.CORS.AllowedOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		RateLimit:         cfg.RateLimit,
		CORS:              cfg.CORS,
		Metrics:           metrics,
		Logger:            logger,
	})
	gw.StartBucketEviction(ctx)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/api/v1/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Config watcher: log_level applies hot, everything else on restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed, keeping previous config", "error", err)
					continue
				}
				logLevel.Set(telemetry.ParseLevel(reloaded.LogLevel))
				logger.Info("config reloaded", "log_level", reloaded.LogLevel,
					"fingerprint", reloaded.Fingerprint(),
					"note", "settings other than log_level apply on restart")
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown phases: stop intake, stop the periodic jobs, drain the
	// engine, drop armed timers. The deferred closes flush the rest.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown phase", "phase", "http_drained")
	cronRunner.Stop()
	logger.Info("shutdown phase", "phase", "cron_stopped")
	engine.Stop()
	logger.Info("shutdown phase", "phase", "engine_stopped")
	scheduler.ClearAllTimers()
	logger.Info("shutdown phase", "phase", "timers_cleared")
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken resolves the API token: env override, then the persisted
// file, then a fresh token generated and written on first run.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("PULSE_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// writeDefaultConfig writes a config.yaml with defaults to disk. Used when
// the daemon starts against a home dir that has none yet.
func writeDefaultConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := config.Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Queue: config.QueueConfig{
			SweepIntervalSeconds: 5,
			BatchSize:            10,
			MaxAttempts:          3,
		},
		Processors: config.ProcessorsConfig{
			TimeIntervalSeconds:    60,
			PatternIntervalMinutes: 60,
			InsightIntervalMinutes: 360,
		},
		Idle: config.IdleConfig{
			DelaySeconds:   300,
			TokenThreshold: 100_000,
			KeepRecent:     10,
		},
		Push:                  config.PushConfig{Enabled: true},
		RetentionTriggerDays:  90,
		RetentionAuditLogDays: 365,
		RetentionMessagesDays: 90,
		DrainTimeoutSeconds:   5,
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	return nil
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: pulsed daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: pulsed daemon [--help]")
	fmt.Fprintln(w, "       pulsed")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the pulse daemon (queue, processors, delivery, gateway).")
}

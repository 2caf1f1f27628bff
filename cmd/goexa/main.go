// goexa is an ExaBGP side-car agent: it announces and withdraws locally
// originated prefixes based on health checks, and programs BGP-learnt
// routes from the speaker's JSON stream into host FIBs.
//
// ExaBGP invokes this binary as a "process". Communication follows ExaBGP
// conventions: STDIN = speaker JSON, STDOUT = commands to the speaker,
// STDERR = logging.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/netauto/goexa/internal/announcer"
	"github.com/netauto/goexa/internal/config"
	"github.com/netauto/goexa/internal/exabgp"
	"github.com/netauto/goexa/internal/fib"
	"github.com/netauto/goexa/internal/health"
	agentmetrics "github.com/netauto/goexa/internal/metrics"
	"github.com/netauto/goexa/internal/runner"
	"github.com/netauto/goexa/internal/speaker"
	appversion "github.com/netauto/goexa/internal/version"
)

// exitConfig is the exit code for missing or invalid configuration,
// matching sysexits EX_UNAVAILABLE (69), the code this agent has always
// used.
const exitConfig = 69

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "sample_announcer.json",
		"path to configuration file (JSON or YAML)")
	dryRun := flag.Bool("dry-run", false, "do not program learnt routes")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("goexa"))
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return exitConfig
	}
	if *dryRun {
		cfg.DryRun = true
	}

	// Dynamic log level for SIGHUP reload. STDOUT belongs to the speaker,
	// so all logging goes to STDERR.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("goexa starting",
		slog.String("version", appversion.Version),
		slog.Int("advertise_prefixes", len(cfg.Advertise.Prefixes)),
		slog.Any("learn_fibs", cfg.Learn.Fibs),
		slog.Bool("dry_run", cfg.DryRun),
	)

	if err := runAgent(cfg, *configPath, logLevel, logger); err != nil {
		logger.Error("goexa exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("goexa stopped")
	return 0
}

// runAgent wires every component and runs them under an errgroup with a
// signal-aware context.
func runAgent(
	cfg *config.Config,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := agentmetrics.NewCollector(reg)

	procRunner := runner.New(runner.DefaultPoolSize, logger)

	channel, err := newChannel(cfg, logger)
	if err != nil {
		return fmt.Errorf("create speaker channel: %w", err)
	}

	coordinator, err := buildCoordinator(cfg, channel, procRunner, collector, logger)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coordinator.Run(gCtx)
	})

	metricsSrv := startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	err = g.Wait()

	// The advertiser has completed its withdraw-on-exit by the time the
	// coordinator returns; only now may the channel go away.
	if closeErr := channel.Close(); closeErr != nil {
		logger.Warn("failed to close speaker channel",
			slog.String("error", closeErr.Error()),
		)
	}
	shutdownMetricsServer(ctx, metricsSrv, logger)

	if err != nil {
		return fmt.Errorf("run agent: %w", err)
	}
	return nil
}

// buildCoordinator assembles the advertise and learn paths from config.
func buildCoordinator(
	cfg *config.Config,
	channel speaker.Channel,
	procRunner *runner.Runner,
	collector *agentmetrics.Collector,
	logger *slog.Logger,
) (*announcer.Coordinator, error) {
	prefixes, err := health.BuildAdvertisePrefixes(cfg.Advertise, procRunner, logger)
	if err != nil {
		return nil, fmt.Errorf("build advertise prefixes: %w", err)
	}

	advertiser := announcer.NewAdvertiser(announcer.AdvertiserConfig{
		Channel:        channel,
		Prefixes:       prefixes,
		Interval:       cfg.Advertise.IntervalDuration(),
		NextHop:        cfg.Advertise.NextHop,
		WithdrawOnExit: cfg.Advertise.WithdrawOnExit,
		Metrics:        collector,
		Logger:         logger,
	})

	coordCfg := announcer.CoordinatorConfig{
		Advertiser: advertiser,
		Logger:     logger,
	}

	if len(cfg.Learn.Fibs) > 0 {
		fibs, err := fib.NewAll(cfg.Learn.Fibs, cfg.Learn, procRunner, logger)
		if err != nil {
			return nil, fmt.Errorf("build FIBs: %w", err)
		}

		queue := fib.NewIntentQueue()

		coordCfg.Learner = announcer.NewLearner(announcer.LearnerConfig{
			Channel:      channel,
			Parser:       exabgp.NewParser(logger),
			Queue:        queue,
			Advertised:   advertiser.AdvertisedPrefixes(),
			Healthy:      advertiser,
			AllowDefault: cfg.Learn.LearnAllowDefault(),
			Metrics:      collector,
			Logger:       logger,
		})
		coordCfg.Consumer = fib.NewConsumer(fib.ConsumerConfig{
			Queue:   queue,
			Fibs:    fibs,
			DryRun:  cfg.DryRun,
			Metrics: collector,
			Logger:  logger,
		})

		logger.Info("learn path enabled", slog.Any("fibs", cfg.Learn.Fibs))
	}

	return announcer.NewCoordinator(coordCfg), nil
}

// newChannel selects the speaker coupling: a FIFO pair when configured,
// stdio otherwise.
func newChannel(cfg *config.Config, logger *slog.Logger) (speaker.Channel, error) {
	if cfg.Pipes.Enabled() {
		logger.Info("using named pipe speaker channel",
			slog.String("in", cfg.Pipes.In),
			slog.String("out", cfg.Pipes.Out),
		)
		return speaker.NewPipeChannel(
			speaker.PipePaths{In: cfg.Pipes.In, Out: cfg.Pipes.Out},
			speaker.DefaultReadChunkSize,
			speaker.DefaultWriteTimeout,
		)
	}
	return speaker.NewStdioChannel(os.Stdin, os.Stdout, speaker.DefaultWriteTimeout), nil
}

// -------------------------------------------------------------------------
// Metrics Server
// -------------------------------------------------------------------------

// startMetricsServer runs the Prometheus endpoint when configured.
// Returns nil when metrics are disabled.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
) *http.Server {
	if cfg.Addr == "" {
		logger.Debug("metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve on %s: %w", cfg.Addr, err)
		}
		return nil
	})

	return srv
}

// shutdownMetricsServer drains the metrics server with a fresh timeout
// context detached from the (already cancelled) parent.
func shutdownMetricsServer(ctx context.Context, srv *http.Server, logger *slog.Logger) {
	if srv == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down metrics server",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the agent has completed
// initialization.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd at the start of graceful
// shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd. The interval
// is WatchdogSec/2 as recommended by the systemd documentation. If the
// watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// startDaemonGoroutines registers the watchdog and SIGHUP reload
// goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	g.Go(func() error {
		<-ctx.Done()
		notifyStopping(logger)
		return nil
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// handleSIGHUP reloads the configuration's log level on SIGHUP. Prefix
// and FIB changes require a restart: they are wired into long-lived tasks.
// Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			newCfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}

			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)

			logger.Info("log level reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
			)
		}
	}
}

// newLoggerWithLevel creates a structured stderr logger using a shared
// LevelVar for dynamic level changes via SIGHUP.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

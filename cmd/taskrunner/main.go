package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskrunner/internal/command"
	"github.com/aristath/taskrunner/internal/config"
	"github.com/aristath/taskrunner/internal/events"
	"github.com/aristath/taskrunner/internal/logging"
	"github.com/aristath/taskrunner/internal/metrics"
	"github.com/aristath/taskrunner/internal/persistence"
	"github.com/aristath/taskrunner/internal/resource"
	"github.com/aristath/taskrunner/internal/scheduler"
	"github.com/aristath/taskrunner/internal/tui"
)

// options are the command-line flags. Flags override the config file.
type options struct {
	configPath  string // Project config; the global one is ~/.taskrunner/config.yaml
	dbPath      string
	tui         bool
	metricsAddr string
	logLevel    string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("taskrunner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", filepath.Join(".taskrunner", "config.yaml"), "project config file (.json, .yaml or .toml)")
	fs.StringVar(&opts.dbPath, "db", "", "SQLite database path (default ~/.taskrunner/taskrunner.db)")
	fs.BoolVar(&opts.tui, "tui", false, "show the terminal dashboard")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9108")
	fs.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled or the
// dashboard is closed.
func run(ctx context.Context, opts options, stderr io.Writer) error {
	globalPath, err := config.DefaultGlobalPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(globalPath, opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	dbPath := opts.dbPath
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}
	if dbPath == "" {
		dbPath = filepath.Join(filepath.Dir(globalPath), "taskrunner.db")
	}

	// The dashboard owns the terminal, so logs go to a file next to the database.
	logOut := stderr
	if opts.tui {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating directory for log file: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(filepath.Dir(dbPath), "taskrunner.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger, err := logging.NewWriter(cfg.Logging, logOut)
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("db", dbPath).Msg("registry opened")

	breakers := scheduler.NewBreakers(cfg.Breakers.Default.Settings(), logger)
	for service, st := range cfg.Breakers.Services {
		breakers.Register(service, st.Settings())
	}

	rm := resource.NewManager(
		resource.NewPsutilSampler(cfg.Resources.DiskPath),
		cfg.Resources.Thresholds(),
		cfg.Resources.SampleInterval.Std(),
		logger,
	)

	bus := events.NewEventBus()
	defer bus.Close()

	engine := scheduler.NewEngine(cfg.SchedulerConfig(), scheduler.Options{
		Store:    store,
		Breakers: breakers,
		Admitter: rm,
		Bus:      bus,
		Logger:   logger,
	})

	// Create ProcessManager for subprocess tracking
	pm := command.NewProcessManager()
	if err := registerHandlers(engine.Handlers(), pm, logger); err != nil {
		return err
	}

	if err := seedJobs(ctx, engine, cfg.Jobs, time.Now(), logger); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Sample once so the first admission decision is not fail-open.
	rm.Refresh(gctx)
	g.Go(func() error { return rm.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })

	if cfg.Metrics.Addr != "" {
		collector := metrics.New()
		sub := bus.SubscribeAll(1024)
		g.Go(func() error { return collector.Run(gctx, sub) })

		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		return config.Watch(gctx, globalPath, opts.configPath, logger, func(next *config.Config) {
			rm.SetThresholds(next.Resources.Thresholds())
			level := next.Logging.Level
			if opts.logLevel != "" {
				level = opts.logLevel
			}
			if err := logging.SetLevel(level); err != nil {
				logger.Warn().Err(err).Msg("log level not applied")
			}
		})
	})

	if opts.tui {
		program := tea.NewProgram(tui.New(bus), tea.WithAltScreen(), tea.WithContext(gctx))
		g.Go(func() error {
			_, err := program.Run()
			// Closing the dashboard stops the daemon.
			cancel()
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
	}

	notify(logger, daemon.SdNotifyReady)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested, cleaning up")
		notify(logger, daemon.SdNotifyStopping)
		return nil
	})

	err = g.Wait()

	// Handlers see cancellation and kill their own process groups; this
	// catches anything that outlived them.
	if kerr := pm.KillAll(); kerr != nil {
		logger.Error().Err(kerr).Msg("failed to kill subprocesses")
	}
	logger.Info().Msg("shutdown complete")
	return err
}

// notify reports state to systemd. Outside systemd it is a no-op.
func notify(logger zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}

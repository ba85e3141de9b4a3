// Command nextstep runs the adaptive next-best-action service: it consumes
// learner activity events, keeps per-course Q-tables up to date and
// persists them as snapshots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextstep/nextstep/config"
	"github.com/nextstep/nextstep/pkg/logger"
	"github.com/nextstep/nextstep/pkg/telemetry/tracing"
	"github.com/nextstep/nextstep/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
	replayPath  = flag.String("replay", "", "Ingest the JSON-lines event file and exit")

	// CLI overrides
	metricsPort = flag.Int("port", 0, "Override ops server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage backend (memory, badger, sqlite)")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nextstep: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		return fmt.Errorf("load configuration:\n%w", err)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
		logCfg.AddSource = true
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer log.Close()
	logger.SetGlobal(log)

	log.Info("starting nextstep",
		"version", version.Version,
		"git_commit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		Environment: cfg.App.Environment,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	var runErr error
	if *replayPath != "" {
		runErr = runReplay(ctx, a, *replayPath)
	} else {
		runErr = serve(ctx, a)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	log.Info("shutting down")
	err = a.close(shutdownCtx)
	if terr := shutdownTracing(shutdownCtx); terr != nil {
		err = errors.Join(err, terr)
	}
	if err != nil {
		log.Error("shutdown incomplete", "error", err)
	} else {
		log.Info("nextstep stopped gracefully")
	}
	return errors.Join(runErr, err)
}

func serve(ctx context.Context, a *app) error {
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, nil, config.WithWatcherLogger(a.log.With("component", "config")))
		if err != nil {
			a.log.Warn("config hot reload disabled", "error", err)
		} else {
			watcher.OnChange(a.applyReload)
			go func() {
				if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.log.Warn("config watcher stopped", "error", err)
				}
			}()
			defer watcher.Stop()
		}
	}

	a.log.Info("nextstep is running",
		"transport", a.cfg.Ingest.Transport,
		"storage", a.cfg.Storage.Type,
		"ops_port", a.cfg.Metrics.Port,
	)
	return a.run(ctx)
}

func runReplay(ctx context.Context, a *app, path string) error {
	summary, err := a.replay(ctx, path)
	if err != nil {
		return err
	}
	if summary.Result != nil {
		a.log.Info("replay ingested",
			"events", summary.Events,
			"accepted", summary.Result.Accepted,
			"dropped", summary.Result.Dropped,
			"duplicates", summary.Result.Duplicates,
			"invalid", summary.Result.Invalid,
			"updates", summary.Result.Updates,
			"failed", summary.Result.Failed,
		)
		return nil
	}
	a.log.Info("replay published", "events", summary.Events, "envelopes", summary.Envelopes)
	return nil
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *metricsPort != 0 {
		overrides["metrics.port"] = *metricsPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printHelp() {
	fmt.Printf("nextstep - adaptive next-best-action service\n\n")
	fmt.Printf("Usage: nextstep [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  nextstep -config config.yaml                   # Serve with a config file\n")
	fmt.Printf("  nextstep -storage sqlite -log-level debug      # Override specific options\n")
	fmt.Printf("  nextstep -config config.yaml -replay logs.jsonl # Ingest a log export and exit\n")
	fmt.Printf("  nextstep -version                              # Print version info\n")
}

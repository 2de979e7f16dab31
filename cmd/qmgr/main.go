package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/igodwin/qmgr/internal/collab"
	"github.com/igodwin/qmgr/internal/config"
	"github.com/igodwin/qmgr/internal/engine"
	"github.com/igodwin/qmgr/internal/introspect"
	"github.com/igodwin/qmgr/internal/logging"
	"github.com/igodwin/qmgr/internal/trigger"
)

var (
	// Build information - set via ldflags during build
	// Example: go build -ldflags "-X main.Version=1.0.0 -X main.GitCommit=$(git rev-parse HEAD)"
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "path to configuration file")
	flag.Parse()

	fmt.Printf("====================================\n")
	fmt.Printf("Queue Manager\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("====================================\n")

	cfg, changes, err := config.Load(*configFile)
	if err != nil {
		logger, _ := logging.NewFromConfig("info", "stdout")
		logger.Warnf("Failed to load config, using defaults: %v", err)
		cfg = config.Default()
	}

	logger, err := logging.NewFromConfig(cfg.Logging.Level, cfg.Logging.OutputPath)
	if err != nil {
		logger, _ = logging.NewFromConfig(cfg.Logging.Level, "stdout")
		logger.Warnf("Failed to open log file, using stdout: %v", err)
	}

	if err := ensureQueueDirs(cfg); err != nil {
		logger.Fatalf("Failed to prepare queue directories: %v", err)
	}

	// The address resolver, delivery agents, and bounce/defer daemon are
	// separate processes and out of scope; these log-backed stand-ins let
	// the engine run standalone until real collaborators are wired in.
	eng := engine.New(cfg, logger, engine.Collaborators{
		Resolver:      &collab.TableResolver{Routes: make(map[string]collab.ResolveResult), DefaultTransport: "smtp"},
		DeliveryAgent: collab.NewLogDeliveryAgentFactory(logger),
		Bounce:        collab.NewLogBounceClient(logger),
	})

	triggers, err := trigger.Listen(cfg.TriggerSocketPath, logger)
	if err != nil {
		logger.Fatalf("Failed to open trigger socket %s: %v", cfg.TriggerSocketPath, err)
	}
	eng.AttachTriggers(triggers)
	if changes != nil {
		eng.AttachChangeDetector(changes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var introspectServer *introspect.Server
	if cfg.Introspect.Enabled {
		introspectServer = introspect.New(cfg.Introspect.Addr, eng.Active(), eng.Store())
		go func() {
			logger.Infof("introspection server listening on %s", cfg.Introspect.Addr)
			if err := introspectServer.ListenAndServe(); err != nil {
				logger.Warnf("introspection server stopped: %v", err)
			}
		}()
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- eng.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutting down on signal")
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			logger.Errorf("engine loop exited: %v", err)
		}
	}

	if introspectServer != nil {
		_ = introspectServer.Close()
	}
	_ = triggers.Close()

	logger.Info("queue manager stopped")
}

func ensureQueueDirs(cfg *config.Config) error {
	for _, dir := range []string{
		cfg.Queue.IncomingDir(),
		cfg.Queue.ActiveDir(),
		cfg.Queue.DeferredDir(),
		cfg.Queue.CorruptDir(),
		filepath.Dir(cfg.TriggerSocketPath),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

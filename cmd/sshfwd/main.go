package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/orris-inc/sshfwd/internal/agent"
	"github.com/orris-inc/sshfwd/internal/config"
	"github.com/orris-inc/sshfwd/internal/logger"
	"github.com/orris-inc/sshfwd/internal/store"
)

func main() {
	if len(os.Args) > 1 && isCommand(os.Args[1]) {
		os.Exit(runCommand(os.Args[1], os.Args[2:]))
	}
	os.Exit(runDaemon())
}

func runDaemon() int {
	var (
		configPath   = flag.StringP("config", "c", "", "config file (default "+config.DefaultFile()+")")
		listenAddr   = flag.StringP("listen", "l", "", "control API listen address")
		dataDir      = flag.StringP("data-dir", "d", "", "directory for forward rules and templates")
		storage      = flag.String("storage", "", "storage backend: json or sqlite")
		logLevel     = flag.String("log-level", "", "log level: debug, info, warn, error")
		apiToken     = flag.String("token", "", "bearer token required by the control API")
		closeOnStop  = flag.Bool("close-connections", false, "force-close piped connections when a forward stops")
		sampleConfig = flag.Bool("sample-config", false, "print an example config file and exit")
	)
	flag.Parse()

	if *sampleConfig {
		fmt.Print(config.SampleConfig())
		return 0
	}

	cfg := config.DefaultConfig()
	path, optional := *configPath, false
	if path == "" {
		path, optional = config.DefaultFile(), true
	}
	if err := config.LoadFile(cfg, path, optional); err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if err := config.LoadEnv(cfg); err != nil {
		logger.Error("failed to load environment", "error", err)
		return 1
	}

	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *storage != "" {
		cfg.Storage = store.Backend(*storage)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *apiToken != "" {
		cfg.APIToken = *apiToken
	}
	if flag.CommandLine.Changed("close-connections") {
		cfg.CloseConnectionsOnStop = *closeOnStop
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		return 1
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid config", "error", err)
		return 1
	}
	logger.SetLevel(level)

	logger.Info("starting sshfwd",
		"listen", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage,
		"connections", len(cfg.Connections))

	ag, err := agent.New(cfg)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start", "error", err)
		ag.Stop()
		return 1
	}

	<-ctx.Done()
	logger.Info("shutting down")

	ag.Stop()
	logger.Info("sshfwd stopped")
	return 0
}

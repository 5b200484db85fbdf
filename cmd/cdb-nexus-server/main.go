// Package main provides the entry point for the cdb-nexus server.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/adapter"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/cache"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/notify"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/registry"
	"github.com/capulus-code-ninja/cdb-nexus/internal/config"
	"github.com/capulus-code-ninja/cdb-nexus/internal/logging"
	"github.com/capulus-code-ninja/cdb-nexus/internal/server"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
	"github.com/docker/docker/client"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC server address (overrides config)")
	httpAddr := flag.String("http-addr", "", "HTTP gateway address (overrides config)")
	adapterType := flag.String("adapter", "", "Debugger adapter type: local, docker (overrides config)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *adapterType != "" {
		cfg.Adapter.Type = *adapterType
	}

	if err := logging.Init(&logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		log.Fatalf("failed to init logging: %v", err)
	}

	newAdapter, err := buildAdapterFactory(cfg)
	if err != nil {
		log.Fatalf("failed to prepare debugger adapter: %v", err)
	}

	limits := types.SessionLimits{
		MaxConcurrentSessions: cfg.Session.MaxConcurrentSessions,
		SessionTimeout:        cfg.Session.GetSessionTimeout(),
		CleanupInterval:       cfg.Session.GetCleanupInterval(),
		CommandTimeout:        cfg.Session.GetCommandTimeout(),
		StartupDelay:          cfg.Session.GetStartupDelay(),
		CloseGracePeriod:      cfg.Session.GetCloseGracePeriod(),
		HeartbeatInterval:     cfg.Session.GetHeartbeatInterval(),
	}
	batchCfg := types.BatchingConfiguration{
		Enabled:                cfg.Batching.Enabled,
		MaxBatchSize:           cfg.Batching.MaxBatchSize,
		BatchWaitTimeout:       cfg.Batching.GetBatchWaitTimeout(),
		BatchTimeoutMultiplier: cfg.Batching.BatchTimeoutMultiplier,
		MaxBatchTimeout:        cfg.Batching.GetMaxBatchTimeout(),
		ExcludedCommands:       cfg.Batching.ExcludedCommands,
	}
	extCfg := types.ExtensionScriptsConfig{
		Enabled:   cfg.ExtensionScripts.Enabled,
		MountRoot: cfg.ExtensionScripts.MountRoot,
		Rules:     cfg.ExtensionScripts.Rules,
	}
	cacheCfg := types.CacheConfiguration{
		MaxMemoryBytes:          cfg.Cache.MaxMemoryBytes,
		DefaultTTL:              cfg.Cache.GetDefaultTTL(),
		CleanupInterval:         cfg.Cache.GetCleanupInterval(),
		MemoryPressureThreshold: cfg.Cache.MemoryPressureThreshold,
		MaxEntriesPerCleanup:    cfg.Cache.MaxEntriesPerCleanup,
	}

	hub := notify.New()
	resultCache := cache.New(cacheCfg)
	reg := registry.New(limits, batchCfg, extCfg, hub, newAdapter)

	srv, err := server.New(server.Config{GRPCAddr: cfg.Server.GRPCAddr, RESTAddr: cfg.Server.HTTPAddr}, reg, resultCache, hub)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("shutting down")
		srv.Stop()
		reg.Shutdown()
		resultCache.Close()
	}()

	logging.Info("cdb-nexus server starting",
		logging.String("grpc_addr", cfg.Server.GRPCAddr),
		logging.String("http_addr", cfg.Server.HTTPAddr),
		logging.String("adapter", cfg.Adapter.Type),
	)

	if cfg.Server.HTTPAddr != "" {
		if err := srv.StartWithGateway(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	} else if err := srv.Start(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}


// buildAdapterFactory returns a fresh process adapter constructor matching
// cfg.Adapter.Type, resolving the cdb.exe executable path (or creating the
// Docker client) once up front so a misconfiguration fails fast at startup.
// The Docker image itself is not checked until a session starts.
func buildAdapterFactory(cfg *config.Config) (registry.AdapterFactory, error) {
	switch cfg.Adapter.Type {
	case "docker":
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, err
		}
		return func() adapter.Adapter {
			return adapter.NewDocker(cli, cfg.Adapter.DockerImage, "", cfg.Adapter.SymbolPathDefault)
		}, nil

	case "local", "":
		path, err := adapter.Locate(cfg.Adapter.ExecutablePath)
		if err != nil {
			return nil, err
		}
		return func() adapter.Adapter { return adapter.NewLocal(path) }, nil

	default:
		log.Printf("unknown adapter type %q, falling back to local", cfg.Adapter.Type)
		path, err := adapter.Locate(cfg.Adapter.ExecutablePath)
		if err != nil {
			return nil, err
		}
		return func() adapter.Adapter { return adapter.NewLocal(path) }, nil
	}
}

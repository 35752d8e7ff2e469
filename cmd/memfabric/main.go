package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memfabric/memfabric/config"
	"github.com/memfabric/memfabric/pkg/api"
	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/atom/badgerstore"
	"github.com/memfabric/memfabric/pkg/atom/memstore"
	"github.com/memfabric/memfabric/pkg/audit"
	"github.com/memfabric/memfabric/pkg/consolidator"
	"github.com/memfabric/memfabric/pkg/decay"
	"github.com/memfabric/memfabric/pkg/deletion"
	"github.com/memfabric/memfabric/pkg/embedding"
	"github.com/memfabric/memfabric/pkg/fabric"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/memguard"
	"github.com/memfabric/memfabric/pkg/metrics"
	"github.com/memfabric/memfabric/pkg/planner"
	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/ports/entityport"
	"github.com/memfabric/memfabric/pkg/ports/graphport"
	"github.com/memfabric/memfabric/pkg/ports/ledgerport"
	"github.com/memfabric/memfabric/pkg/ports/vectorport"
	"github.com/memfabric/memfabric/pkg/relationship"
	"github.com/memfabric/memfabric/pkg/telemetry/tracing"
	"github.com/memfabric/memfabric/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	storageTyp = flag.String("storage", "", "Override storage type (memory, badger)")
	strictMode = flag.Bool("strict", false, "Refuse recall when coverage is incomplete")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting memory fabric",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"environment", cfg.App.Environment,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Tracing
	traceShutdown, err := tracing.Init(ctx, &tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.App.Name,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		if err := traceShutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown failed", "error", err)
		}
	}()

	// Ledger and relationship storage
	var store atom.Store
	var relStore relationship.Store
	switch cfg.Storage.Type {
	case "badger":
		bs, err := badgerstore.New(&badgerstore.Config{
			Path:       cfg.Storage.Badger.Path,
			SyncWrites: cfg.Storage.Badger.SyncWrites,
		})
		if err != nil {
			log.Error("Failed to open Badger store", "error", err)
			os.Exit(1)
		}
		store = bs
		relStore = badgerstore.NewRelStore(bs)
		log.Info("Initialized Badger storage", "path", cfg.Storage.Badger.Path)
	case "memory":
		store = memstore.New()
		relStore = relationship.NewMemStore()
		log.Info("Initialized memory storage")
	default:
		store = memstore.New()
		relStore = relationship.NewMemStore()
		log.Warn("Unknown storage type, using memory storage", "type", cfg.Storage.Type)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing storage", "error", err)
		}
	}()

	// Memory backend adapters
	registry := ports.NewRegistry(log)
	registry.Register(ledgerport.New(store))

	var graph *graphport.Port
	if cfg.Ports.Graph.Enabled {
		graph = graphport.New()
		registry.Register(graph)
	}

	if cfg.Ports.Vector.Enabled {
		var embedder embedding.Embedder
		switch cfg.Ports.Vector.Embedder {
		case "ollama":
			embedder = embedding.NewOllamaEmbedder(cfg.Ports.Vector.Ollama.URL, cfg.Ports.Vector.Ollama.Model, 768)
		default:
			embedder = embedding.NewHashEmbedder(256)
		}
		vport, err := vectorport.New(&vectorport.Config{
			Path:     cfg.Ports.Vector.Path,
			Compress: cfg.Ports.Vector.Compress,
			Timeout:  cfg.Ports.Vector.Timeout,
		}, embedder)
		if err != nil {
			log.Error("Failed to initialize vector port", "error", err)
			os.Exit(1)
		}
		registry.Register(vport)
	}

	if cfg.Ports.Entity.Enabled {
		eport := entityport.New(&entityport.Config{
			Addr:     cfg.Ports.Entity.Redis.Address,
			Password: cfg.Ports.Entity.Redis.Password,
			DB:       cfg.Ports.Entity.Redis.DB,
			Timeout:  cfg.Ports.Entity.Timeout,
		})
		registry.Register(eport)
		defer func() {
			if err := eport.Close(); err != nil {
				log.Error("Error closing entity port", "error", err)
			}
		}()
	}

	// Engines
	guard := memguard.New(cfg.Guard.QuarantineThreshold)
	relEngine := relationship.NewEngine(relStore, log)

	var links decay.LinkCounter
	if graph != nil {
		links = graph
	}
	decayProc := decay.NewProcessor(decay.DefaultConfig(), store, links, log)

	cons := consolidator.New(store, log,
		buildTasks(store, relEngine, decayProc, graph, cfg)...)

	metricsManager := metrics.New(cfg.Metrics.Enabled)

	svc := fabric.New(fabric.Deps{
		Store:                store,
		Guard:                guard,
		Registry:             registry,
		Planner:              planner.New(registry, cfg.Planner.Strict || *strictMode),
		Relationship:         relEngine,
		Decay:                decayProc,
		Consolidator:         cons,
		Deletion:             deletion.NewService(store, relStore, registry, log),
		Audit:                audit.NewRecorder(store, log),
		Metrics:              metricsManager,
		Logger:               log,
		DefaultRetentionDays: cfg.Retention.DefaultDays,
		BenchmarkRunner:      cfg.Benchmark.RunnerArgv,
	})

	// Hot reload for log level and quarantine threshold
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, config.NewLoader())
		if err != nil {
			log.Warn("Config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(func(next *config.Config) {
				log.SetLevel(logger.ParseLevel(next.Log.Level))
				guard.SetThreshold(next.Guard.QuarantineThreshold)
				log.Info("Applied hot-reloaded configuration",
					"log_level", next.Log.Level,
					"quarantine_threshold", next.Guard.QuarantineThreshold,
				)
			})
			go func() {
				if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
					log.Error("Config watcher stopped", "error", err)
				}
			}()
			defer watcher.Stop()
		}
	}

	// Nightly consolidation cycle
	if cfg.Consolidator.Enabled {
		go runConsolidatorLoop(ctx, svc, cfg.Consolidator.Interval, log)
	}

	router := api.NewRouter(svc, registry, metricsManager, log, api.RouterConfig{
		AdminToken:  cfg.Server.AdminToken,
		IngestRPS:   cfg.Server.RateLimit.RPS,
		IngestBurst: cfg.Server.RateLimit.Burst,
	})
	httpServer := api.NewServer(api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}, router, log)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("Memory fabric is running",
		"http_port", cfg.Server.Port,
		"storage", cfg.Storage.Type,
		"strict", cfg.Planner.Strict || *strictMode,
	)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	log.Info("Memory fabric stopped gracefully")
}

// buildTasks assembles the fixed-order consolidation cycle.
func buildTasks(store atom.Store, relEngine *relationship.Engine, decayProc *decay.Processor, graph *graphport.Port, cfg *config.Config) []consolidator.Task {
	tasks := []consolidator.Task{
		{
			Name:    "relationship_cooling",
			Cadence: consolidator.CadenceDaily,
			Run: func(ctx context.Context, dryRun bool) (map[string]int, error) {
				if dryRun {
					return map[string]int{"skipped": 1}, nil
				}
				res, err := relEngine.CoolAll(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]int{"checked": res.Checked, "cooled": res.Cooled, "errors": res.Errors}, nil
			},
		},
		{
			Name:    "memory_decay",
			Cadence: consolidator.CadenceDaily,
			Run: func(ctx context.Context, dryRun bool) (map[string]int, error) {
				res, err := decayProc.ProcessAll(ctx, !dryRun)
				if err != nil {
					return nil, err
				}
				return map[string]int{
					"processed":  res.Processed,
					"decayed":    res.Decayed,
					"flashbulbs": res.Flashbulbs,
					"updated":    res.Updated,
				}, nil
			},
		},
	}

	// Graph upkeep runs before pruning so expired atoms still have their
	// edges when the graph pass walks them.
	if graph != nil {
		tasks = append(tasks, consolidator.Task{
			Name:    "graph_maintenance",
			Cadence: consolidator.CadenceDaily,
			Run: func(ctx context.Context, dryRun bool) (map[string]int, error) {
				if dryRun {
					return map[string]int{"skipped": 1}, nil
				}
				n := graph.Prune(time.Now().Add(-cfg.Ports.Graph.EdgeTTL))
				return map[string]int{"pruned_edges": n}, nil
			},
		})
	}

	tasks = append(tasks,
		consolidator.Task{
			Name:    "retention_pruning",
			Cadence: consolidator.CadenceDaily,
			Run: func(ctx context.Context, dryRun bool) (map[string]int, error) {
				if dryRun {
					return map[string]int{"skipped": 1}, nil
				}
				n, err := store.PruneExpired(ctx, time.Now())
				if err != nil {
					return nil, err
				}
				return map[string]int{"pruned": n}, nil
			},
		},
		consolidator.Task{
			Name:    "weekly_digest",
			Cadence: consolidator.CadenceWeekly,
			Run:     digestTask(store, 7*24*time.Hour),
		},
		consolidator.Task{
			Name:    "monthly_digest",
			Cadence: consolidator.CadenceMonthly,
			Run:     digestTask(store, 30*24*time.Hour),
		},
	)

	return tasks
}

// digestTask counts per-window ingest activity across all users. Counters
// only; the run log must stay free of user content.
func digestTask(store atom.Store, window time.Duration) func(ctx context.Context, dryRun bool) (map[string]int, error) {
	return func(ctx context.Context, dryRun bool) (map[string]int, error) {
		users, atoms := 0, 0
		err := store.ForEachUser(ctx, func(tenantID, userID string) error {
			recent, err := store.RecentAtoms(ctx, tenantID, userID, window, 0)
			if err != nil {
				return err
			}
			users++
			atoms += len(recent)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{"users": users, "atoms": atoms}, nil
	}
}

// runConsolidatorLoop triggers the full nightly cycle on a fixed interval.
func runConsolidatorLoop(ctx context.Context, svc *fabric.Service, interval time.Duration, log logger.Logger) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := svc.Consolidate(ctx, &fabric.ConsolidateRequest{})
			if err != nil {
				log.Error("Consolidation cycle failed", "error", err)
				continue
			}
			log.Info("Consolidation cycle finished", "run_id", res.RunID, "tasks", len(res.TaskStatus))
		}
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageTyp != "" {
		overrides["storage.type"] = *storageTyp
	}
	if *strictMode {
		overrides["planner.strict"] = true
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("Memfabric - Unified Memory Control Plane\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("Memfabric - Unified memory control plane for conversational agents\n\n")
	fmt.Printf("Usage: memfabric [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  memfabric                                 # Run with default config\n")
	fmt.Printf("  memfabric -config config.yaml             # Use specific config file\n")
	fmt.Printf("  memfabric -storage badger -port 9090      # Override specific options\n")
	fmt.Printf("  memfabric -version                        # Print version info\n")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/civiflow/civiflow/internal/config"
	"github.com/civiflow/civiflow/internal/database"
	"github.com/civiflow/civiflow/internal/directory"
	"github.com/civiflow/civiflow/internal/metrics"
	"github.com/civiflow/civiflow/internal/notify"
	"github.com/civiflow/civiflow/internal/telemetry"
	"github.com/civiflow/civiflow/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTELEndpoint != "" {
		shutdown, err := telemetry.InitTelemetry(ctx, cfg.ServiceName, cfg.OTELEndpoint)
		if err != nil {
			log.Printf("Telemetry disabled: %v", err)
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Telemetry shutdown failed: %v", err)
				}
			}()
		}
	}

	db, err := database.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Printf("Connected to database")

	// Message bus for notifications and engine events.
	var notifier workflow.Notifier
	var events workflow.EventSink
	if cfg.NATSUrl != "" {
		bus, err := notify.NewNatsBus(notify.Config{URL: cfg.NATSUrl})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer bus.Close()
		notifier = bus
		events = bus
	} else {
		log.Printf("No NATS URL configured; notifications go to the log")
		ln := notify.LogNotifier{}
		notifier = ln
		events = ln
	}

	// Directory and round-robin sequencer, Redis-backed when available.
	var dir workflow.Directory = directory.NewStatic(cfg.Directory.Roles, cfg.Directory.Supervisors)
	var seq workflow.Sequencer = workflow.NewLocalSequencer()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		dir = directory.NewCached(dir, rdb, cfg.Directory.CacheTTL)
		seq = directory.NewRedisSequencer(rdb)
		log.Printf("Connected to Redis at %s", cfg.RedisAddr)
	}

	defs := workflow.NewDefinitionStore(db)
	resolver := workflow.NewResolver(dir, seq, db)
	tasks := workflow.NewTaskManager(db, notifier)
	engine := workflow.NewEngine(db, defs, resolver, tasks, notifier, events)

	if cfg.DefinitionsDir != "" {
		n, err := workflow.InstallDefinitions(ctx, defs, cfg.DefinitionsDir)
		if err != nil {
			log.Fatalf("Failed to install definitions: %v", err)
		}
		log.Printf("Installed %d definition(s) from %s", n, cfg.DefinitionsDir)

		if cfg.WatchDefinitions {
			watcher := workflow.NewWatcher(defs, cfg.DefinitionsDir)
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					log.Printf("Definitions watcher stopped: %v", err)
				}
			}()
		}
	}

	hostname, _ := os.Hostname()
	holder := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	sweeper := workflow.NewSweeper(db, engine, tasks, resolver, notifier, db, holder, cfg.SweepInterval, cfg.SweepBatch)
	go sweeper.Run(ctx)

	go trackPoolStats(ctx, db)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}), "healthz"))

	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("Metrics listening on %s", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown failed: %v", err)
	}
}

func trackPoolStats(ctx context.Context, db *database.Database) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.DatabaseConnections.Set(float64(db.Stats().OpenConnections))
		}
	}
}

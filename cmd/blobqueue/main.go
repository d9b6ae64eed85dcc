package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/blobqueue/internal/config"
	"github.com/withObsrvr/blobqueue/internal/coordinator"
	"github.com/withObsrvr/blobqueue/internal/engine"
	"github.com/withObsrvr/blobqueue/internal/format"
	"github.com/withObsrvr/blobqueue/internal/logging"
	"github.com/withObsrvr/blobqueue/internal/metrics"
	"github.com/withObsrvr/blobqueue/internal/objstore"
	"github.com/withObsrvr/blobqueue/internal/queue"
	"github.com/withObsrvr/blobqueue/internal/queuelog"
	"github.com/withObsrvr/blobqueue/internal/sink"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", "blobqueue.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "blobqueue: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("starting blobqueue", "version", Version, "git_sha", GitSHA)

	if err := run(cfg, log); err != nil {
		log.Error("blobqueue failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replicaID := cfg.ReplicaID
	if replicaID == "" {
		hostname, _ := os.Hostname()
		replicaID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	log.Info("replica id", "replica", replicaID)

	metrics.Init("blobqueue")
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("serving metrics", "address", cfg.Metrics.Address)
	}

	client, err := openCoordinator(cfg.Coordinator)
	if err != nil {
		return err
	}
	defer client.Close()

	var qlog queuelog.Sink = queuelog.NewNop()
	if cfg.QueueLog.Path != "" {
		fileSink, err := queuelog.NewFileSink(cfg.QueueLog.Path)
		if err != nil {
			return err
		}
		defer fileSink.Close()
		qlog = fileSink
	}

	catalog := sink.NewStaticCatalog()
	registry := queue.NewRegistry()

	var engines []*engine.Engine
	for _, table := range cfg.Tables {
		eng, err := buildTable(ctx, table, replicaID, cfg.Coordinator, client, catalog, registry, qlog)
		if err != nil {
			return fmt.Errorf("table %s: %w", table.Name, err)
		}
		engines = append(engines, eng)
	}

	for _, eng := range engines {
		eng.Startup()
		s := eng.EffectiveSettings()
		log.Info("table started",
			"table", eng.TableName(),
			"zk_path", eng.KeeperPath(),
			"mode", string(s.Mode),
			"processing_threads", s.ProcessingThreads,
		)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, eng := range engines {
		eng.Shutdown(shutdownCtx)
		if err := eng.Detach(shutdownCtx); err != nil {
			log.Warn("failed to detach table", "table", eng.TableName(), "error", err)
		}
	}
	log.Info("shutdown complete")
	return nil
}

func openCoordinator(cfg config.CoordinatorConfig) (coordinator.Client, error) {
	if len(cfg.Endpoints) == 1 && cfg.Endpoints[0] == "memory" {
		return coordinator.NewMemoryStore().Session(), nil
	}
	return coordinator.DialZK(coordinator.ZKConfig{
		Servers:        cfg.Endpoints,
		SessionTimeout: time.Duration(cfg.SessionTimeoutMs) * time.Millisecond,
	})
}

func buildTable(
	ctx context.Context,
	table config.TableConfig,
	replicaID string,
	coordCfg config.CoordinatorConfig,
	client coordinator.Client,
	catalog *sink.StaticCatalog,
	registry *queue.Registry,
	qlog queuelog.Sink,
) (*engine.Engine, error) {
	storageType, err := objstore.TypeForEngine(table.Engine)
	if err != nil {
		return nil, err
	}
	store, err := objstore.Open(ctx, objstore.Config{
		Type:           storageType,
		Bucket:         table.Bucket,
		Prefix:         objstore.FixedPrefix(table.Path),
		Region:         table.Region,
		Endpoint:       table.Endpoint,
		StorageAccount: table.StorageAccount,
	})
	if err != nil {
		return nil, err
	}

	if table.Sink.View != "" {
		var target sink.Inserter
		if table.Sink.PostgresDSN != "" {
			pg, err := sink.NewPostgresInserter(table.Sink.PostgresDSN, table.Sink.TargetTable)
			if err != nil {
				return nil, err
			}
			target = pg
		} else {
			target = &sink.MemoryInserter{}
		}
		catalog.Attach(table.Name, sink.View{
			Name:         table.Sink.View,
			TargetTable:  table.Sink.TargetTable,
			Materialized: true,
		}, target)
	}

	return engine.New(ctx, engine.Config{
		TableName:    table.Name,
		EngineName:   table.Engine,
		DatabaseUUID: uuid.NewSHA1(uuid.NameSpaceURL, []byte("blobqueue")).String(),
		TableUUID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte(table.Name)).String(),
		Path:         table.Path,
		Format:       table.Format,
		Schema:       format.Schema{Columns: table.Columns},
		Settings:     table.Settings,
		KeeperPrefix:       coordCfg.Prefix,
		MultiReadBatchSize: coordCfg.MultireadBatchSize,
		ReplicaID:    replicaID,
		Store:        store,
		Coordinator:  client,
		Catalog:      catalog,
		Registry:     registry,
		QueueLog:     qlog,
	})
}

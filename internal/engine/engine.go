// Package engine implements the queue table engine: lifecycle, settings and
// alterations, the claimed-file iterator, source workers, the commit path and
// the background streaming task.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
	"github.com/withObsrvr/blobqueue/internal/format"
	"github.com/withObsrvr/blobqueue/internal/logging"
	"github.com/withObsrvr/blobqueue/internal/objstore"
	"github.com/withObsrvr/blobqueue/internal/queue"
	"github.com/withObsrvr/blobqueue/internal/queuelog"
	"github.com/withObsrvr/blobqueue/internal/sink"
)

// CommitSettings bound one commit cycle. Zero values mean unlimited.
type CommitSettings struct {
	MaxProcessedFiles  uint64
	MaxProcessedRows   uint64
	MaxProcessedBytes  uint64
	MaxProcessingTime  time.Duration
}

// Config assembles everything a queue table needs at create or attach time.
type Config struct {
	TableName    string
	EngineName   string // "S3Queue" or "AzureQueue"
	DatabaseUUID string
	TableUUID    string
	Path         string // object path with glob, relative to the bucket
	Format       string
	Schema       format.Schema
	Settings     map[string]string
	IsAttach     bool

	// KeeperPrefix is the coordinator namespace; the effective table path is
	// <prefix>/<keeper_path> when keeper_path is set (verbatim, no uuids),
	// otherwise <prefix>/<database_uuid>/<table_uuid>.
	KeeperPrefix string

	// MultiReadBatchSize bounds the fan-out of batched coordinator reads.
	MultiReadBatchSize int

	ReplicaID string

	Store       objstore.Store
	Coordinator coordinator.Client
	Catalog     sink.Catalog
	Registry    *queue.Registry
	QueueLog    queuelog.Sink
}

// Engine is one queue table on one replica.
type Engine struct {
	tableName  string
	engineName string
	replicaID  string
	zkPath     string

	store   objstore.Store
	catalog sink.Catalog
	reg     *queue.Registry
	qlog    queuelog.Sink
	log     *slog.Logger

	schema     format.Schema
	inFormat   format.Format
	pathGlob   string

	// Engine-local mutable settings, guarded by mu. Readers snapshot under
	// the lock before use; the background task reads them every cycle.
	mu                sync.Mutex
	pollingMin        time.Duration
	pollingMax        time.Duration
	pollingBackoff    time.Duration
	unregisterAfter   time.Duration
	commitSettings    CommitSettings
	listBatchSize     int
	hashRingFiltering bool
	queueLogEnabled   bool

	// temp metadata is moved into the registry exactly once at Startup;
	// afterwards files is the only handle.
	tempMetadata *queue.Metadata
	files        *queue.Metadata

	task           *streamingTask
	mvAttached     atomic.Bool
	shutdownCalled atomic.Bool
}

// New validates the table definition, syncs metadata with the coordinator and
// builds the engine. The background task does not run until Startup.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if _, err := objstore.TypeForEngine(cfg.EngineName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogicalError, err)
	}

	pathGlob := cfg.Path
	switch {
	case pathGlob == "":
		pathGlob = "/*"
	case strings.HasSuffix(pathGlob, "/"):
		pathGlob += "*"
	case !objstore.HasGlobs(pathGlob):
		return nil, fmt.Errorf("%w: queue url must either end with '/' or contain globs", ErrBadQueryParameter)
	}

	settings, modeSet, err := ParseSettings(cfg.Settings)
	if err != nil {
		return nil, err
	}
	if err := settings.validate(cfg.IsAttach, modeSet); err != nil {
		return nil, err
	}
	if err := format.CheckName(cfg.Format); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	inFormat, _ := format.Get(cfg.Format)

	zkPath := chooseKeeperPath(cfg, settings)
	log := logging.TableLogger(cfg.EngineName, cfg.TableName, cfg.ReplicaID)
	log.Info("using coordinator path", "zk_path", zkPath)

	table := queue.TableMetadata{
		Format:            cfg.Format,
		SchemaDigest:      queue.SchemaDigest(cfg.Schema),
		Mode:              settings.Mode,
		Buckets:           settings.Buckets,
		ProcessingThreads: settings.ProcessingThreads,
		LoadingRetries:    settings.LoadingRetries,
		AfterProcessing:   settings.AfterProcessing,
		TrackedFilesLimit: settings.TrackedFilesLimit,
		TrackedFileTTLSec: settings.TrackedFileTTLSec,
		LastProcessedPath: settings.LastProcessedPath,
	}
	synced, err := queue.SyncWithKeeper(ctx, cfg.Coordinator, zkPath, table, cfg.IsAttach)
	if err != nil {
		return nil, err
	}

	temp := queue.NewMetadata(cfg.Coordinator, zkPath, synced, queue.Config{
		CleanupIntervalMin: time.Duration(settings.CleanupIntervalMinMs) * time.Millisecond,
		CleanupIntervalMax: time.Duration(settings.CleanupIntervalMaxMs) * time.Millisecond,
		MultiReadBatchSize: cfg.MultiReadBatchSize,
	}, log)

	e := &Engine{
		tableName:  cfg.TableName,
		engineName: cfg.EngineName,
		replicaID:  cfg.ReplicaID,
		zkPath:     zkPath,
		store:      cfg.Store,
		catalog:    cfg.Catalog,
		reg:        cfg.Registry,
		qlog:       cfg.QueueLog,
		log:        log,
		schema:     cfg.Schema,
		inFormat:   inFormat,
		pathGlob:   pathGlob,

		pollingMin:      time.Duration(settings.PollingMinTimeoutMs) * time.Millisecond,
		pollingMax:      time.Duration(settings.PollingMaxTimeoutMs) * time.Millisecond,
		pollingBackoff:  time.Duration(settings.PollingBackoffMs) * time.Millisecond,
		unregisterAfter: time.Duration(settings.UnregisterAfterMs) * time.Millisecond,
		commitSettings: CommitSettings{
			MaxProcessedFiles: settings.MaxProcessedFilesBeforeCommit,
			MaxProcessedRows:  settings.MaxProcessedRowsBeforeCommit,
			MaxProcessedBytes: settings.MaxProcessedBytesBeforeCommit,
			MaxProcessingTime: time.Duration(settings.MaxProcessingTimeSecBeforeCommit) * time.Second,
		},
		listBatchSize:     int(settings.ListObjectsBatchSize),
		hashRingFiltering: settings.EnableHashRingFiltering,
		queueLogEnabled:   settings.EnableLoggingToQueueLog,

		tempMetadata: temp,
	}
	if e.qlog == nil {
		e.qlog = queuelog.NewNop()
	}
	e.task = newStreamingTask(e)
	return e, nil
}

func chooseKeeperPath(cfg Config, s Settings) string {
	prefix := cfg.KeeperPrefix
	if prefix == "" {
		prefix = "/"
	}
	if s.KeeperPath != "" {
		// No table uuid on purpose: a user-chosen keeper path is shared
		// verbatim across replicas.
		return path.Join(prefix, s.KeeperPath)
	}
	return path.Join(prefix, cfg.DatabaseUUID, cfg.TableUUID)
}

// TableName returns the table's name.
func (e *Engine) TableName() string { return e.tableName }

// KeeperPath returns the table's coordinator root.
func (e *Engine) KeeperPath() string { return e.zkPath }

// Startup installs the table metadata in the process-wide registry and starts
// the background streaming task.
func (e *Engine) Startup() {
	e.files = e.reg.GetOrCreate(e.zkPath, e.tempMetadata, e.tableName)
	e.tempMetadata = nil
	e.task.activate()
}

// Shutdown stops streaming. It blocks until the current tick returns, then
// unregisters the replica.
func (e *Engine) Shutdown(ctx context.Context) {
	e.shutdownCalled.Store(true)
	e.log.Debug("shutting down storage")
	e.task.deactivate()

	if e.files != nil {
		if err := e.files.Unregister(ctx, e.replicaID); err != nil {
			e.log.Warn("failed to unregister replica", "error", err)
		}
	}
	e.log.Debug("shut down storage")
}

// Drop releases the registry reference and, as the last holder, removes the
// table's coordinator subtree. Call after Shutdown.
func (e *Engine) Drop(ctx context.Context) error {
	return e.reg.Remove(ctx, e.zkPath, e.tableName, true)
}

// Detach releases the registry reference without touching the coordinator
// subtree.
func (e *Engine) Detach(ctx context.Context) error {
	return e.reg.Remove(ctx, e.zkPath, e.tableName, false)
}

// dependencies counts attached views that are materialized and have a
// resolvable target. Any unready view makes the whole table not ready, so the
// tick claims no files it could not deliver.
func (e *Engine) dependencies() int {
	views := e.catalog.DependentViews(e.tableName)
	if len(views) == 0 {
		return 0
	}
	for _, v := range views {
		if !v.Materialized {
			return 0
		}
		if _, ok := e.catalog.Resolve(v); !ok {
			return 0
		}
	}
	return len(views)
}

// Read serves a direct SELECT. It is refused unless the session allows
// stream-like direct select, and refused while a materialized view is
// attached so rows are not consumed twice.
func (e *Engine) Read(ctx context.Context, allowDirectSelect bool, predicate func(objstore.ObjectInfo) bool) ([]format.Row, error) {
	if !allowDirectSelect {
		return nil, fmt.Errorf("%w: direct select is not allowed, to enable use setting `stream_like_engine_allow_direct_select`", ErrQueryNotAllowed)
	}
	if e.mvAttached.Load() {
		return nil, fmt.Errorf("%w: cannot read from %s with attached materialized views", ErrQueryNotAllowed, e.engineName)
	}

	iter, err := e.newFileIterator(predicate)
	if err != nil {
		return nil, err
	}
	defer iter.ReleaseFinishedBuckets(ctx)

	threads := e.files.Table().ProcessingThreads
	commitSettings := e.snapshotCommitSettings()

	collector := &rowCollector{}
	workers := make([]*Worker, 0, threads)
	for i := uint64(0); i < threads; i++ {
		workers = append(workers, e.newWorker(int(i), iter, commitSettings))
	}

	var runErr error
	for _, w := range workers {
		if err := w.Run(ctx, collector); err != nil {
			runErr = err
			break
		}
	}
	// commit_once_processed: a direct read commits its own progress.
	if err := e.commit(ctx, runErr == nil, collector.count(), workers, errMessage(runErr)); err != nil {
		releaseClaims(ctx, workers)
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}
	return collector.rows, nil
}

type rowCollector struct {
	mu   sync.Mutex
	rows []format.Row
}

func (c *rowCollector) Write(ctx context.Context, rows []format.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, rows...)
	return nil
}

func (c *rowCollector) Close(ctx context.Context) error { return nil }

func (c *rowCollector) count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.rows))
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Engine) snapshotCommitSettings() CommitSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitSettings
}

// Alter applies MODIFY (value set) and RESET (value nil) setting changes.
// Only setting alterations are supported; names are normalized, per-mode
// changeability enforced, and `buckets` additionally requires zero attached
// dependent views.
func (e *Engine) Alter(ctx context.Context, modify map[string]string, reset []string) error {
	mode := e.files.Table().Mode

	changes := make(map[string]string, len(modify)+len(reset))
	for name, value := range modify {
		normalized := NormalizeSettingName(name)
		if _, dup := changes[normalized]; dup {
			return fmt.Errorf("%w: setting %s is duplicated", ErrBadArguments, normalized)
		}
		changes[normalized] = value
	}
	for _, name := range reset {
		normalized := NormalizeSettingName(name)
		if _, dup := changes[normalized]; dup {
			return fmt.Errorf("%w: setting %s is duplicated", ErrBadArguments, normalized)
		}
		value, err := defaultValue(normalized)
		if err != nil {
			return err
		}
		changes[normalized] = value
	}

	for name := range changes {
		if !isSettingChangeable(name, mode) {
			return fmt.Errorf("%w: changing setting %s is not allowed for %s mode of %s",
				ErrSupportDisabled, name, mode, e.engineName)
		}
		if requiresDetachedViews(name) {
			if count := e.dependencies(); count > 0 {
				return fmt.Errorf("%w: changing setting %s is allowed only with detached dependencies (dependencies count: %d)",
					ErrSupportDisabled, name, count)
			}
		}
	}

	// Validate values by applying them to a scratch copy first.
	scratch := DefaultSettings()
	for name, value := range changes {
		if err := scratch.apply(name, value); err != nil {
			return err
		}
	}

	// Keeper-persisted subset goes through the shared table metadata.
	persisted := make(map[string]string)
	for name, value := range changes {
		if keeperPersisted[name] {
			persisted[name] = value
		}
	}
	if len(persisted) > 0 {
		err := e.files.AlterSettings(ctx, func(t *queue.TableMetadata) {
			for name, value := range persisted {
				switch name {
				case "after_processing":
					t.AfterProcessing = queue.Action(strings.ToLower(value))
				case "loading_retries":
					t.LoadingRetries = mustU64(value)
				case "processing_threads_num":
					t.ProcessingThreads = mustU64(value)
				case "tracked_files_limit":
					t.TrackedFilesLimit = mustU64(value)
				case "tracked_file_ttl_sec":
					t.TrackedFileTTLSec = mustU64(value)
				case "buckets":
					t.Buckets = mustU64(value)
				}
			}
		})
		if err != nil {
			return err
		}
	}

	// Engine-local subset is applied under the mutex; the background task
	// snapshots these every cycle.
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, value := range changes {
		switch name {
		case "polling_min_timeout_ms":
			e.pollingMin = time.Duration(mustU64(value)) * time.Millisecond
		case "polling_max_timeout_ms":
			e.pollingMax = time.Duration(mustU64(value)) * time.Millisecond
		case "polling_backoff_ms":
			e.pollingBackoff = time.Duration(mustU64(value)) * time.Millisecond
		case "max_processed_files_before_commit":
			e.commitSettings.MaxProcessedFiles = mustU64(value)
		case "max_processed_rows_before_commit":
			e.commitSettings.MaxProcessedRows = mustU64(value)
		case "max_processed_bytes_before_commit":
			e.commitSettings.MaxProcessedBytes = mustU64(value)
		case "max_processing_time_sec_before_commit":
			e.commitSettings.MaxProcessingTime = time.Duration(mustU64(value)) * time.Second
		case "list_objects_batch_size":
			e.listBatchSize = int(mustU64(value))
		case "enable_hash_ring_filtering":
			e.hashRingFiltering = value == "true" || value == "1"
		}
	}
	return nil
}

// mustU64 parses a value already validated by Settings.apply.
func mustU64(value string) uint64 {
	v, _ := strconv.ParseUint(value, 10, 64)
	return v
}

// EffectiveSettings reconstructs the current setting set from the shared
// table metadata and the engine-local mutables. Queue settings are not stored
// locally to avoid keeping two copies in sync.
func (e *Engine) EffectiveSettings() Settings {
	t := e.files.Table()
	s := DefaultSettings()
	s.Mode = t.Mode
	s.AfterProcessing = t.AfterProcessing
	s.KeeperPath = e.zkPath
	s.LoadingRetries = t.LoadingRetries
	s.ProcessingThreads = t.ProcessingThreads
	s.TrackedFileTTLSec = t.TrackedFileTTLSec
	s.TrackedFilesLimit = t.TrackedFilesLimit
	s.Buckets = t.Buckets
	s.LastProcessedPath = t.LastProcessedPath

	e.mu.Lock()
	defer e.mu.Unlock()
	s.PollingMinTimeoutMs = uint64(e.pollingMin / time.Millisecond)
	s.PollingMaxTimeoutMs = uint64(e.pollingMax / time.Millisecond)
	s.PollingBackoffMs = uint64(e.pollingBackoff / time.Millisecond)
	s.UnregisterAfterMs = uint64(e.unregisterAfter / time.Millisecond)
	s.MaxProcessedFilesBeforeCommit = e.commitSettings.MaxProcessedFiles
	s.MaxProcessedRowsBeforeCommit = e.commitSettings.MaxProcessedRows
	s.MaxProcessedBytesBeforeCommit = e.commitSettings.MaxProcessedBytes
	s.MaxProcessingTimeSecBeforeCommit = uint64(e.commitSettings.MaxProcessingTime / time.Second)
	s.ListObjectsBatchSize = uint64(e.listBatchSize)
	s.EnableHashRingFiltering = e.hashRingFiltering
	s.EnableLoggingToQueueLog = e.queueLogEnabled
	return s
}

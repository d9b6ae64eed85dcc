package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
)

const localStatusCacheSize = 10000

// Metadata is the per-table runtime over the coordinator: claims, commit op
// construction, bucket leases, replica registrations and the cleanup task.
// One instance per coordinator path is shared process-wide via Registry.
type Metadata struct {
	client coordinator.Client
	layout Layout
	log    *slog.Logger

	mu    sync.Mutex
	table TableMetadata

	// Recently observed terminal statuses, so the iterator can skip paths
	// without a coordinator round-trip. Entries are advisory; the claim
	// transaction is the source of truth.
	localStatuses *lru.Cache[string, FileState]

	multireadBatch  int
	cleanupMin      time.Duration
	cleanupMax      time.Duration
	cleanupStarted  bool
	cleanupStop     chan struct{}
	cleanupStopOnce sync.Once
	cleanupDone     chan struct{}
}

// Config carries the engine-independent knobs of a Metadata instance.
type Config struct {
	CleanupIntervalMin time.Duration
	CleanupIntervalMax time.Duration
	MultiReadBatchSize int
}

// NewMetadata builds the runtime for a synced table. Call Registry.GetOrCreate
// to install it; the registry starts the cleanup task of the installed copy.
func NewMetadata(client coordinator.Client, root string, table TableMetadata, cfg Config, log *slog.Logger) *Metadata {
	cache, _ := lru.New[string, FileState](localStatusCacheSize)
	if cfg.MultiReadBatchSize <= 0 {
		cfg.MultiReadBatchSize = coordinator.DefaultMultiReadBatchSize
	}
	return &Metadata{
		client:         client,
		layout:         Layout{Root: root},
		log:            log,
		table:          table,
		localStatuses:  cache,
		multireadBatch: cfg.MultiReadBatchSize,
		cleanupMin:     cfg.CleanupIntervalMin,
		cleanupMax:     cfg.CleanupIntervalMax,
		cleanupStop:    make(chan struct{}),
		cleanupDone:    make(chan struct{}),
	}
}

// Table returns a snapshot of the table metadata.
func (m *Metadata) Table() TableMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table
}

// Layout exposes the coordinator paths of this table.
func (m *Metadata) Layout() Layout { return m.layout }

// BucketCount is the effective shard count in Ordered mode: the buckets
// setting when positive, otherwise the processing thread count.
func (m *Metadata) BucketCount() uint64 {
	t := m.Table()
	if t.Buckets > 0 {
		return t.Buckets
	}
	if t.ProcessingThreads > 0 {
		return t.ProcessingThreads
	}
	return 1
}

// BucketForPath assigns an object path to a bucket.
func (m *Metadata) BucketForPath(objectPath string) uint64 {
	return xxhash.Sum64String(objectPath) % m.BucketCount()
}

// Register creates the replica's ephemeral active marker. Registering an
// already registered replica is a no-op.
func (m *Metadata) Register(ctx context.Context, replicaID string) error {
	err := m.client.Create(ctx, m.layout.Registration(replicaID), nil, coordinator.Ephemeral)
	if errors.Is(err, coordinator.ErrNodeExists) {
		return nil
	}
	return err
}

// Unregister removes the replica's active marker.
func (m *Metadata) Unregister(ctx context.Context, replicaID string) error {
	err := m.client.Delete(ctx, m.layout.Registration(replicaID), coordinator.AnyVersion)
	if errors.Is(err, coordinator.ErrNoNode) {
		return nil
	}
	return err
}

// ActiveReplicas lists currently registered replicas.
func (m *Metadata) ActiveReplicas(ctx context.Context) ([]string, error) {
	children, err := m.client.Children(ctx, m.layout.RegistrationsDir())
	if errors.Is(err, coordinator.ErrNoNode) {
		return nil, nil
	}
	return children, err
}

// WatchActiveReplicas lists registered replicas and returns a channel closed
// on the next registration change, so ring membership can be cached until it
// actually moves.
func (m *Metadata) WatchActiveReplicas(ctx context.Context) ([]string, <-chan struct{}, error) {
	return m.client.ChildrenW(ctx, m.layout.RegistrationsDir())
}

// FileStatus is the coordinator-side view of one object path.
type FileStatus struct {
	Processed bool
	Failed    FileRecord
	HasFailed bool
}

// Statuses reads the processed/failed state for a batch of paths, honoring
// the multiread batch bound.
func (m *Metadata) Statuses(ctx context.Context, paths []string) (map[string]FileStatus, error) {
	lookups := make([]string, 0, len(paths)*2)
	for _, p := range paths {
		lookups = append(lookups, m.layout.ProcessedNode(p), m.layout.FailedNode(p))
	}
	nodes, err := coordinator.MultiRead(ctx, m.client, lookups, m.multireadBatch)
	if err != nil {
		return nil, fmt.Errorf("read file statuses: %w", err)
	}
	out := make(map[string]FileStatus, len(paths))
	for i, p := range paths {
		status := FileStatus{Processed: nodes[2*i].Exists}
		if nodes[2*i+1].Exists {
			rec, err := DecodeFileRecord(nodes[2*i+1].Data)
			if err != nil {
				return nil, err
			}
			status.Failed = rec
			status.HasFailed = true
		}
		out[p] = status
	}
	return out, nil
}

// CachedState returns the locally remembered terminal state of a path.
func (m *Metadata) CachedState(p string) (FileState, bool) {
	return m.localStatuses.Get(p)
}

// RememberState caches a terminal state observed for a path.
func (m *Metadata) RememberState(p string, s FileState) {
	m.localStatuses.Add(p, s)
}

// TryClaim attempts to transfer the object into this replica's Processing
// set. A coordinator.ErrNodeExists result means another replica holds the
// claim. The claim node is ephemeral: a crashed replica's claims vanish with
// its session and become reclaimable.
func (m *Metadata) TryClaim(ctx context.Context, objectPath, replicaID string) error {
	rec := NewFileRecord(Processing, replicaID)
	err := m.client.Multi(ctx, coordinator.CreateOp{
		Path: m.layout.Processing(objectPath),
		Data: rec.Encode(),
		Mode: coordinator.Ephemeral,
	})
	var txnErr *coordinator.TxnError
	if errors.As(err, &txnErr) && errors.Is(txnErr.Err, coordinator.ErrNodeExists) {
		return coordinator.ErrNodeExists
	}
	return err
}

// ReleaseClaim drops a Processing record without committing any outcome, used
// when the commit transaction for the file's cycle failed.
func (m *Metadata) ReleaseClaim(ctx context.Context, objectPath string) error {
	err := m.client.Delete(ctx, m.layout.Processing(objectPath), coordinator.AnyVersion)
	if errors.Is(err, coordinator.ErrNoNode) {
		return nil
	}
	return err
}

// ProcessedOps returns the transaction ops moving a file Processing ->
// Processed. In Unordered mode the processed record is persisted; a previous
// retriable failure record is cleared.
func (m *Metadata) ProcessedOps(objectPath, replicaID string, hadFailedRecord bool) []coordinator.Op {
	ops := []coordinator.Op{
		coordinator.DeleteOp{Path: m.layout.Processing(objectPath), Version: coordinator.AnyVersion},
	}
	if m.Table().Mode == ModeUnordered {
		rec := NewFileRecord(Processed, replicaID)
		ops = append(ops, coordinator.CreateOp{Path: m.layout.ProcessedNode(objectPath), Data: rec.Encode()})
	}
	if hadFailedRecord {
		ops = append(ops, coordinator.DeleteOp{Path: m.layout.FailedNode(objectPath), Version: coordinator.AnyVersion})
	}
	return ops
}

// WatermarkOp returns the op advancing a bucket watermark to the given path.
// The watermark node is created by the bucket lease acquisition, so a plain
// set suffices.
func (m *Metadata) WatermarkOp(bucket uint64, objectPath string) coordinator.Op {
	return coordinator.SetOp{Path: m.layout.BucketWatermark(bucket), Data: []byte(objectPath), Version: coordinator.AnyVersion}
}

// FailedOps returns the ops recording a failed attempt: a retriable record
// when retries remain, a terminal Failed record otherwise. The Processing
// claim is released either way.
func (m *Metadata) FailedOps(objectPath, replicaID string, prev FileStatus, exception string) []coordinator.Op {
	retries := prev.Failed.RetryCount + 1
	rec := NewFileRecord(Failed, replicaID)
	rec.LastException = exception

	maxRetries := m.Table().LoadingRetries
	if retries <= maxRetries {
		rec.Retriable = true
		rec.RetryCount = retries
	} else {
		rec.Retriable = false
		rec.RetryCount = prev.Failed.RetryCount
	}

	ops := []coordinator.Op{
		coordinator.DeleteOp{Path: m.layout.Processing(objectPath), Version: coordinator.AnyVersion},
	}
	if prev.HasFailed {
		ops = append(ops, coordinator.SetOp{Path: m.layout.FailedNode(objectPath), Data: rec.Encode(), Version: coordinator.AnyVersion})
	} else {
		ops = append(ops, coordinator.CreateOp{Path: m.layout.FailedNode(objectPath), Data: rec.Encode()})
	}
	return ops
}

// Multi forwards a commit transaction to the coordinator.
func (m *Metadata) Multi(ctx context.Context, ops []coordinator.Op) error {
	return m.client.Multi(ctx, ops...)
}

// AlterSettings applies the keeper-persisted subset of settings changes to the
// shared table metadata node with a compare-and-set, so concurrent alters from
// two replicas cannot silently overwrite each other.
func (m *Metadata) AlterSettings(ctx context.Context, change func(*TableMetadata)) error {
	for {
		node, err := m.client.Get(ctx, m.layout.Metadata())
		if err != nil {
			return fmt.Errorf("read table metadata: %w", err)
		}
		stored, err := decodeTableMetadata(node.Data)
		if err != nil {
			return err
		}
		change(&stored)

		err = m.client.Set(ctx, m.layout.Metadata(), stored.encode(), node.Version)
		if errors.Is(err, coordinator.ErrBadVersion) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write table metadata: %w", err)
		}

		m.mu.Lock()
		m.table = stored
		m.mu.Unlock()
		return nil
	}
}

// Shutdown stops the cleanup task, blocking until it exits. Idempotent.
func (m *Metadata) Shutdown() {
	m.cleanupStopOnce.Do(func() {
		close(m.cleanupStop)
		if m.cleanupStarted {
			<-m.cleanupDone
		}
	})
}

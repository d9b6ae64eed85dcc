package queue

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
	"github.com/withObsrvr/blobqueue/internal/metrics"
)

// cleanupEnabled reports whether this table needs the background cleanup
// pass: Unordered mode with a TTL or a tracked-file cap.
func (m *Metadata) cleanupEnabled() bool {
	t := m.Table()
	return t.Mode == ModeUnordered && (t.TrackedFileTTLSec > 0 || t.TrackedFilesLimit > 0)
}

// startCleanupTask launches the background eviction loop. Called by the
// registry when the instance is installed; at most once per instance.
func (m *Metadata) startCleanupTask(tableName string) {
	if !m.cleanupEnabled() {
		return
	}
	m.cleanupStarted = true
	go m.cleanupLoop(tableName)
}

func (m *Metadata) cleanupLoop(tableName string) {
	defer close(m.cleanupDone)
	for {
		select {
		case <-m.cleanupStop:
			return
		case <-time.After(m.nextCleanupInterval()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		evicted, err := m.CleanupPass(ctx, time.Now())
		cancel()
		if err != nil {
			m.log.Warn("cleanup pass failed", "error", err)
			continue
		}
		if evicted > 0 {
			metrics.Default().CleanupEvicted.WithLabelValues(tableName).Add(float64(evicted))
			m.log.Debug("cleanup pass evicted records", "count", evicted)
		}
	}
}

// nextCleanupInterval picks a uniformly random delay in [min, max] so that
// replicas sharing a table do not stampede the coordinator together.
func (m *Metadata) nextCleanupInterval() time.Duration {
	min, max := m.cleanupMin, m.cleanupMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

type processedEntry struct {
	node string
	path string
	rec  FileRecord
}

// CleanupPass evicts processed records older than the TTL and, when the
// registry exceeds the tracked-file cap, the oldest records beyond it. All
// evictions of one pass go through a single coordinator transaction.
func (m *Metadata) CleanupPass(ctx context.Context, now time.Time) (int, error) {
	t := m.Table()

	children, err := m.client.Children(ctx, m.layout.ProcessedDir())
	if err != nil {
		return 0, err
	}
	if len(children) == 0 {
		return 0, nil
	}

	paths := make([]string, len(children))
	for i, child := range children {
		paths[i] = m.layout.ProcessedDir() + "/" + child
	}
	nodes, err := coordinator.MultiRead(ctx, m.client, paths, m.multireadBatch)
	if err != nil {
		return 0, err
	}

	entries := make([]processedEntry, 0, len(children))
	for i, child := range children {
		if !nodes[i].Exists {
			continue
		}
		rec, err := DecodeFileRecord(nodes[i].Data)
		if err != nil {
			return 0, err
		}
		objectPath, err := decodeNodeName(child)
		if err != nil {
			return 0, err
		}
		entries = append(entries, processedEntry{node: paths[i], path: objectPath, rec: rec})
	}

	evict := make(map[string]processedEntry)
	if t.TrackedFileTTLSec > 0 {
		ttl := time.Duration(t.TrackedFileTTLSec) * time.Second
		for _, e := range entries {
			if e.rec.Age(now) > ttl {
				evict[e.node] = e
			}
		}
	}
	if t.TrackedFilesLimit > 0 && uint64(len(entries)-len(evict)) > t.TrackedFilesLimit {
		remaining := make([]processedEntry, 0, len(entries))
		for _, e := range entries {
			if _, gone := evict[e.node]; !gone {
				remaining = append(remaining, e)
			}
		}
		sort.Slice(remaining, func(i, j int) bool {
			return remaining[i].rec.Timestamp < remaining[j].rec.Timestamp
		})
		excess := uint64(len(remaining)) - t.TrackedFilesLimit
		for _, e := range remaining[:excess] {
			evict[e.node] = e
		}
	}
	if len(evict) == 0 {
		return 0, nil
	}

	ops := make([]coordinator.Op, 0, len(evict))
	for node := range evict {
		ops = append(ops, coordinator.DeleteOp{Path: node, Version: coordinator.AnyVersion})
	}
	if err := m.client.Multi(ctx, ops...); err != nil {
		return 0, err
	}
	for _, e := range evict {
		m.localStatuses.Remove(e.path)
	}
	return len(evict), nil
}

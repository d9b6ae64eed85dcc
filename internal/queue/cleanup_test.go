package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
)

func writeProcessed(t *testing.T, m *Metadata, path string, age time.Duration) {
	t.Helper()
	rec := NewFileRecord(Processed, "r1")
	rec.Timestamp = time.Now().Add(-age).Unix()
	err := m.client.Create(context.Background(), m.layout.ProcessedNode(path), rec.Encode(), coordinator.Persistent)
	if err != nil {
		t.Fatalf("seed processed record %s: %v", path, err)
	}
}

func processedCount(t *testing.T, m *Metadata) int {
	t.Helper()
	children, err := m.client.Children(context.Background(), m.layout.ProcessedDir())
	if err != nil {
		t.Fatalf("list processed: %v", err)
	}
	return len(children)
}

func TestCleanupEvictsByTTL(t *testing.T) {
	table := testTable()
	table.TrackedFileTTLSec = 60
	table.TrackedFilesLimit = 0
	m := newTestMetadata(t, coordinator.NewMemoryStore().Session(), "/queues/t1", table)

	writeProcessed(t, m, "data/old.csv", 2*time.Minute)
	writeProcessed(t, m, "data/new.csv", time.Second)

	evicted, err := m.CleanupPass(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if got := processedCount(t, m); got != 1 {
		t.Fatalf("expected 1 remaining record, got %d", got)
	}
}

func TestCleanupEnforcesCapOldestFirst(t *testing.T) {
	table := testTable()
	table.TrackedFileTTLSec = 0
	table.TrackedFilesLimit = 3
	m := newTestMetadata(t, coordinator.NewMemoryStore().Session(), "/queues/t1", table)

	for i := 0; i < 7; i++ {
		writeProcessed(t, m, fmt.Sprintf("data/f%d.csv", i), time.Duration(7-i)*time.Minute)
	}

	evicted, err := m.CleanupPass(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if evicted != 4 {
		t.Fatalf("expected 4 evictions, got %d", evicted)
	}
	if got := processedCount(t, m); got != 3 {
		t.Fatalf("cap violated: %d records remain", got)
	}

	// The newest records survive.
	for i := 4; i < 7; i++ {
		p := m.layout.ProcessedNode(fmt.Sprintf("data/f%d.csv", i))
		if ok, _ := m.client.Exists(context.Background(), p); !ok {
			t.Errorf("newest record f%d evicted", i)
		}
	}
}

func TestCleanupIdempotentWhenWithinBounds(t *testing.T) {
	table := testTable()
	table.TrackedFileTTLSec = 3600
	table.TrackedFilesLimit = 10
	m := newTestMetadata(t, coordinator.NewMemoryStore().Session(), "/queues/t1", table)

	writeProcessed(t, m, "data/a.csv", time.Minute)
	writeProcessed(t, m, "data/b.csv", time.Minute)

	evicted, err := m.CleanupPass(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("expected no evictions, got %d", evicted)
	}
}

func TestBucketLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	table := testTable()
	table.Mode = ModeOrdered
	table.Buckets = 2

	store := coordinator.NewMemoryStore()
	c1, c2 := store.Session(), store.Session()
	m1 := newTestMetadata(t, c1, "/queues/ord", table)
	m2 := NewMetadata(c2, "/queues/ord", m1.Table(), Config{}, m1.log)

	hold, err := m1.TryAcquireBucket(ctx, 0, "r1")
	if err != nil || hold == nil {
		t.Fatalf("acquire: %v %v", hold, err)
	}
	if hold.Watermark != "" {
		t.Fatalf("fresh bucket watermark must be empty, got %q", hold.Watermark)
	}

	// Another replica cannot take the held bucket.
	if other, err := m2.TryAcquireBucket(ctx, 0, "r2"); err != nil || other != nil {
		t.Fatalf("expected bucket busy, got %v %v", other, err)
	}

	// Re-acquiring our own lease within the session is fine.
	if again, err := m1.TryAcquireBucket(ctx, 0, "r1"); err != nil || again == nil {
		t.Fatalf("re-acquire own lease: %v %v", again, err)
	}

	if err := m1.ReleaseBucket(ctx, 0, "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if hold2, err := m2.TryAcquireBucket(ctx, 0, "r2"); err != nil || hold2 == nil {
		t.Fatalf("acquire after release: %v %v", hold2, err)
	}

	// Session loss frees the lease too.
	c2.Expire()
	c3 := store.Session()
	m3 := NewMetadata(c3, "/queues/ord", m1.Table(), Config{}, m1.log)
	if hold3, err := m3.TryAcquireBucket(ctx, 0, "r3"); err != nil || hold3 == nil {
		t.Fatalf("acquire after session loss: %v %v", hold3, err)
	}
}

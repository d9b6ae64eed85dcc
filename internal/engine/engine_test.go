package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
	"github.com/withObsrvr/blobqueue/internal/failpoint"
	"github.com/withObsrvr/blobqueue/internal/format"
	"github.com/withObsrvr/blobqueue/internal/objstore"
	"github.com/withObsrvr/blobqueue/internal/queue"
	"github.com/withObsrvr/blobqueue/internal/sink"
)

var testSchema = format.Schema{Columns: []format.Column{
	{Name: "id", Type: "Int64"},
	{Name: "payload", Type: "String"},
}}

// testCluster shares one blob bucket and one coordination store across
// simulated replicas.
type testCluster struct {
	t      *testing.T
	coord  *coordinator.MemoryStore
	bucket *blob.Bucket
	store  objstore.Store
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	return &testCluster{
		t:      t,
		coord:  coordinator.NewMemoryStore(),
		bucket: bucket,
		store:  objstore.NewBucketStore(bucket, objstore.TypeMem, ""),
	}
}

func (c *testCluster) seed(path, data string) {
	c.t.Helper()
	if err := c.bucket.WriteAll(context.Background(), path, []byte(data), nil); err != nil {
		c.t.Fatalf("seed %s: %v", path, err)
	}
}

// testReplica is one engine instance with its own coordinator session,
// registry and downstream sink, modeling a separate process.
type testReplica struct {
	engine  *Engine
	session *coordinator.MemorySession
	target  *sink.MemoryInserter
	catalog *sink.MemoryCatalog
}

func (c *testCluster) newReplica(id string, settings map[string]string, withView bool) *testReplica {
	c.t.Helper()
	session := c.coord.Session()
	catalog := sink.NewMemoryCatalog()
	var target *sink.MemoryInserter
	if withView {
		target = catalog.AttachView("events", sink.View{
			Name:         "events_mv",
			TargetTable:  "events_sink",
			Materialized: true,
		})
	}

	eng, err := New(context.Background(), Config{
		TableName:    "events",
		EngineName:   "S3Queue",
		DatabaseUUID: "db-uuid",
		TableUUID:    "table-uuid",
		Path:         "data/*.csv",
		Format:       "CSV",
		Schema:       testSchema,
		Settings:     settings,
		KeeperPrefix: "/blobqueue-test",
		ReplicaID:    id,
		Store:        c.store,
		Coordinator:  session,
		Catalog:      catalog,
		Registry:     queue.NewRegistry(),
		QueueLog:     nil,
	})
	if err != nil {
		c.t.Fatalf("create engine for %s: %v", id, err)
	}
	// Install metadata without activating the background task so tests drive
	// cycles deterministically.
	eng.files = eng.reg.GetOrCreate(eng.zkPath, eng.tempMetadata, eng.tableName)
	eng.tempMetadata = nil

	return &testReplica{engine: eng, session: session, target: target, catalog: catalog}
}

func unorderedSettings(extra map[string]string) map[string]string {
	s := map[string]string{
		"mode":                   "unordered",
		"processing_threads_num": "4",
	}
	for k, v := range extra {
		s[k] = v
	}
	return s
}

func (r *testReplica) processedPaths(t *testing.T) []string {
	t.Helper()
	dir := r.engine.files.Layout().ProcessedDir()
	children, err := r.session.Children(context.Background(), dir)
	if err != nil {
		t.Fatalf("list processed: %v", err)
	}
	sort.Strings(children)
	return children
}

func (r *testReplica) insertedPaths() map[string]bool {
	out := make(map[string]bool)
	for _, row := range r.target.Rows() {
		out[row[VirtualPath].(string)] = true
	}
	return out
}

// Scenario: two replicas with hash-ring filtering split ten objects without
// overlap; together they process everything exactly once.
func TestUnorderedHappyPathTwoReplicas(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	for i := 0; i < 10; i++ {
		cluster.seed(fmt.Sprintf("data/f%02d.csv", i), fmt.Sprintf("%d,row-%d\n", i, i))
	}

	settings := unorderedSettings(map[string]string{"enable_hash_ring_filtering": "true"})
	r1 := cluster.newReplica("r1", settings, true)
	r2 := cluster.newReplica("r2", settings, true)

	// Both replicas are registered before either streams, so the ring is
	// stable for the whole test.
	if err := r1.engine.files.Register(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := r2.engine.files.Register(ctx, "r2"); err != nil {
		t.Fatal(err)
	}

	if _, err := r1.engine.streamToViews(ctx); err != nil {
		t.Fatalf("r1 stream: %v", err)
	}
	if _, err := r2.engine.streamToViews(ctx); err != nil {
		t.Fatalf("r2 stream: %v", err)
	}

	if got := r1.processedPaths(t); len(got) != 10 {
		t.Fatalf("expected 10 processed records, got %d", len(got))
	}

	// No path was delivered by both replicas.
	p1, p2 := r1.insertedPaths(), r2.insertedPaths()
	for path := range p1 {
		if p2[path] {
			t.Errorf("path %s processed by both replicas", path)
		}
	}
	if len(p1)+len(p2) != 10 {
		t.Fatalf("expected 10 total inserted files, got %d + %d", len(p1), len(p2))
	}
}

// Scenario: downstream insert fails once; files become retriable with counter
// 1 and the next cycle processes all of them.
func TestInsertFailureRetries(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	for i := 0; i < 3; i++ {
		cluster.seed(fmt.Sprintf("data/f%d.csv", i), fmt.Sprintf("%d,x\n", i))
	}

	r := cluster.newReplica("r1", unorderedSettings(map[string]string{"loading_retries": "5"}), true)
	r.target.FailNext(errors.New("downstream insert refused"))

	if _, err := r.engine.streamToViews(ctx); err == nil {
		t.Fatal("expected streaming error from failed insert")
	}

	// Nothing is Processed; every file carries a retriable record with
	// counter 1.
	if got := r.processedPaths(t); len(got) != 0 {
		t.Fatalf("files marked processed despite failed insert: %v", got)
	}
	layout := r.engine.files.Layout()
	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("data/f%d.csv", i)
		node, err := r.session.Get(ctx, layout.FailedNode(path))
		if err != nil {
			t.Fatalf("missing failure record for %s: %v", path, err)
		}
		rec, err := queue.DecodeFileRecord(node.Data)
		if err != nil {
			t.Fatal(err)
		}
		if !rec.Retriable || rec.RetryCount != 1 {
			t.Fatalf("unexpected failure record for %s: %+v", path, rec)
		}
	}

	// The next cycle succeeds.
	if _, err := r.engine.streamToViews(ctx); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if got := r.processedPaths(t); len(got) != 3 {
		t.Fatalf("expected 3 processed after retry, got %d", len(got))
	}
	if got := len(r.target.Rows()); got != 3 {
		t.Fatalf("expected 3 inserted rows, got %d", got)
	}
}

// Scenario: a file that always fails to parse exhausts loading_retries and
// becomes terminal.
func TestRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	// Wrong field count: the CSV parser fails on every attempt.
	cluster.seed("data/broken.csv", "only-one-field\n")

	r := cluster.newReplica("r1", unorderedSettings(map[string]string{"loading_retries": "2"}), true)

	for cycle := 0; cycle < 3; cycle++ {
		if _, err := r.engine.streamToViews(ctx); err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
	}

	layout := r.engine.files.Layout()
	node, err := r.session.Get(ctx, layout.FailedNode("data/broken.csv"))
	if err != nil {
		t.Fatalf("missing terminal failure record: %v", err)
	}
	rec, err := queue.DecodeFileRecord(node.Data)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Retriable || rec.RetryCount != 2 {
		t.Fatalf("expected terminal record with counter 2, got %+v", rec)
	}

	// The file is no longer offered.
	if _, err := r.engine.streamToViews(ctx); err != nil {
		t.Fatalf("post-exhaustion cycle: %v", err)
	}
	if ok, _ := r.session.Exists(ctx, layout.Processing("data/broken.csv")); ok {
		t.Fatal("terminal file was claimed again")
	}
	if rows := r.target.Rows(); len(rows) != 0 {
		t.Fatalf("terminal file produced rows: %v", rows)
	}
}

// Scenario: ordered mode advances the bucket watermark only for committed
// files; after a crash the next replica resumes past the watermark.
func TestOrderedWatermarkAfterCrash(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	cluster.seed("data/a.csv", "1,a\n")
	cluster.seed("data/b.csv", "2,b\n")
	cluster.seed("data/c.csv", "3,c\n")

	settings := map[string]string{
		"mode":                   "ordered",
		"buckets":                "1",
		"processing_threads_num": "1",
	}
	r1 := cluster.newReplica("r1", settings, true)

	// Process two files, commit, then crash before touching the third.
	iter, err := r1.engine.newFileIterator(nil)
	if err != nil {
		t.Fatal(err)
	}
	w := r1.engine.newWorker(0, iter, CommitSettings{MaxProcessedFiles: 2})
	collector := &rowCollector{}
	if err := w.Run(ctx, collector); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := r1.engine.commit(ctx, true, w.Rows(), []*Worker{w}, ""); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if mark, err := r1.engine.files.BucketWatermark(ctx, 0); err != nil || mark != "data/b.csv" {
		t.Fatalf("watermark = %q, %v; want data/b.csv", mark, err)
	}

	// Crash: the session dies with its claims and bucket lease.
	r1.session.Expire()

	r2 := cluster.newReplica("r2", settings, true)
	if _, err := r2.engine.streamToViews(ctx); err != nil {
		t.Fatalf("r2 stream: %v", err)
	}

	inserted := r2.insertedPaths()
	if len(inserted) != 1 || !inserted["data/c.csv"] {
		t.Fatalf("expected only data/c.csv after the watermark, got %v", inserted)
	}
	if mark, _ := r2.engine.files.BucketWatermark(ctx, 0); mark != "data/c.csv" {
		t.Fatalf("watermark not advanced to c, got %q", mark)
	}
}

// Scenario: a mid-flight ALTER of the polling ceiling takes effect on the
// next reschedule, not the current cycle.
func TestAlterPollingCeiling(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	r := cluster.newReplica("r1", unorderedSettings(map[string]string{
		"polling_min_timeout_ms": "100",
		"polling_backoff_ms":     "600",
		"polling_max_timeout_ms": "1000",
	}), true)

	task := r.engine.task
	task.adjustDelay(false) // 100 + 600 = 700
	task.adjustDelay(false) // capped at 1000
	if task.reschedule.Milliseconds() != 1000 {
		t.Fatalf("expected delay capped at 1000ms, got %v", task.reschedule)
	}

	if err := r.engine.Alter(ctx, map[string]string{"polling_max_timeout_ms": "5000"}, nil); err != nil {
		t.Fatalf("alter: %v", err)
	}

	task.adjustDelay(false) // 1000 + 600 under the raised ceiling
	if task.reschedule.Milliseconds() != 1600 {
		t.Fatalf("new ceiling not honored, delay %v", task.reschedule)
	}
	if got := r.engine.EffectiveSettings().PollingMaxTimeoutMs; got != 5000 {
		t.Fatalf("effective settings not updated: %d", got)
	}
}

// Scenario: changing `buckets` with an attached materialized view is refused.
func TestAlterBucketsWithAttachedViews(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	settings := map[string]string{
		"mode":                   "ordered",
		"buckets":                "2",
		"processing_threads_num": "1",
	}
	r := cluster.newReplica("r1", settings, true)

	err := r.engine.Alter(ctx, map[string]string{"buckets": "4"}, nil)
	if !errors.Is(err, ErrSupportDisabled) {
		t.Fatalf("expected ErrSupportDisabled, got %v", err)
	}

	// With views detached the same alter passes.
	r.catalog.DetachViews("events")
	if err := r.engine.Alter(ctx, map[string]string{"buckets": "4"}, nil); err != nil {
		t.Fatalf("alter with detached views: %v", err)
	}
	if got := r.engine.files.Table().Buckets; got != 4 {
		t.Fatalf("buckets not persisted, got %d", got)
	}
}

func TestAlterRefusesImmutableSettings(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	r := cluster.newReplica("r1", unorderedSettings(nil), false)

	// processing_threads_num is ordered-immutable but unordered-mutable.
	if err := r.engine.Alter(ctx, map[string]string{"processing_threads_num": "8"}, nil); err != nil {
		t.Fatalf("unordered alter of threads: %v", err)
	}
	// buckets is not mutable in unordered mode.
	if err := r.engine.Alter(ctx, map[string]string{"buckets": "4"}, nil); !errors.Is(err, ErrSupportDisabled) {
		t.Fatalf("expected ErrSupportDisabled, got %v", err)
	}
}

func TestAlterResetReinstatesDefault(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	r := cluster.newReplica("r1", unorderedSettings(map[string]string{"loading_retries": "42"}), false)

	if got := r.engine.files.Table().LoadingRetries; got != 42 {
		t.Fatalf("initial retries: %d", got)
	}
	if err := r.engine.Alter(ctx, nil, []string{"s3queue_loading_retries"}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := r.engine.files.Table().LoadingRetries; got != 10 {
		t.Fatalf("reset did not reinstate default, got %d", got)
	}
}

func TestDirectSelectGuards(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	cluster.seed("data/a.csv", "1,hello\n")
	r := cluster.newReplica("r1", unorderedSettings(nil), false)

	if _, err := r.engine.Read(ctx, false, nil); !errors.Is(err, ErrQueryNotAllowed) {
		t.Fatalf("expected ErrQueryNotAllowed without the session flag, got %v", err)
	}

	r.engine.mvAttached.Store(true)
	if _, err := r.engine.Read(ctx, true, nil); !errors.Is(err, ErrQueryNotAllowed) {
		t.Fatalf("expected ErrQueryNotAllowed with attached views, got %v", err)
	}
	r.engine.mvAttached.Store(false)

	rows, err := r.engine.Read(ctx, true, nil)
	if err != nil {
		t.Fatalf("direct read: %v", err)
	}
	if len(rows) != 1 || rows[0]["payload"] != "hello" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	// A direct read commits its own progress.
	if got := r.processedPaths(t); len(got) != 1 {
		t.Fatalf("direct read did not commit, processed=%v", got)
	}
}

func TestReadPredicatePushdown(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	cluster.seed("data/keep.csv", "1,keep\n")
	cluster.seed("data/skip.csv", "2,skip\n")
	r := cluster.newReplica("r1", unorderedSettings(nil), false)

	rows, err := r.engine.Read(ctx, true, func(info objstore.ObjectInfo) bool {
		return info.Path == "data/keep.csv"
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 || rows[0][VirtualPath] != "data/keep.csv" {
		t.Fatalf("predicate not applied: %v", rows)
	}
}

// The commit fail point forces the transaction to fail; the cycle aborts and
// a later cycle (after the fail point clears) processes everything.
func TestCommitFailPoint(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t)
	cluster.seed("data/a.csv", "1,a\n")
	r := cluster.newReplica("r1", unorderedSettings(nil), true)

	failpoint.Enable(failpoint.FailCommit)
	_, err := r.engine.streamToViews(ctx)
	failpoint.Disable(failpoint.FailCommit)
	if !errors.Is(err, ErrUnknownException) {
		t.Fatalf("expected injected commit failure, got %v", err)
	}
	if got := r.processedPaths(t); len(got) != 0 {
		t.Fatalf("commit failure still marked files processed: %v", got)
	}

	if _, err := r.engine.streamToViews(ctx); err != nil {
		t.Fatalf("cycle after fail point: %v", err)
	}
	if got := r.processedPaths(t); len(got) != 1 {
		t.Fatalf("expected 1 processed after recovery, got %d", len(got))
	}
}

// Streaming without attached dependent views must not claim anything.
func TestNoViewsNoClaims(t *testing.T) {
	cluster := newTestCluster(t)
	cluster.seed("data/a.csv", "1,a\n")
	r := cluster.newReplica("r1", unorderedSettings(nil), false)

	if deps := r.engine.dependencies(); deps != 0 {
		t.Fatalf("expected no dependencies, got %d", deps)
	}

	// A tick in this state returns before claiming any file.
	r.engine.task.tick()
	if ok, _ := r.session.Exists(context.Background(), r.engine.files.Layout().Processing("data/a.csv")); ok {
		t.Fatal("tick without dependencies claimed a file")
	}

	// An unresolvable target also counts as not ready.
	r.catalog.AttachView("events", sink.View{Name: "mv", TargetTable: "gone", Materialized: true})
	r.catalog.DropTarget("gone")
	if deps := r.engine.dependencies(); deps != 0 {
		t.Fatalf("expected no dependencies with dangling target, got %d", deps)
	}
}

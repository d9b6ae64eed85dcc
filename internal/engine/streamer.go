package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/blobqueue/internal/metrics"
	"github.com/withObsrvr/blobqueue/internal/sink"
)

// streamingTask is the single background task of a queue table. Each tick it
// checks for attached dependent views, streams claimed files into them and
// adapts the next-tick delay to the observed progress.
type streamingTask struct {
	engine *Engine

	stop chan struct{}
	done chan struct{}

	activateOnce   sync.Once
	deactivateOnce sync.Once
	activated      bool

	mu         sync.Mutex
	reschedule time.Duration
}

func newStreamingTask(e *Engine) *streamingTask {
	return &streamingTask{
		engine:     e,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		reschedule: e.pollingMin,
	}
}

func (t *streamingTask) activate() {
	t.activateOnce.Do(func() {
		t.activated = true
		go t.loop()
	})
}

// deactivate blocks until the current tick returns and the loop exits.
func (t *streamingTask) deactivate() {
	t.deactivateOnce.Do(func() {
		close(t.stop)
		if t.activated {
			<-t.done
		}
	})
}

func (t *streamingTask) loop() {
	defer close(t.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
		t.tick()

		t.mu.Lock()
		delay := t.reschedule
		t.mu.Unlock()
		timer.Reset(delay)
	}
}

func (t *streamingTask) tick() {
	e := t.engine
	if e.shutdownCalled.Load() {
		return
	}
	ctx := context.Background()

	dependencies := e.dependencies()
	if dependencies == 0 {
		e.log.Debug("no attached dependencies")
		t.adjustDelay(false)
		return
	}

	e.mvAttached.Store(true)
	defer e.mvAttached.Store(false)

	e.log.Debug("started streaming to attached views", "views", dependencies)
	metrics.Default().ActiveStreams.Inc()
	defer metrics.Default().ActiveStreams.Dec()

	if err := e.files.Register(ctx, e.replicaID); err != nil {
		e.log.Error("failed to register replica", "error", err)
		t.adjustDelay(false)
		return
	}

	processed, err := e.streamToViews(ctx)
	if err != nil {
		e.log.Error("failed to process data", "error", err)
	}
	t.adjustDelay(processed)

	e.log.Debug("stopped streaming to attached views", "views", dependencies)
}

// adjustDelay resets the reschedule interval when the cycle made progress,
// and backs off (capped) when it did not. An idle replica whose delay has
// grown past the unregister threshold gives up its active registration so the
// hash ring rebalances onto replicas that still see work.
func (t *streamingTask) adjustDelay(processed bool) {
	e := t.engine
	e.mu.Lock()
	pollingMin, pollingMax, backoff := e.pollingMin, e.pollingMax, e.pollingBackoff
	unregisterAfter := e.unregisterAfter
	e.mu.Unlock()

	t.mu.Lock()
	if processed {
		t.reschedule = pollingMin
	} else {
		t.reschedule += backoff
		if t.reschedule > pollingMax {
			t.reschedule = pollingMax
		}
	}
	delay := t.reschedule
	t.mu.Unlock()

	e.log.Debug("reschedule processing", "delay", delay)

	if delay > unregisterAfter {
		if err := e.files.Unregister(context.Background(), e.replicaID); err != nil {
			e.log.Warn("failed to unregister replica", "error", err)
		}
	}
}

// streamToViews drives commit cycles until the iterator is exhausted or
// shutdown is requested. Each iteration builds one insert per dependent view
// and feeds it from N concurrent workers.
//
// A view dropped between the dependency check and the insert is skipped
// silently: its rows for the cycle are lost. Known hazard, kept for parity
// with the dependency model.
func (e *Engine) streamToViews(ctx context.Context) (bool, error) {
	iter, err := e.newFileIterator(nil)
	if err != nil {
		return false, err
	}

	var totalRows uint64
	threads := e.files.Table().ProcessingThreads

	for !e.shutdownCalled.Load() && !iter.Finished() {
		rows, err := e.streamOnce(ctx, iter, threads)
		totalRows += rows
		iter.ReleaseFinishedBuckets(ctx)
		if err != nil {
			return totalRows > 0, err
		}
	}
	e.log.Debug("processed rows", "rows", totalRows)
	return totalRows > 0, nil
}

// streamOnce runs one insert iteration: spawn workers, feed every dependent
// view's pipeline, then commit the outcome atomically.
func (e *Engine) streamOnce(ctx context.Context, iter *FileIterator, threads uint64) (uint64, error) {
	metrics.Default().InsertIterations.WithLabelValues(e.tableName).Inc()

	var pipelines []sink.Pipeline
	for _, view := range e.catalog.DependentViews(e.tableName) {
		inserter, ok := e.catalog.Resolve(view)
		if !ok {
			continue
		}
		pipe, err := inserter.Begin(ctx, e.schema)
		if err != nil {
			return 0, err
		}
		pipelines = append(pipelines, pipe)
	}
	pipe := sink.NewFanout(pipelines)

	commitSettings := e.snapshotCommitSettings()
	workers := make([]*Worker, 0, threads)
	for i := uint64(0); i < threads; i++ {
		workers = append(workers, e.newWorker(int(i), iter, commitSettings))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(gctx, pipe) })
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = pipe.Close(ctx)
	}

	var rows uint64
	for _, w := range workers {
		rows += w.Rows()
	}

	if runErr != nil {
		if commitErr := e.commit(ctx, false, rows, workers, runErr.Error()); commitErr != nil {
			e.log.Error("failed to commit aborted cycle", "error", commitErr)
			releaseClaims(ctx, workers)
		}
		return 0, runErr
	}
	if err := e.commit(ctx, true, rows, workers, ""); err != nil {
		releaseClaims(ctx, workers)
		return 0, err
	}
	return rows, nil
}

func releaseClaims(ctx context.Context, workers []*Worker) {
	for _, w := range workers {
		w.ReleaseClaims(ctx)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
	"github.com/withObsrvr/blobqueue/internal/format"
	"github.com/withObsrvr/blobqueue/internal/logging"
	"github.com/withObsrvr/blobqueue/internal/metrics"
	"github.com/withObsrvr/blobqueue/internal/objstore"
	"github.com/withObsrvr/blobqueue/internal/queue"
	"github.com/withObsrvr/blobqueue/internal/queuelog"
	"github.com/withObsrvr/blobqueue/internal/sink"
)

const rowBatchSize = 1024

// Virtual columns exposed alongside user columns.
const (
	VirtualPath    = "_path"
	VirtualKey     = "_key"
	VirtualSize    = "_size"
	VirtualModTime = "_time"
)

// fileOutcome tracks the per-file result of one worker within a cycle.
type fileOutcome struct {
	file     ClaimedFile
	rows     uint64
	bytes    uint64
	err      error
	started  time.Time
	finished time.Time
}

// Worker reads claimed files from the shared iterator, parses rows and feeds
// the insert pipeline, tracking per-file outcomes for the commit.
type Worker struct {
	id        int
	engine    *Engine
	iter      *FileIterator
	commit    CommitSettings
	log       *slog.Logger
	startedAt time.Time

	outcomes  []*fileOutcome
	totalRows uint64
	totalBytes uint64
}

func (e *Engine) newWorker(id int, iter *FileIterator, commit CommitSettings) *Worker {
	return &Worker{
		id:        id,
		engine:    e,
		iter:      iter,
		commit:    commit,
		log:       logging.WorkerLogger(e.log, id),
		startedAt: time.Now(),
	}
}

// Run pulls files until a commit threshold trips, the iterator is exhausted
// or shutdown is observed. A file in progress is always finished to its last
// row; thresholds only stop the pulling of new files.
func (w *Worker) Run(ctx context.Context, pipe sink.Pipeline) error {
	for !w.thresholdsReached() && !w.engine.shutdownCalled.Load() {
		file, err := w.iter.Next(ctx)
		if err != nil {
			return err
		}
		if file == nil {
			break
		}

		outcome := &fileOutcome{file: *file, started: time.Now()}
		w.outcomes = append(w.outcomes, outcome)
		outcome.err = w.processFile(ctx, outcome, pipe)
		outcome.finished = time.Now()

		if outcome.err != nil {
			// Reader and parser errors are recovered into the outcome and
			// turned into retry-or-fail commit ops. A broken insert pipeline
			// aborts the whole cycle instead.
			if errors.Is(outcome.err, errPipeline) {
				return outcome.err
			}
			w.log.Warn("failed to process file",
				"path", file.Info.Path,
				"error", outcome.err,
			)
		}
	}
	return nil
}

func (w *Worker) thresholdsReached() bool {
	if w.commit.MaxProcessedFiles > 0 && uint64(len(w.outcomes)) >= w.commit.MaxProcessedFiles {
		return true
	}
	if w.commit.MaxProcessedRows > 0 && w.totalRows >= w.commit.MaxProcessedRows {
		return true
	}
	if w.commit.MaxProcessedBytes > 0 && w.totalBytes >= w.commit.MaxProcessedBytes {
		return true
	}
	if w.commit.MaxProcessingTime > 0 && time.Since(w.startedAt) >= w.commit.MaxProcessingTime {
		return true
	}
	return false
}

// processFile opens, decodes and forwards one object. Reader and parser
// errors are recovered into the file's outcome; a failed pipeline write comes
// back wrapped in errPipeline, and Run returns it to abort the cycle.
func (w *Worker) processFile(ctx context.Context, outcome *fileOutcome, pipe sink.Pipeline) error {
	file := &outcome.file
	raw, err := w.engine.store.NewReader(ctx, file.Info.Path)
	if err != nil {
		return err
	}
	defer raw.Close()

	decoded, closeDecoder, err := format.WrapCompressed(file.Info.Path, raw)
	if err != nil {
		return err
	}
	defer closeDecoder()

	reader, err := w.engine.inFormat.NewRowReader(decoded, w.engine.schema)
	if err != nil {
		return err
	}
	defer reader.Close()

	batch := make([]format.Row, 0, rowBatchSize)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		w.addVirtuals(row, file.Info)
		batch = append(batch, row)
		outcome.rows++
		w.totalRows++
		if len(batch) == rowBatchSize {
			if err := pipe.Write(ctx, batch); err != nil {
				return fmt.Errorf("%w: %v", errPipeline, err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := pipe.Write(ctx, batch); err != nil {
			return fmt.Errorf("%w: %v", errPipeline, err)
		}
	}
	outcome.bytes = uint64(file.Info.Size)
	w.totalBytes += outcome.bytes
	return nil
}

// errPipeline marks failures of the downstream pipeline, which must abort the
// whole cycle instead of being recovered per file.
var errPipeline = fmt.Errorf("insert pipeline failed")

func (w *Worker) addVirtuals(row format.Row, info objstore.ObjectInfo) {
	row[VirtualPath] = info.Path
	row[VirtualKey] = info.Path
	row[VirtualSize] = info.Size
	row[VirtualModTime] = info.ModTime
}

// Rows returns the number of rows this worker has emitted in the cycle.
func (w *Worker) Rows() uint64 { return w.totalRows }

// ReleaseClaims drops the Processing records of this worker's files without
// committing an outcome. Used when the commit transaction itself failed, so
// the next cycle can reclaim the files instead of deadlocking on its own
// still-live claims.
func (w *Worker) ReleaseClaims(ctx context.Context) {
	for _, outcome := range w.outcomes {
		if err := w.engine.files.ReleaseClaim(ctx, outcome.file.Info.Path); err != nil {
			w.log.Warn("failed to release claim", "path", outcome.file.Info.Path, "error", err)
		}
	}
	w.outcomes = nil
}

// PrepareCommitRequests appends the coordinator ops for every file this
// worker touched. Successful files move Processing -> Processed (Unordered)
// or contribute to the bucket watermark (Ordered); failed files are retried
// or moved to Failed depending on their retry counters. When the insert did
// not succeed, nothing is marked Processed and every file takes the failure
// path.
func (w *Worker) PrepareCommitRequests(
	reqs *[]coordinator.Op,
	insertSucceeded bool,
	successfulObjects *[]string,
	watermarks map[uint64]string,
	exceptionMessage string,
) {
	meta := w.engine.files
	for _, outcome := range w.outcomes {
		path := outcome.file.Info.Path
		succeeded := insertSucceeded && outcome.err == nil
		if succeeded {
			if meta.Table().Mode == queue.ModeOrdered {
				*reqs = append(*reqs, coordinator.DeleteOp{
					Path: meta.Layout().Processing(path), Version: coordinator.AnyVersion,
				})
				if prev, ok := watermarks[outcome.file.Bucket]; !ok || path > prev {
					watermarks[outcome.file.Bucket] = path
				}
			} else {
				*reqs = append(*reqs, meta.ProcessedOps(path, w.engine.replicaID, outcome.file.PrevStatus.HasFailed)...)
			}
			*successfulObjects = append(*successfulObjects, path)
			continue
		}

		msg := exceptionMessage
		if outcome.err != nil {
			msg = outcome.err.Error()
		}
		*reqs = append(*reqs, meta.FailedOps(path, w.engine.replicaID, outcome.file.PrevStatus, msg)...)
	}
}

// FinalizeCommit publishes metrics and queue-log records after a successful
// coordinator transaction, and releases per-file bookkeeping.
func (w *Worker) FinalizeCommit(insertSucceeded bool, exceptionMessage string) {
	m := metrics.Default()
	table := w.engine.tableName
	for _, outcome := range w.outcomes {
		succeeded := insertSucceeded && outcome.err == nil
		status := queuelog.StatusProcessed
		if succeeded {
			m.ProcessedFiles.WithLabelValues(table).Inc()
			w.engine.files.RememberState(outcome.file.Info.Path, queue.Processed)
		} else {
			m.FailedFiles.WithLabelValues(table).Inc()
			status = queuelog.StatusFailed
		}

		if w.engine.queueLogEnabled {
			msg := exceptionMessage
			if outcome.err != nil {
				msg = outcome.err.Error()
			}
			w.engine.qlog.Add(queuelog.Record{
				Table:        table,
				Replica:      w.engine.replicaID,
				Path:         outcome.file.Info.Path,
				Rows:         outcome.rows,
				Bytes:        outcome.bytes,
				Status:       status,
				StartedAt:    outcome.started,
				FinishedAt:   outcome.finished,
				Exception:    msg,
				RetriesCount: outcome.file.PrevStatus.Failed.RetryCount,
			})
		}
	}
	w.outcomes = nil
}

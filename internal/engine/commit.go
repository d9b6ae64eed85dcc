package engine

import (
	"context"
	"fmt"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
	"github.com/withObsrvr/blobqueue/internal/failpoint"
	"github.com/withObsrvr/blobqueue/internal/metrics"
	"github.com/withObsrvr/blobqueue/internal/queue"
)

// commit aggregates every worker's outcome into one coordinator transaction.
//
// The after-processing delete runs before the transaction on purpose: a crash
// between the two leaves objects deleted but not marked Processed, which is
// safe because the rows are already inserted and re-listing will not find the
// objects. The opposite order would leave a Processed record with the object
// still present, to be re-claimed after TTL eviction and double-ingested.
func (e *Engine) commit(ctx context.Context, insertSucceeded bool, insertedRows uint64, workers []*Worker, exceptionMessage string) error {
	m := metrics.Default()
	m.ProcessedRows.WithLabelValues(e.tableName).Add(float64(insertedRows))

	var (
		requests          []coordinator.Op
		successfulObjects []string
		watermarks        = make(map[uint64]string)
	)
	for _, w := range workers {
		w.PrepareCommitRequests(&requests, insertSucceeded, &successfulObjects, watermarks, exceptionMessage)
	}
	for bucket, path := range watermarks {
		requests = append(requests, e.files.WatermarkOp(bucket, path))
	}

	if len(requests) == 0 {
		e.log.Debug("nothing to commit")
		return nil
	}
	m.CommitRequests.WithLabelValues(e.tableName).Add(float64(len(requests)))

	if len(successfulObjects) > 0 && e.files.Table().AfterProcessing == queue.ActionDelete {
		if err := e.store.Remove(ctx, successfulObjects); err != nil {
			return fmt.Errorf("remove processed objects: %w", err)
		}
		m.RemovedObjects.WithLabelValues(e.tableName).Add(float64(len(successfulObjects)))
	}

	if failpoint.Active(failpoint.FailCommit) {
		m.UnsuccessfulCommits.WithLabelValues(e.tableName).Inc()
		return fmt.Errorf("%w: failed to commit processed files", ErrUnknownException)
	}

	if err := e.files.Multi(ctx, requests); err != nil {
		m.UnsuccessfulCommits.WithLabelValues(e.tableName).Inc()
		return err
	}
	m.SuccessfulCommits.WithLabelValues(e.tableName).Inc()

	for _, w := range workers {
		w.FinalizeCommit(insertSucceeded, exceptionMessage)
	}

	e.log.Debug("committed streaming cycle",
		"requests", len(requests),
		"workers", len(workers),
		"inserted_rows", insertedRows,
		"successful_files", len(successfulObjects),
	)
	return nil
}

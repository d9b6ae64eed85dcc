package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
	"github.com/withObsrvr/blobqueue/internal/objstore"
	"github.com/withObsrvr/blobqueue/internal/queue"
	"github.com/withObsrvr/blobqueue/internal/ring"
)

// ClaimedFile is an object this replica owns for the current cycle.
type ClaimedFile struct {
	Info       objstore.ObjectInfo
	Bucket     uint64
	PrevStatus queue.FileStatus
}

// FileIterator produces the lazy, finite sequence of claimed files of one
// polling cycle. It is shared by all workers of the cycle behind a mutex.
type FileIterator struct {
	meta      *queue.Metadata
	store     objstore.Store
	glob      *regexp.Regexp
	predicate func(objstore.ObjectInfo) bool
	replicaID string
	listBatch int
	hashRing  bool
	shutdown  func() bool

	mu          sync.Mutex
	pending     []ClaimedFile
	pageToken   string
	listingDone bool
	finished    bool

	mode        queue.Mode
	held        map[uint64]*queue.BucketHold
	unreachable map[uint64]bool // buckets leased by other replicas this cycle

	// Cached ring membership, refreshed when the registration watch fires.
	ringCache *ring.Ring
	ringWatch <-chan struct{}
}

func (e *Engine) newFileIterator(predicate func(objstore.ObjectInfo) bool) (*FileIterator, error) {
	glob, err := objstore.CompileGlob(e.pathGlob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQueryParameter, err)
	}

	e.mu.Lock()
	listBatch := e.listBatchSize
	hashRing := e.hashRingFiltering
	e.mu.Unlock()

	return &FileIterator{
		meta:        e.files,
		store:       e.store,
		glob:        glob,
		predicate:   predicate,
		replicaID:   e.replicaID,
		listBatch:   listBatch,
		hashRing:    hashRing,
		shutdown:    e.shutdownCalled.Load,
		mode:        e.files.Table().Mode,
		held:        make(map[uint64]*queue.BucketHold),
		unreachable: make(map[uint64]bool),
	}, nil
}

// Next returns the next claimed file, or nil when the cycle is exhausted.
func (it *FileIterator) Next(ctx context.Context) (*ClaimedFile, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for {
		if len(it.pending) > 0 {
			file := it.pending[0]
			it.pending = it.pending[1:]
			return &file, nil
		}
		if it.finished || it.shutdown() {
			it.finished = true
			return nil, nil
		}
		if it.listingDone {
			it.finished = true
			return nil, nil
		}
		if err := it.fillPage(ctx); err != nil {
			return nil, err
		}
	}
}

// Finished reports whether the iterator has no more files to offer.
func (it *FileIterator) Finished() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.finished
}

// fillPage lists one page from the store and claims every candidate this
// replica owns. Called with the mutex held.
func (it *FileIterator) fillPage(ctx context.Context) error {
	objects, next, err := it.store.ListPage(ctx, it.pageToken, it.listBatch)
	if err != nil {
		return err
	}
	it.pageToken = next
	if next == "" {
		it.listingDone = true
	}

	candidates := objects[:0]
	for _, obj := range objects {
		if !it.glob.MatchString(obj.Path) {
			continue
		}
		if it.predicate != nil && !it.predicate(obj) {
			continue
		}
		if state, ok := it.meta.CachedState(obj.Path); ok && state == queue.Processed {
			continue
		}
		candidates = append(candidates, obj)
	}

	// Hash-ring filtering: only claim objects this replica is the primary
	// owner of among live registrations.
	if it.hashRing && len(candidates) > 0 {
		r, err := it.currentRing(ctx)
		if err != nil {
			return err
		}
		owned := candidates[:0]
		for _, obj := range candidates {
			if r.Owns(it.replicaID, obj.Path) {
				owned = append(owned, obj)
			}
		}
		candidates = owned
	}
	if len(candidates) == 0 {
		return nil
	}

	paths := make([]string, len(candidates))
	for i, obj := range candidates {
		paths[i] = obj.Path
	}
	statuses, err := it.meta.Statuses(ctx, paths)
	if err != nil {
		return err
	}

	for _, obj := range candidates {
		status := statuses[obj.Path]
		if status.Processed {
			it.meta.RememberState(obj.Path, queue.Processed)
			continue
		}
		if status.HasFailed && !status.Failed.Retriable {
			it.meta.RememberState(obj.Path, queue.Failed)
			continue
		}

		var bucket uint64
		if it.mode == queue.ModeOrdered {
			var skip bool
			bucket, skip, err = it.orderedBucketFor(ctx, obj.Path)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
		}

		err := it.meta.TryClaim(ctx, obj.Path, it.replicaID)
		if errors.Is(err, coordinator.ErrNodeExists) {
			// Another replica holds the claim.
			continue
		}
		if err != nil {
			return err
		}
		it.pending = append(it.pending, ClaimedFile{Info: obj, Bucket: bucket, PrevStatus: status})
	}
	return nil
}

// currentRing returns the consistent-hash ring over live registrations,
// cached until the registration watch reports a membership change.
func (it *FileIterator) currentRing(ctx context.Context) (*ring.Ring, error) {
	if it.ringCache != nil {
		select {
		case <-it.ringWatch:
			it.ringCache = nil
		default:
			return it.ringCache, nil
		}
	}
	replicas, watch, err := it.meta.WatchActiveReplicas(ctx)
	if err != nil {
		return nil, err
	}
	it.ringCache = ring.New(replicas)
	it.ringWatch = watch
	return it.ringCache, nil
}

// orderedBucketFor resolves the bucket of a path, acquiring its lease when
// not yet held. skip is true when the bucket belongs to another replica or
// the path is at or below the bucket watermark.
func (it *FileIterator) orderedBucketFor(ctx context.Context, path string) (bucket uint64, skip bool, err error) {
	bucket = it.meta.BucketForPath(path)
	if it.unreachable[bucket] {
		return bucket, true, nil
	}
	hold, ok := it.held[bucket]
	if !ok {
		hold, err = it.meta.TryAcquireBucket(ctx, bucket, it.replicaID)
		if err != nil {
			return bucket, false, err
		}
		if hold == nil {
			it.unreachable[bucket] = true
			return bucket, true, nil
		}
		it.held[bucket] = hold
	}
	if hold.Watermark != "" && path <= hold.Watermark {
		return bucket, true, nil
	}
	return bucket, false, nil
}

// ReleaseFinishedBuckets releases held bucket leases once the listing is
// drained and nothing claimed is still waiting for a worker. Called after
// each commit cycle.
func (it *FileIterator) ReleaseFinishedBuckets(ctx context.Context) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.pending) > 0 || !it.listingDone {
		return
	}
	for bucket := range it.held {
		if err := it.meta.ReleaseBucket(ctx, bucket, it.replicaID); err != nil {
			continue
		}
		delete(it.held, bucket)
	}
}

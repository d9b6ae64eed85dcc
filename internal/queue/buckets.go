package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
)

// BucketHold is a held lease on an ordered-mode bucket.
type BucketHold struct {
	Bucket    uint64
	Watermark string
}

// TryAcquireBucket attempts to take the ephemeral lease on a bucket for this
// replica. It returns (nil, nil) when another replica holds the lease. On
// first acquisition the bucket subtree is created with the table's initial
// watermark (last_processed_path, usually empty).
func (m *Metadata) TryAcquireBucket(ctx context.Context, bucket uint64, replicaID string) (*BucketHold, error) {
	layout := m.layout

	if err := m.ensureBucketNodes(ctx, bucket); err != nil {
		return nil, err
	}

	err := m.client.Create(ctx, layout.BucketLock(bucket), []byte(replicaID), coordinator.Ephemeral)
	if errors.Is(err, coordinator.ErrNodeExists) {
		// The lease may be our own from a previous cycle in this session.
		node, getErr := m.client.Get(ctx, layout.BucketLock(bucket))
		if getErr != nil || string(node.Data) != replicaID {
			return nil, nil
		}
	} else if err != nil {
		return nil, fmt.Errorf("acquire bucket %d lease: %w", bucket, err)
	}

	node, err := m.client.Get(ctx, layout.BucketWatermark(bucket))
	if err != nil {
		return nil, fmt.Errorf("read bucket %d watermark: %w", bucket, err)
	}
	return &BucketHold{Bucket: bucket, Watermark: string(node.Data)}, nil
}

func (m *Metadata) ensureBucketNodes(ctx context.Context, bucket uint64) error {
	layout := m.layout
	ok, err := m.client.Exists(ctx, layout.BucketWatermark(bucket))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	initial := []byte(m.Table().LastProcessedPath)
	err = m.client.Multi(ctx,
		coordinator.CreateOp{Path: layout.Bucket(bucket)},
		coordinator.CreateOp{Path: layout.BucketWatermark(bucket), Data: initial},
	)
	if err != nil && !errors.Is(err, coordinator.ErrNodeExists) {
		return fmt.Errorf("create bucket %d nodes: %w", bucket, err)
	}
	return nil
}

// ReleaseBucket drops this replica's lease on a bucket. Releasing a bucket
// held by someone else (or nobody) is a no-op.
func (m *Metadata) ReleaseBucket(ctx context.Context, bucket uint64, replicaID string) error {
	node, err := m.client.Get(ctx, m.layout.BucketLock(bucket))
	if errors.Is(err, coordinator.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(node.Data) != replicaID {
		return nil
	}
	err = m.client.Delete(ctx, m.layout.BucketLock(bucket), node.Version)
	if errors.Is(err, coordinator.ErrNoNode) || errors.Is(err, coordinator.ErrBadVersion) {
		return nil
	}
	return err
}

// BucketWatermark reads the current watermark of a bucket.
func (m *Metadata) BucketWatermark(ctx context.Context, bucket uint64) (string, error) {
	node, err := m.client.Get(ctx, m.layout.BucketWatermark(bucket))
	if errors.Is(err, coordinator.ErrNoNode) {
		return m.Table().LastProcessedPath, nil
	}
	if err != nil {
		return "", err
	}
	return string(node.Data), nil
}

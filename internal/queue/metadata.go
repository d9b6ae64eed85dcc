package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
	"github.com/withObsrvr/blobqueue/internal/format"
)

// Mode is the processing mode of a queue table.
type Mode string

const (
	ModeOrdered   Mode = "ordered"
	ModeUnordered Mode = "unordered"
)

// Action is the post-processing action applied to committed objects.
type Action string

const (
	ActionKeep   Action = "keep"
	ActionDelete Action = "delete"
)

// ErrIncompatibleMetadata is returned when a table attaches to a coordinator
// path whose stored metadata disagrees with the local definition.
var ErrIncompatibleMetadata = errors.New("queue: incompatible table metadata in coordinator")

// TableMetadata is the cluster-agreed definition of a queue table, persisted
// as a versioned node under the table's coordinator path. Replicas refuse to
// attach when their local definition disagrees.
type TableMetadata struct {
	Format            string `json:"format"`
	SchemaDigest      string `json:"schema_digest"`
	Mode              Mode   `json:"mode"`
	Buckets           uint64 `json:"buckets"`
	ProcessingThreads uint64 `json:"processing_threads_num"`
	LoadingRetries    uint64 `json:"loading_retries"`
	AfterProcessing   Action `json:"after_processing"`
	TrackedFilesLimit uint64 `json:"tracked_files_limit"`
	TrackedFileTTLSec uint64 `json:"tracked_file_ttl_sec"`
	LastProcessedPath string `json:"last_processed_path,omitempty"`
}

// SchemaDigest is the stable fingerprint of a column schema used for
// attach-time validation.
func SchemaDigest(schema format.Schema) string {
	data, _ := json.Marshal(schema.Columns)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (m TableMetadata) encode() []byte {
	data, _ := json.Marshal(m)
	return data
}

func decodeTableMetadata(data []byte) (TableMetadata, error) {
	var m TableMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return TableMetadata{}, fmt.Errorf("decode table metadata: %w", err)
	}
	return m, nil
}

// checkEquals validates the immutable part of the stored metadata against the
// local definition. Format, schema digest, mode and bucket count must match
// exactly; everything else is owned by whoever committed it last.
func (m TableMetadata) checkEquals(stored TableMetadata) error {
	if m.Format != stored.Format {
		return fmt.Errorf("%w: format differs (local %q, coordinator %q)",
			ErrIncompatibleMetadata, m.Format, stored.Format)
	}
	if m.SchemaDigest != stored.SchemaDigest {
		return fmt.Errorf("%w: column schema differs (local digest %s, coordinator %s)",
			ErrIncompatibleMetadata, m.SchemaDigest, stored.SchemaDigest)
	}
	if m.Mode != stored.Mode {
		return fmt.Errorf("%w: mode differs (local %q, coordinator %q)",
			ErrIncompatibleMetadata, m.Mode, stored.Mode)
	}
	if m.Buckets != stored.Buckets {
		return fmt.Errorf("%w: bucket count differs (local %d, coordinator %d)",
			ErrIncompatibleMetadata, m.Buckets, stored.Buckets)
	}
	return nil
}

// SyncWithKeeper creates the table's coordinator subtree on first use, or
// reads and validates it on attach. A creation race is resolved by
// compare-and-create: the loser reads the winner's metadata and re-validates.
func SyncWithKeeper(
	ctx context.Context,
	client coordinator.Client,
	root string,
	local TableMetadata,
	isAttach bool,
) (TableMetadata, error) {
	layout := Layout{Root: root}

	for {
		node, err := client.Get(ctx, layout.Metadata())
		if err == nil {
			stored, err := decodeTableMetadata(node.Data)
			if err != nil {
				return TableMetadata{}, err
			}
			if err := local.checkEquals(stored); err != nil {
				return TableMetadata{}, err
			}
			return stored, nil
		}
		if !errors.Is(err, coordinator.ErrNoNode) {
			return TableMetadata{}, fmt.Errorf("read table metadata: %w", err)
		}

		if err := coordinator.CreateAncestors(ctx, client, layout.Metadata()); err != nil {
			return TableMetadata{}, fmt.Errorf("create ancestors: %w", err)
		}
		err = client.Multi(ctx,
			coordinator.CreateOp{Path: layout.Metadata(), Data: local.encode()},
			coordinator.CreateOp{Path: layout.ProcessingDir()},
			coordinator.CreateOp{Path: layout.ProcessedDir()},
			coordinator.CreateOp{Path: layout.FailedDir()},
			coordinator.CreateOp{Path: layout.BucketsDir()},
			coordinator.CreateOp{Path: layout.RegistrationsDir()},
		)
		if err == nil {
			return local, nil
		}
		if errors.Is(err, coordinator.ErrNodeExists) {
			// Lost the creation race; loop to read and validate the winner's.
			continue
		}
		return TableMetadata{}, fmt.Errorf("create table metadata: %w", err)
	}
}

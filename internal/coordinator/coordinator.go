// Package coordinator abstracts the strongly-consistent coordination service
// (ZooKeeper or an in-process equivalent) that queue tables use for claim
// records, bucket leases, replica registrations and atomic commits.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// CreateMode controls node lifetime.
type CreateMode int

const (
	// Persistent nodes survive session loss.
	Persistent CreateMode = iota
	// Ephemeral nodes are removed when the owning session ends.
	Ephemeral
)

// AnyVersion disables the compare-and-set version check on Set and Delete.
const AnyVersion int32 = -1

// DefaultMultiReadBatchSize bounds the fan-out of batched reads.
const DefaultMultiReadBatchSize = 100

var (
	ErrNodeExists = errors.New("coordinator: node already exists")
	ErrNoNode     = errors.New("coordinator: node does not exist")
	ErrBadVersion = errors.New("coordinator: version mismatch")
	ErrNotEmpty   = errors.New("coordinator: node has children")
	ErrClosed     = errors.New("coordinator: session closed")
)

// Node is the value and version of a coordinator node.
type Node struct {
	Data    []byte
	Version int32
	Exists  bool
}

// Op is a single operation inside a Multi transaction.
type Op interface {
	opPath() string
}

// CreateOp creates a node. Fails the transaction with ErrNodeExists when the
// path is already present.
type CreateOp struct {
	Path string
	Data []byte
	Mode CreateMode
}

// SetOp overwrites node data, checking Version unless it is AnyVersion.
type SetOp struct {
	Path    string
	Data    []byte
	Version int32
}

// DeleteOp removes a node, checking Version unless it is AnyVersion.
type DeleteOp struct {
	Path    string
	Version int32
}

// CheckOp asserts a node exists at the given version without mutating it.
type CheckOp struct {
	Path    string
	Version int32
}

func (o CreateOp) opPath() string { return o.Path }
func (o SetOp) opPath() string    { return o.Path }
func (o DeleteOp) opPath() string { return o.Path }
func (o CheckOp) opPath() string  { return o.Path }

// TxnError reports a failed Multi transaction with the index of the first
// failing operation, for diagnostic emission by the commit path.
type TxnError struct {
	OpIndex int
	Ops     []Op
	Err     error
}

func (e *TxnError) Error() string {
	if e.OpIndex >= 0 && e.OpIndex < len(e.Ops) {
		return fmt.Sprintf("coordinator: transaction failed at op %d (%s): %v",
			e.OpIndex, e.Ops[e.OpIndex].opPath(), e.Err)
	}
	return fmt.Sprintf("coordinator: transaction failed: %v", e.Err)
}

func (e *TxnError) Unwrap() error { return e.Err }

// Client is a session-scoped handle to the coordination service. All mutating
// operations are linearizable. Ephemeral nodes created through a Client vanish
// when its session is lost or Close is called.
type Client interface {
	Create(ctx context.Context, p string, data []byte, mode CreateMode) error
	Get(ctx context.Context, p string) (Node, error)
	Set(ctx context.Context, p string, data []byte, version int32) error
	Delete(ctx context.Context, p string, version int32) error
	Children(ctx context.Context, p string) ([]string, error)

	// ChildrenW lists children and sets a one-shot watch: the returned channel
	// is closed on the first membership change under p.
	ChildrenW(ctx context.Context, p string) ([]string, <-chan struct{}, error)

	Exists(ctx context.Context, p string) (bool, error)
	Multi(ctx context.Context, ops ...Op) error
	Close() error
}

// CreateAncestors creates every missing ancestor of p as a persistent node
// with empty data. Concurrent creation races are tolerated.
func CreateAncestors(ctx context.Context, c Client, p string) error {
	parts := strings.Split(strings.Trim(path.Clean(p), "/"), "/")
	cur := ""
	for _, part := range parts[:len(parts)-1] {
		cur = cur + "/" + part
		if err := c.Create(ctx, cur, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}

// MultiRead fetches many nodes in rounds of at most batchSize paths. Within a
// round the reads are issued one at a time, so a large tracked-file registry
// never produces a request burst. Missing nodes come back with Exists=false.
func MultiRead(ctx context.Context, c Client, paths []string, batchSize int) ([]Node, error) {
	if batchSize <= 0 {
		batchSize = DefaultMultiReadBatchSize
	}
	out := make([]Node, len(paths))
	for start := 0; start < len(paths); start += batchSize {
		end := start + batchSize
		if end > len(paths) {
			end = len(paths)
		}
		for i := start; i < end; i++ {
			node, err := c.Get(ctx, paths[i])
			if errors.Is(err, ErrNoNode) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out[i] = node
		}
	}
	return out, nil
}

// RemoveRecursive deletes p and everything below it. Used on table DROP when
// the metadata registry releases the last reference.
func RemoveRecursive(ctx context.Context, c Client, p string) error {
	children, err := c.Children(ctx, p)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := RemoveRecursive(ctx, c, path.Join(p, child)); err != nil {
			return err
		}
	}
	err = c.Delete(ctx, p, AnyVersion)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	return err
}

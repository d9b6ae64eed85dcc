package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/withObsrvr/blobqueue/internal/coordinator"
)

// Registry is the process-wide mapping from coordinator path to the shared
// Metadata instance, with reference counting per registered table. Several
// tables (or re-attachments of one table) pointing at the same path share one
// instance and one cleanup task.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	metadata *Metadata
	refs     map[string]struct{} // registered table ids
}

// NewRegistry creates an empty registry. The daemon owns exactly one.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// GetOrCreate installs candidate under root, or returns the already
// registered instance and discards candidate. The installed instance's
// cleanup task is started here, exactly once.
func (r *Registry) GetOrCreate(root string, candidate *Metadata, tableID string) *Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[root]
	if !ok {
		entry = &registryEntry{metadata: candidate, refs: make(map[string]struct{})}
		r.entries[root] = entry
		candidate.startCleanupTask(tableID)
	}
	entry.refs[tableID] = struct{}{}
	return entry.metadata
}

// Remove drops a table's registration. When the reference count reaches zero
// the cleanup task is stopped, and on drop the entire coordinator subtree of
// the table is removed.
func (r *Registry) Remove(ctx context.Context, root, tableID string, drop bool) error {
	r.mu.Lock()
	entry, ok := r.entries[root]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("queue registry: no metadata registered for %s", root)
	}
	delete(entry.refs, tableID)
	last := len(entry.refs) == 0
	if last {
		delete(r.entries, root)
	}
	r.mu.Unlock()

	if !last {
		return nil
	}
	entry.metadata.Shutdown()
	if drop {
		if err := coordinator.RemoveRecursive(ctx, entry.metadata.client, root); err != nil {
			return fmt.Errorf("remove coordinator subtree %s: %w", root, err)
		}
	}
	return nil
}

// Refs reports the registration count for a path. Used by tests.
func (r *Registry) Refs(root string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[root]
	if !ok {
		return 0
	}
	return len(entry.refs)
}

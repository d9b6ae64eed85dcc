// Package failpoint provides named testing hooks that force specific code
// paths to fail, configured at runtime. Production runs never enable any.
package failpoint

import "sync"

// FailCommit forces the commit transaction to error out before reaching the
// coordinator.
const FailCommit = "object_storage_queue_fail_commit"

var (
	mu      sync.RWMutex
	enabled = map[string]bool{}
)

// Enable turns a fail point on.
func Enable(name string) {
	mu.Lock()
	defer mu.Unlock()
	enabled[name] = true
}

// Disable turns a fail point off.
func Disable(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(enabled, name)
}

// Active reports whether a fail point is on.
func Active(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled[name]
}

package coordinator

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process coordination service with ZooKeeper semantics:
// a hierarchical node tree, per-node versions, ephemeral ownership and atomic
// multi-op transactions. It backs local single-process deployments and tests.
type MemoryStore struct {
	mu          sync.Mutex
	nodes       map[string]*memNode
	watches     map[string][]chan struct{}
	nextSession int64
}

type memNode struct {
	data    []byte
	version int32
	session int64 // owning session id for ephemerals, 0 for persistent
}

// NewMemoryStore creates an empty store with a root node.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   map[string]*memNode{"/": {}},
		watches: make(map[string][]chan struct{}),
	}
}

// Session opens a new session handle. Ephemeral nodes created through it are
// removed when the session is closed or expired.
func (s *MemoryStore) Session() *MemorySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	return &MemorySession{store: s, id: s.nextSession}
}

// MemorySession implements Client against a MemoryStore.
type MemorySession struct {
	store  *MemoryStore
	id     int64
	mu     sync.Mutex
	closed bool
}

func normalize(p string) string {
	p = path.Clean("/" + p)
	return p
}

func (s *MemorySession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemorySession) Create(ctx context.Context, p string, data []byte, mode CreateMode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.create(s.id, p, data, mode)
}

func (st *MemoryStore) create(session int64, p string, data []byte, mode CreateMode) error {
	p = normalize(p)
	if _, ok := st.nodes[p]; ok {
		return ErrNodeExists
	}
	parent := path.Dir(p)
	if _, ok := st.nodes[parent]; !ok {
		return ErrNoNode
	}
	n := &memNode{data: append([]byte(nil), data...)}
	if mode == Ephemeral {
		n.session = session
	}
	st.nodes[p] = n
	st.fireWatches(parent)
	return nil
}

// fireWatches closes all one-shot watch channels registered on p.
func (st *MemoryStore) fireWatches(p string) {
	for _, ch := range st.watches[p] {
		close(ch)
	}
	delete(st.watches, p)
}

func (s *MemorySession) Get(ctx context.Context, p string) (Node, error) {
	if err := s.checkOpen(); err != nil {
		return Node{}, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	n, ok := s.store.nodes[normalize(p)]
	if !ok {
		return Node{}, ErrNoNode
	}
	return Node{Data: append([]byte(nil), n.data...), Version: n.version, Exists: true}, nil
}

func (s *MemorySession) Set(ctx context.Context, p string, data []byte, version int32) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.set(p, data, version)
}

func (st *MemoryStore) set(p string, data []byte, version int32) error {
	n, ok := st.nodes[normalize(p)]
	if !ok {
		return ErrNoNode
	}
	if version != AnyVersion && n.version != version {
		return ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	return nil
}

func (s *MemorySession) Delete(ctx context.Context, p string, version int32) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.delete(p, version)
}

func (st *MemoryStore) delete(p string, version int32) error {
	p = normalize(p)
	n, ok := st.nodes[p]
	if !ok {
		return ErrNoNode
	}
	if version != AnyVersion && n.version != version {
		return ErrBadVersion
	}
	prefix := p + "/"
	for other := range st.nodes {
		if strings.HasPrefix(other, prefix) {
			return ErrNotEmpty
		}
	}
	delete(st.nodes, p)
	st.fireWatches(path.Dir(p))
	return nil
}

func (s *MemorySession) Children(ctx context.Context, p string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	p = normalize(p)
	if _, ok := s.store.nodes[p]; !ok {
		return nil, ErrNoNode
	}
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	var out []string
	for other := range s.store.nodes {
		if !strings.HasPrefix(other, prefix) || other == p {
			continue
		}
		rest := strings.TrimPrefix(other, prefix)
		if !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ChildrenW lists children and registers a one-shot watch fired on the next
// create or delete under p.
func (s *MemorySession) ChildrenW(ctx context.Context, p string) ([]string, <-chan struct{}, error) {
	children, err := s.Children(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan struct{})
	s.store.mu.Lock()
	key := normalize(p)
	s.store.watches[key] = append(s.store.watches[key], ch)
	s.store.mu.Unlock()
	return children, ch, nil
}

func (s *MemorySession) Exists(ctx context.Context, p string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	_, ok := s.store.nodes[normalize(p)]
	return ok, nil
}

// Multi applies all operations atomically: the whole batch is validated
// against the current tree, and either every op applies or none does.
func (s *MemorySession) Multi(ctx context.Context, ops ...Op) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if idx, err := s.store.validate(ops); err != nil {
		return &TxnError{OpIndex: idx, Ops: ops, Err: err}
	}
	for _, op := range ops {
		switch o := op.(type) {
		case CreateOp:
			_ = s.store.create(s.id, o.Path, o.Data, o.Mode)
		case SetOp:
			_ = s.store.set(o.Path, o.Data, o.Version)
		case DeleteOp:
			_ = s.store.delete(o.Path, o.Version)
		case CheckOp:
			// validated already, nothing to apply
		}
	}
	return nil
}

// validate simulates the batch against a scratch view of the tree so that
// intra-transaction dependencies (create then set, delete then create) hold.
func (st *MemoryStore) validate(ops []Op) (int, error) {
	type scratch struct {
		exists  bool
		version int32
	}
	view := make(map[string]scratch)
	lookup := func(p string) scratch {
		p = normalize(p)
		if v, ok := view[p]; ok {
			return v
		}
		if n, ok := st.nodes[p]; ok {
			return scratch{exists: true, version: n.version}
		}
		return scratch{}
	}
	for i, op := range ops {
		switch o := op.(type) {
		case CreateOp:
			p := normalize(o.Path)
			if lookup(p).exists {
				return i, ErrNodeExists
			}
			if !lookup(path.Dir(p)).exists {
				return i, ErrNoNode
			}
			view[p] = scratch{exists: true}
		case SetOp:
			cur := lookup(o.Path)
			if !cur.exists {
				return i, ErrNoNode
			}
			if o.Version != AnyVersion && cur.version != o.Version {
				return i, ErrBadVersion
			}
			view[normalize(o.Path)] = scratch{exists: true, version: cur.version + 1}
		case DeleteOp:
			cur := lookup(o.Path)
			if !cur.exists {
				return i, ErrNoNode
			}
			if o.Version != AnyVersion && cur.version != o.Version {
				return i, ErrBadVersion
			}
			prefix := normalize(o.Path) + "/"
			for other := range st.nodes {
				if strings.HasPrefix(other, prefix) && lookup(other).exists {
					return i, ErrNotEmpty
				}
			}
			for other, v := range view {
				if strings.HasPrefix(other, prefix) && v.exists {
					return i, ErrNotEmpty
				}
			}
			view[normalize(o.Path)] = scratch{}
		case CheckOp:
			cur := lookup(o.Path)
			if !cur.exists {
				return i, ErrNoNode
			}
			if o.Version != AnyVersion && cur.version != o.Version {
				return i, ErrBadVersion
			}
		}
	}
	return -1, nil
}

// Close ends the session and removes its ephemeral nodes.
func (s *MemorySession) Close() error {
	s.Expire()
	return nil
}

// Expire simulates session loss: ephemerals owned by this session disappear
// and any further call through the handle fails with ErrClosed.
func (s *MemorySession) Expire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for p, n := range s.store.nodes {
		if n.session == s.id {
			delete(s.store.nodes, p)
			s.store.fireWatches(path.Dir(p))
		}
	}
}

package coordinator

import (
	"context"
	"errors"
	"testing"
)

func TestCreateGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Session()

	if err := s.Create(ctx, "/a", []byte("one"), Persistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, "/a", nil, Persistent); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	if err := s.Create(ctx, "/missing/child", nil, Persistent); !errors.Is(err, ErrNoNode) {
		t.Fatalf("expected ErrNoNode for missing parent, got %v", err)
	}

	node, err := s.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(node.Data) != "one" || node.Version != 0 {
		t.Fatalf("unexpected node: %+v", node)
	}

	if err := s.Set(ctx, "/a", []byte("two"), 5); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
	if err := s.Set(ctx, "/a", []byte("two"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	node, _ = s.Get(ctx, "/a")
	if node.Version != 1 {
		t.Fatalf("expected version 1, got %d", node.Version)
	}

	if err := s.Delete(ctx, "/a", 0); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion on stale delete, got %v", err)
	}
	if err := s.Delete(ctx, "/a", AnyVersion); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "/a"); !errors.Is(err, ErrNoNode) {
		t.Fatalf("expected ErrNoNode after delete, got %v", err)
	}
}

func TestDeleteWithChildrenRefused(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Session()
	mustCreate(t, s, "/a", nil)
	mustCreate(t, s, "/a/b", nil)

	if err := s.Delete(ctx, "/a", AnyVersion); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
}

func TestMultiIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Session()
	mustCreate(t, s, "/a", []byte("v"))

	err := s.Multi(ctx,
		CreateOp{Path: "/b"},
		CreateOp{Path: "/a"}, // fails: exists
	)
	var txnErr *TxnError
	if !errors.As(err, &txnErr) {
		t.Fatalf("expected TxnError, got %v", err)
	}
	if txnErr.OpIndex != 1 || !errors.Is(txnErr.Err, ErrNodeExists) {
		t.Fatalf("unexpected txn error: %+v", txnErr)
	}
	// First op must not have applied.
	if ok, _ := s.Exists(ctx, "/b"); ok {
		t.Fatal("partial transaction applied")
	}
}

func TestMultiIntraTransactionDependencies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Session()
	mustCreate(t, s, "/a", nil)

	// Delete then re-create in one transaction.
	err := s.Multi(ctx,
		DeleteOp{Path: "/a", Version: AnyVersion},
		CreateOp{Path: "/a", Data: []byte("new")},
	)
	if err != nil {
		t.Fatalf("multi: %v", err)
	}
	node, err := s.Get(ctx, "/a")
	if err != nil || string(node.Data) != "new" {
		t.Fatalf("unexpected state after multi: %v %+v", err, node)
	}
}

func TestEphemeralNodesVanishOnExpire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s1 := store.Session()
	s2 := store.Session()

	mustCreate(t, s1, "/claims", nil)
	if err := s1.Create(ctx, "/claims/file1", nil, Ephemeral); err != nil {
		t.Fatalf("create ephemeral: %v", err)
	}

	// Another session cannot re-claim while the owner lives.
	if err := s2.Create(ctx, "/claims/file1", nil, Ephemeral); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}

	s1.Expire()

	// After session loss the claim is reclaimable.
	if err := s2.Create(ctx, "/claims/file1", nil, Ephemeral); err != nil {
		t.Fatalf("reclaim after expire: %v", err)
	}
	if err := s1.Create(ctx, "/claims/other", nil, Ephemeral); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on expired session, got %v", err)
	}
}

func TestRemoveRecursive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Session()
	mustCreate(t, s, "/t", nil)
	mustCreate(t, s, "/t/a", nil)
	mustCreate(t, s, "/t/a/x", nil)
	mustCreate(t, s, "/t/b", nil)

	if err := RemoveRecursive(ctx, s, "/t"); err != nil {
		t.Fatalf("remove recursive: %v", err)
	}
	if ok, _ := s.Exists(ctx, "/t"); ok {
		t.Fatal("subtree still present")
	}
}

func TestMultiRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Session()
	mustCreate(t, s, "/a", []byte("1"))
	mustCreate(t, s, "/c", []byte("3"))

	nodes, err := MultiRead(ctx, s, []string{"/a", "/b", "/c"}, 2)
	if err != nil {
		t.Fatalf("multiread: %v", err)
	}
	if !nodes[0].Exists || nodes[1].Exists || !nodes[2].Exists {
		t.Fatalf("unexpected existence: %+v", nodes)
	}
	if string(nodes[2].Data) != "3" {
		t.Fatalf("unexpected data: %q", nodes[2].Data)
	}
}

func TestChildrenWatchFires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := store.Session()
	mustCreate(t, s, "/members", nil)
	mustCreate(t, s, "/members/a", nil)

	children, watch, err := s.ChildrenW(ctx, "/members")
	if err != nil {
		t.Fatalf("childrenw: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %v", children)
	}
	select {
	case <-watch:
		t.Fatal("watch fired before any change")
	default:
	}

	mustCreate(t, s, "/members/b", nil)
	select {
	case <-watch:
	default:
		t.Fatal("watch did not fire on child creation")
	}

	// Watch is one-shot; ephemeral expiry fires a fresh one.
	other := store.Session()
	if err := other.Create(ctx, "/members/c", nil, Ephemeral); err != nil {
		t.Fatal(err)
	}
	_, watch2, err := s.ChildrenW(ctx, "/members")
	if err != nil {
		t.Fatal(err)
	}
	other.Expire()
	select {
	case <-watch2:
	default:
		t.Fatal("watch did not fire on ephemeral expiry")
	}
}

func mustCreate(t *testing.T, c Client, p string, data []byte) {
	t.Helper()
	if err := c.Create(context.Background(), p, data, Persistent); err != nil {
		t.Fatalf("create %s: %v", p, err)
	}
}

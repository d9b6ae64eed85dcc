package ring

import (
	"fmt"
	"testing"
)

func TestOwnerIsDeterministic(t *testing.T) {
	replicas := []string{"replica-a", "replica-b", "replica-c"}
	r1 := New(replicas)
	r2 := New([]string{"replica-c", "replica-a", "replica-b"})

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("data/file-%03d.csv", i)
		if r1.Owner(key) != r2.Owner(key) {
			t.Fatalf("ring order dependence for %s: %s vs %s", key, r1.Owner(key), r2.Owner(key))
		}
	}
}

func TestExactlyOneOwnerPerKey(t *testing.T) {
	replicas := []string{"r1", "r2"}
	r := New(replicas)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("objects/%d.json", i)
		owners := 0
		for _, replica := range replicas {
			if r.Owns(replica, key) {
				owners++
			}
		}
		if owners != 1 {
			t.Fatalf("key %s has %d owners", key, owners)
		}
	}
}

func TestEveryReplicaOwnsSomething(t *testing.T) {
	replicas := []string{"r1", "r2", "r3", "r4"}
	r := New(replicas)

	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		counts[r.Owner(fmt.Sprintf("k%d", i))]++
	}
	for _, replica := range replicas {
		if counts[replica] == 0 {
			t.Fatalf("replica %s owns nothing", replica)
		}
	}
}

func TestEmptyRing(t *testing.T) {
	if owner := New(nil).Owner("anything"); owner != "" {
		t.Fatalf("empty ring returned owner %q", owner)
	}
}

// Package ring implements the consistent-hash ring used for optional
// client-side sharding of object ownership across live replicas.
//
// The hash function is fixed as xxhash64 over the raw bytes of the input
// string. Every replica must agree on it, so it is part of the on-wire
// contract and must not change between releases.
package ring

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

const virtualNodesPerReplica = 16

type point struct {
	hash    uint64
	replica string
}

// Ring is an immutable consistent-hash ring over a replica set.
type Ring struct {
	points []point
}

// New builds a ring from the given replica ids. Order does not matter; two
// replicas observing the same registration set build identical rings.
func New(replicas []string) *Ring {
	r := &Ring{}
	for _, id := range replicas {
		for v := 0; v < virtualNodesPerReplica; v++ {
			r.points = append(r.points, point{
				hash:    xxhash.Sum64String(fmt.Sprintf("%s#%d", id, v)),
				replica: id,
			})
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

// Owner returns the replica owning the given key, or "" for an empty ring.
func (r *Ring) Owner(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].replica
}

// Owns reports whether replica is the primary owner of key.
func (r *Ring) Owns(replica, key string) bool {
	return r.Owner(key) == replica
}

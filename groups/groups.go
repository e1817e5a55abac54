// Package groups detects groups of tracked bodies from per-frame positions.
//
// Detectors are plain state machines owned by a single goroutine. The
// pipeline stages in stage.go run each detector behind an inbox so frames
// and body removals are applied in arrival order without locking.
package groups

import (
	"maps"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"
)

// Frame maps a body id to its position
type Frame map[uint64]r3.Vec

// Groups maps a group id to its sorted member ids
type Groups map[uint64][]uint64

// Clone returns a deep copy
func (g Groups) Clone() Groups {
	out := make(Groups, len(g))
	for id, members := range g {
		out[id] = slices.Clone(members)
	}
	return out
}

// IDs returns the group ids in ascending order
func (g Groups) IDs() []uint64 {
	return slices.Sorted(maps.Keys(g))
}

// CantorPairing maps two ids to one. Results wrap on uint64 overflow.
func CantorPairing(k1, k2 uint64) uint64 {
	s := k1 + k2
	return s*(s+1)/2 + k2
}

// CantorPairingSequence folds CantorPairing over the sorted, deduplicated
// ids. The result only depends on the set of ids.
func CantorPairingSequence(ids []uint64) uint64 {
	set := canonical(ids)
	if len(set) == 0 {
		return 0
	}
	value := set[0]
	for _, id := range set[1:] {
		value = CantorPairing(value, id)
	}
	return value
}

func canonical(ids []uint64) []uint64 {
	set := slices.Clone(ids)
	slices.Sort(set)
	return slices.Compact(set)
}

// Reduce computes the transitive closure of an adjacency list. Every key
// and member ends up in exactly one group, keyed by its smallest id.
// Reducing an already reduced set returns the same groups.
func Reduce(raw map[uint64][]uint64) Groups {
	uf := newUnionFind()
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		uf.add(key)
		for _, id := range raw[key] {
			uf.union(key, id)
		}
	}

	out := make(Groups)
	for _, id := range uf.ids() {
		root := uf.find(id)
		out[root] = append(out[root], id)
	}
	for root, members := range out {
		slices.Sort(members)
		out[root] = members
	}
	return out
}

// GenerateGroups reduces raw and keys each group by the Cantor pairing of
// its members
func GenerateGroups(raw map[uint64][]uint64) Groups {
	out := make(Groups)
	for _, members := range Reduce(raw) {
		out[CantorPairingSequence(members)] = members
	}
	return out
}

// unionFind keeps the smallest id of a set as its root so roots are stable
// regardless of insertion order.
type unionFind struct {
	parent map[uint64]uint64
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[uint64]uint64)}
}

func (u *unionFind) add(id uint64) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

func (u *unionFind) find(id uint64) uint64 {
	u.add(id)
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for id != root {
		next := u.parent[id]
		u.parent[id] = root
		id = next
	}
	return root
}

func (u *unionFind) union(a, b uint64) {
	ra, rb := u.find(a), u.find(b)
	switch {
	case ra == rb:
	case ra < rb:
		u.parent[rb] = ra
	default:
		u.parent[ra] = rb
	}
}

func (u *unionFind) ids() []uint64 {
	return slices.Sorted(maps.Keys(u.parent))
}

// pairs links every pair of ids accepted by near into an adjacency list.
// ids are visited in ascending order.
func pairs(ids []uint64, near func(a, b uint64) bool) map[uint64][]uint64 {
	raw := make(map[uint64][]uint64)
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			if !near(a, b) {
				continue
			}
			raw[a] = append(raw[a], b)
			raw[b] = append(raw[b], a)
		}
	}
	return raw
}

// Package ring implements the per-DC consistent-hash ring that maps a
// (table, key) to a partition and a partition to a replica set, per
// spec.md §4.5 and the PartitionsPerDC constant in §6.
package ring

import (
	"hash/fnv"

	"consus/internal/xconfig"
)

// ReplicaSet is the ordered pair (current[], transitioning[]) of comm_ids
// that must both agree for an operation to be considered quorum-valid
// during migration (spec.md §4.5, §9 "migration... out of scope for the
// core" beyond respecting this pair).
type ReplicaSet struct {
	Current      []string
	Transitioning []string
}

// Agree reports whether both the current and transitioning views (when a
// transitioning view is present) consider the same replica-set shape, the
// precondition spec.md §4.5 requires before an operation is accepted as
// successful during a migration.
func (rs ReplicaSet) Agree(other ReplicaSet) bool {
	if !sameSet(rs.Current, other.Current) {
		return false
	}
	if len(rs.Transitioning) == 0 && len(other.Transitioning) == 0 {
		return true
	}
	return sameSet(rs.Transitioning, other.Transitioning)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, c := range seen {
		if c != 0 {
			return false
		}
	}
	return true
}

// Ring assigns each of xconfig.PartitionsPerDC partitions an ordered list of
// replica comm_ids within one data center.
type Ring struct {
	DataCenter string
	// partitions[i] is the desired replica list for partition i, with
	// desired factor r; actual may be shorter if the DC has fewer nodes.
	partitions [][]string
}

// New builds a ring over nodes (in some stable canonical order — callers
// are expected to pass a consistently-sorted node list, e.g. from the
// cluster config snapshot) with replication factor r.
func New(dc string, nodes []string, r int) *Ring {
	if r > xconfig.MaxReplicationFactor {
		r = xconfig.MaxReplicationFactor
	}
	rg := &Ring{DataCenter: dc, partitions: make([][]string, xconfig.PartitionsPerDC)}
	n := len(nodes)
	if n == 0 {
		return rg
	}
	for p := 0; p < xconfig.PartitionsPerDC; p++ {
		start := p % n
		factor := r
		if factor > n {
			factor = n
		}
		replicas := make([]string, 0, factor)
		for i := 0; i < factor; i++ {
			replicas = append(replicas, nodes[(start+i)%n])
		}
		rg.partitions[p] = replicas
	}
	return rg
}

// Partition hashes (table, key) into [0, PartitionsPerDC).
func Partition(table, key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(table))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % xconfig.PartitionsPerDC)
}

// ReplicasFor returns the replica set for (table, key) on this ring, with
// no transitioning set (a plain, non-migrating ring).
func (rg *Ring) ReplicasFor(table, key string) ReplicaSet {
	p := Partition(table, key)
	if p >= len(rg.partitions) {
		return ReplicaSet{}
	}
	return ReplicaSet{Current: rg.partitions[p]}
}

// Migrating wraps rg and an additional target ring, producing the
// (current, transitioning) pair spec.md §4.5 requires during a rebalance.
// Full ring migration is out of scope (spec.md §9); this only gives
// read/write/lock agreement somewhere to check both views.
type Migrating struct {
	From, To *Ring
}

func (m Migrating) ReplicasFor(table, key string) ReplicaSet {
	cur := m.From.ReplicasFor(table, key)
	next := m.To.ReplicasFor(table, key)
	return ReplicaSet{Current: cur.Current, Transitioning: next.Current}
}

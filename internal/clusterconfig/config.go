// Package clusterconfig models the versioned configuration snapshot the
// out-of-scope coordinator publishes (spec.md §1, §3): data centers, TM
// membership and liveness, paxos groups, and KVS rings. Consumers read it
// through a lock-free atomic pointer swap (spec.md §5, §9 "smart-pointer
// shared configuration").
package clusterconfig

import (
	"sync/atomic"

	"consus/internal/ring"
)

// TMState is a transaction manager's published liveness state.
type TMState string

const (
	TMRegistered TMState = "REGISTERED"
	TMOnline     TMState = "ONLINE"
	TMOffline    TMState = "OFFLINE"
)

// TM describes one transaction manager.
type TM struct {
	ID      string
	DC      string
	Address string
	State   TMState
}

// PaxosGroup is a set of up to xconfig.MaxPaxosGroupSize TMs in one DC that
// jointly own transactions (spec.md §3). Members is ordered: index in this
// slice is the member_index used throughout §4.2/§4.3.
type PaxosGroup struct {
	ID      string
	DC      string
	Members []string // TM IDs, ordered
}

// KVSNode describes one storage node.
type KVSNode struct {
	ID      string
	DC      string
	Address string
}

// Snapshot is one versioned configuration publication.
type Snapshot struct {
	VersionID   uint64
	DataCenters []string
	TMs         map[string]TM
	Groups      map[string]PaxosGroup
	KVSNodes    map[string]KVSNode
	Rings       map[string]*ring.Ring // keyed by DC
}

// MemberIndex returns m's index within group g's Members, or -1.
func (s *Snapshot) MemberIndex(groupID, tmID string) int {
	g, ok := s.Groups[groupID]
	if !ok {
		return -1
	}
	for i, m := range g.Members {
		if m == tmID {
			return i
		}
	}
	return -1
}

// OnlineGroupMembers returns the subset of g's members currently ONLINE,
// in group order — used by local-voter leader selection (spec.md §4.2).
func (s *Snapshot) OnlineGroupMembers(groupID string) []string {
	g, ok := s.Groups[groupID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		if tm, ok := s.TMs[m]; ok && tm.State == TMOnline {
			out = append(out, m)
		}
	}
	return out
}

// Published is an atomically-swapped pointer to the currently active
// Snapshot, read by every reader without blocking a concurrent writer —
// spec.md §5's "configuration pointer is swapped atomically with
// acquire/release semantics; readers never block writers", and §9's
// "epoch-based reclamation" (here: the garbage collector reclaiming the
// previous snapshot once no reader holds it, which in Go needs no explicit
// epoch bookkeeping).
type Published struct {
	ptr atomic.Pointer[Snapshot]
}

// Load acquires the currently published snapshot.
func (p *Published) Load() *Snapshot {
	return p.ptr.Load()
}

// Store releases a new snapshot for readers to observe.
func (p *Published) Store(s *Snapshot) {
	p.ptr.Store(s)
}

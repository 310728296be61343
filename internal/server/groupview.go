package server

import (
	"consus/internal/clusterconfig"
	"consus/internal/ring"
)

// ClusterView answers every membership/liveness/address question the
// protocol packages need, reading through the atomically-published
// clusterconfig.Snapshot (spec.md §5 "readers never block a concurrent
// writer"). One ClusterView, shared, satisfies localvoter.GroupView,
// globalvoter.GroupView, txnmgr.GroupView, and this package's own
// address-resolution needs.
type ClusterView struct {
	cfg *clusterconfig.Published
}

func NewClusterView(cfg *clusterconfig.Published) *ClusterView {
	return &ClusterView{cfg: cfg}
}

// Members returns groupID's TM members in group order.
func (v *ClusterView) Members(groupID string) []string {
	snap := v.cfg.Load()
	if snap == nil {
		return nil
	}
	g, ok := snap.Groups[groupID]
	if !ok {
		return nil
	}
	return g.Members
}

// IsOnline reports whether memberID is currently published ONLINE.
func (v *ClusterView) IsOnline(groupID, memberID string) bool {
	snap := v.cfg.Load()
	if snap == nil {
		return false
	}
	tm, ok := snap.TMs[memberID]
	return ok && tm.State == clusterconfig.TMOnline
}

// ContactFor picks one ONLINE TM belonging to dc, the peer cross-DC
// gossip/vote dissemination addresses (spec.md §4.1/§4.3).
func (v *ClusterView) ContactFor(dc string) (string, bool) {
	snap := v.cfg.Load()
	if snap == nil {
		return "", false
	}
	for _, tm := range snap.TMs {
		if tm.DC == dc && tm.State == clusterconfig.TMOnline {
			return tm.ID, true
		}
	}
	return "", false
}

// GroupContaining returns the paxos group tmID belongs to (its home group
// when it is acting as a transaction's origin), and that group's members in
// group order.
func (v *ClusterView) GroupContaining(tmID string) (string, []string) {
	snap := v.cfg.Load()
	if snap == nil {
		return "", nil
	}
	tm, ok := snap.TMs[tmID]
	if !ok {
		return "", nil
	}
	for id, g := range snap.Groups {
		if g.DC != tm.DC {
			continue
		}
		for _, m := range g.Members {
			if m == tmID {
				return id, g.Members
			}
		}
	}
	return "", nil
}

// DataCenters returns every data center named in the current configuration
// snapshot, the participating dcs[] a client-initiated Begin defaults to
// (spec.md leaves the client's choice of participating DCs outside the
// wire contract it specifies; Consus's TXMAN_BEGIN handler resolves it to
// "every configured DC", see DESIGN.md).
func (v *ClusterView) DataCenters() []string {
	snap := v.cfg.Load()
	if snap == nil {
		return nil
	}
	return append([]string(nil), snap.DataCenters...)
}

// AddressOf resolves a TM or KVS node ID to its dialable network address.
func (v *ClusterView) AddressOf(id string) (string, bool) {
	snap := v.cfg.Load()
	if snap == nil {
		return "", false
	}
	if tm, ok := snap.TMs[id]; ok {
		return tm.Address, true
	}
	if n, ok := snap.KVSNodes[id]; ok {
		return n.Address, true
	}
	return "", false
}

// Snapshot exposes the current published configuration directly, for
// callers (such as the replicator's ring resolver) that need more than the
// narrow questions above.
func (v *ClusterView) Snapshot() *clusterconfig.Snapshot {
	return v.cfg.Load()
}

// ringResolver adapts one data center's published ring.Ring to
// replicator.Resolver.
type ringResolver struct {
	view *ClusterView
	dc   string
}

// RingResolverFor returns the replicator.Resolver for dc, reading whatever
// ring is currently published for it (spec.md §4.5: a (table, key) always
// resolves against the DC-local ring of its own transaction's home group).
func RingResolverFor(view *ClusterView, dc string) *ringResolver {
	return &ringResolver{view: view, dc: dc}
}

func (r *ringResolver) ReplicasFor(table, key string) ring.ReplicaSet {
	snap := r.view.Snapshot()
	if snap == nil {
		return ring.ReplicaSet{}
	}
	rg, ok := snap.Rings[r.dc]
	if !ok || rg == nil {
		return ring.ReplicaSet{}
	}
	return rg.ReplicasFor(table, key)
}

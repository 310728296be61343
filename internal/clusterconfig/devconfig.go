package clusterconfig

import (
	"fmt"
	"os"
	"sort"

	json "github.com/goccy/go-json"

	"consus/internal/ring"
	"consus/internal/xconfig"
)

// devSnapshot is the on-disk shape a Consus deployment's cluster topology
// is described in for local/dev bootstrapping, in lieu of a running
// coordinator (spec.md §1 lists the coordinator as an out-of-scope
// collaborator referenced only by contract — cmd/txmand and cmd/kvsd load
// this file directly when no live coordinator is configured, the same way
// the teacher's fc-server reads its flat JSON ConfigFileLocation).
type devSnapshot struct {
	VersionID   uint64             `json:"version_id"`
	DataCenters []string           `json:"data_centers"`
	TMs         []devTM            `json:"tms"`
	Groups      []devGroup         `json:"groups"`
	KVSNodes    []devKVSNode       `json:"kvs_nodes"`
	Replication map[string]int     `json:"replication"` // dc -> factor
}

type devTM struct {
	ID      string `json:"id"`
	DC      string `json:"dc"`
	Address string `json:"address"`
	State   string `json:"state"`
}

type devGroup struct {
	ID      string   `json:"id"`
	DC      string   `json:"dc"`
	Members []string `json:"members"`
}

type devKVSNode struct {
	ID      string `json:"id"`
	DC      string `json:"dc"`
	Address string `json:"address"`
}

// LoadDevSnapshotFile reads and builds a Snapshot from a JSON topology
// file, including the per-DC consistent-hash rings (spec.md §4.5).
func LoadDevSnapshotFile(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("clusterconfig: read %s: %w", path, err)
	}
	var d devSnapshot
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("clusterconfig: parse %s: %w", path, err)
	}
	return buildSnapshot(d), nil
}

func buildSnapshot(d devSnapshot) *Snapshot {
	snap := &Snapshot{
		VersionID:   d.VersionID,
		DataCenters: append([]string(nil), d.DataCenters...),
		TMs:         make(map[string]TM, len(d.TMs)),
		Groups:      make(map[string]PaxosGroup, len(d.Groups)),
		KVSNodes:    make(map[string]KVSNode, len(d.KVSNodes)),
		Rings:       make(map[string]*ring.Ring, len(d.DataCenters)),
	}
	for _, tm := range d.TMs {
		state := TMState(tm.State)
		if state == "" {
			state = TMOnline
		}
		snap.TMs[tm.ID] = TM{ID: tm.ID, DC: tm.DC, Address: tm.Address, State: state}
	}
	for _, g := range d.Groups {
		if len(g.Members) > xconfig.MaxPaxosGroupSize {
			xconfig.Assert(false, fmt.Sprintf("clusterconfig: group %s exceeds max size", g.ID))
		}
		snap.Groups[g.ID] = PaxosGroup{ID: g.ID, DC: g.DC, Members: append([]string(nil), g.Members...)}
	}
	nodesByDC := make(map[string][]string)
	for _, n := range d.KVSNodes {
		snap.KVSNodes[n.ID] = KVSNode{ID: n.ID, DC: n.DC, Address: n.Address}
		nodesByDC[n.DC] = append(nodesByDC[n.DC], n.ID)
	}
	for _, dc := range d.DataCenters {
		nodes := append([]string(nil), nodesByDC[dc]...)
		sort.Strings(nodes)
		factor := d.Replication[dc]
		if factor <= 0 {
			factor = 3
		}
		snap.Rings[dc] = ring.New(dc, nodes, factor)
	}
	return snap
}

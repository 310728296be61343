package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consus/internal/xconfig"
)

func TestNewAssignsReplicaFactorReplicas(t *testing.T) {
	nodes := []string{"kvs1", "kvs2", "kvs3", "kvs4", "kvs5"}
	rg := New("dc1", nodes, 3)

	rs := rg.ReplicasFor("YCSB_MAIN", "user42")
	assert.Len(t, rs.Current, 3)
	assert.Empty(t, rs.Transitioning)

	seen := make(map[string]bool)
	for _, id := range rs.Current {
		assert.False(t, seen[id], "replica set must not repeat a node")
		seen[id] = true
	}
}

func TestNewClampsReplicationFactor(t *testing.T) {
	nodes := []string{"kvs1", "kvs2"}
	rg := New("dc1", nodes, xconfig.MaxReplicationFactor+5)

	rs := rg.ReplicasFor("t", "k")
	assert.LessOrEqual(t, len(rs.Current), len(nodes))
}

func TestPartitionIsStableAndInRange(t *testing.T) {
	p1 := Partition("YCSB_MAIN", "user42")
	p2 := Partition("YCSB_MAIN", "user42")
	require.Equal(t, p1, p2, "Partition must be deterministic for the same (table, key)")
	assert.GreaterOrEqual(t, p1, 0)
	assert.Less(t, p1, xconfig.PartitionsPerDC)

	// Partition must be in range regardless of which table is hashed.
	p3 := Partition("OTHER_TABLE", "user42")
	assert.GreaterOrEqual(t, p3, 0)
	assert.Less(t, p3, xconfig.PartitionsPerDC)
}

func TestReplicaSetAgree(t *testing.T) {
	a := ReplicaSet{Current: []string{"kvs1", "kvs2"}}
	b := ReplicaSet{Current: []string{"kvs2", "kvs1"}}
	assert.True(t, a.Agree(b), "Agree must be order-independent")

	c := ReplicaSet{Current: []string{"kvs1", "kvs3"}}
	assert.False(t, a.Agree(c))

	d := ReplicaSet{Current: []string{"kvs1", "kvs2"}, Transitioning: []string{"kvs3"}}
	assert.False(t, a.Agree(d), "a transitioning set on only one side must disagree")
}

func TestMigratingReplicasForCarriesBothViews(t *testing.T) {
	from := New("dc1", []string{"kvs1", "kvs2", "kvs3"}, 2)
	to := New("dc1", []string{"kvs3", "kvs4", "kvs5"}, 2)
	mg := Migrating{From: from, To: to}

	rs := mg.ReplicasFor("t", "k")
	assert.Equal(t, from.ReplicasFor("t", "k").Current, rs.Current)
	assert.Equal(t, to.ReplicasFor("t", "k").Current, rs.Transitioning)
}

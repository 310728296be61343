package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consus/internal/ring"
	"consus/internal/txid"
	"consus/internal/wire"
)

// fixedResolver always answers the same replica set, the non-migrating case.
type fixedResolver struct {
	rs ring.ReplicaSet
}

func (f fixedResolver) ReplicasFor(table, key string) ring.ReplicaSet { return f.rs }

// scriptedClient returns, per node, the next code off that node's script on
// each call, repeating the last entry once the script is exhausted. This is
// what lets a test drive the "mixed codes, then a consistent retry" sequence
// of spec.md §8 scenario 6 without a real KVS node.
type scriptedClient struct {
	mu      sync.Mutex
	writes  map[string][]wire.Code
	locks   map[string][]wire.Code
	calls   map[string]int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		writes: make(map[string][]wire.Code),
		locks:  make(map[string][]wire.Code),
		calls:  make(map[string]int),
	}
}

func (c *scriptedClient) next(script map[string][]wire.Code, node string) wire.Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := node
	seq := script[node]
	if len(seq) == 0 {
		return wire.CodeSuccess
	}
	i := c.calls[key]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	c.calls[key] = i + 1
	return seq[i]
}

func (c *scriptedClient) Lock(ctx context.Context, node string, req wire.KVSLockRequest) (wire.KVSLockResponse, error) {
	return wire.KVSLockResponse{Code: c.next(c.locks, "lock:"+node)}, nil
}

func (c *scriptedClient) Unlock(ctx context.Context, node string, req wire.KVSUnlockRequest) (wire.Code, error) {
	return wire.CodeSuccess, nil
}

func (c *scriptedClient) Read(ctx context.Context, node string, req wire.KVSReadRequest) (wire.KVSReadResponse, error) {
	return wire.KVSReadResponse{Code: wire.CodeSuccess}, nil
}

func (c *scriptedClient) Write(ctx context.Context, node string, req wire.KVSWriteRequest) (wire.KVSWriteResponse, error) {
	return wire.KVSWriteResponse{Code: c.next(c.writes, "write:"+node)}, nil
}

func threeNodeSet() ring.ReplicaSet {
	return ring.ReplicaSet{Current: []string{"a", "b", "c"}}
}

func TestReplicatedWriteAllSuccessReturnsSuccess(t *testing.T) {
	client := newScriptedClient()
	r := New(fixedResolver{threeNodeSet()}, client)

	code := r.ReplicatedWrite(context.Background(), "t", "k", 10, []byte("v"), false, 1)
	assert.Equal(t, wire.CodeSuccess, code)
}

func TestReplicatedWriteQuorumBoundary(t *testing.T) {
	// 3 replicas, quorum = 2. Exactly 2 acks must still succeed.
	client := newScriptedClient()
	client.writes["write:a"] = []wire.Code{wire.CodeSuccess}
	client.writes["write:b"] = []wire.Code{wire.CodeSuccess}
	client.writes["write:c"] = []wire.Code{wire.CodeUnavailable}
	r := New(fixedResolver{threeNodeSet()}, client)

	code := r.ReplicatedWrite(context.Background(), "t", "k", 10, []byte("v"), false, 1)
	assert.Equal(t, wire.CodeLessDurable, code, "quorum met but short of the full replica set downgrades to LESS_DURABLE")
}

func TestReplicatedWriteBelowQuorumIsUnavailable(t *testing.T) {
	// Only 1 of 3 replicas answers with a terminal code: quorum (2) is never
	// reached on any retry, so the aggregate gives up as UNAVAILABLE.
	client := newScriptedClient()
	client.writes["write:a"] = []wire.Code{wire.CodeSuccess}
	client.writes["write:b"] = []wire.Code{wire.CodeUnavailable}
	client.writes["write:c"] = []wire.Code{wire.CodeUnavailable}
	r := New(fixedResolver{threeNodeSet()}, client)

	code := r.ReplicatedWrite(context.Background(), "t", "k", 10, []byte("v"), false, 1)
	assert.Equal(t, wire.CodeUnavailable, code)
}

// TestReplicatedWriteMixedCodesRetryThenSucceed is spec.md §8 scenario 6
// verbatim: three replicas return SUCCESS, SUCCESS, UNKNOWN_TABLE on the
// first attempt; the aggregate must clear state and retry rather than
// declare SUCCESS on the two-vote majority, and once the retry is
// consistent (all SUCCESS) it returns SUCCESS.
func TestReplicatedWriteMixedCodesRetryThenSucceed(t *testing.T) {
	client := newScriptedClient()
	client.writes["write:a"] = []wire.Code{wire.CodeSuccess, wire.CodeSuccess}
	client.writes["write:b"] = []wire.Code{wire.CodeSuccess, wire.CodeSuccess}
	client.writes["write:c"] = []wire.Code{wire.CodeUnknownTable, wire.CodeSuccess}
	r := New(fixedResolver{threeNodeSet()}, client)

	code := r.ReplicatedWrite(context.Background(), "t", "k", 10, []byte("v"), false, 1)
	assert.Equal(t, wire.CodeSuccess, code)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 2, client.calls["write:a"], "a consistent retry must re-contact every replica, not just the dissenter")
	assert.Equal(t, 2, client.calls["write:c"])
}

func TestReplicatedWriteMixedCodesExhaustsRetriesToUnavailable(t *testing.T) {
	client := newScriptedClient()
	client.writes["write:a"] = []wire.Code{wire.CodeSuccess, wire.CodeSuccess, wire.CodeSuccess}
	client.writes["write:b"] = []wire.Code{wire.CodeSuccess, wire.CodeSuccess, wire.CodeSuccess}
	client.writes["write:c"] = []wire.Code{wire.CodeUnknownTable, wire.CodeUnknownTable, wire.CodeUnknownTable}
	r := New(fixedResolver{threeNodeSet()}, client)

	code := r.ReplicatedWrite(context.Background(), "t", "k", 10, []byte("v"), false, 1)
	assert.Equal(t, wire.CodeUnavailable, code, "a replica that never stops dissenting must not be outvoted into SUCCESS")
}

func TestReplicatedWriteUnknownTableQuorumReturnsUnknownTable(t *testing.T) {
	client := newScriptedClient()
	client.writes["write:a"] = []wire.Code{wire.CodeUnknownTable}
	client.writes["write:b"] = []wire.Code{wire.CodeUnknownTable}
	client.writes["write:c"] = []wire.Code{wire.CodeUnknownTable}
	r := New(fixedResolver{threeNodeSet()}, client)

	code := r.ReplicatedWrite(context.Background(), "t", "k", 10, []byte("v"), false, 1)
	assert.Equal(t, wire.CodeUnknownTable, code)
}

func TestReplicatedWriteNoReplicasIsUnknownTable(t *testing.T) {
	client := newScriptedClient()
	r := New(fixedResolver{ring.ReplicaSet{}}, client)

	code := r.ReplicatedWrite(context.Background(), "t", "k", 10, []byte("v"), false, 1)
	assert.Equal(t, wire.CodeUnknownTable, code)
}

func TestReplicatedLockQuorumSucceeds(t *testing.T) {
	client := newScriptedClient()
	client.locks["lock:a"] = []wire.Code{wire.CodeSuccess}
	client.locks["lock:b"] = []wire.Code{wire.CodeSuccess}
	client.locks["lock:c"] = []wire.Code{wire.CodeUnavailable}
	r := New(fixedResolver{threeNodeSet()}, client)

	tg := txid.TransactionGroup{Group: "g1", Txn: txid.TxnID{HomeGroup: "g1", StartUs: 1, Nonce: 1}}
	code := r.ReplicatedLock(context.Background(), "t", "k", tg, 1)
	assert.Equal(t, wire.CodeLessDurable, code)
}

func TestReplicatedWriteRespectsContextDeadline(t *testing.T) {
	client := newScriptedClient()
	client.writes["write:a"] = []wire.Code{wire.CodeUnavailable}
	client.writes["write:b"] = []wire.Code{wire.CodeUnavailable}
	client.writes["write:c"] = []wire.Code{wire.CodeUnavailable}
	r := New(fixedResolver{threeNodeSet()}, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	code := r.ReplicatedWrite(ctx, "t", "k", 10, []byte("v"), false, 1)
	require.True(t, code == wire.CodeTimeout || code == wire.CodeUnavailable)
}

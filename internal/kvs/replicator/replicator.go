// Package replicator drives one replicated KVS operation (read, write, or
// lock) across a table/key's replica set, waiting for quorum + replica-set
// agreement the way the teacher's coordinator.Manager.PreWriteSubset waits
// on a per-transaction handler.finish channel for a quorum of 2B/ACK
// messages (network/coordinator/learned.go), generalized from "all
// participants" to "quorum of a replica set" per spec.md §4.5.
package replicator

import (
	"context"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"consus/internal/ring"
	"consus/internal/txid"
	"consus/internal/wire"
	"consus/internal/xconfig"
)

// NodeClient is the per-KVS-node RPC surface the replicator fans out over.
// A real implementation dials the wire protocol of spec.md §6; tests supply
// an in-process fake.
type NodeClient interface {
	Lock(ctx context.Context, node string, req wire.KVSLockRequest) (wire.KVSLockResponse, error)
	Unlock(ctx context.Context, node string, req wire.KVSUnlockRequest) (wire.Code, error)
	Read(ctx context.Context, node string, req wire.KVSReadRequest) (wire.KVSReadResponse, error)
	Write(ctx context.Context, node string, req wire.KVSWriteRequest) (wire.KVSWriteResponse, error)
}

// Resolver maps a (table, key) to its replica set, satisfied by *ring.Ring
// or ring.Migrating.
type Resolver interface {
	ReplicasFor(table, key string) ring.ReplicaSet
}

// Replicator fans a single logical operation out to a (table, key)'s
// replica set and resolves it once quorum + replica-set agreement (spec.md
// §4.5) is reached.
type Replicator struct {
	resolver Resolver
	client   NodeClient
}

func New(resolver Resolver, client NodeClient) *Replicator {
	return &Replicator{resolver: resolver, client: client}
}

// maxAggregateAttempts bounds the "mixed terminal codes clear state and
// retry" loop of spec.md §4.5/§8 scenario 6. A real disagreement (not a
// transient blip) will keep reproducing, so this is a backstop against
// spinning forever, not a tuning knob.
const maxAggregateAttempts = 3

// allNodes returns the de-duplicated union of current and transitioning
// replicas, the set actually contacted.
func allNodes(rs ring.ReplicaSet) []string {
	seen := mapset.NewSet[string]()
	var out []string
	for _, n := range rs.Current {
		if seen.Add(n) {
			out = append(out, n)
		}
	}
	for _, n := range rs.Transitioning {
		if seen.Add(n) {
			out = append(out, n)
		}
	}
	return out
}

// aggregate runs op against every replica of (table, key) and resolves the
// result per spec.md §4.5:
//
//	If >= quorum of replicas return identical terminal codes and their
//	replica-set views agree, return that code; SUCCESS downgrades to
//	LESS_DURABLE if actual replication < desired. Mixed terminal codes
//	clear state and retry.
//
// Non-terminal codes (transient failures, dial errors) never count toward
// quorum; a replica that reports one is the same as a replica that never
// answered.
func (r *Replicator) aggregate(ctx context.Context, table, key string, op func(ctx context.Context, node string) wire.Code) wire.Code {
	for attempt := 0; attempt < maxAggregateAttempts; attempt++ {
		rs := r.resolver.ReplicasFor(table, key)
		if len(rs.Current) == 0 {
			return wire.CodeUnknownTable
		}
		nodes := allNodes(rs)
		results := make(chan wire.Code, len(nodes))
		for _, node := range nodes {
			go func(node string) {
				results <- op(ctx, node)
			}(node)
		}

		counts := make(map[wire.Code]int, 2)
		received := 0
		timedOut := false
		for received < len(nodes) && !timedOut {
			select {
			case code := <-results:
				received++
				if code.IsTerminal() {
					counts[code]++
				}
			case <-ctx.Done():
				timedOut = true
			}
		}
		if timedOut {
			return wire.CodeTimeout
		}

		need := xconfig.QuorumOf(len(rs.Current))
		var winner wire.Code
		winnerCount := 0
		distinct := 0
		for code, n := range counts {
			if n == 0 {
				continue
			}
			distinct++
			if n >= need && winnerCount == 0 {
				winner, winnerCount = code, n
			}
		}
		if winnerCount == 0 || distinct > 1 {
			// Either nobody reached quorum on their own, or a quorum-sized
			// block agreed while other replicas reported a different
			// terminal code (spec.md §8 scenario 6): in both cases clear
			// the accumulated state and retry rather than declare a
			// premature result.
			continue
		}

		// Replica-set views must still agree once the fan-out settles: a
		// migration that moved the replica set mid-flight invalidates this
		// round's quorum just as surely as a disagreeing replica would.
		if view := r.resolver.ReplicasFor(table, key); !rs.Agree(view) {
			continue
		}

		if winner == wire.CodeSuccess && winnerCount < len(rs.Current) {
			return wire.CodeLessDurable
		}
		return winner
	}
	return wire.CodeUnavailable
}

// writeCode issues req to node and maps a transport error to a non-terminal
// code so it is treated as a missing ack rather than a vote.
func (r *Replicator) writeCode(ctx context.Context, node string, req wire.KVSWriteRequest) wire.Code {
	resp, err := r.client.Write(ctx, node, req)
	if err != nil {
		return wire.CodeUnavailable
	}
	return resp.Code
}

func (r *Replicator) lockCode(ctx context.Context, node string, req wire.KVSLockRequest) wire.Code {
	resp, err := r.client.Lock(ctx, node, req)
	if err != nil {
		return wire.CodeUnavailable
	}
	return resp.Code
}

// ReplicatedWrite writes (table, key) -> value at timestamp to every
// replica, returning CodeSuccess once a quorum of replicas agree on that
// outcome (spec.md §4.5), CodeLessDurable if the agreeing quorum falls
// short of the full replica set, or another terminal code on quorum
// agreement to the contrary.
func (r *Replicator) ReplicatedWrite(ctx context.Context, table, key string, timestamp int64, value []byte, tombstone bool, nonce uint64) wire.Code {
	req := wire.KVSWriteRequest{Table: table, Key: key, Timestamp: timestamp, Value: value, Tombstone: tombstone, Nonce: nonce}
	return r.aggregate(ctx, table, key, func(ctx context.Context, node string) wire.Code {
		return r.writeCode(ctx, node, req)
	})
}

// ReplicatedRead reads (table, key) as of timestamp from a quorum of
// replicas, returning the highest-timestamp version seen. asOf=0 means
// "latest".
func (r *Replicator) ReplicatedRead(ctx context.Context, table, key string, asOf int64, nonce uint64) (wire.KVSReadResponse, wire.Code) {
	rs := r.resolver.ReplicasFor(table, key)
	if len(rs.Current) == 0 {
		return wire.KVSReadResponse{}, wire.CodeUnknownTable
	}
	req := wire.KVSReadRequest{Table: table, Key: key, Timestamp: asOf, Nonce: nonce}

	type result struct {
		node string
		resp wire.KVSReadResponse
		err  error
	}
	results := make(chan result, len(rs.Current))
	for _, node := range rs.Current {
		go func(node string) {
			resp, err := r.client.Read(ctx, node, req)
			results <- result{node: node, resp: resp, err: err}
		}(node)
	}

	need := xconfig.QuorumOf(len(rs.Current))
	acked := mapset.NewSet[string]()
	var best wire.KVSReadResponse
	haveBest := false
	for i := 0; i < len(rs.Current); i++ {
		select {
		case res := <-results:
			if res.err != nil || res.resp.Code.IsFatal() {
				continue
			}
			acked.Add(res.node)
			if res.resp.Code == wire.CodeSuccess && (!haveBest || res.resp.Timestamp > best.Timestamp) {
				best = res.resp
				haveBest = true
			}
			if acked.Cardinality() >= need {
				if haveBest {
					return best, wire.CodeSuccess
				}
				return wire.KVSReadResponse{}, wire.CodeNotFound
			}
		case <-ctx.Done():
			return wire.KVSReadResponse{}, wire.CodeTimeout
		}
	}
	if haveBest {
		return best, wire.CodeSuccess
	}
	return wire.KVSReadResponse{}, wire.CodeNotFound
}

// ReplicatedLock asks every replica in (table, key)'s replica set to grant
// a lock to tg, using the same quorum + agreement + mixed-code-retry
// aggregation as ReplicatedWrite (spec.md §4.5: lock operations are
// replicated like writes, not read with latest-wins, since every replica
// must agree on the same holder).
func (r *Replicator) ReplicatedLock(ctx context.Context, table, key string, tg txid.TransactionGroup, nonce uint64) wire.Code {
	req := wire.KVSLockRequest{Txn: tg, Table: table, Key: key, Nonce: nonce}
	return r.aggregate(ctx, table, key, func(ctx context.Context, node string) wire.Code {
		return r.lockCode(ctx, node, req)
	})
}

// ReplicatedUnlock releases tg's lock at every replica, best-effort: the
// unlocker always gets CodeSuccess once every contacted node replies,
// matching lockmgr.Manager.Unlock's "always reply success to the unlocker"
// rule at the single-node level.
func (r *Replicator) ReplicatedUnlock(ctx context.Context, table, key string, tg txid.TransactionGroup) wire.Code {
	rs := r.resolver.ReplicasFor(table, key)
	nodes := allNodes(rs)
	if len(nodes) == 0 {
		return wire.CodeSuccess
	}
	req := wire.KVSUnlockRequest{Txn: tg, Table: table, Key: key}
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			_, _ = r.client.Unlock(ctx, node, req)
		}(node)
	}
	wg.Wait()
	return wire.CodeSuccess
}

func (r *Replicator) String() string {
	return fmt.Sprintf("replicator(%T)", r.resolver)
}

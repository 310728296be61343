package server

import (
	"context"
	"fmt"
	"sync"

	"consus/internal/wire"
)

// broker correlates a synchronous request (TM -> KVS node: lock/unlock/
// read/write; client -> TM: begin/op) with its eventual response envelope,
// keyed by nonce. The teacher has no direct equivalent of this — its
// coordinator/participant messages are answered by mutating shared counters
// on a per-transaction handler (network/coordinator/txn_handler.go) rather
// than by a req/resp map — but lockmgr/replicator/txnmgr were written here
// against plain synchronous Go signatures (spec.md §4.4/§4.5 read as direct
// function calls), so the transport layer needs this correlation step to
// turn an async wire reply back into that synchronous call's return value.
type broker struct {
	mu      sync.Mutex
	pending map[uint64]chan *wire.Envelope
}

func newBroker() *broker {
	return &broker{pending: make(map[uint64]chan *wire.Envelope)}
}

func (b *broker) register(nonce uint64) chan *wire.Envelope {
	ch := make(chan *wire.Envelope, 1)
	b.mu.Lock()
	b.pending[nonce] = ch
	b.mu.Unlock()
	return ch
}

func (b *broker) forget(nonce uint64) {
	b.mu.Lock()
	delete(b.pending, nonce)
	b.mu.Unlock()
}

func (b *broker) resolve(nonce uint64, env *wire.Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[nonce]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// await blocks for nonce's response or ctx's cancellation.
func (b *broker) await(ctx context.Context, nonce uint64) (*wire.Envelope, error) {
	ch := b.register(nonce)
	defer b.forget(nonce)
	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("server: request %d: %w", nonce, ctx.Err())
	}
}

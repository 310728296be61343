package lockmgr

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consus/internal/kvsstore"
	"consus/internal/txid"
	"consus/internal/wire"
)

type recordingNotifier struct {
	mu      sync.Mutex
	granted []txid.TransactionGroup
	wounds  []wound
}

type wound struct {
	kind wire.WoundKind
	tg   txid.TransactionGroup
}

func (n *recordingNotifier) NotifyGranted(tg txid.TransactionGroup, table, key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.granted = append(n.granted, tg)
}

func (n *recordingNotifier) NotifyWound(kind wire.WoundKind, tg txid.TransactionGroup) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wounds = append(n.wounds, wound{kind, tg})
}

func tg(group string, startUs int64, nonce uint64) txid.TransactionGroup {
	return txid.TransactionGroup{Group: group, Txn: txid.TxnID{HomeGroup: group, StartUs: startUs, Nonce: nonce}}
}

func TestAcquireGrantsUncontendedLock(t *testing.T) {
	store := kvsstore.NewMemStore()
	notifier := &recordingNotifier{}
	m := New(store, notifier, "kvs1")
	ctx := context.Background()

	older := tg("g1", 100, 1)
	code := m.Acquire(ctx, "t", "k", older, "c1", 1)
	require.Equal(t, wire.CodeSuccess, code)

	notifier.mu.Lock()
	assert.Equal(t, []txid.TransactionGroup{older}, notifier.granted)
	notifier.mu.Unlock()
}

func TestAcquireReacquireByCurrentHolderIsIdempotent(t *testing.T) {
	store := kvsstore.NewMemStore()
	notifier := &recordingNotifier{}
	m := New(store, notifier, "kvs1")
	ctx := context.Background()

	holder := tg("g1", 100, 1)
	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", holder, "c1", 1))
	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", holder, "c1", 1))

	notifier.mu.Lock()
	assert.Len(t, notifier.granted, 1, "a second acquire by the same holder must not re-grant")
	notifier.mu.Unlock()
}

func TestAcquireYoungerWaitsBehindOlderHolder(t *testing.T) {
	store := kvsstore.NewMemStore()
	notifier := &recordingNotifier{}
	m := New(store, notifier, "kvs1")
	ctx := context.Background()

	older := tg("g1", 100, 1)
	younger := tg("g2", 200, 2)

	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", older, "c1", 1))
	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", younger, "c2", 2))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Len(t, notifier.granted, 1, "the younger request must wait, not be granted")
	assert.Empty(t, notifier.wounds, "a younger requester waiting behind an older holder must not wound anyone")
}

func TestAcquireOlderPreemptsWoundsYoungerHolder(t *testing.T) {
	store := kvsstore.NewMemStore()
	notifier := &recordingNotifier{}
	m := New(store, notifier, "kvs1")
	ctx := context.Background()

	younger := tg("g2", 200, 2)
	older := tg("g1", 100, 1)

	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", younger, "c2", 2))
	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", older, "c1", 1))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.wounds, 1)
	assert.Equal(t, wire.WoundAbort, notifier.wounds[0].kind)
	assert.True(t, notifier.wounds[0].tg.Equal(younger), "the younger current holder must be wounded")
}

func TestUnlockGrantsNextInQueue(t *testing.T) {
	store := kvsstore.NewMemStore()
	notifier := &recordingNotifier{}
	m := New(store, notifier, "kvs1")
	ctx := context.Background()

	holder := tg("g1", 100, 1)
	waiter := tg("g2", 200, 2)

	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", holder, "c1", 1))
	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", waiter, "c2", 2))
	require.Equal(t, wire.CodeSuccess, m.Unlock(ctx, "t", "k", holder))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.granted, 2)
	assert.True(t, notifier.granted[1].Equal(waiter), "releasing the holder must grant the waiter next")
}

func TestUnlockOfNonHolderDropsFromQueue(t *testing.T) {
	store := kvsstore.NewMemStore()
	notifier := &recordingNotifier{}
	m := New(store, notifier, "kvs1")
	ctx := context.Background()

	holder := tg("g1", 100, 1)
	waiter := tg("g2", 200, 2)

	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", holder, "c1", 1))
	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", waiter, "c2", 2))

	// The waiter aborts before ever being granted the lock.
	require.Equal(t, wire.CodeSuccess, m.Unlock(ctx, "t", "k", waiter))

	notifier.mu.Lock()
	require.Len(t, notifier.wounds, 1)
	assert.Equal(t, wire.WoundDropReq, notifier.wounds[0].kind)
	assert.True(t, notifier.wounds[0].tg.Equal(waiter))
	notifier.mu.Unlock()

	// The holder releasing afterward must not find a waiter to grant to.
	require.Equal(t, wire.CodeSuccess, m.Unlock(ctx, "t", "k", holder))
	notifier.mu.Lock()
	assert.Len(t, notifier.granted, 1, "the dropped waiter must never be granted")
	notifier.mu.Unlock()
}

func TestRecoversPersistedHolderAfterRestart(t *testing.T) {
	store := kvsstore.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.WriteLockHolder(ctx, "t", "k", tg("g1", 100, 1).String()))

	notifier := &recordingNotifier{}
	m := New(store, notifier, "kvs1")

	// A fresh request for a different, younger transaction group must
	// wait behind the recovered holder rather than being granted.
	younger := tg("g2", 200, 2)
	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", younger, "c2", 2))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Empty(t, notifier.granted, "the recovered holder occupies the queue head without re-emitting a grant")
}

func TestRecoveredHolderCanUnlock(t *testing.T) {
	store := kvsstore.NewMemStore()
	ctx := context.Background()
	holder := tg("g1", 100, 1)
	require.NoError(t, store.WriteLockHolder(ctx, "t", "k", holder.String()))

	notifier := &recordingNotifier{}
	m := New(store, notifier, "kvs1")

	waiter := tg("g2", 200, 2)
	require.Equal(t, wire.CodeSuccess, m.Acquire(ctx, "t", "k", waiter, "c2", 2))

	// The recovered holder must still be able to release its own lock:
	// lazy init must reconstruct a TransactionGroup that .Equal()s the
	// real holder, not a squashed placeholder that can never match
	// (spec.md §4.4 invariant I5 — the recording group must always be
	// able to eventually unlock).
	require.Equal(t, wire.CodeSuccess, m.Unlock(ctx, "t", "k", holder))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.granted, 1, "releasing the recovered holder must grant the waiter")
	assert.True(t, notifier.granted[0].Equal(waiter))
}

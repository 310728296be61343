package server

import (
	"context"

	"consus/internal/kvs/lockmgr"
	"consus/internal/kvsstore"
	"consus/internal/txid"
	"consus/internal/wire"
	"consus/internal/xconfig"
)

// KVSNode is the server half of one storage node: a lock manager and a
// datastore, reachable over Transport by the KVS_RAW_* / KVS_LOCK_OP
// message family (spec.md §6). It also implements lockmgr.Notifier,
// forwarding wound notifications to whichever TM owns the wounded
// transaction's home group.
type KVSNode struct {
	selfID    string
	transport *Transport
	view      *ClusterView
	locks     *lockmgr.Manager
	store     kvsstore.Datastore
}

func NewKVSNode(selfID string, transport *Transport, view *ClusterView, store kvsstore.Datastore) *KVSNode {
	n := &KVSNode{selfID: selfID, transport: transport, view: view, store: store}
	n.locks = lockmgr.New(store, n, selfID)
	return n
}

// Handle dispatches one inbound envelope from from.
func (n *KVSNode) Handle(from string, env *wire.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case wire.MsgKVSLock:
		n.handleLock(ctx, from, env)
	case wire.MsgKVSRawRD:
		n.handleRead(ctx, from, env)
	case wire.MsgKVSRawWR:
		n.handleWrite(ctx, from, env)
	default:
		xconfig.TPrintf("kvsnode: unhandled message type %s from %s", env.Type, from)
	}
}

func (n *KVSNode) replyTo(ctx context.Context, to string, env *wire.Envelope) {
	addr, ok := n.view.AddressOf(to)
	if !ok {
		xconfig.Warn(false, "kvsnode: no address for "+to)
		return
	}
	if err := n.transport.Send(ctx, addr, env); err != nil {
		xconfig.TPrintf("kvsnode: reply to %s: %s", to, err.Error())
	}
}

func (n *KVSNode) handleLock(ctx context.Context, from string, env *wire.Envelope) {
	if env.UnlockReq != nil {
		req := env.UnlockReq
		code := n.locks.Unlock(ctx, req.Table, req.Key, req.Txn)
		n.replyTo(ctx, from, &wire.Envelope{Type: wire.MsgKVSLock, LockResp: &wire.KVSLockResponse{Code: code, Nonce: req.Nonce}})
		return
	}
	if env.LockReq == nil {
		return
	}
	req := env.LockReq
	code := n.locks.Acquire(ctx, req.Table, req.Key, req.Txn, req.Txn.Group, req.Nonce)
	n.replyTo(ctx, from, &wire.Envelope{Type: wire.MsgKVSLock, LockResp: &wire.KVSLockResponse{Code: code, Nonce: req.Nonce}})
}

func (n *KVSNode) handleRead(ctx context.Context, from string, env *wire.Envelope) {
	if env.ReadReq == nil {
		return
	}
	req := env.ReadReq
	asOf := req.Timestamp
	ver, err := n.store.Get(ctx, req.Table, req.Key, coalesceAsOf(asOf))
	resp := wire.KVSReadResponse{}
	switch {
	case err == kvsstore.ErrUnknownTable:
		resp.Code = wire.CodeUnknownTable
	case err == kvsstore.ErrNotFound:
		resp.Code = wire.CodeNotFound
	case err != nil:
		resp.Code = wire.CodeServerError
	default:
		resp.Code = wire.CodeSuccess
		resp.Timestamp = ver.Timestamp
		resp.Value = ver.Value
	}
	resp.Nonce = req.Nonce
	n.replyTo(ctx, from, &wire.Envelope{Type: wire.MsgKVSRawRD, ReadResp: &resp})
}

func coalesceAsOf(asOf int64) int64 {
	if asOf == 0 {
		return 1<<63 - 1
	}
	return asOf
}

func (n *KVSNode) handleWrite(ctx context.Context, from string, env *wire.Envelope) {
	if env.WriteReq == nil {
		return
	}
	req := env.WriteReq
	if err := n.store.EnsureTable(ctx, req.Table); err != nil {
		n.replyTo(ctx, from, &wire.Envelope{Type: wire.MsgKVSRawWR, WriteResp: &wire.KVSWriteResponse{Code: wire.CodeServerError, Nonce: req.Nonce}})
		return
	}
	var err error
	if req.Tombstone {
		err = n.store.Delete(ctx, req.Table, req.Key, req.Timestamp)
	} else {
		err = n.store.Put(ctx, req.Table, req.Key, req.Timestamp, req.Value)
	}
	code := wire.CodeSuccess
	if err != nil {
		code = wire.CodeServerError
	}
	n.replyTo(ctx, from, &wire.Envelope{Type: wire.MsgKVSRawWR, WriteResp: &wire.KVSWriteResponse{Code: code, Nonce: req.Nonce}})
}

// NotifyGranted is a no-op at the transport level: the requester already
// learns it holds the lock from Acquire's own CodeSuccess return, the way
// a quorum of replicas independently granting is what replicator.Replicator
// actually waits on (spec.md §4.5), not a push notification.
func (n *KVSNode) NotifyGranted(tg txid.TransactionGroup, table, key string) {}

// NotifyWound forwards a wound to the TM owning tg's home paxos group
// (spec.md §4.4).
func (n *KVSNode) NotifyWound(kind wire.WoundKind, tg txid.TransactionGroup) {
	snap := n.view.Snapshot()
	if snap == nil {
		return
	}
	g, ok := snap.Groups[tg.Txn.HomeGroup]
	if !ok || len(g.Members) == 0 {
		xconfig.Warn(false, "kvsnode: cannot resolve home TM for wound on "+tg.String())
		return
	}
	target := g.Members[0]
	addr, ok := n.view.AddressOf(target)
	if !ok {
		return
	}
	n.transport.Send(context.Background(), addr, &wire.Envelope{
		Type:  wire.MsgTxmanWound,
		Wound: &wire.Wound{Kind: kind, Txn: tg},
	})
}

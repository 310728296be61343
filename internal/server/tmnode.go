package server

import (
	"context"
	"fmt"

	"consus/internal/globalvoter"
	"consus/internal/kvs/replicator"
	"consus/internal/localvoter"
	"consus/internal/txid"
	"consus/internal/txnmgr"
	"consus/internal/wire"
	"consus/internal/xconfig"
)

// TMNode is the server half of one transaction manager: it owns the
// protocol managers (txnmgr, localvoter, globalvoter) and answers every
// message class in spec.md §6 that targets a TM. It also implements
// replicator.NodeClient, turning TM -> KVS-node RPCs into transport sends
// correlated through broker, and the three protocol packages' Sender
// interfaces, turning their `to`/target IDs into transport sends.
type TMNode struct {
	selfID    string
	transport *Transport
	view      *ClusterView
	broker    *broker

	Txns    *txnmgr.Manager
	Local   *localvoter.Manager
	Global  *globalvoter.Manager
}

// NewTMNode wires one TM's protocol stack together. The KVS client each
// transaction reads/writes through is built internally, against this same
// node's own replicator.NodeClient methods and the ring currently
// published for this TM's own data center (spec.md §4.1: a transaction
// only ever touches the KVS at its home DC) — this sidesteps the
// constructor-order cycle a caller-supplied KVSClient would otherwise
// create (the client needs *TMNode to exist; *TMNode needs the client).
func NewTMNode(selfID string, transport *Transport, view *ClusterView, log interface {
	Append(entry []byte) uint64
	CallbackWhenDurable(seqno uint64, cb func())
}) *TMNode {
	n := &TMNode{selfID: selfID, transport: transport, view: view, broker: newBroker()}

	kvs := replicator.New(RingResolverFor(view, n.ownDC()), n)
	n.Global = globalvoter.New(selfID, log, n, view, view, n.onGlobalDecided)
	n.Local = localvoter.New(selfID, log, n, view, n.onLocalDecided)
	n.Txns = txnmgr.New(selfID, log, n, view, kvs, n.Local, n.Global)
	return n
}

// ownDC returns the data center this TM is published as belonging to.
func (n *TMNode) ownDC() string {
	snap := n.view.Snapshot()
	if snap == nil {
		return ""
	}
	if tm, ok := snap.TMs[n.selfID]; ok {
		return tm.DC
	}
	return ""
}

func (n *TMNode) onLocalDecided(tg txid.TransactionGroup, outcome string) {
	n.Txns.OnLocalVoteDecided(context.Background(), tg, outcome)
}

func (n *TMNode) onGlobalDecided(tg txid.TransactionGroup, outcome string) {
	n.Txns.OnGlobalVoteDecided(context.Background(), tg, outcome)
}

func (n *TMNode) addrOf(id string) (string, error) {
	addr, ok := n.view.AddressOf(id)
	if !ok {
		return "", fmt.Errorf("server: no address for %s", id)
	}
	return addr, nil
}

// --- txnmgr.Sender ---

func (n *TMNode) SendPaxos2A(ctx context.Context, to string, msg wire.Paxos2A) {
	n.sendTo(ctx, to, &wire.Envelope{Type: wire.MsgPaxos2A, P2A: &msg})
}

func (n *TMNode) SendPaxos2B(ctx context.Context, to string, msg wire.Paxos2B) {
	n.sendTo(ctx, to, &wire.Envelope{Type: wire.MsgPaxos2B, P2B: &msg})
}

func (n *TMNode) SendCommitRecord(ctx context.Context, to string, rec wire.CommitRecord) {
	n.sendTo(ctx, to, &wire.Envelope{Type: wire.MsgCommitRec, Commit: &rec})
}

func (n *TMNode) SendClientResponse(ctx context.Context, clientAddr string, resp wire.ClientResponse) {
	if err := n.transport.Send(ctx, clientAddr, &wire.Envelope{Type: wire.MsgClientResp, Resp: &resp}); err != nil {
		xconfig.TPrintf("tmnode: client response to %s: %s", clientAddr, err.Error())
	}
}

// --- localvoter.Sender ---

func (n *TMNode) SendLocalVote(ctx context.Context, to string, msg wire.LocalVoteMsg) {
	n.sendTo(ctx, to, &wire.Envelope{Type: msg.Type, LV: &msg})
}

// --- globalvoter.Sender ---

func (n *TMNode) SendOuterAck(ctx context.Context, to string, ack wire.GVEnvelope) {
	n.sendTo(ctx, to, &wire.Envelope{Type: wire.MsgGV1B, GV: &ack})
}

func (n *TMNode) SendGV(ctx context.Context, to string, env wire.GVEnvelope) {
	n.sendTo(ctx, to, &wire.Envelope{Type: wire.MsgGVPropose, GV: &env})
}

func (n *TMNode) SendGVOutcome(ctx context.Context, to string, out wire.GVOutcome) {
	n.sendTo(ctx, to, &wire.Envelope{Type: wire.MsgGVOutcome, GVOut: &out})
}

func (n *TMNode) sendTo(ctx context.Context, to string, env *wire.Envelope) {
	addr, err := n.addrOf(to)
	if err != nil {
		xconfig.TPrintf("tmnode: %s", err.Error())
		return
	}
	if err := n.transport.Send(ctx, addr, env); err != nil {
		xconfig.TPrintf("tmnode: send to %s: %s", to, err.Error())
	}
}

// --- replicator.NodeClient ---

func (n *TMNode) Lock(ctx context.Context, node string, req wire.KVSLockRequest) (wire.KVSLockResponse, error) {
	env, err := n.roundTrip(ctx, node, req.Nonce, &wire.Envelope{Type: wire.MsgKVSLock, LockReq: &req})
	if err != nil {
		return wire.KVSLockResponse{}, err
	}
	if env.LockResp == nil {
		return wire.KVSLockResponse{}, fmt.Errorf("server: lock response missing payload")
	}
	return *env.LockResp, nil
}

func (n *TMNode) Unlock(ctx context.Context, node string, req wire.KVSUnlockRequest) (wire.Code, error) {
	req.Nonce = txid.NextNonce()
	env, err := n.roundTrip(ctx, node, req.Nonce, &wire.Envelope{Type: wire.MsgKVSLock, UnlockReq: &req})
	if err != nil {
		return wire.CodeUnavailable, err
	}
	if env.LockResp == nil {
		return wire.CodeServerError, nil
	}
	return env.LockResp.Code, nil
}

func (n *TMNode) Read(ctx context.Context, node string, req wire.KVSReadRequest) (wire.KVSReadResponse, error) {
	env, err := n.roundTrip(ctx, node, req.Nonce, &wire.Envelope{Type: wire.MsgKVSRawRD, ReadReq: &req})
	if err != nil {
		return wire.KVSReadResponse{}, err
	}
	if env.ReadResp == nil {
		return wire.KVSReadResponse{}, fmt.Errorf("server: read response missing payload")
	}
	return *env.ReadResp, nil
}

func (n *TMNode) Write(ctx context.Context, node string, req wire.KVSWriteRequest) (wire.KVSWriteResponse, error) {
	env, err := n.roundTrip(ctx, node, req.Nonce, &wire.Envelope{Type: wire.MsgKVSRawWR, WriteReq: &req})
	if err != nil {
		return wire.KVSWriteResponse{}, err
	}
	if env.WriteResp == nil {
		return wire.KVSWriteResponse{}, fmt.Errorf("server: write response missing payload")
	}
	return *env.WriteResp, nil
}

func (n *TMNode) roundTrip(ctx context.Context, node string, nonce uint64, env *wire.Envelope) (*wire.Envelope, error) {
	addr, err := n.addrOf(node)
	if err != nil {
		return nil, err
	}
	waitCh := n.broker.register(nonce)
	defer n.broker.forget(nonce)
	if err := n.transport.Send(ctx, addr, env); err != nil {
		return nil, err
	}
	select {
	case resp := <-waitCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle dispatches one inbound envelope addressed to this TM.
func (n *TMNode) Handle(from string, env *wire.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case wire.MsgTxmanBegin:
		if env.Begin != nil {
			n.handleClientBegin(ctx, *env.Begin)
		}
	case wire.MsgTxmanRead:
		if env.Op != nil {
			n.handleClientRead(ctx, *env.Op)
		}
	case wire.MsgTxmanWrite:
		if env.Op != nil {
			n.handleClientWrite(ctx, *env.Op)
		}
	case wire.MsgTxmanCommit:
		if env.Op != nil {
			n.handleClientCommit(ctx, *env.Op)
		}
	case wire.MsgTxmanAbort:
		if env.Op != nil {
			n.handleClientAbort(ctx, *env.Op)
		}
	case wire.MsgPaxos2A:
		if env.P2A != nil {
			n.Txns.HandlePaxos2A(ctx, *env.P2A)
		}
	case wire.MsgPaxos2B:
		if env.P2B != nil {
			n.Txns.HandlePaxos2B(ctx, *env.P2B)
		}
	case wire.MsgLV1A, wire.MsgLV1B, wire.MsgLV2A, wire.MsgLV2B, wire.MsgLVLearn:
		n.dispatchLocalVote(ctx, env)
	case wire.MsgCommitRec:
		if env.Commit != nil {
			members := n.view.Members(env.Commit.Txn.Group)
			n.Txns.HandleCommitRecord(ctx, env.Commit.Txn.Group, members, *env.Commit)
		}
	case wire.MsgTxmanWound:
		if env.Wound != nil {
			n.Txns.HandleWound(ctx, *env.Wound)
		}
	case wire.MsgGVPropose, wire.MsgGV1B:
		n.dispatchGlobalVote(ctx, env)
	case wire.MsgGVOutcome:
		if env.GVOut != nil {
			n.Global.HandleOutcome(env.GVOut.Txn, n.view.Members(env.GVOut.Txn.Group), env.GVOut.Commit)
		}
	case wire.MsgKVSLock, wire.MsgKVSRawRD, wire.MsgKVSRawWR:
		n.resolveKVSResponse(env)
	default:
		xconfig.TPrintf("tmnode: unhandled message type %s from %s", env.Type, from)
	}
}

func (n *TMNode) dispatchLocalVote(ctx context.Context, env *wire.Envelope) {
	if env.LV == nil {
		return
	}
	members := n.view.Members(env.LV.Txn.Group)
	inst := n.Local.Instance(env.LV.Txn, env.LV.Txn.Group, members)
	n.Local.Dispatch(ctx, inst, *env.LV)
}

func (n *TMNode) dispatchGlobalVote(ctx context.Context, env *wire.Envelope) {
	if env.GV == nil {
		return
	}
	switch env.Type {
	case wire.MsgGV1B:
		n.Global.HandleOuterAck(env.GV.Txn, env.From, env.GV.Command.Value)
	case wire.MsgGVPropose:
		if env.GV.Command.Kind == "vote" {
			groupID := env.GV.Txn.Group
			n.Global.HandleRemoteVote(ctx, env.GV.Txn, groupID, env.GV.DCs, env.GV.Command.DC, env.GV.Command.Value)
		}
	}
}

// replyToClient sends resp to the literal address a client named in its
// own request (spec.md §6 client<->TM messages), bypassing ClusterView's
// TM/KVS address table since clients aren't cluster members.
func (n *TMNode) replyToClient(ctx context.Context, clientAddr string, resp wire.ClientResponse) {
	if clientAddr == "" {
		return
	}
	if err := n.transport.Send(ctx, clientAddr, &wire.Envelope{Type: wire.MsgClientResp, Resp: &resp}); err != nil {
		xconfig.TPrintf("tmnode: client reply to %s: %s", clientAddr, err.Error())
	}
}

// handleClientBegin answers TXMAN_BEGIN (spec.md §6): this TM's own paxos
// group becomes the transaction's home group, and every currently
// configured data center participates (DESIGN.md records this resolution
// of the client's unspecified DC choice).
func (n *TMNode) handleClientBegin(ctx context.Context, req wire.TxmanBegin) {
	groupID, members := n.view.GroupContaining(n.selfID)
	if groupID == "" {
		n.replyToClient(ctx, req.ClientAddr, wire.ClientResponse{Nonce: req.Nonce, Code: wire.CodeUnavailable})
		return
	}
	dcs := n.view.DataCenters()
	tid, code := n.Txns.Begin(ctx, groupID, members, dcs, req.Nonce, req.ClientAddr)
	n.replyToClient(ctx, req.ClientAddr, wire.ClientResponse{Nonce: req.Nonce, Txn: tid, Members: members, Code: code})
}

func opTG(op wire.TxmanOp) txid.TransactionGroup {
	return txid.TransactionGroup{Group: op.Txn.HomeGroup, Txn: op.Txn}
}

func (n *TMNode) handleClientRead(ctx context.Context, op wire.TxmanOp) {
	code, ts, val := n.Txns.Read(ctx, opTG(op), op.Seqno, op.Table, op.Key)
	n.replyToClient(ctx, op.ClientAddr, wire.ClientResponse{Nonce: op.Nonce, Txn: op.Txn, Code: code, Timestamp: ts, Value: val})
}

func (n *TMNode) handleClientWrite(ctx context.Context, op wire.TxmanOp) {
	code := n.Txns.Write(ctx, opTG(op), op.Seqno, op.Table, op.Key, op.Value)
	n.replyToClient(ctx, op.ClientAddr, wire.ClientResponse{Nonce: op.Nonce, Txn: op.Txn, Code: code})
}

// handleClientCommit/Abort reply directly only when txnmgr refuses the
// PREPARE/ABORT operation; on success the client's only reply is the final
// COMMITTED/ABORTED disposition, delivered later, asynchronously, by
// txnmgr.Manager.finalize using the clientAddr recorded on this op's slot.
func (n *TMNode) handleClientCommit(ctx context.Context, op wire.TxmanOp) {
	code := n.Txns.Commit(ctx, opTG(op), op.Seqno, op.ClientAddr, op.Nonce)
	if code != wire.CodeSuccess {
		n.replyToClient(ctx, op.ClientAddr, wire.ClientResponse{Nonce: op.Nonce, Txn: op.Txn, Code: code})
	}
}

func (n *TMNode) handleClientAbort(ctx context.Context, op wire.TxmanOp) {
	code := n.Txns.Abort(ctx, opTG(op), op.Seqno, op.ClientAddr, op.Nonce)
	if code != wire.CodeSuccess {
		n.replyToClient(ctx, op.ClientAddr, wire.ClientResponse{Nonce: op.Nonce, Txn: op.Txn, Code: code})
	}
}

func (n *TMNode) resolveKVSResponse(env *wire.Envelope) {
	switch {
	case env.LockResp != nil:
		n.broker.resolve(env.LockResp.Nonce, env)
	case env.ReadResp != nil:
		n.broker.resolve(env.ReadResp.Nonce, env)
	case env.WriteResp != nil:
		n.broker.resolve(env.WriteResp.Nonce, env)
	}
}

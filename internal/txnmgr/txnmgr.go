// Package txnmgr is the transaction state machine of spec.md §4.1: it
// accepts client operations, durably replicates each as a Paxos-2a entry
// across the home paxos group, drives the local and global voters, and
// performs the KVS side effects of a decided transaction. The per-object
// mutex plus explicit state field is the same shape as the teacher's
// txnHandler (network/coordinator/txn_handler.go: State uint8 guarded by
// latch, transit() asserting the expected prior state), and Manager's
// sync.Map of live transactions mirrors coordinator.Manager.TxnPool
// (network/coordinator/manager.go).
package txnmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"consus/internal/txid"
	"consus/internal/wire"
	"consus/internal/xconfig"
)

// Transaction states, spec.md §3.
const (
	StateInitialized     = "INITIALIZED"
	StateExecuting       = "EXECUTING"
	StateLocalCommitVote = "LOCAL_COMMIT_VOTE"
	StateGlobalCommitVote = "GLOBAL_COMMIT_VOTE"
	StateCommitted       = "COMMITTED"
	StateAborted         = "ABORTED"
	StateTerminated      = "TERMINATED"
	StateCollected       = "COLLECTED"
)

// KVSClient is the TM-side replicated KVS surface (spec.md §4.5),
// satisfied by *replicator.Replicator without an import cycle.
type KVSClient interface {
	ReplicatedLock(ctx context.Context, table, key string, tg txid.TransactionGroup, nonce uint64) wire.Code
	ReplicatedUnlock(ctx context.Context, table, key string, tg txid.TransactionGroup) wire.Code
	ReplicatedRead(ctx context.Context, table, key string, asOf int64, nonce uint64) (wire.KVSReadResponse, wire.Code)
	ReplicatedWrite(ctx context.Context, table, key string, timestamp int64, value []byte, tombstone bool, nonce uint64) wire.Code
}

// LocalVoter is the per-DC synod array of spec.md §4.2, satisfied by
// *localvoter.Manager.
type LocalVoter interface {
	Propose(ctx context.Context, tg txid.TransactionGroup, groupID string, members []string, preferred string)
}

// GlobalVoter is the cross-DC voter of spec.md §4.3, satisfied by
// *globalvoter.Manager.
type GlobalVoter interface {
	CastLocalVote(ctx context.Context, tg txid.TransactionGroup, groupID string, dcs []string, value string)
}

// DurableLog is the per-TM append-only log contract of spec.md §4.6.
type DurableLog interface {
	Append(entry []byte) uint64
	CallbackWhenDurable(seqno uint64, cb func())
}

// Sender delivers the TM<->TM and TM<->client messages this package
// produces.
type Sender interface {
	SendPaxos2A(ctx context.Context, to string, msg wire.Paxos2A)
	SendPaxos2B(ctx context.Context, to string, msg wire.Paxos2B)
	SendCommitRecord(ctx context.Context, to string, rec wire.CommitRecord)
	SendClientResponse(ctx context.Context, clientAddr string, resp wire.ClientResponse)
}

// GroupView answers membership/liveness and cross-DC contact questions.
type GroupView interface {
	Members(groupID string) []string
	ContactFor(dc string) (string, bool)
}

type opSlot struct {
	op         wire.Operation
	durable    map[string]bool
	qDurable   bool
	qDurableCh chan struct{}
	clientAddr string
	clientNonce uint64

	readLockAcquired, readLockReleased bool
	writeStarted, writeFinished        bool
	readTimestamp, writeTimestamp      int64
	value                              []byte
}

func newOpSlot() *opSlot {
	return &opSlot{durable: make(map[string]bool), qDurableCh: make(chan struct{})}
}

// Transaction is the mutable per-(transaction_group) record of spec.md §3.
type Transaction struct {
	mu sync.Mutex

	tg      txid.TransactionGroup
	groupID string
	members []string
	dcs     []string

	state            string
	initTimestamp    int64
	workingTimestamp int64
	preferToCommit   bool

	ops []*opSlot

	outcome       string
	dispositioned bool

	gossipCancel context.CancelFunc
}

func (t *Transaction) lastOp() *opSlot {
	if len(t.ops) == 0 {
		return nil
	}
	return t.ops[len(t.ops)-1]
}

// bufferedWrite returns the value of the most recent WRITE this
// transaction issued to (table, key) at a seqno before seqno, if any,
// along with the timestamp it will commit at (spec.md §8 scenario 2:
// read-your-own-writes).
func (t *Transaction) bufferedWrite(seqno int, table, key string) (value []byte, timestamp int64, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := seqno - 1; i >= 0 && i < len(t.ops); i-- {
		slot := t.ops[i]
		if slot == nil || slot.op.Type != wire.OpWrite {
			continue
		}
		if slot.op.Table == table && slot.op.Key == key {
			return slot.op.Value, slot.writeTimestamp, true
		}
	}
	return nil, 0, false
}

// Manager drives every transaction_group whose home group includes this
// TM, or that this TM participates in as a non-home voting member.
type Manager struct {
	selfID string

	txns sync.Map // tg.String() -> *Transaction

	log         DurableLog
	sender      Sender
	groupView   GroupView
	kvs         KVSClient
	localVoter  LocalVoter
	globalVoter GlobalVoter
}

func New(selfID string, log DurableLog, sender Sender, groupView GroupView, kvs KVSClient, localVoter LocalVoter, globalVoter GlobalVoter) *Manager {
	return &Manager{
		selfID:      selfID,
		log:         log,
		sender:      sender,
		groupView:   groupView,
		kvs:         kvs,
		localVoter:  localVoter,
		globalVoter: globalVoter,
	}
}

func (m *Manager) load(tg txid.TransactionGroup) (*Transaction, bool) {
	v, ok := m.txns.Load(tg.String())
	if !ok {
		return nil, false
	}
	return v.(*Transaction), true
}

func (m *Manager) store(txn *Transaction) {
	m.txns.Store(txn.tg.String(), txn)
}

// Begin opens a new transaction in groupID with participating dcs, and
// ingests the synthetic BEGIN operation at seqno 0.
func (m *Manager) Begin(ctx context.Context, groupID string, members []string, dcs []string, nonce uint64, clientAddr string) (txid.TxnID, wire.Code) {
	tid := txid.TxnID{HomeGroup: groupID, StartUs: time.Now().UnixMicro(), Nonce: txid.NextNonce()}
	tg := txid.TransactionGroup{Group: groupID, Txn: tid}
	txn := &Transaction{
		tg:             tg,
		groupID:        groupID,
		members:        members,
		dcs:            dcs,
		state:          StateInitialized,
		initTimestamp:  tid.StartUs,
		preferToCommit: true,
	}
	m.store(txn)

	op := wire.Operation{Seqno: 0, Type: wire.OpBegin}
	ch, code := m.ingest(ctx, txn, op, clientAddr, nonce)
	if code != wire.CodeSuccess {
		return tid, code
	}
	select {
	case <-ch:
		return tid, wire.CodeSuccess
	case <-ctx.Done():
		return tid, wire.CodeTimeout
	}
}

// ingest implements spec.md §4.1 "Operation ingestion" for one slot.
func (m *Manager) ingest(ctx context.Context, txn *Transaction, op wire.Operation, clientAddr string, clientNonce uint64) (chan struct{}, wire.Code) {
	txn.mu.Lock()
	if txn.state == StateInitialized {
		txn.state = StateExecuting
	}
	for len(txn.ops) <= op.Seqno {
		txn.ops = append(txn.ops, nil)
	}
	for i := 0; i < op.Seqno; i++ {
		if s := txn.ops[i]; s != nil && (s.op.Type == wire.OpPrepare || s.op.Type == wire.OpAbort) {
			txn.mu.Unlock()
			return nil, wire.CodeInvalid
		}
	}

	slot := txn.ops[op.Seqno]
	firstArrival := slot == nil
	if firstArrival {
		slot = newOpSlot()
		slot.op = op
		slot.clientAddr = clientAddr
		slot.clientNonce = clientNonce
		txn.ops[op.Seqno] = slot
	} else if slot.op.Type == wire.OpNop {
		slot.op = op
		slot.clientAddr = clientAddr
		slot.clientNonce = clientNonce
	} else if !opsMatch(slot.op, op) {
		txn.preferToCommit = false
	}
	ch := slot.qDurableCh
	txn.mu.Unlock()

	if !firstArrival {
		return ch, wire.CodeSuccess
	}

	entry := wire.LogEntry{Kind: string(op.Type), Txn: txn.tg, Seqno: op.Seqno, Op: &op}
	seqno := m.log.Append(mustEncode(entry))
	m.log.CallbackWhenDurable(seqno, func() {
		m.onOpDurable(ctx, txn, op.Seqno, m.selfID)
	})
	m.rebroadcast2A(ctx, txn, op.Seqno)
	return ch, wire.CodeSuccess
}

func opsMatch(a, b wire.Operation) bool {
	if a.Type != b.Type || a.Table != b.Table || a.Key != b.Key {
		return false
	}
	if len(a.Value) != len(b.Value) {
		return false
	}
	for i := range a.Value {
		if a.Value[i] != b.Value[i] {
			return false
		}
	}
	return true
}

func (m *Manager) rebroadcast2A(ctx context.Context, txn *Transaction, seqno int) {
	txn.mu.Lock()
	slot := txn.ops[seqno]
	op := slot.op
	members := append([]string(nil), txn.members...)
	txn.mu.Unlock()

	msg := wire.Paxos2A{Txn: txn.tg, Entry: wire.LogEntry{Kind: string(op.Type), Txn: txn.tg, Seqno: seqno, Op: &op}}
	for _, mem := range members {
		if mem == m.selfID {
			continue
		}
		m.sender.SendPaxos2A(ctx, mem, msg)
	}
}

// HandlePaxos2A is the acceptor side: a peer group member durably logging
// an operation this TM originated, then acking back.
func (m *Manager) HandlePaxos2A(ctx context.Context, msg wire.Paxos2A) {
	txn, ok := m.load(msg.Txn)
	if !ok {
		txn = &Transaction{
			tg:             msg.Txn,
			groupID:        msg.Txn.Group,
			members:        m.groupView.Members(msg.Txn.Group),
			state:          StateExecuting,
			preferToCommit: true,
		}
		m.store(txn)
	}
	op := msg.Entry.Op
	if op == nil {
		return
	}
	ch, code := m.ingest(ctx, txn, *op, "", 0)
	if code != wire.CodeSuccess {
		return
	}
	go func() {
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}()
	m.onOpDurable(ctx, txn, op.Seqno, m.selfID)

	txn.mu.Lock()
	members := append([]string(nil), txn.members...)
	txn.mu.Unlock()
	ack := wire.Paxos2B{Txn: msg.Txn, Seqno: op.Seqno, Member: m.selfID}
	for _, mem := range members {
		if mem == m.selfID {
			continue
		}
		m.sender.SendPaxos2B(ctx, mem, ack)
	}
}

// HandlePaxos2B records that member durably holds seqno's entry.
func (m *Manager) HandlePaxos2B(ctx context.Context, msg wire.Paxos2B) {
	txn, ok := m.load(msg.Txn)
	if !ok {
		return
	}
	m.onOpDurable(ctx, txn, msg.Seqno, msg.Member)
}

func (m *Manager) onOpDurable(ctx context.Context, txn *Transaction, seqno int, member string) {
	txn.mu.Lock()
	if seqno >= len(txn.ops) || txn.ops[seqno] == nil {
		txn.mu.Unlock()
		return
	}
	slot := txn.ops[seqno]
	slot.durable[member] = true
	groupSize := len(txn.members)
	if groupSize == 0 {
		groupSize = 1
	}
	nowQDurable := len(slot.durable) >= xconfig.QuorumOf(groupSize)
	alreadyFired := slot.qDurable
	if nowQDurable && !alreadyFired {
		slot.qDurable = true
	}
	isLast := txn.lastOp() == slot
	op := slot.op
	state := txn.state
	txn.mu.Unlock()

	if nowQDurable && !alreadyFired {
		close(slot.qDurableCh)
		if isLast && (op.Type == wire.OpPrepare || op.Type == wire.OpAbort) && state == StateExecuting {
			m.enterLocalVote(ctx, txn)
		}
	}
}

func (m *Manager) enterLocalVote(ctx context.Context, txn *Transaction) {
	txn.mu.Lock()
	if txn.state != StateExecuting {
		txn.mu.Unlock()
		return
	}
	txn.state = StateLocalCommitVote
	preferred := localvoterPreference(txn)
	groupID, members := txn.groupID, append([]string(nil), txn.members...)
	txn.mu.Unlock()

	m.localVoter.Propose(ctx, txn.tg, groupID, members, preferred)
}

func localvoterPreference(txn *Transaction) string {
	last := txn.lastOp()
	if txn.preferToCommit && last != nil && last.op.Type == wire.OpPrepare {
		return "COMMIT"
	}
	return "ABORT"
}

// OnLocalVoteDecided is the localvoter.Decided callback: this DC's local
// outcome is now durable. Single-DC transactions finalize immediately;
// multi-DC transactions proceed to the global voter.
func (m *Manager) OnLocalVoteDecided(ctx context.Context, tg txid.TransactionGroup, outcome string) {
	txn, ok := m.load(tg)
	if !ok {
		return
	}
	txn.mu.Lock()
	if txn.state != StateLocalCommitVote {
		txn.mu.Unlock()
		return
	}
	single := len(txn.dcs) <= 1
	if single {
		txn.state = outcomeState(outcome)
		txn.mu.Unlock()
		m.finalize(ctx, txn, outcome)
		return
	}
	txn.state = StateGlobalCommitVote
	groupID, dcs := txn.groupID, append([]string(nil), txn.dcs...)
	txn.mu.Unlock()

	m.startCommitRecordGossip(ctx, txn)
	m.globalVoter.CastLocalVote(ctx, tg, groupID, dcs, outcome)
}

// OnGlobalVoteDecided is the globalvoter.Decided callback.
func (m *Manager) OnGlobalVoteDecided(ctx context.Context, tg txid.TransactionGroup, outcome string) {
	txn, ok := m.load(tg)
	if !ok {
		return
	}
	txn.mu.Lock()
	if txn.state != StateGlobalCommitVote {
		txn.mu.Unlock()
		return
	}
	txn.state = outcomeState(outcome)
	if txn.gossipCancel != nil {
		txn.gossipCancel()
	}
	txn.mu.Unlock()
	m.finalize(ctx, txn, outcome)
}

func outcomeState(outcome string) string {
	if outcome == "COMMIT" {
		return StateCommitted
	}
	return StateAborted
}

func (m *Manager) startCommitRecordGossip(ctx context.Context, txn *Transaction) {
	gctx, cancel := context.WithCancel(ctx)
	txn.mu.Lock()
	txn.gossipCancel = cancel
	dcs := append([]string(nil), txn.dcs...)
	groupID := txn.groupID
	txn.mu.Unlock()

	go func() {
		ticker := time.NewTicker(xconfig.DefaultResendInterval)
		defer ticker.Stop()
		for {
			rec := m.buildCommitRecord(txn)
			for _, dc := range dcs {
				if dc == groupID {
					continue
				}
				contact, ok := m.groupView.ContactFor(dc)
				if !ok {
					continue
				}
				m.sender.SendCommitRecord(gctx, contact, rec)
			}
			select {
			case <-ticker.C:
			case <-gctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) buildCommitRecord(txn *Transaction) wire.CommitRecord {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	rec := wire.CommitRecord{Txn: txn.tg, DCs: append([]string(nil), txn.dcs...)}
	for _, slot := range txn.ops {
		if slot == nil {
			continue
		}
		rec.Entries = append(rec.Entries, wire.LogEntry{Kind: string(slot.op.Type), Txn: txn.tg, Seqno: slot.op.Seqno, Op: &slot.op})
		if slot.op.Type == wire.OpPrepare {
			break
		}
	}
	return rec
}

// HandleCommitRecord lets a non-home participating DC reconstruct enough
// transaction state to run its own local voter (spec.md §4.1 "receiving a
// commit record is sufficient to reconstruct the transaction state in that
// DC").
func (m *Manager) HandleCommitRecord(ctx context.Context, groupID string, members []string, rec wire.CommitRecord) {
	txn, ok := m.load(rec.Txn)
	if !ok {
		txn = &Transaction{
			tg:             rec.Txn,
			groupID:        groupID,
			members:        members,
			dcs:            rec.DCs,
			state:          StateExecuting,
			preferToCommit: true,
		}
		m.store(txn)
	}
	for _, entry := range rec.Entries {
		if entry.Op == nil {
			continue
		}
		m.ingest(ctx, txn, *entry.Op, "", 0)
	}
}

// Read implements the READ execution path of spec.md §4.1.
func (m *Manager) Read(ctx context.Context, tg txid.TransactionGroup, seqno int, table, key string) (wire.Code, int64, []byte) {
	txn, ok := m.load(tg)
	if !ok {
		return wire.CodeInvalid, 0, nil
	}
	op := wire.Operation{Seqno: seqno, Type: wire.OpRead, Table: table, Key: key}
	ch, code := m.ingest(ctx, txn, op, "", 0)
	if code != wire.CodeSuccess {
		return code, 0, nil
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return wire.CodeTimeout, 0, nil
	}

	// Read-your-own-writes (spec.md §8 scenario 2): a WRITE this same
	// transaction already issued is buffered on its op slot and only
	// applied to the KVS at COMMIT (finalize) — a later READ of the same
	// key must still see it rather than whatever the KVS currently holds.
	if value, ts, found := txn.bufferedWrite(seqno, table, key); found {
		txn.mu.Lock()
		slot := txn.ops[seqno]
		slot.readLockAcquired = true
		slot.readTimestamp = ts
		slot.value = value
		txn.mu.Unlock()
		return wire.CodeSuccess, ts, value
	}

	nonce := txid.NextNonce()
	lockCode := m.kvs.ReplicatedLock(ctx, table, key, tg, nonce)
	if lockCode != wire.CodeSuccess {
		return lockCode, 0, nil
	}
	resp, readCode := m.kvs.ReplicatedRead(ctx, table, key, 0, nonce)
	if readCode != wire.CodeSuccess {
		return readCode, 0, nil
	}

	txn.mu.Lock()
	slot := txn.ops[seqno]
	slot.readLockAcquired = true
	slot.readTimestamp = resp.Timestamp
	slot.value = resp.Value
	if resp.Timestamp+1 > txn.workingTimestamp {
		txn.workingTimestamp = resp.Timestamp + 1
	}
	txn.mu.Unlock()

	return wire.CodeSuccess, resp.Timestamp, resp.Value
}

// Write implements the WRITE execution path of spec.md §4.1: acquires the
// exclusive lock now; the data write itself is deferred until COMMITTED.
func (m *Manager) Write(ctx context.Context, tg txid.TransactionGroup, seqno int, table, key string, value []byte) wire.Code {
	txn, ok := m.load(tg)
	if !ok {
		return wire.CodeInvalid
	}
	op := wire.Operation{Seqno: seqno, Type: wire.OpWrite, Table: table, Key: key, Value: value}
	ch, code := m.ingest(ctx, txn, op, "", 0)
	if code != wire.CodeSuccess {
		return code
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return wire.CodeTimeout
	}

	nonce := txid.NextNonce()
	lockCode := m.kvs.ReplicatedLock(ctx, table, key, tg, nonce)
	if lockCode != wire.CodeSuccess {
		return lockCode
	}

	txn.mu.Lock()
	slot := txn.ops[seqno]
	slot.writeStarted = true
	txn.workingTimestamp++
	slot.writeTimestamp = txn.workingTimestamp
	txn.mu.Unlock()
	return wire.CodeSuccess
}

// Commit ingests the PREPARE operation that drives EXECUTING into voting.
// clientAddr is recorded on the op slot so finalize can deliver the final
// COMMITTED/ABORTED disposition once the voters decide, asynchronously to
// this call's own return.
func (m *Manager) Commit(ctx context.Context, tg txid.TransactionGroup, seqno int, clientAddr string, clientNonce uint64) wire.Code {
	txn, ok := m.load(tg)
	if !ok {
		return wire.CodeInvalid
	}
	op := wire.Operation{Seqno: seqno, Type: wire.OpPrepare}
	_, code := m.ingest(ctx, txn, op, clientAddr, clientNonce)
	return code
}

// Abort ingests an ABORT operation. Per spec.md §9's resolution of the
// mark_aborted open question, this is a graceful flag rather than an
// immediate crash: the transaction still only terminates once the voters
// decide.
func (m *Manager) Abort(ctx context.Context, tg txid.TransactionGroup, seqno int, clientAddr string, clientNonce uint64) wire.Code {
	txn, ok := m.load(tg)
	if !ok {
		return wire.CodeInvalid
	}
	txn.mu.Lock()
	txn.preferToCommit = false
	txn.mu.Unlock()
	op := wire.Operation{Seqno: seqno, Type: wire.OpAbort}
	_, code := m.ingest(ctx, txn, op, clientAddr, clientNonce)
	return code
}

// finalize performs the KVS side effects of a decided transaction and
// advances TERMINATED -> COLLECTED (spec.md §4.1).
func (m *Manager) finalize(ctx context.Context, txn *Transaction, outcome string) {
	txn.mu.Lock()
	ops := append([]*opSlot(nil), txn.ops...)
	txn.mu.Unlock()

	if outcome == "COMMIT" {
		commitTs := time.Now().UnixMicro()
		for _, slot := range ops {
			if slot == nil || slot.op.Type != wire.OpWrite {
				continue
			}
			nonce := txid.NextNonce()
			m.kvs.ReplicatedWrite(ctx, slot.op.Table, slot.op.Key, commitTs, slot.op.Value, false, nonce)
		}
	}

	for _, slot := range ops {
		if slot == nil {
			continue
		}
		if slot.op.Type == wire.OpRead || slot.op.Type == wire.OpWrite {
			m.kvs.ReplicatedUnlock(ctx, slot.op.Table, slot.op.Key, txn.tg)
		}
	}

	txn.mu.Lock()
	txn.state = StateTerminated
	txn.outcome = outcome
	clientSlots := append([]*opSlot(nil), txn.ops...)
	txn.mu.Unlock()

	for _, slot := range clientSlots {
		if slot == nil || slot.clientAddr == "" {
			continue
		}
		m.sender.SendClientResponse(ctx, slot.clientAddr, wire.ClientResponse{
			Nonce: slot.clientNonce,
			Txn:   txn.tg.Txn,
			Code:  outcomeCode(outcome),
		})
	}

	txn.mu.Lock()
	txn.state = StateCollected
	txn.dispositioned = true
	txn.mu.Unlock()
}

// HandleWound reacts to a WOUND_ABORT delivered from a remote lock manager
// (lockmgr.Notifier.NotifyWound, spec.md §4.4): the transaction is forced
// towards ABORT by appending an ABORT operation at the next free seqno,
// same as a client-issued abort.
func (m *Manager) HandleWound(ctx context.Context, w wire.Wound) {
	if w.Kind != wire.WoundAbort {
		return
	}
	txn, ok := m.load(w.Txn)
	if !ok {
		return
	}
	txn.mu.Lock()
	txn.preferToCommit = false
	seqno := len(txn.ops)
	txn.mu.Unlock()
	m.Abort(ctx, w.Txn, seqno, "", 0)
}

func outcomeCode(outcome string) wire.Code {
	if outcome == "COMMIT" {
		return wire.CodeCommitted
	}
	return wire.CodeAborted
}

func mustEncode(entry wire.LogEntry) []byte {
	b, err := encodeEntry(entry)
	xconfig.Assert(err == nil, fmt.Sprintf("txnmgr: log entry must encode: %v", err))
	return b
}

package wire

import (
	"time"

	"consus/internal/txid"
)

// Operation is one slot of a transaction's operation array (spec.md §3).
type Operation struct {
	Seqno int      `json:"seqno"`
	Type  OpType   `json:"type"`
	Table string   `json:"table,omitempty"`
	Key   string   `json:"key,omitempty"`
	Value []byte   `json:"value,omitempty"`
}

// LogEntry is a durable-log record (spec.md §3 "Durable log record types").
type LogEntry struct {
	Kind  string `json:"kind"`
	Txn   txid.TransactionGroup `json:"txn"`
	Seqno int    `json:"seqno,omitempty"`
	Op    *Operation `json:"op,omitempty"`
	Ballot uint64 `json:"ballot,omitempty"`
	Value  []byte `json:"value,omitempty"`
}

// TxmanBegin is the client's begin request. ClientAddr is the dialable
// address the client is listening on for its response — clients in this
// wire protocol are not addressable through clusterconfig, so they name
// themselves the way a callback URL would.
type TxmanBegin struct {
	Nonce      uint64 `json:"nonce"`
	ClientAddr string `json:"client_addr"`
}

// ClientResponse answers any client-facing request.
type ClientResponse struct {
	Nonce     uint64   `json:"nonce"`
	Txn       txid.TxnID `json:"txn"`
	Members   []string `json:"members,omitempty"`
	Code      Code     `json:"code"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Value     []byte   `json:"value,omitempty"`
}

// TxmanOp is a client read/write/commit/abort request against an open
// transaction.
type TxmanOp struct {
	Type       MsgType    `json:"type"`
	Txn        txid.TxnID `json:"txn"`
	Nonce      uint64     `json:"nonce"`
	Seqno      int        `json:"seqno"`
	Table      string     `json:"table,omitempty"`
	Key        string     `json:"key,omitempty"`
	Value      []byte     `json:"value,omitempty"`
	ClientAddr string     `json:"client_addr,omitempty"`
}

// Paxos2A carries one operation's durability entry to every home-group peer.
type Paxos2A struct {
	Txn   txid.TransactionGroup `json:"txn"`
	Entry LogEntry              `json:"entry"`
}

// Paxos2B acknowledges durability of one operation from one group member.
type Paxos2B struct {
	Txn    txid.TransactionGroup `json:"txn"`
	Seqno  int                   `json:"seqno"`
	Member string                `json:"member"`
}

// LocalVoteMsg carries one phase of the per-DC classic Paxos synod
// (spec.md §4.2) for one member slot.
type LocalVoteMsg struct {
	Type       MsgType `json:"type"`
	Txn        txid.TransactionGroup `json:"txn"`
	Slot       int     `json:"slot"`
	Ballot     uint64  `json:"ballot"`
	LeaderID   string  `json:"leader_id"`
	From       string  `json:"from"`
	Promised   uint64  `json:"promised,omitempty"`
	AcceptedBallot uint64 `json:"accepted_ballot,omitempty"`
	Value      string  `json:"value,omitempty"`
	Accepted   bool    `json:"accepted,omitempty"`
}

// CommitRecord is the gossiped concatenation of a transaction's durable
// operation-log entries, through PREPARE (spec.md §4.1).
type CommitRecord struct {
	Txn     txid.TransactionGroup `json:"txn"`
	Entries []LogEntry            `json:"entries"`
	DCs     []string              `json:"dcs"`
}

// Wound is sent either to a locking client (WOUND_DROP_REQ) or to a
// transaction's home TM (WOUND_ABORT), spec.md §4.4.
type Wound struct {
	Kind WoundKind             `json:"kind"`
	Txn  txid.TransactionGroup `json:"txn"`
}

// GVCommand is one global-voter command: either a DC's cast vote, or an
// outer-relay acknowledgement exchanged within the home group.
type GVCommand struct {
	Kind    string  `json:"kind"` // "vote" | "outer_ack"
	DC      string  `json:"dc"`
	Slot    int     `json:"slot,omitempty"`
	Value   string  `json:"value,omitempty"` // "COMMIT" | "ABORT"
	Ballot  uint64  `json:"ballot,omitempty"`
	Cstruct []GVCommand `json:"cstruct,omitempty"`
}

// GVEnvelope carries one GVCommand for a transaction group, plus the
// participating DCs when the command is a cast vote.
type GVEnvelope struct {
	Txn     txid.TransactionGroup `json:"txn"`
	Command GVCommand             `json:"command"`
	DCs     []string              `json:"dcs,omitempty"`
}

// GVOutcome announces the decided global outcome for a transaction.
type GVOutcome struct {
	Txn     txid.TransactionGroup `json:"txn"`
	Commit  bool                  `json:"commit"`
}

// KVSLockRequest asks a KVS node's lock manager for table/key on behalf of
// txn (spec.md §4.4/§4.5).
type KVSLockRequest struct {
	Txn   txid.TransactionGroup `json:"txn"`
	Table string                `json:"table"`
	Key   string                `json:"key"`
	Nonce uint64                `json:"nonce"`
}

// KVSLockResponse answers a lock request.
type KVSLockResponse struct {
	Code   Code `json:"code"`
	Holder txid.TransactionGroup `json:"holder,omitempty"`
	Nonce  uint64 `json:"nonce,omitempty"`
}

// KVSUnlockRequest releases a previously granted lock.
type KVSUnlockRequest struct {
	Txn   txid.TransactionGroup `json:"txn"`
	Table string                `json:"table"`
	Key   string                `json:"key"`
	Nonce uint64                `json:"nonce,omitempty"`
}

// KVSReadRequest/KVSWriteRequest are TM-issued replicated operations
// (spec.md §4.5).
type KVSReadRequest struct {
	Table     string `json:"table"`
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
	Nonce     uint64 `json:"nonce"`
}

type KVSReadResponse struct {
	Code      Code   `json:"code"`
	Timestamp int64  `json:"timestamp"`
	Value     []byte `json:"value"`
	Nonce     uint64 `json:"nonce,omitempty"`
}

type KVSWriteRequest struct {
	Table     string `json:"table"`
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
	Value     []byte `json:"value"`
	Tombstone bool   `json:"tombstone"`
	Nonce     uint64 `json:"nonce"`
}

type KVSWriteResponse struct {
	Code  Code   `json:"code"`
	Nonce uint64 `json:"nonce,omitempty"`
}

// Envelope is the single type multiplexed over the wire for every message
// kind above, mirroring the way the teacher frames one JSON object per line
// (network/coordinator/conn.go: bufio.ReadString('\n') + goccy/go-json).
type Envelope struct {
	Type      MsgType     `json:"type"`
	From      string      `json:"from"`
	SentAt    time.Time   `json:"sent_at"`
	Begin     *TxmanBegin `json:"begin,omitempty"`
	Op        *TxmanOp    `json:"op,omitempty"`
	Resp      *ClientResponse `json:"resp,omitempty"`
	P2A       *Paxos2A    `json:"p2a,omitempty"`
	P2B       *Paxos2B    `json:"p2b,omitempty"`
	LV        *LocalVoteMsg `json:"lv,omitempty"`
	Commit    *CommitRecord `json:"commit,omitempty"`
	Wound     *Wound      `json:"wound,omitempty"`
	GV        *GVEnvelope `json:"gv,omitempty"`
	GVOut     *GVOutcome  `json:"gv_out,omitempty"`
	LockReq   *KVSLockRequest  `json:"lock_req,omitempty"`
	LockResp  *KVSLockResponse `json:"lock_resp,omitempty"`
	UnlockReq *KVSUnlockRequest `json:"unlock_req,omitempty"`
	ReadReq   *KVSReadRequest  `json:"read_req,omitempty"`
	ReadResp  *KVSReadResponse `json:"read_resp,omitempty"`
	WriteReq  *KVSWriteRequest `json:"write_req,omitempty"`
	WriteResp *KVSWriteResponse `json:"write_resp,omitempty"`
}

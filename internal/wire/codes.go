// Package wire defines the network message types that cross the client/TM,
// TM/TM, TM/KVS, and KVS/KVS boundaries (spec.md §6), and the stable return
// code enum, encoded with the same github.com/goccy/go-json codec the
// teacher uses for its gossip and response messages.
package wire

// Code is the stable, wire-level return code enum (spec.md §6).
type Code string

const (
	CodeSuccess      Code = "SUCCESS"
	CodeLessDurable  Code = "LESS_DURABLE"
	CodeNotFound     Code = "NOT_FOUND"
	CodeAborted      Code = "ABORTED"
	CodeCommitted    Code = "COMMITTED"
	CodeUnknownTable Code = "UNKNOWN_TABLE"
	CodeNonePending  Code = "NONE_PENDING"
	CodeInvalid      Code = "INVALID"
	CodeTimeout      Code = "TIMEOUT"
	CodeInterrupted  Code = "INTERRUPTED"
	CodeSeeErrno     Code = "SEE_ERRNO"
	CodeCoordFail    Code = "COORD_FAIL"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeServerError  Code = "SERVER_ERROR"
	CodeInternal     Code = "INTERNAL"
	CodeGarbage      Code = "GARBAGE"
)

// IsTerminal reports whether code is a terminal per-operation code (spec.md
// §7): one that a caller should stop retrying on and propagate as-is.
func (c Code) IsTerminal() bool {
	switch c {
	case CodeSuccess, CodeNotFound, CodeUnknownTable, CodeInvalid, CodeCommitted, CodeAborted:
		return true
	default:
		return false
	}
}

// IsTransient reports whether code should be retried internally up to the
// caller's deadline before being surfaced.
func (c Code) IsTransient() bool {
	switch c {
	case CodeTimeout, CodeUnavailable, CodeCoordFail, CodeInterrupted, CodeSeeErrno:
		return true
	default:
		return false
	}
}

// IsFatal reports whether code demands the in-flight transaction or state
// object be aborted/rejected outright.
func (c Code) IsFatal() bool {
	switch c {
	case CodeServerError, CodeInternal, CodeGarbage:
		return true
	default:
		return false
	}
}

// MsgType enumerates the wire message kinds of spec.md §6.
type MsgType string

const (
	// Client <-> TM
	MsgTxmanBegin  MsgType = "TXMAN_BEGIN"
	MsgTxmanRead   MsgType = "TXMAN_READ"
	MsgTxmanWrite  MsgType = "TXMAN_WRITE"
	MsgTxmanCommit MsgType = "TXMAN_COMMIT"
	MsgTxmanAbort  MsgType = "TXMAN_ABORT"
	MsgClientResp  MsgType = "CLIENT_RESPONSE"

	// TM <-> TM, intra-group
	MsgPaxos2A    MsgType = "TXMAN_PAXOS_2A"
	MsgPaxos2B    MsgType = "TXMAN_PAXOS_2B"
	MsgLV1A       MsgType = "LV_VOTE_1A"
	MsgLV1B       MsgType = "LV_VOTE_1B"
	MsgLV2A       MsgType = "LV_VOTE_2A"
	MsgLV2B       MsgType = "LV_VOTE_2B"
	MsgLVLearn    MsgType = "LV_VOTE_LEARN"
	MsgCommitRec  MsgType = "COMMIT_RECORD"
	MsgTxmanWound MsgType = "TXMAN_WOUND"

	// TM <-> TM, inter-DC
	MsgGVPropose MsgType = "GV_PROPOSE"
	MsgGV1A      MsgType = "GV_VOTE_1A"
	MsgGV1B      MsgType = "GV_VOTE_1B"
	MsgGV2A      MsgType = "GV_VOTE_2A"
	MsgGV2B      MsgType = "GV_VOTE_2B"
	MsgGVOutcome MsgType = "GV_OUTCOME"

	// TM <-> KVS
	MsgKVSRepRD MsgType = "KVS_REP_RD"
	MsgKVSRepWR MsgType = "KVS_REP_WR"
	MsgKVSLock  MsgType = "KVS_LOCK_OP"

	// KVS <-> KVS
	MsgKVSRawRD      MsgType = "KVS_RAW_RD"
	MsgKVSRawWR      MsgType = "KVS_RAW_WR"
	MsgKVSRawLK      MsgType = "KVS_RAW_LK"
	MsgKVSWoundXact  MsgType = "KVS_WOUND_XACT"
	MsgKVSMigrateSyn MsgType = "KVS_MIGRATE_SYN"
	MsgKVSMigrateAck MsgType = "KVS_MIGRATE_ACK"
)

// OpType enumerates the per-operation log/record type (spec.md §3).
type OpType string

const (
	OpBegin   OpType = "BEGIN"
	OpRead    OpType = "READ"
	OpWrite   OpType = "WRITE"
	OpPrepare OpType = "PREPARE"
	OpAbort   OpType = "ABORT"
	OpNop     OpType = "NOP"
)

// LockOutcome is the result tri-state a lock-manager acquire/unlock can
// produce (spec.md §6, LockNone/LockWait/LockAbort/LockSucceed family
// generalized to the replicated setting).
type LockOutcome int

const (
	LockWait LockOutcome = iota
	LockGranted
	LockAbortOutcome
)

// WoundKind distinguishes the two wound messages of spec.md §4.4.
type WoundKind string

const (
	WoundDropReq WoundKind = "WOUND_DROP_REQ"
	WoundAbort   WoundKind = "WOUND_ABORT"
)

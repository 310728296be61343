package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consus/internal/txid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tg := txid.TransactionGroup{
		Group: "g1",
		Txn:   txid.TxnID{HomeGroup: "g1", StartUs: 1234, Nonce: 9},
	}

	cases := []struct {
		name string
		env  *Envelope
	}{
		{"begin", &Envelope{
			Type:   MsgTxmanBegin,
			From:   "client-1",
			SentAt: time.Unix(1000, 0).UTC(),
			Begin:  &TxmanBegin{Nonce: 1, ClientAddr: "127.0.0.1:9001"},
		}},
		{"op_write", &Envelope{
			Type: MsgTxmanWrite,
			From: "client-1",
			Op: &TxmanOp{
				Type: MsgTxmanWrite, Txn: tg.Txn, Nonce: 2, Seqno: 0,
				Table: "YCSB_MAIN", Key: "user42", Value: []byte("payload"),
				ClientAddr: "127.0.0.1:9001",
			},
		}},
		{"resp", &Envelope{
			Type: MsgClientResp,
			Resp: &ClientResponse{Nonce: 2, Txn: tg.Txn, Code: CodeSuccess},
		}},
		{"p2a", &Envelope{
			Type: MsgPaxos2A,
			P2A: &Paxos2A{
				Txn: tg,
				Entry: LogEntry{
					Kind: "op", Txn: tg, Seqno: 0,
					Op: &Operation{Seqno: 0, Type: OpWrite, Table: "t", Key: "k", Value: []byte("v")},
				},
			},
		}},
		{"commit_record", &Envelope{
			Type: MsgCommitRec,
			Commit: &CommitRecord{
				Txn: tg,
				Entries: []LogEntry{
					{Kind: "op", Txn: tg, Seqno: 0, Op: &Operation{Seqno: 0, Type: OpRead, Table: "t", Key: "k"}},
				},
				DCs: []string{"dc1", "dc2"},
			},
		}},
		{"wound", &Envelope{
			Type:  MsgTxmanWound,
			Wound: &Wound{Kind: WoundAbort, Txn: tg},
		}},
		{"gv_envelope", &Envelope{
			Type: MsgGVPropose,
			GV: &GVEnvelope{
				Txn:     tg,
				Command: GVCommand{Kind: "1a", DC: "dc1", Ballot: 7},
				DCs:     []string{"dc1", "dc2", "dc3"},
			},
		}},
		{"lock_request", &Envelope{
			Type:    MsgKVSLock,
			LockReq: &KVSLockRequest{Txn: tg, Table: "t", Key: "k", Nonce: 5},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.env)
			require.NoError(t, err)
			assert.True(t, len(b) > 0 && b[len(b)-1] == '\n', "encoded line must be newline-terminated")

			got, err := Decode(b)
			require.NoError(t, err)

			if diff := cmp.Diff(tc.env, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReaderReadsOneEnvelopePerLine(t *testing.T) {
	env1 := &Envelope{Type: MsgTxmanBegin, Begin: &TxmanBegin{Nonce: 1, ClientAddr: "a"}}
	env2 := &Envelope{Type: MsgTxmanBegin, Begin: &TxmanBegin{Nonce: 2, ClientAddr: "b"}}

	b1, err := Encode(env1)
	require.NoError(t, err)
	b2, err := Encode(env2)
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(append(b1, b2...)))

	got1, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got1.Begin.Nonce)

	got2, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got2.Begin.Nonce)
}

package txid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxnIDLessOrdersByStartUsThenNonce(t *testing.T) {
	a := TxnID{HomeGroup: "g1", StartUs: 100, Nonce: 5}
	b := TxnID{HomeGroup: "g1", StartUs: 200, Nonce: 1}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))

	c := TxnID{HomeGroup: "g1", StartUs: 100, Nonce: 1}
	d := TxnID{HomeGroup: "g1", StartUs: 100, Nonce: 2}
	assert.True(t, c.Less(d))
	assert.False(t, d.Less(c))
}

func TestTxnIDEqualIgnoresNothing(t *testing.T) {
	a := TxnID{HomeGroup: "g1", StartUs: 100, Nonce: 5}
	b := TxnID{HomeGroup: "g1", StartUs: 100, Nonce: 5}
	assert.True(t, a.Equal(b))

	c := TxnID{HomeGroup: "g2", StartUs: 100, Nonce: 5}
	assert.False(t, a.Equal(c))
}

func TestTransactionGroupIsHome(t *testing.T) {
	home := TransactionGroup{Group: "g1", Txn: TxnID{HomeGroup: "g1", StartUs: 1, Nonce: 1}}
	assert.True(t, home.IsHome())

	remote := TransactionGroup{Group: "g2", Txn: TxnID{HomeGroup: "g1", StartUs: 1, Nonce: 1}}
	assert.False(t, remote.IsHome())
}

func TestNextNonceIsMonotonicAndUnique(t *testing.T) {
	seen := make(map[uint64]bool)
	var prev uint64
	for i := 0; i < 1000; i++ {
		n := NextNonce()
		assert.False(t, seen[n], "NextNonce must not repeat within a process")
		seen[n] = true
		if i > 0 {
			assert.Greater(t, n, prev)
		}
		prev = n
	}
}

package localvoter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"consus/internal/txid"
	"consus/internal/wire"
)

// fakeDurableLog treats every append as instantly durable, the same
// shortcut the teacher's own in-memory log tests take: no disk, no delay,
// so the Paxos rounds above it settle in-process without a goroutine ever
// blocking on real I/O.
type fakeDurableLog struct{}

func (fakeDurableLog) Append(entry []byte) uint64 { return 0 }

func (fakeDurableLog) CallbackWhenDurable(seqno uint64, cb func()) { cb() }

type fakeGroupView struct{ members []string }

func (v fakeGroupView) Members(groupID string) []string      { return v.members }
func (fakeGroupView) IsOnline(groupID, memberID string) bool { return true }

// routedSender wires every member's Manager directly to every other
// member's Dispatch, standing in for the network: SendLocalVote delivers
// synchronously to the addressed Manager's own Instance for this
// transaction group.
type routedSender struct {
	targets map[string]*Manager
	groupID string
	members []string
}

func (s *routedSender) SendLocalVote(ctx context.Context, to string, msg wire.LocalVoteMsg) {
	mgr, ok := s.targets[to]
	if !ok {
		return
	}
	inst := mgr.Instance(msg.Txn, s.groupID, s.members)
	mgr.Dispatch(ctx, inst, msg)
}

// runLocalVote builds one Manager per member of groupID, proposes
// preferred[i] from member i, and returns a channel per member that
// receives the decided outcome (if any).
func runLocalVote(t *testing.T, tg txid.TransactionGroup, groupID string, members []string, preferred []string) map[string]chan string {
	t.Helper()
	require.Equal(t, len(members), len(preferred))

	targets := make(map[string]*Manager, len(members))
	decided := make(map[string]chan string, len(members))
	for _, id := range members {
		decided[id] = make(chan string, 1)
	}
	for _, id := range members {
		id := id
		sender := &routedSender{targets: targets, groupID: groupID, members: members}
		targets[id] = New(id, fakeDurableLog{}, sender, fakeGroupView{members: members}, func(tg txid.TransactionGroup, outcome string) {
			decided[id] <- outcome
		})
	}
	for i, id := range members {
		targets[id].Propose(context.Background(), tg, groupID, members, preferred[i])
	}
	return decided
}

func awaitOutcome(t *testing.T, ch chan string, timeout time.Duration) (string, bool) {
	t.Helper()
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		return "", false
	}
}

func freshTG(home string) txid.TransactionGroup {
	return txid.TransactionGroup{Group: home, Txn: txid.TxnID{HomeGroup: home, StartUs: 1, Nonce: txid.NextNonce()}}
}

func TestLocalVoterAllCommitDecidesCommit(t *testing.T) {
	members := []string{"m1", "m2", "m3"}
	tg := freshTG("m1")
	decided := runLocalVote(t, tg, "g1", members, []string{ValueCommit, ValueCommit, ValueCommit})

	for _, id := range members {
		outcome, ok := awaitOutcome(t, decided[id], time.Second)
		require.True(t, ok, "member %s never decided", id)
		require.Equal(t, ValueCommit, outcome)
	}
}

// TestLocalVoterMajorityAbortDecidesAbort is spec.md §8's wound-wait abort
// scenario at the local-vote layer: a wounded member proposes ABORT and,
// once a majority of the home group agrees, the group-local outcome is
// ABORT even though one member still prefers COMMIT.
func TestLocalVoterMajorityAbortDecidesAbort(t *testing.T) {
	members := []string{"m1", "m2", "m3"}
	tg := freshTG("m1")
	decided := runLocalVote(t, tg, "g1", members, []string{ValueAbort, ValueAbort, ValueCommit})

	for _, id := range members {
		outcome, ok := awaitOutcome(t, decided[id], time.Second)
		require.True(t, ok, "member %s never decided", id)
		require.Equal(t, ValueAbort, outcome)
	}
}

// TestLocalVoterExactHalfNeverDecides is the q-durability boundary of
// spec.md §4.2's outcome tally: with 4 members, a 2-2 split is exactly
// half, not a majority, and must never resolve to a decided outcome.
func TestLocalVoterExactHalfNeverDecides(t *testing.T) {
	members := []string{"m1", "m2", "m3", "m4"}
	tg := freshTG("m1")
	decided := runLocalVote(t, tg, "g1", members, []string{ValueCommit, ValueCommit, ValueAbort, ValueAbort})

	for _, id := range members {
		_, ok := awaitOutcome(t, decided[id], 150*time.Millisecond)
		require.False(t, ok, "a 2-2 tie among 4 members must never decide")
	}
}

// TestLocalVoterOneMoreThanHalfDecides is the other side of the same
// boundary: 3 of 4 members (one more than half) is enough to decide.
func TestLocalVoterOneMoreThanHalfDecides(t *testing.T) {
	members := []string{"m1", "m2", "m3", "m4"}
	tg := freshTG("m1")
	decided := runLocalVote(t, tg, "g1", members, []string{ValueCommit, ValueCommit, ValueCommit, ValueAbort})

	for _, id := range members {
		outcome, ok := awaitOutcome(t, decided[id], time.Second)
		require.True(t, ok, "member %s never decided", id)
		require.Equal(t, ValueCommit, outcome)
	}
}

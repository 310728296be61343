package globalvoter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"consus/internal/txid"
	"consus/internal/wire"
)

type fakeDurableLog struct{}

func (fakeDurableLog) Append(entry []byte) uint64 { return 0 }

func (fakeDurableLog) CallbackWhenDurable(seqno uint64, cb func()) { cb() }

// fakeGroupView models each data center's home group as a single member:
// itself. Cross-DC agreement is what this package tests; intra-DC local
// voting is localvoter's concern and is exercised there.
type fakeGroupView struct{}

func (fakeGroupView) Members(groupID string) []string { return []string{groupID} }

// fakeDCDirectory resolves a DC name to a contact id (itself, one manager
// per DC), optionally excluding a DC to model a network partition.
type fakeDCDirectory struct{ excluded map[string]bool }

func (f fakeDCDirectory) ContactFor(dc string) (string, bool) {
	if f.excluded[dc] {
		return "", false
	}
	return dc, true
}

// routedSender delivers outer acks and GV traffic directly to the
// addressed Manager, standing in for the network.
type routedSender struct {
	targets map[string]*Manager
}

func (s *routedSender) SendOuterAck(ctx context.Context, to string, ack wire.GVEnvelope) {
	if mgr, ok := s.targets[to]; ok {
		mgr.HandleOuterAck(ack.Txn, to, ack.Command.Value)
	}
}

func (s *routedSender) SendGV(ctx context.Context, to string, env wire.GVEnvelope) {
	if mgr, ok := s.targets[to]; ok {
		mgr.HandleRemoteVote(ctx, env.Txn, to, env.DCs, env.Command.DC, env.Command.Value)
	}
}

func (s *routedSender) SendGVOutcome(ctx context.Context, to string, out wire.GVOutcome) {
	if mgr, ok := s.targets[to]; ok {
		mgr.HandleOutcome(out.Txn, dcsOf(out), out.Commit)
	}
}

// dcsOf works around GVOutcome carrying no DC list of its own: every test
// in this file uses a single, fixed set of participating DCs, stashed here
// so the routed SendGVOutcome fake can reconstruct it.
var testDCs []string

func dcsOf(wire.GVOutcome) []string { return testDCs }

func freshTG(home string) txid.TransactionGroup {
	return txid.TransactionGroup{Group: home, Txn: txid.TxnID{HomeGroup: home, StartUs: 1, Nonce: txid.NextNonce()}}
}

func newHarness(t *testing.T, dcs []string, excluded map[string]bool) (map[string]*Manager, map[string]chan string) {
	t.Helper()
	testDCs = dcs
	targets := make(map[string]*Manager, len(dcs))
	decided := make(map[string]chan string, len(dcs))
	for _, dc := range dcs {
		decided[dc] = make(chan string, 1)
	}
	sender := &routedSender{targets: targets}
	directory := fakeDCDirectory{excluded: excluded}
	for _, dc := range dcs {
		dc := dc
		targets[dc] = New(dc, fakeDurableLog{}, sender, fakeGroupView{}, directory, func(tg txid.TransactionGroup, outcome string) {
			decided[dc] <- outcome
		})
	}
	return targets, decided
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

// sharedTG is set per-test so every DC in the harness casts/relays a vote
// for the same transaction_group.
var sharedTG txid.TransactionGroup

// castAndCrossDeliver has every dc in votes cast its own local decision,
// then manually delivers every pairwise cross-DC vote message once, the
// deterministic substitute for waiting on startInner's 1s resend ticker.
func castAndCrossDeliver(ctx context.Context, targets map[string]*Manager, dcs []string, votes map[string]string) {
	for dc, value := range votes {
		targets[dc].CastLocalVote(ctx, sharedTG, dc, dcs, value)
	}
	for from, value := range votes {
		for _, to := range dcs {
			if to == from {
				continue
			}
			targets[to].HandleRemoteVote(ctx, sharedTG, to, dcs, from, value)
		}
	}
}

func TestGlobalVoterAllDCsCommitDecidesCommit(t *testing.T) {
	dcs := []string{"dcA", "dcB", "dcC"}
	sharedTG = freshTG("dcA")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	targets, decided := newHarness(t, dcs, nil)

	castAndCrossDeliver(ctx, targets, dcs, map[string]string{"dcA": ValueCommit, "dcB": ValueCommit, "dcC": ValueCommit})

	for _, dc := range dcs {
		outcome, ok := awaitOutcome(t, decided[dc], time.Second)
		require.True(t, ok, "dc %s never decided", dc)
		require.Equal(t, ValueCommit, outcome)
	}
}

// TestGlobalVoterQuorumDisagreementSettlesOnMajorityAbort: one DC wounds
// its transaction and votes ABORT while another still votes COMMIT; once a
// quorum of the 3 DCs agree (2 ABORT), the system-wide outcome is ABORT.
func TestGlobalVoterQuorumDisagreementSettlesOnMajorityAbort(t *testing.T) {
	dcs := []string{"dcA", "dcB", "dcC"}
	sharedTG = freshTG("dcA")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	targets, decided := newHarness(t, dcs, nil)

	castAndCrossDeliver(ctx, targets, dcs, map[string]string{"dcA": ValueAbort, "dcB": ValueAbort, "dcC": ValueCommit})

	for _, dc := range dcs {
		outcome, ok := awaitOutcome(t, decided[dc], time.Second)
		require.True(t, ok, "dc %s never decided", dc)
		require.Equal(t, ValueAbort, outcome)
	}
}

// TestGlobalVoterDCFailureDuringVoteStillReachesQuorum is spec.md §8
// scenario 4 verbatim: three DCs, one network-partitioned during the vote;
// the remaining two still reach quorum and decide COMMIT, and the
// partitioned DC only learns the outcome once reconnected.
func TestGlobalVoterDCFailureDuringVoteStillReachesQuorum(t *testing.T) {
	dcs := []string{"dcA", "dcB", "dcC"}
	sharedTG = freshTG("dcA")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	excluded := map[string]bool{"dcC": true}
	targets, decided := newHarness(t, dcs, excluded)

	// dcC is partitioned: it neither casts nor receives any vote traffic
	// this round.
	votesInFlight := map[string]string{"dcA": ValueCommit, "dcB": ValueCommit}
	for dc, value := range votesInFlight {
		targets[dc].CastLocalVote(ctx, sharedTG, dc, dcs, value)
	}
	for from := range votesInFlight {
		for _, to := range dcs {
			if to == from || excluded[to] {
				continue
			}
			targets[to].HandleRemoteVote(ctx, sharedTG, to, dcs, from, votesInFlight[from])
		}
	}

	for _, dc := range []string{"dcA", "dcB"} {
		outcome, ok := awaitOutcome(t, decided[dc], time.Second)
		require.True(t, ok, "dc %s never decided", dc)
		require.Equal(t, ValueCommit, outcome)
	}
	_, ok := awaitOutcome(t, decided["dcC"], 100*time.Millisecond)
	require.False(t, ok, "a partitioned dc must not learn the outcome while unreachable")

	// Reconnect: dcC learns the already-decided outcome via commit_record
	// gossip (HandleOutcome), the same path HandleRemoteVote's own
	// dcDirectory-gated fan-out would have used had it been reachable.
	targets["dcC"].HandleOutcome(sharedTG, dcs, true)
	outcome, ok := awaitOutcome(t, decided["dcC"], time.Second)
	require.True(t, ok, "dcC must learn the outcome after reconnecting")
	require.Equal(t, ValueCommit, outcome)
}

// TestGlobalVoterExactHalfOfFourNeverDecides is the q-durability boundary
// at the inner cross-DC tally: 4 DCs, a 2-2 split is short of
// QuorumOf(4)=3 and must never decide.
func TestGlobalVoterExactHalfOfFourNeverDecides(t *testing.T) {
	dcs := []string{"dcA", "dcB", "dcC", "dcD"}
	sharedTG = freshTG("dcA")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	targets, decided := newHarness(t, dcs, nil)

	castAndCrossDeliver(ctx, targets, dcs, map[string]string{
		"dcA": ValueCommit, "dcB": ValueCommit, "dcC": ValueAbort, "dcD": ValueAbort,
	})

	for _, dc := range dcs {
		_, ok := awaitOutcome(t, decided[dc], 150*time.Millisecond)
		require.False(t, ok, "a 2-2 split among 4 DCs must not reach quorum")
	}
}

// TestGlobalVoterOneMoreThanHalfOfFourDecides is the other side of the same
// boundary: 3 of 4 DCs (QuorumOf(4)=3) is enough to decide.
func TestGlobalVoterOneMoreThanHalfOfFourDecides(t *testing.T) {
	dcs := []string{"dcA", "dcB", "dcC", "dcD"}
	sharedTG = freshTG("dcA")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	targets, decided := newHarness(t, dcs, nil)

	castAndCrossDeliver(ctx, targets, dcs, map[string]string{
		"dcA": ValueCommit, "dcB": ValueCommit, "dcC": ValueCommit, "dcD": ValueAbort,
	})

	for _, dc := range dcs {
		outcome, ok := awaitOutcome(t, decided[dc], time.Second)
		require.True(t, ok, "dc %s never decided", dc)
		require.Equal(t, ValueCommit, outcome)
	}
}

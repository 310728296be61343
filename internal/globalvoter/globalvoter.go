// Package globalvoter implements the cross-data-center voter of spec.md
// §4.3: an outer classical-Paxos relay within the home paxos group (the
// outer conflict predicate is stubbed to "always conflict" per spec.md §9,
// which collapses the outer Generalized Paxos to ordinary Paxos — here
// specialized further, since the outer's only input is a value a DC's
// local voter has *already* decided via a full classic-Paxos synod
// (localvoter.Manager): re-running a second full ballot over an
// unconditionally-fixed value adds nothing, so the outer is implemented as
// a single durable-log-gated quorum broadcast of that fixed value, the
// degenerate case of classic Paxos where the proposer never needs to
// arbitrate between competing values) feeding an inner cross-DC instance
// that merges cast votes (spec.md: "commands of type GLOBAL_VOTER_COMMAND
// never conflict... decision is the first value achieving quorum votes").
// The quorum-ack-then-fire-channel shape is grounded on the same
// txnHandler idiom localvoter uses (network/coordinator/txn_handler.go).
package globalvoter

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"consus/internal/txid"
	"consus/internal/wire"
	"consus/internal/xconfig"
)

const (
	ValueCommit = "COMMIT"
	ValueAbort  = "ABORT"
)

// Sender delivers the two message families this voter produces: outer
// quorum acks within the home group, and inner cross-DC vote envelopes.
type Sender interface {
	SendOuterAck(ctx context.Context, to string, ack wire.GVEnvelope)
	SendGV(ctx context.Context, to string, env wire.GVEnvelope)
	SendGVOutcome(ctx context.Context, to string, out wire.GVOutcome)
}

// DurableLog gates the outer broadcast behind a durable checkpoint, as
// spec.md §4.3 requires ("a durable-log append gates every 'send when
// durable' message").
type DurableLog interface {
	Append(entry []byte) uint64
	CallbackWhenDurable(seqno uint64, cb func())
}

// GroupView answers home-group membership/liveness questions.
type GroupView interface {
	Members(groupID string) []string
}

// DCDirectory picks one ONLINE contact TM per remote data center, the peer
// a DC's outcome gossip (and here, its vote dissemination) is addressed to.
type DCDirectory interface {
	ContactFor(dc string) (string, bool)
}

// Decided is invoked once, with the system-wide outcome, when the inner
// instance reaches quorum.
type Decided func(tg txid.TransactionGroup, outcome string)

type outerRound struct {
	mu     sync.Mutex
	need   int
	acked  mapset.Set[string]
	fired  bool
	finish chan struct{}
	value  string
}

type innerInstance struct {
	mu      sync.Mutex
	tg      txid.TransactionGroup
	dcs     []string
	votes   map[string]string
	decided bool
	outcome string
	cancel  context.CancelFunc
}

// Manager runs the global-voter outer relay and inner cross-DC aggregation
// for however many transaction_groups are concurrently active on this TM.
type Manager struct {
	mu     sync.Mutex
	rounds map[string]*outerRound
	inners map[string]*innerInstance

	selfID      string
	log         DurableLog
	sender      Sender
	groupView   GroupView
	dcDirectory DCDirectory
	onDecided   Decided
}

func New(selfID string, log DurableLog, sender Sender, groupView GroupView, dcDirectory DCDirectory, onDecided Decided) *Manager {
	return &Manager{
		rounds:      make(map[string]*outerRound),
		inners:      make(map[string]*innerInstance),
		selfID:      selfID,
		log:         log,
		sender:      sender,
		groupView:   groupView,
		dcDirectory: dcDirectory,
		onDecided:   onDecided,
	}
}

func (m *Manager) getInner(tg txid.TransactionGroup, dcs []string) *innerInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tg.String()
	inst, ok := m.inners[key]
	if !ok {
		inst = &innerInstance{tg: tg, dcs: dcs, votes: make(map[string]string)}
		m.inners[key] = inst
	}
	return inst
}

// CastLocalVote is called once this TM's local voter has durably decided
// dc's outcome (spec.md §4.1 "LOCAL_COMMIT_VOTE -> GLOBAL_COMMIT_VOTE when
// the local voter decides").
func (m *Manager) CastLocalVote(ctx context.Context, tg txid.TransactionGroup, groupID string, dcs []string, value string) {
	members := m.groupView.Members(groupID)
	m.runOuter(ctx, tg, groupID, members, value, func(learned string) {
		m.startInner(ctx, tg, dcs, learned)
	})
}

// runOuter durably records value and waits for a quorum of the home group
// to acknowledge seeing the same value before invoking onLearned.
func (m *Manager) runOuter(ctx context.Context, tg txid.TransactionGroup, groupID string, members []string, value string, onLearned func(string)) {
	key := tg.String() + "/outer/" + value
	m.mu.Lock()
	r, exists := m.rounds[key]
	if !exists {
		r = &outerRound{need: xconfig.QuorumOf(len(members)), acked: mapset.NewSet[string](), finish: make(chan struct{}), value: value}
		m.rounds[key] = r
	}
	m.mu.Unlock()

	entry := wire.LogEntry{Kind: "GLOBAL_PROPOSE", Txn: tg, Value: []byte(value)}
	seqno := m.log.Append(mustEncode(entry))
	m.log.CallbackWhenDurable(seqno, func() {
		ack := wire.GVEnvelope{Txn: tg, Command: wire.GVCommand{Kind: "outer_ack", Value: value}}
		for _, mem := range members {
			m.sender.SendOuterAck(ctx, mem, ack)
		}
	})

	go func() {
		select {
		case <-r.finish:
			onLearned(r.value)
		case <-time.After(xconfig.DefaultResendInterval * time.Duration(len(members)+1)):
		case <-ctx.Done():
		}
	}()
}

// HandleOuterAck is the acceptor side of the outer relay: any group member
// (including the proposer) acking the same value.
func (m *Manager) HandleOuterAck(tg txid.TransactionGroup, from string, value string) {
	key := tg.String() + "/outer/" + value
	m.mu.Lock()
	r, ok := m.rounds[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fired || value != r.value {
		return
	}
	r.acked.Add(from)
	if r.acked.Cardinality() >= r.need {
		r.fired = true
		close(r.finish)
	}
}

// startInner applies this DC's own vote to the inner cross-DC instance and
// begins disseminating it to every other participating DC until decided.
func (m *Manager) startInner(ctx context.Context, tg txid.TransactionGroup, dcs []string, value string) {
	inst := m.getInner(tg, dcs)
	m.applyVote(ctx, inst, tg.Group, value)

	innerCtx, cancel := context.WithCancel(ctx)
	inst.mu.Lock()
	if inst.cancel != nil {
		inst.mu.Unlock()
		cancel()
		return
	}
	inst.cancel = cancel
	decided := inst.decided
	inst.mu.Unlock()
	if decided {
		return
	}

	go func() {
		ticker := time.NewTicker(xconfig.DefaultResendInterval)
		defer ticker.Stop()
		for {
			inst.mu.Lock()
			done := inst.decided
			inst.mu.Unlock()
			if done {
				return
			}
			for _, dc := range dcs {
				if dc == tg.Group {
					continue
				}
				contact, ok := m.dcDirectory.ContactFor(dc)
				if !ok {
					continue
				}
				env := wire.GVEnvelope{Txn: tg, Command: wire.GVCommand{Kind: "vote", DC: tg.Group, Value: value}, DCs: dcs}
				m.sender.SendGV(innerCtx, contact, env)
			}
			select {
			case <-ticker.C:
			case <-innerCtx.Done():
				return
			}
		}
	}()
}

// HandleRemoteVote applies an incoming vote from a remote DC's leader,
// first durably recording it through this DC's own outer relay so every
// member of the home group observes the same input (spec.md §4.3: "A DC
// sends an inner message by proposing it as an outer-Paxos command in its
// own home group").
func (m *Manager) HandleRemoteVote(ctx context.Context, tg txid.TransactionGroup, groupID string, dcs []string, fromDC string, value string) {
	inst := m.getInner(tg, dcs)
	members := m.groupView.Members(groupID)
	compositeValue := fromDC + "=" + value
	m.runOuter(ctx, tg, groupID, members, compositeValue, func(learned string) {
		dc, v := splitVote(learned)
		m.applyVote(ctx, inst, dc, v)
	})
}

func splitVote(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func (m *Manager) applyVote(ctx context.Context, inst *innerInstance, dc, value string) {
	inst.mu.Lock()
	if inst.decided {
		inst.mu.Unlock()
		return
	}
	if _, seen := inst.votes[dc]; !seen {
		inst.votes[dc] = value
	}
	commits, aborts := 0, 0
	for _, v := range inst.votes {
		if v == ValueCommit {
			commits++
		} else if v == ValueAbort {
			aborts++
		}
	}
	need := xconfig.QuorumOf(len(inst.dcs))
	var outcome string
	switch {
	case commits >= need:
		outcome = ValueCommit
	case aborts >= need:
		outcome = ValueAbort
	}
	if outcome == "" {
		inst.mu.Unlock()
		return
	}
	inst.decided = true
	inst.outcome = outcome
	if inst.cancel != nil {
		inst.cancel()
	}
	dcs := append([]string(nil), inst.dcs...)
	tg := inst.tg
	inst.mu.Unlock()

	if m.onDecided != nil {
		m.onDecided(tg, outcome)
	}
	for _, d := range dcs {
		if d == tg.Group {
			continue
		}
		contact, ok := m.dcDirectory.ContactFor(d)
		if !ok {
			continue
		}
		m.sender.SendGVOutcome(ctx, contact, wire.GVOutcome{Txn: tg, Commit: outcome == ValueCommit})
	}
}

// HandleOutcome lets a reconnecting or newly-informed DC adopt an already
// decided outcome directly (spec.md §8 scenario 4: "partitioned DC learns
// outcome on reconnect").
func (m *Manager) HandleOutcome(tg txid.TransactionGroup, dcs []string, commit bool) {
	inst := m.getInner(tg, dcs)
	inst.mu.Lock()
	if inst.decided {
		inst.mu.Unlock()
		return
	}
	inst.decided = true
	if commit {
		inst.outcome = ValueCommit
	} else {
		inst.outcome = ValueAbort
	}
	if inst.cancel != nil {
		inst.cancel()
	}
	outcome := inst.outcome
	inst.mu.Unlock()
	if m.onDecided != nil {
		m.onDecided(tg, outcome)
	}
}

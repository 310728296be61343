// Package localvoter implements the per-data-center voter of spec.md §4.2:
// one classic Paxos synod per member slot of a home paxos group, combined
// into a single DC-level COMMIT/ABORT outcome. The leader/acceptor split
// and the "collect replies behind a mutex, fire a finish channel once
// quorum is reached" shape are grounded on the teacher's txnHandler
// (network/coordinator/txn_handler.go): MsgCount/VoteACKs counters guarded
// by a latch, a buffered finish channel the driving goroutine blocks on.
package localvoter

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

// Sender delivers one local-vote message to a named group member (which may
// be this same process, for a self-addressed message).
type Sender interface {
	SendLocalVote(ctx context.Context, to string, msg wire.LocalVoteMsg)
}

// DurableLog is the per-TM durable append-only log contract of spec.md
// §4.6, used here only to gate 1b/2b replies behind a durable checkpoint
// per spec.md §4.2 "every 1a and 2a phase transition is appended... before
// the corresponding 1b/2b message is sent".
type DurableLog interface {
	Append(entry []byte) uint64
	CallbackWhenDurable(seqno uint64, cb func())
}

// GroupView answers the membership and liveness questions leader selection
// needs (spec.md §4.2).
type GroupView interface {
	Members(groupID string) []string
	IsOnline(groupID, memberID string) bool
}

// Decided is invoked once, with the combined DC-level outcome, when every
// member slot of a transaction_group's home group has learned a value.
type Decided func(tg txid.TransactionGroup, outcome string)

type slotState struct {
	mu             sync.Mutex
	member         string
	promisedBallot uint64
	acceptedBallot uint64
	acceptedValue  string
	learned        bool
	learnedValue   string
}

type round struct {
	mu      sync.Mutex
	ballot  uint64
	phase   string // "1b" or "2b"
	need    int
	ones    map[string]wire.LocalVoteMsg
	twos    mapset.Set[string]
	fired   bool
	finish  chan struct{}
}

type Instance struct {
	mu       sync.Mutex
	tg       txid.TransactionGroup
	groupID  string
	members  []string
	slots    []*slotState
	outcomes map[int]string
	decided  bool
}

// Manager runs the local-voter synod array for however many
// transaction_groups are concurrently active on this TM.
type Manager struct {
	mu        sync.Mutex
	instances map[string]*Instance
	rounds    map[string]*round

	selfID    string
	log       DurableLog
	sender    Sender
	groupView GroupView
	onDecided Decided

	ballotCounter uint64
}

func New(selfID string, log DurableLog, sender Sender, groupView GroupView, onDecided Decided) *Manager {
	return &Manager{
		instances: make(map[string]*Instance),
		rounds:    make(map[string]*round),
		selfID:    selfID,
		log:       log,
		sender:    sender,
		groupView: groupView,
		onDecided: onDecided,
	}
}

func (m *Manager) nextBallot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ballotCounter++
	return m.ballotCounter
}

func (m *Manager) getInstance(tg txid.TransactionGroup, groupID string, members []string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tg.String()
	inst, ok := m.instances[key]
	if !ok {
		inst = &Instance{
			tg:       tg,
			groupID:  groupID,
			members:  members,
			slots:    make([]*slotState, len(members)),
			outcomes: make(map[int]string),
		}
		for i, mem := range members {
			inst.slots[i] = &slotState{member: mem}
		}
		m.instances[key] = inst
	}
	return inst
}

// fallbackLeader returns the comm_id that should lead slot m: the member at
// index m if ONLINE, else the next ONLINE member in cyclic index order
// (spec.md §4.2 "Leader selection").
func fallbackLeader(members []string, online func(string) bool, m int) (string, bool) {
	n := len(members)
	if n == 0 {
		return "", false
	}
	for i := 0; i < n; i++ {
		idx := (m + i) % n
		if online(members[idx]) {
			return members[idx], idx == m
		}
	}
	return "", false
}

// Propose starts (or rejoins) local voting for tg, run within groupID among
// members. preferred is this TM's preferred outcome (spec.md "Preferred
// value is supplied by the transaction state machine").
func (m *Manager) Propose(ctx context.Context, tg txid.TransactionGroup, groupID string, members []string, preferred string) {
	inst := m.getInstance(tg, groupID, members)
	online := func(id string) bool { return m.groupView.IsOnline(groupID, id) }

	for slotIdx := range members {
		leader, isPrimary := fallbackLeader(members, online, slotIdx)
		if leader != m.selfID {
			continue
		}
		pref := preferred
		if !isPrimary {
			// Standing in for an offline primary: force liveness with ABORT
			// per spec.md §4.2.
			pref = ValueAbort
		}
		go m.lead(ctx, inst, slotIdx, pref)
	}
}

// Wound flips the preferred vote for every slot this TM leads on tg to
// ABORT and re-proposes, spec.md §4.2 "Wounding".
func (m *Manager) Wound(ctx context.Context, tg txid.TransactionGroup, groupID string, members []string) {
	m.Propose(ctx, tg, groupID, members, ValueAbort)
}

func (m *Manager) lead(ctx context.Context, inst *Instance, slotIdx int, preferred string) {
	ballot := m.nextBallot()
	r := m.beginRound(inst, slotIdx, ballot, "1b", len(inst.members))
	msg := wire.LocalVoteMsg{
		Type:     wire.MsgLV1A,
		Txn:      inst.tg,
		Slot:     slotIdx,
		Ballot:   ballot,
		LeaderID: m.selfID,
		From:     m.selfID,
	}
	for _, mem := range inst.members {
		m.sender.SendLocalVote(ctx, mem, msg)
	}

	select {
	case <-r.finish:
	case <-time.After(xconfig.DefaultResendInterval):
		return
	case <-ctx.Done():
		return
	}

	value := preferred
	highest := uint64(0)
	r.mu.Lock()
	for _, reply := range r.ones {
		if reply.Accepted && reply.AcceptedBallot > highest {
			highest = reply.AcceptedBallot
			value = reply.Value
		}
	}
	r.mu.Unlock()

	r2 := m.beginRound(inst, slotIdx, ballot, "2b", len(inst.members))
	entry := wire.LogEntry{Kind: "LOCAL_VOTE_2A", Txn: inst.tg, Ballot: ballot, Value: []byte(value)}
	seqno := m.log.Append(mustEncode(entry))
	m.log.CallbackWhenDurable(seqno, func() {
		msg2a := wire.LocalVoteMsg{
			Type:     wire.MsgLV2A,
			Txn:      inst.tg,
			Slot:     slotIdx,
			Ballot:   ballot,
			LeaderID: m.selfID,
			From:     m.selfID,
			Value:    value,
		}
		for _, mem := range inst.members {
			m.sender.SendLocalVote(ctx, mem, msg2a)
		}
	})

	select {
	case <-r2.finish:
	case <-time.After(xconfig.DefaultResendInterval):
		return
	case <-ctx.Done():
		return
	}

	learnMsg := wire.LocalVoteMsg{
		Type:     wire.MsgLVLearn,
		Txn:      inst.tg,
		Slot:     slotIdx,
		Ballot:   ballot,
		LeaderID: m.selfID,
		From:     m.selfID,
		Value:    value,
	}
	for _, mem := range inst.members {
		m.sender.SendLocalVote(ctx, mem, learnMsg)
	}
	m.handleLearn(inst, slotIdx, value)
}

func (m *Manager) beginRound(inst *Instance, slotIdx int, ballot uint64, phase string, n int) *round {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inst.tg.String() + "/" + phase + "/" + itoa(slotIdx) + "/" + itoa64(ballot)
	r := &round{
		ballot: ballot,
		phase:  phase,
		need:   xconfig.QuorumOf(n),
		ones:   make(map[string]wire.LocalVoteMsg),
		twos:   mapset.NewSet[string](),
		finish: make(chan struct{}),
	}
	m.rounds[key] = r
	return r
}

func (m *Manager) findRound(tg txid.TransactionGroup, slotIdx int, ballot uint64, phase string) *round {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tg.String() + "/" + phase + "/" + itoa(slotIdx) + "/" + itoa64(ballot)
	return m.rounds[key]
}

// Handle1A is the acceptor side of Phase 1a (spec.md §4.2).
func (m *Manager) Handle1A(ctx context.Context, inst *Instance, msg wire.LocalVoteMsg) {
	s := inst.slots[msg.Slot]
	s.mu.Lock()
	if msg.Ballot <= s.promisedBallot {
		s.mu.Unlock()
		return
	}
	entry := wire.LogEntry{Kind: "LOCAL_VOTE_1A", Txn: inst.tg, Ballot: msg.Ballot}
	seqno := m.log.Append(mustEncode(entry))
	s.promisedBallot = msg.Ballot
	reply := wire.LocalVoteMsg{
		Type:           wire.MsgLV1B,
		Txn:            inst.tg,
		Slot:           msg.Slot,
		Ballot:         msg.Ballot,
		LeaderID:       msg.LeaderID,
		From:           m.selfID,
		Promised:       s.promisedBallot,
		AcceptedBallot: s.acceptedBallot,
		Value:          s.acceptedValue,
		Accepted:       s.acceptedBallot > 0,
	}
	s.mu.Unlock()
	m.log.CallbackWhenDurable(seqno, func() {
		m.sender.SendLocalVote(ctx, msg.LeaderID, reply)
	})
}

// Handle1B is the leader side, collecting promises toward a quorum.
func (m *Manager) Handle1B(inst *Instance, msg wire.LocalVoteMsg) {
	r := m.findRound(inst.tg, msg.Slot, msg.Ballot, "1b")
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fired {
		return
	}
	r.ones[msg.From] = msg
	if len(r.ones) >= r.need {
		r.fired = true
		close(r.finish)
	}
}

// Handle2A is the acceptor side of Phase 2a.
func (m *Manager) Handle2A(ctx context.Context, inst *Instance, msg wire.LocalVoteMsg) {
	s := inst.slots[msg.Slot]
	s.mu.Lock()
	if msg.Ballot < s.promisedBallot {
		s.mu.Unlock()
		return
	}
	entry := wire.LogEntry{Kind: "LOCAL_VOTE_2A", Txn: inst.tg, Ballot: msg.Ballot, Value: []byte(msg.Value)}
	seqno := m.log.Append(mustEncode(entry))
	s.promisedBallot = msg.Ballot
	s.acceptedBallot = msg.Ballot
	s.acceptedValue = msg.Value
	s.mu.Unlock()
	reply := wire.LocalVoteMsg{
		Type:     wire.MsgLV2B,
		Txn:      inst.tg,
		Slot:     msg.Slot,
		Ballot:   msg.Ballot,
		LeaderID: msg.LeaderID,
		From:     m.selfID,
		Value:    msg.Value,
		Accepted: true,
	}
	m.log.CallbackWhenDurable(seqno, func() {
		m.sender.SendLocalVote(ctx, msg.LeaderID, reply)
	})
}

// Handle2B is the leader side, collecting accepts toward a quorum.
func (m *Manager) Handle2B(inst *Instance, msg wire.LocalVoteMsg) {
	r := m.findRound(inst.tg, msg.Slot, msg.Ballot, "2b")
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fired {
		return
	}
	r.twos.Add(msg.From)
	if r.twos.Cardinality() >= r.need {
		r.fired = true
		close(r.finish)
	}
}

// HandleLearn lets any node force-adopt a learned value (spec.md §4.2).
func (m *Manager) HandleLearn(inst *Instance, msg wire.LocalVoteMsg) {
	m.handleLearn(inst, msg.Slot, msg.Value)
}

func (m *Manager) handleLearn(inst *Instance, slotIdx int, value string) {
	s := inst.slots[slotIdx]
	s.mu.Lock()
	s.learned = true
	s.learnedValue = value
	s.mu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.decided {
		return
	}
	inst.outcomes[slotIdx] = value
	if len(inst.outcomes) < len(inst.members) {
		return
	}
	commits, aborts := 0, 0
	for _, v := range inst.outcomes {
		if v == ValueCommit {
			commits++
		} else {
			aborts++
		}
	}
	half := len(inst.members) / 2
	var outcome string
	switch {
	case commits > half:
		outcome = ValueCommit
	case aborts > half:
		outcome = ValueAbort
	default:
		return
	}
	inst.decided = true
	if m.onDecided != nil {
		m.onDecided(inst.tg, outcome)
	}
}

// Instance exposes the per-transaction_group state object so a dispatcher
// can route incoming LocalVoteMsg values without re-deriving group
// membership on every message.
func (m *Manager) Instance(tg txid.TransactionGroup, groupID string, members []string) *Instance {
	return m.getInstance(tg, groupID, members)
}

// Dispatch routes one incoming LocalVoteMsg to the right handler.
func (m *Manager) Dispatch(ctx context.Context, inst *Instance, msg wire.LocalVoteMsg) {
	switch msg.Type {
	case wire.MsgLV1A:
		m.Handle1A(ctx, inst, msg)
	case wire.MsgLV1B:
		m.Handle1B(inst, msg)
	case wire.MsgLV2A:
		m.Handle2A(ctx, inst, msg)
	case wire.MsgLV2B:
		m.Handle2B(inst, msg)
	case wire.MsgLVLearn:
		m.HandleLearn(inst, msg)
	}
}

func mustEncode(entry wire.LogEntry) []byte {
	b, err := encodeLogEntry(entry)
	xconfig.Assert(err == nil, "localvoter: log entry must encode")
	return b
}

package scp

import (
	"github.com/scplab/scp/logging"
)

// Slot is one consensus round: it owns a nomination protocol instance and a
// ballot protocol instance, resolves the quorum sets statements refer to,
// and routes envelopes between the two sub-protocols.
type Slot struct {
	index uint64
	scp   *SCP

	nomination nominationProtocol
	ballot     ballotProtocol

	// quorum sets resolved for this slot, keyed by hash
	qSetCache map[Hash]*QuorumSet
	// envelopes deferred on a quorum set the host has not produced yet,
	// in arrival order per hash
	pending map[Hash][]Envelope

	// emission buffer: envelopes are handed to the driver only after the
	// outermost call has finished its transitions, in emission order
	emitDepth int
	emitQueue []Envelope

	externalized    bool
	externalizedVal Value
	logger          logging.Logger
}

func newSlot(index uint64, scp *SCP) *Slot {
	s := &Slot{
		index:     index,
		scp:       scp,
		qSetCache: make(map[Hash]*QuorumSet),
		pending:   make(map[Hash][]Envelope),
		logger:    scp.logger,
	}
	s.nomination.init(s)
	s.ballot.init(s)
	return s
}

// Index returns the slot's index.
func (s *Slot) Index() uint64 { return s.index }

// LatestCompositeCandidate returns the latest composite value nomination
// produced, or nil.
func (s *Slot) LatestCompositeCandidate() Value {
	return s.nomination.latestComposite
}

// ExternalizedValue returns the decided value once the slot has
// externalized, nil before.
func (s *Slot) ExternalizedValue() Value {
	return s.externalizedVal
}

// ReceiveEnvelope verifies, resolves and dispatches a peer envelope.
func (s *Slot) ReceiveEnvelope(envelope Envelope) bool {
	st := &envelope.Statement
	if st.SlotIndex != s.index {
		s.logger.Warnf("envelope for slot %d delivered to slot %d", st.SlotIndex, s.index)
		return false
	}
	if !envelope.Verify() {
		s.logger.Debugf("dropping envelope with bad signature from %s", st.NodeID)
		return false
	}
	if !s.resolveQuorumSet(&envelope) {
		return false
	}
	s.begin()
	defer s.end()
	return s.dispatch(&envelope)
}

// Nominate votes to nominate value for this slot.
func (s *Slot) Nominate(value Value, timedOut bool) bool {
	s.begin()
	defer s.end()
	return s.nomination.nominate(value, timedOut)
}

// BumpState starts or advances the ballot protocol on value.
func (s *Slot) BumpState(value Value, force bool) bool {
	s.begin()
	defer s.end()
	return s.ballot.bumpState(value, force)
}

// RebroadcastLatest re-emits the last ballot envelope, if any. Hosts call
// this to serve late peers after the slot has externalized.
func (s *Slot) RebroadcastLatest() {
	if env := s.ballot.lastEnvelope; env != nil {
		s.scp.driver.EmitEnvelope(*env)
	}
}

func (s *Slot) dispatch(envelope *Envelope) bool {
	if envelope.Statement.Pledges.Type() == StatementNominate {
		return s.nomination.processEnvelope(envelope)
	}
	return s.ballot.processEnvelope(envelope)
}

// resolveQuorumSet makes sure the statement's companion quorum set is
// available. EXTERNALIZE statements assert the sender's singleton set, which
// is always constructible locally; anything else may defer the envelope
// until the host resolves the hash.
func (s *Slot) resolveQuorumSet(envelope *Envelope) bool {
	st := &envelope.Statement
	if p, ok := st.Pledges.(*Externalize); ok {
		single := SingletonQSet(st.NodeID)
		if p.CommitQuorumSetHash != single.Hash() {
			s.logger.Debugf("dropping EXTERNALIZE from %s with foreign quorum set hash", st.NodeID)
			return false
		}
		return true
	}
	h := st.QuorumSetHash()
	if _, ok := s.quorumSet(h); ok {
		return true
	}
	s.logger.Debugf("deferring envelope from %s on unknown quorum set %s", st.NodeID, h)
	s.pending[h] = append(s.pending[h], *envelope)
	return false
}

// quorumSetResolved re-dispatches envelopes deferred on h, in arrival order.
func (s *Slot) quorumSetResolved(h Hash, qSet QuorumSet) {
	deferred, ok := s.pending[h]
	if !ok {
		s.qSetCache[h] = &qSet
		return
	}
	delete(s.pending, h)
	s.qSetCache[h] = &qSet
	s.begin()
	defer s.end()
	for i := range deferred {
		s.dispatch(&deferred[i])
	}
}

// quorumSet looks up a quorum set by hash, first in the slot cache, then in
// the host's store.
func (s *Slot) quorumSet(h Hash) (*QuorumSet, bool) {
	if q, ok := s.qSetCache[h]; ok {
		return q, true
	}
	if h == s.scp.localNode.QuorumSetHash() {
		return s.scp.localNode.QuorumSet(), true
	}
	q, ok := s.scp.driver.QuorumSet(h)
	if !ok {
		return nil, false
	}
	s.qSetCache[h] = q
	return q, true
}

// quorumSetForStatement returns the quorum set a statement's sender claims.
// For EXTERNALIZE statements the sender is its own trust source.
func (s *Slot) quorumSetForStatement(st *Statement) (*QuorumSet, bool) {
	if _, ok := st.Pledges.(*Externalize); ok {
		single := SingletonQSet(st.NodeID)
		return &single, true
	}
	return s.quorumSet(st.QuorumSetHash())
}

// federatedAccept tells whether the local node may accept a statement: a
// v-blocking set of peers accepts it, or a quorum votes for or accepts it.
func (s *Slot) federatedAccept(voted, accepted StatementFilter, stmts map[NodeID]*Statement) bool {
	if IsVBlockingSet(s.scp.localNode.QuorumSet(), stmts, accepted) {
		return true
	}
	ratify := func(id NodeID, st *Statement) bool {
		return accepted(id, st) || voted(id, st)
	}
	return IsQuorum(s.scp.localNode.QuorumSet(), stmts, s.quorumSetForStatement, ratify)
}

// federatedRatify tells whether a quorum votes for a statement.
func (s *Slot) federatedRatify(voted StatementFilter, stmts map[NodeID]*Statement) bool {
	return IsQuorum(s.scp.localNode.QuorumSet(), stmts, s.quorumSetForStatement, voted)
}

// createEnvelope signs a statement for this node and slot.
func (s *Slot) createEnvelope(pledges Pledge) Envelope {
	st := Statement{
		NodeID:    s.scp.localNode.NodeID(),
		SlotIndex: s.index,
		Pledges:   pledges,
	}
	msg, err := MarshalStatement(&st)
	if err != nil {
		// only reachable with a pledge the codec does not know
		s.logger.Panicf("cannot marshal own statement: %v", err)
	}
	return Envelope{Statement: st, Signature: s.scp.localNode.Sign(msg)}
}

// bumpState is nomination's path into the ballot protocol.
func (s *Slot) bumpState(value Value, force bool) bool {
	return s.ballot.bumpState(value, force)
}

// valueExternalized records the decision and notifies the host once.
func (s *Slot) valueExternalized(value Value) {
	if s.externalized {
		return
	}
	s.externalized = true
	s.externalizedVal = value
	s.nomination.stop()
	s.scp.driver.ValueExternalized(s.index, value)
}

// emit buffers an outbound envelope; begin/end bracket the outermost call
// so that the driver never sees an emission mid-transition.
func (s *Slot) emit(envelope Envelope) {
	s.emitQueue = append(s.emitQueue, envelope)
}

func (s *Slot) begin() { s.emitDepth++ }

func (s *Slot) end() {
	s.emitDepth--
	if s.emitDepth > 0 {
		return
	}
	queue := s.emitQueue
	s.emitQueue = nil
	for i := range queue {
		s.scp.driver.EmitEnvelope(queue[i])
	}
}

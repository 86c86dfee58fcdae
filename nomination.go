package scp

// The nomination protocol converges a quorum on a set of candidate values
// for a slot. Each round, a deterministic hash over the local quorum set
// elects a top node; the local node votes for the top node's values (or its
// own, when it is top). Votes promote to accepted through a v-blocking or
// quorum witness, accepted values promote to candidates when a quorum
// accepts them, and the first non-empty candidate set is merged by the host
// into the composite value that seeds the ballot protocol.

import (
	"sort"
	"time"
)

type nominationProtocol struct {
	slot *Slot

	votes      ValueSet
	accepted   ValueSet
	candidates ValueSet

	// latest NOMINATE statement per peer
	latestNominations map[NodeID]*Statement

	latestComposite Value

	roundNumber uint32
	started     bool
	stopped     bool

	// top node of the current round; adoption source for our votes
	topNode NodeID
	haveTop bool

	lastEnvelope *Envelope
}

func (np *nominationProtocol) init(slot *Slot) {
	np.slot = slot
	np.latestNominations = make(map[NodeID]*Statement)
}

func (np *nominationProtocol) driver() Driver { return np.slot.scp.driver }

// stop ends nomination for the slot; the ballot protocol has taken over.
func (np *nominationProtocol) stop() {
	np.stopped = true
}

// nominate votes to nominate value. timedOut marks a nomination round
// timeout and advances the round. Returns true when a NOMINATE statement
// was emitted.
func (np *nominationProtocol) nominate(value Value, timedOut bool) bool {
	if np.stopped {
		return false
	}
	np.slot.logger.Debugf("i:%d nominate %s round:%d", np.slot.index, value, np.roundNumber)

	if timedOut {
		np.roundNumber++
	}
	np.started = true
	np.updateTopNode()

	updated := false
	if np.haveTop && np.topNode == np.slot.scp.localNode.NodeID() {
		if !np.votes.Contains(value) {
			np.votes.Add(value)
			updated = true
		}
	} else if np.haveTop {
		if st, ok := np.latestNominations[np.topNode]; ok {
			for _, v := range np.valuesFromLeader(st) {
				np.votes.Add(v)
				updated = true
			}
		}
		// otherwise wait for the top node's nomination to arrive
	}

	np.driver().ArmNominationTimer(np.slot.index,
		time.Duration(np.roundNumber+1)*time.Second)

	if updated {
		np.emitNomination()
	}
	return updated
}

// updateTopNode recomputes the round's top node: among the quorum set
// members whose neighborhood hash falls under their weight, the one with
// the maximum priority hash; hash ties go to the larger node ID.
func (np *nominationProtocol) updateTopNode() {
	qSet := np.slot.scp.localNode.QuorumSet()
	np.haveTop = false
	var topPriority uint64
	qSet.ForEachMember(func(id NodeID) {
		w := np.nodePriority(id, qSet)
		if w == 0 {
			return
		}
		if !np.haveTop || w > topPriority ||
			(w == topPriority && nodeIDLess(np.topNode, id)) {
			np.topNode = id
			np.haveTop = true
			topPriority = w
		}
	})
}

// nodePriority gates id by the neighborhood hash, then returns its priority
// hash; zero means the node is outside this round's neighborhood.
func (np *nominationProtocol) nodePriority(id NodeID, qSet *QuorumSet) uint64 {
	w := NodeWeight(id, qSet)
	if np.driver().ComputeHash(np.slot.index, false, np.roundNumber, id) < w {
		return np.driver().ComputeHash(np.slot.index, true, np.roundNumber, id)
	}
	return 0
}

func nodeIDLess(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// valuesFromLeader returns the validated values in the leader's statement
// the local node has not voted for yet.
func (np *nominationProtocol) valuesFromLeader(st *Statement) []Value {
	nom := st.Pledges.(*Nominate)
	var out []Value
	take := func(v Value) {
		if np.votes.Contains(v) {
			return
		}
		for _, seen := range out {
			if CompareValues(seen, v) == 0 {
				return
			}
		}
		if np.driver().ValidateValue(np.slot.index, st.NodeID, v) {
			out = append(out, v)
		}
	}
	for _, v := range nom.Votes {
		take(v)
	}
	for _, v := range nom.Accepted {
		take(v)
	}
	return out
}

// processEnvelope runs one NOMINATE statement through the protocol.
func (np *nominationProtocol) processEnvelope(envelope *Envelope) bool {
	st := &envelope.Statement
	nom, ok := st.Pledges.(*Nominate)
	if !ok {
		return false
	}
	if np.stopped {
		// the ballot protocol decided the slot; nominations are moot
		return false
	}
	if !isSaneNomination(nom) {
		np.slot.logger.Debugf("i:%d malformed NOMINATE from %s", np.slot.index, st.NodeID)
		return false
	}
	if !np.isNewerNomination(st.NodeID, nom) {
		return false
	}

	cpy := *st
	np.latestNominations[st.NodeID] = &cpy

	if !np.started {
		return true
	}

	modified := false
	newCandidates := false

	// promote votes to accepted
	considered := ValueSet{}
	for _, v := range nom.Votes {
		considered.Add(v)
	}
	for _, v := range nom.Accepted {
		considered.Add(v)
	}
	for _, v := range considered {
		if np.accepted.Contains(v) {
			continue
		}
		if np.slot.federatedAccept(voteNominatePred(v), acceptNominatePred(v), np.latestNominations) {
			if !np.driver().ValidateValue(np.slot.index, st.NodeID, v) {
				continue
			}
			np.votes.Add(v)
			np.accepted.Add(v)
			modified = true
		}
	}

	// promote accepted to candidates
	for _, a := range np.accepted.Clone() {
		if np.candidates.Contains(a) {
			continue
		}
		if np.slot.federatedRatify(acceptNominatePred(a), np.latestNominations) {
			np.candidates.Add(a)
			newCandidates = true
		}
	}

	// while no candidates exist, adopt the top node's votes
	if len(np.candidates) == 0 && np.haveTop && st.NodeID == np.topNode {
		for _, v := range np.valuesFromLeader(&cpy) {
			np.votes.Add(v)
			modified = true
		}
	}

	if modified {
		np.emitNomination()
	}
	if newCandidates {
		np.latestComposite = np.driver().CombineCandidates(np.slot.index, np.candidates.Clone())
		if len(np.latestComposite) > 0 {
			np.slot.bumpState(np.latestComposite, false)
		}
	}
	return true
}

func voteNominatePred(v Value) StatementFilter {
	return func(_ NodeID, st *Statement) bool {
		nom, ok := st.Pledges.(*Nominate)
		if !ok {
			return false
		}
		return containsValue(nom.Votes, v) || containsValue(nom.Accepted, v)
	}
}

func acceptNominatePred(v Value) StatementFilter {
	return func(_ NodeID, st *Statement) bool {
		nom, ok := st.Pledges.(*Nominate)
		if !ok {
			return false
		}
		return containsValue(nom.Accepted, v)
	}
}

func containsValue(vs []Value, v Value) bool {
	i := sort.Search(len(vs), func(i int) bool { return CompareValues(vs[i], v) >= 0 })
	return i < len(vs) && CompareValues(vs[i], v) == 0
}

// isNewerNomination requires a peer's statement to only grow its sets.
func (np *nominationProtocol) isNewerNomination(nodeID NodeID, nom *Nominate) bool {
	old, ok := np.latestNominations[nodeID]
	if !ok {
		return true
	}
	oldNom := old.Pledges.(*Nominate)
	if !valuesSubset(oldNom.Votes, nom.Votes) || !valuesSubset(oldNom.Accepted, nom.Accepted) {
		return false
	}
	return len(nom.Votes) > len(oldNom.Votes) || len(nom.Accepted) > len(oldNom.Accepted)
}

func valuesSubset(sub, super []Value) bool {
	for _, v := range sub {
		if !containsValue(super, v) {
			return false
		}
	}
	return true
}

// isSaneNomination checks wire invariants: a non-empty union of sorted,
// duplicate-free votes and accepted.
func isSaneNomination(nom *Nominate) bool {
	if len(nom.Votes)+len(nom.Accepted) == 0 {
		return false
	}
	return valuesSortedUnique(nom.Votes) && valuesSortedUnique(nom.Accepted)
}

func valuesSortedUnique(vs []Value) bool {
	for i := 1; i < len(vs); i++ {
		if CompareValues(vs[i-1], vs[i]) >= 0 {
			return false
		}
	}
	return true
}

// emitNomination runs the node's own statement through the protocol, then
// emits it when it grew past the last emitted one.
func (np *nominationProtocol) emitNomination() {
	nom := &Nominate{
		QuorumSetHash: np.slot.scp.localNode.QuorumSetHash(),
		Votes:         np.votes.Clone(),
		Accepted:      np.accepted.Clone(),
	}
	env := np.slot.createEnvelope(nom)

	if !np.processEnvelope(&env) {
		np.slot.logger.DPanicf("i:%d nomination moved to a bad state", np.slot.index)
		return
	}
	if np.lastEnvelope != nil {
		lastNom := np.lastEnvelope.Statement.Pledges.(*Nominate)
		if !np.grewPast(lastNom, nom) {
			return
		}
	}
	np.lastEnvelope = &env
	np.slot.emit(env)
}

func (np *nominationProtocol) grewPast(old, nom *Nominate) bool {
	if !valuesSubset(old.Votes, nom.Votes) || !valuesSubset(old.Accepted, nom.Accepted) {
		return false
	}
	return len(nom.Votes) > len(old.Votes) || len(nom.Accepted) > len(old.Accepted)
}

package scp

// The ballot protocol drives a slot from a seed value (usually nomination's
// composite) to an externalized decision. It is a three-phase state machine
// over ordered ballots:
//
//	PREPARE     voting/accepting/confirming ballots as prepared, which
//	            aborts lower incompatible ballots
//	CONFIRM     a commit interval has been accepted; only its upper bound
//	            can still move
//	EXTERNALIZE the decision is irrevocable
//
// Local state: b (current ballot), p and p' (the two highest accepted
// prepared ballots with differing values), P (highest confirmed prepared)
// and c (lowest accepted committed). Every emitted statement is first run
// through the local processing path; an envelope is only handed to the
// transport when it is strictly newer than the last one emitted, so a
// cascade of transitions produces a single, final statement.

import (
	"fmt"
	"math"
	"sort"
	"time"
)

type ballotPhase int32

const (
	phasePrepare ballotPhase = iota
	phaseConfirm
	phaseExternalize
)

func (p ballotPhase) String() string {
	switch p {
	case phasePrepare:
		return "PREPARE"
	case phaseConfirm:
		return "CONFIRM"
	case phaseExternalize:
		return "EXTERNALIZE"
	}
	return fmt.Sprintf("ballotPhase(%d)", int32(p))
}

// interval is a range of ballot counters, inclusive on both ends.
type interval struct {
	lo, hi uint32
}

type ballotProtocol struct {
	slot *Slot

	phase             ballotPhase
	current           *Ballot // b
	prepared          *Ballot // p
	preparedPrime     *Ballot // p'
	confirmedPrepared *Ballot // P
	commit            *Ballot // c

	heardFromQuorum bool

	// latest PREPARE/CONFIRM/EXTERNALIZE statement per peer
	latestStatements map[NodeID]*Statement
	lastEnvelope     *Envelope
}

func (bp *ballotProtocol) init(slot *Slot) {
	bp.slot = slot
	bp.phase = phasePrepare
	bp.heardFromQuorum = true
	bp.latestStatements = make(map[NodeID]*Statement)
}

func (bp *ballotProtocol) driver() Driver { return bp.slot.scp.driver }

// processEnvelope runs one ballot statement through the state machine.
// Returns true when the statement advanced or matched the local state.
func (bp *ballotProtocol) processEnvelope(envelope *Envelope) bool {
	st := &envelope.Statement

	if !bp.isStatementSane(st) {
		return false
	}
	if !bp.isNewerStatement(st.NodeID, st) {
		bp.slot.logger.Debugf("i:%d stale statement from %s, skipping", bp.slot.index, st.NodeID)
		return false
	}

	wb := workingBallot(st)
	if !bp.driver().ValidateValue(bp.slot.index, st.NodeID, wb.Value) {
		bp.slot.logger.Debugf("i:%d invalid value from %s", bp.slot.index, st.NodeID)
		return false
	}

	res := false
	processed := false

	if bp.phase != phaseExternalize {
		switch pl := st.Pledges.(type) {
		case *Prepare:
			// don't bother with older statements
			if bp.current == nil || bp.current.Counter <= wb.Counter {
				if bp.driver().ValidateBallot(bp.slot.index, st.NodeID, wb) {
					bp.recordStatement(st)
					bp.advanceSlot(pl.Ballot)
					res = true
				}
				processed = true
			}
		case *Confirm, *Externalize:
			// CONFIRM/EXTERNALIZE statements stay valid for any counter
			// greater than the one they carry
			bp.recordStatement(st)
			var working uint32
			if bp.phase == phasePrepare {
				if bp.current != nil {
					working = bp.current.Counter
				}
			} else {
				working = bp.prepared.Counter
			}
			if wb.Counter < working {
				wb.Counter = working
			}
			bp.advanceSlot(wb)
			res = true
			processed = true
		}
	}

	if !processed {
		// this also covers our own final EXTERNALIZE statement
		if bp.phase == phaseExternalize && bp.commit.Compatible(wb) {
			bp.recordStatement(st)
			res = true
		}
	}

	return res
}

func (bp *ballotProtocol) isNewerStatement(nodeID NodeID, st *Statement) bool {
	old, ok := bp.latestStatements[nodeID]
	if !ok {
		return true
	}
	return isNewerBallotStatement(old, st)
}

// isNewerBallotStatement is the statement total order: PREPARE < CONFIRM <
// EXTERNALIZE, then lexicographic on (b, p, p', nP) within a kind.
// EXTERNALIZE statements are final and never superseded.
func isNewerBallotStatement(old, st *Statement) bool {
	t := st.Pledges.Type()
	if ot := old.Pledges.Type(); ot != t {
		return ot < t
	}
	switch p := st.Pledges.(type) {
	case *Externalize:
		return false
	case *Confirm:
		op := old.Pledges.(*Confirm)
		if op.NPrepared == p.NPrepared {
			return op.NP < p.NP
		}
		return op.NPrepared < p.NPrepared
	case *Prepare:
		op := old.Pledges.(*Prepare)
		if cmp := op.Ballot.Compare(p.Ballot); cmp != 0 {
			return cmp < 0
		}
		if cmp := compareBallotPtrs(op.Prepared, p.Prepared); cmp != 0 {
			return cmp < 0
		}
		if cmp := compareBallotPtrs(op.PreparedPrime, p.PreparedPrime); cmp != 0 {
			return cmp < 0
		}
		return op.NP < p.NP
	}
	return false
}

func (bp *ballotProtocol) recordStatement(st *Statement) {
	cpy := *st
	bp.latestStatements[st.NodeID] = &cpy
}

// isStatementSane checks the pledge invariants. Violations mean the sender
// is not following the protocol; the statement is dropped.
func (bp *ballotProtocol) isStatementSane(st *Statement) bool {
	switch p := st.Pledges.(type) {
	case *Prepare:
		ok := p.Ballot.Counter > 0
		ok = ok && (p.Prepared == nil || p.Prepared.LessAndCompatible(p.Ballot))
		ok = ok && (p.PreparedPrime == nil || p.Prepared == nil ||
			p.PreparedPrime.LessAndIncompatible(*p.Prepared))
		ok = ok && (p.NP == 0 || (p.Prepared != nil && p.NP <= p.Prepared.Counter))
		ok = ok && (p.NC == 0 || (p.NP != 0 && p.NP >= p.NC))
		if !ok {
			bp.slot.logger.Debugf("i:%d malformed PREPARE from %s", bp.slot.index, st.NodeID)
		}
		return ok
	case *Confirm:
		ok := p.Commit.Counter > 0 && p.Commit.Counter <= p.NP
		if !ok {
			bp.slot.logger.Debugf("i:%d malformed CONFIRM from %s", bp.slot.index, st.NodeID)
		}
		return ok
	case *Externalize:
		ok := p.Commit.Counter > 0 && p.NP >= p.Commit.Counter
		if !ok {
			bp.slot.logger.Debugf("i:%d malformed EXTERNALIZE from %s", bp.slot.index, st.NodeID)
		}
		return ok
	}
	return false
}

// workingBallot extracts the ballot a statement is working on.
func workingBallot(st *Statement) Ballot {
	switch p := st.Pledges.(type) {
	case *Prepare:
		return p.Ballot
	case *Confirm:
		return Ballot{Counter: p.NPrepared, Value: p.Commit.Value}
	case *Externalize:
		return p.Commit
	}
	return Ballot{}
}

// abandonBallot moves to a fresh ballot on the latest composite value, or
// re-bumps the current value when nomination has not produced one.
func (bp *ballotProtocol) abandonBallot() bool {
	if v := bp.slot.nomination.latestComposite; len(v) > 0 {
		return bp.bumpState(v, true)
	}
	if bp.current != nil {
		return bp.bumpState(bp.current.Value, true)
	}
	return false
}

// bumpState seeds or advances the current ballot. Without force it only
// seeds a pristine ballot state. Once a commit interval is confirmed
// prepared, the value is locked to P's value.
func (bp *ballotProtocol) bumpState(value Value, force bool) bool {
	if bp.phase != phasePrepare {
		return false
	}
	if !force && bp.current != nil {
		return false
	}

	counter := uint32(1)
	if bp.current != nil {
		counter = bp.current.Counter + 1
	}
	var newb Ballot
	if bp.confirmedPrepared != nil {
		// can only bump the counter once locked on a value
		newb = Ballot{Counter: counter, Value: bp.confirmedPrepared.Value}
	} else {
		newb = Ballot{Counter: counter, Value: value}
	}

	bp.slot.logger.Debugf("i:%d bumpState b:%s", bp.slot.index, newb)

	updated := bp.updateCurrentValue(newb)
	if updated {
		bp.emitCurrentStateStatement()
	}
	return updated
}

// updateCurrentValue moves b to ballot, enforcing monotonicity and
// compatibility with a pending commit.
func (bp *ballotProtocol) updateCurrentValue(ballot Ballot) bool {
	if bp.phase != phasePrepare {
		return false
	}

	updated := false
	if bp.current == nil {
		bp.bumpToBallot(ballot)
		updated = true
	} else {
		if bp.commit != nil && !bp.commit.Compatible(ballot) {
			return false
		}
		switch cmp := bp.current.Compare(ballot); {
		case cmp < 0:
			bp.bumpToBallot(ballot)
			updated = true
		case cmp > 0:
			// peers not following the protocol can land us here
			bp.slot.logger.Errorf("i:%d attempt to bump to a smaller ballot", bp.slot.index)
			return false
		}
	}

	bp.checkInvariants()
	return updated
}

func (bp *ballotProtocol) bumpToBallot(ballot Ballot) {
	bp.slot.logger.Debugf("i:%d bumpToBallot b:%s", bp.slot.index, ballot)

	if bp.phase == phaseExternalize {
		bp.slot.logger.DPanicf("i:%d bumpToBallot after externalize", bp.slot.index)
		return
	}
	if bp.current != nil && ballot.Compare(*bp.current) < 0 {
		bp.slot.logger.DPanicf("i:%d bumpToBallot would regress b", bp.slot.index)
		return
	}

	gotBumped := bp.current == nil || bp.current.Counter != ballot.Counter
	b := ballot
	bp.current = &b
	bp.heardFromQuorum = false

	if gotBumped {
		bp.driver().ArmBallotTimer(bp.slot.index, ballotTimeout(ballot.Counter))
	}
}

// ballotTimeout scales exponentially with the ballot counter.
func ballotTimeout(counter uint32) time.Duration {
	const maxExponent = 22
	if counter > maxExponent {
		counter = maxExponent
	}
	return (1 << counter) * time.Second
}

func (bp *ballotProtocol) createStatement(t StatementType) Pledge {
	bp.checkInvariants()

	switch t {
	case StatementPrepare:
		p := &Prepare{
			QuorumSetHash: bp.slot.scp.localNode.QuorumSetHash(),
			Ballot:        *bp.current,
		}
		if bp.commit != nil {
			p.NC = bp.commit.Counter
		}
		if bp.prepared != nil {
			b := *bp.prepared
			p.Prepared = &b
		}
		if bp.preparedPrime != nil {
			b := *bp.preparedPrime
			p.PreparedPrime = &b
		}
		if bp.confirmedPrepared != nil {
			p.NP = bp.confirmedPrepared.Counter
		}
		return p
	case StatementConfirm:
		return &Confirm{
			QuorumSetHash: bp.slot.scp.localNode.QuorumSetHash(),
			NPrepared:     bp.prepared.Counter,
			Commit:        *bp.commit,
			NP:            bp.confirmedPrepared.Counter,
		}
	case StatementExternalize:
		return &Externalize{
			CommitQuorumSetHash: bp.slot.scp.localNode.SingletonQSetHash(),
			Commit:              *bp.commit,
			NP:                  bp.confirmedPrepared.Counter,
		}
	}
	bp.slot.logger.Panicf("createStatement: bad type %s", t)
	return nil
}

// emitCurrentStateStatement runs the node's own statement through the local
// machine, then emits it if it is still the newest statement produced.
func (bp *ballotProtocol) emitCurrentStateStatement() {
	var t StatementType
	switch bp.phase {
	case phasePrepare:
		t = StatementPrepare
	case phaseConfirm:
		t = StatementConfirm
	case phaseExternalize:
		t = StatementExternalize
	}

	env := bp.slot.createEnvelope(bp.createStatement(t))
	if !bp.processEnvelope(&env) {
		// the machine queued up a statement it considers invalid
		bp.slot.logger.DPanicf("i:%d moved to a bad state", bp.slot.index)
		return
	}
	if bp.lastEnvelope == nil ||
		isNewerBallotStatement(&bp.lastEnvelope.Statement, &env.Statement) {
		bp.lastEnvelope = &env
		bp.slot.emit(env)
	}
}

func (bp *ballotProtocol) checkInvariants() {
	if bp.current != nil && bp.current.Counter == 0 {
		bp.slot.logger.DPanicf("i:%d invariant: current ballot has zero counter", bp.slot.index)
	}
	if bp.prepared != nil && bp.preparedPrime != nil &&
		!bp.preparedPrime.LessAndIncompatible(*bp.prepared) {
		bp.slot.logger.DPanicf("i:%d invariant: p' >= p or compatible", bp.slot.index)
	}
	if bp.commit != nil {
		if !bp.commit.LessAndCompatible(*bp.confirmedPrepared) ||
			!bp.confirmedPrepared.LessAndCompatible(*bp.current) {
			bp.slot.logger.DPanicf("i:%d invariant: c <= P <= b violated", bp.slot.index)
		}
	}
	switch bp.phase {
	case phaseConfirm:
		if bp.commit == nil {
			bp.slot.logger.DPanicf("i:%d invariant: CONFIRM without commit", bp.slot.index)
		}
	case phaseExternalize:
		if bp.commit == nil || bp.confirmedPrepared == nil {
			bp.slot.logger.DPanicf("i:%d invariant: EXTERNALIZE without commit", bp.slot.index)
		}
	}
}

// advanceSlot attempts every transition the new ballot enables, in protocol
// order. Emissions re-enter this function; the run flag keeps each pass
// from redoing work a nested pass already did.
func (bp *ballotProtocol) advanceSlot(ballot Ballot) {
	bp.slot.logger.Debugf("advanceSlot %s", bp)

	// evaluated between transitions so a single message firing several of
	// them still reports the quorum exactly once
	if !bp.heardFromQuorum && bp.current != nil {
		heard := IsQuorum(bp.slot.scp.localNode.QuorumSet(), bp.latestStatements,
			bp.slot.quorumSetForStatement,
			func(_ NodeID, st *Statement) bool {
				if pl, ok := st.Pledges.(*Prepare); ok {
					return bp.current.Counter <= pl.Ballot.Counter
				}
				return true
			})
		if heard {
			bp.heardFromQuorum = true
			bp.driver().BallotDidHearFromQuorum(bp.slot.index, *bp.current)
		}
	}

	run := true
	if run && bp.isPreparedAccept(ballot) {
		run = !bp.attemptPreparedAccept(ballot)
	}
	if run && bp.isPreparedConfirmed(ballot) {
		run = !bp.attemptPreparedConfirmed(ballot)
	}
	if run {
		if low, high, ok := bp.isAcceptCommit(ballot); ok {
			run = !bp.attemptAcceptCommit(low, high)
		}
	}
	if run {
		if low, high, ok := bp.isConfirmCommit(ballot); ok {
			run = !bp.attemptConfirmCommit(low, high)
		}
	}
	if run {
		// nothing moved; maybe a v-blocking set is ahead of us
		bp.attemptPrepare(ballot)
	}

	bp.slot.logger.Debugf("advanceSlot done %s", bp)
}

// attemptPrepare abandons the current ballot when a v-blocking set of peers
// is already past it.
func (bp *ballotProtocol) attemptPrepare(Ballot) bool {
	if bp.phase != phasePrepare {
		return false
	}
	ahead := IsVBlockingSet(bp.slot.scp.localNode.QuorumSet(), bp.latestStatements,
		func(_ NodeID, st *Statement) bool {
			switch pl := st.Pledges.(type) {
			case *Prepare:
				return bp.current == nil || bp.current.Counter < pl.Ballot.Counter
			case *Confirm:
				return bp.confirmedPrepared != nil &&
					pl.Commit.LessAndCompatible(*bp.confirmedPrepared)
			case *Externalize:
				return bp.confirmedPrepared != nil &&
					pl.Commit.LessAndCompatible(*bp.confirmedPrepared)
			}
			return false
		})
	if !ahead {
		return false
	}
	return bp.abandonBallot()
}

// isPreparedAccept tells whether ballot can be accepted as prepared: a
// v-blocking set accepts it, or a quorum votes for or accepts it.
func (bp *ballotProtocol) isPreparedAccept(ballot Ballot) bool {
	if bp.phase != phasePrepare && bp.phase != phaseConfirm {
		return false
	}
	if bp.phase == phaseConfirm {
		// only interesting if it can widen the prepared interval
		if !bp.prepared.LessAndCompatible(ballot) {
			return false
		}
	}
	if bp.prepared != nil && ballot.Compare(*bp.prepared) == 0 {
		return false
	}

	voted := func(_ NodeID, st *Statement) bool {
		switch pl := st.Pledges.(type) {
		case *Prepare:
			return ballot.Compare(pl.Ballot) == 0
		case *Confirm:
			return ballot.Compatible(pl.Commit)
		case *Externalize:
			return ballot.Compatible(pl.Commit)
		}
		return false
	}
	accepted := func(_ NodeID, st *Statement) bool {
		return hasPreparedBallot(ballot, st)
	}
	return bp.slot.federatedAccept(voted, accepted, bp.latestStatements)
}

func (bp *ballotProtocol) attemptPreparedAccept(ballot Ballot) bool {
	bp.slot.logger.Debugf("i:%d attemptPreparedAccept b:%s", bp.slot.index, ballot)

	if bp.current == nil {
		bp.bumpToBallot(ballot)
	} else if bp.phase == phasePrepare {
		switch cmp := bp.current.Compare(ballot); {
		case cmp < 0:
			bp.bumpToBallot(ballot)
		case cmp > 0:
			// our counter is ahead of this ballot
			bp.slot.logger.Warnf("i:%d attemptPreparedAccept on a smaller ballot", bp.slot.index)
			return false
		}
	}

	didWork := bp.setPrepared(ballot)

	// accepting an incompatible higher prepared ballot aborts the pending
	// commit interval
	if bp.commit != nil && bp.confirmedPrepared != nil {
		if (bp.prepared != nil && bp.confirmedPrepared.LessAndIncompatible(*bp.prepared)) ||
			(bp.preparedPrime != nil && bp.confirmedPrepared.LessAndIncompatible(*bp.preparedPrime)) {
			bp.commit = nil
			didWork = true
		}
	}

	if didWork {
		bp.driver().BallotDidPrepare(bp.slot.index, ballot)
		bp.emitCurrentStateStatement()
	}
	return didWork
}

// isPreparedConfirmed tells whether a quorum accepts ballot as prepared.
func (bp *ballotProtocol) isPreparedConfirmed(ballot Ballot) bool {
	if bp.phase != phasePrepare {
		return false
	}
	if bp.prepared == nil {
		return false
	}
	if bp.confirmedPrepared != nil && bp.confirmedPrepared.Compare(ballot) >= 0 {
		return false
	}
	return bp.slot.federatedRatify(
		func(_ NodeID, st *Statement) bool { return hasPreparedBallot(ballot, st) },
		bp.latestStatements)
}

func (bp *ballotProtocol) attemptPreparedConfirmed(ballot Ballot) bool {
	bp.slot.logger.Debugf("i:%d attemptPreparedConfirmed b:%s", bp.slot.index, ballot)

	didWork := false
	if bp.confirmedPrepared == nil || !bp.confirmedPrepared.Equal(ballot) {
		didWork = true
		b := ballot
		bp.confirmedPrepared = &b
	}

	if bp.commit == nil && compareBallotPtrs(bp.confirmedPrepared, bp.current) >= 0 {
		// vote to commit unless preparing p or p' aborts P
		abortedByP := bp.prepared != nil &&
			bp.confirmedPrepared.LessAndIncompatible(*bp.prepared)
		abortedByPP := bp.preparedPrime != nil &&
			bp.confirmedPrepared.LessAndIncompatible(*bp.preparedPrime)
		if !abortedByP && !abortedByPP {
			b := ballot
			c := ballot
			bp.current = &b
			bp.commit = &c
			didWork = true
		}
	}

	if didWork {
		bp.driver().BallotDidPrepared(bp.slot.index, ballot)
		bp.emitCurrentStateStatement()
	}
	return didWork
}

// commitPredicate tells whether st accepts committing every counter in
// check for ballot's value.
func commitPredicate(ballot Ballot, check interval, st *Statement) bool {
	switch pl := st.Pledges.(type) {
	case *Confirm:
		return ballot.Compatible(pl.Commit) &&
			pl.Commit.Counter <= check.lo && check.hi <= pl.NP
	case *Externalize:
		return ballot.Compatible(pl.Commit) &&
			pl.Commit.Counter <= check.lo && check.hi <= pl.NP
	}
	return false
}

// commitBoundaries collects the [nC, nP] endpoints peers assert for
// ballot's value, sorted ascending.
func (bp *ballotProtocol) commitBoundaries(ballot Ballot) []interval {
	var res []interval
	seen := make(map[interval]struct{})
	add := func(iv interval) {
		if _, ok := seen[iv]; ok {
			return
		}
		seen[iv] = struct{}{}
		res = append(res, iv)
	}
	for _, st := range bp.latestStatements {
		switch pl := st.Pledges.(type) {
		case *Prepare:
			if ballot.Compatible(pl.Ballot) && pl.NC != 0 {
				add(interval{pl.NC, pl.NP})
			}
		case *Confirm:
			if ballot.Compatible(pl.Commit) {
				add(interval{pl.Commit.Counter, pl.NP})
			}
		case *Externalize:
			if ballot.Compatible(pl.Commit) {
				add(interval{pl.Commit.Counter, math.MaxUint32})
			}
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].lo != res[j].lo {
			return res[i].lo < res[j].lo
		}
		return res[i].hi < res[j].hi
	})
	return res
}

// findExtendedInterval grows candidate across adjacent boundary segments as
// long as pred holds for the extended range.
func findExtendedInterval(candidate *interval, boundaries []interval, pred func(interval) bool) {
	for _, seg := range boundaries {
		if candidate.hi != 0 {
			// segments are sorted; once disjoint, nothing further connects
			if candidate.hi < seg.lo || candidate.lo > seg.hi {
				break
			}
		}
		for i := 0; i < 2; i++ {
			b := seg.lo
			if i == 1 {
				b = seg.hi
			}
			var cur interval
			if candidate.lo != 0 {
				cur = interval{candidate.lo, b}
			} else {
				// still pinning the lower bound
				cur = interval{b, b}
			}
			if pred(cur) {
				*candidate = cur
			} else if candidate.lo != 0 {
				// found the end of the interval
				break
			}
		}
	}
}

// isAcceptCommit looks for a commit interval [low, high] with ballot's
// value that the node may accept: a v-blocking set accepts some range, or a
// quorum votes to commit one.
func (bp *ballotProtocol) isAcceptCommit(ballot Ballot) (low, high Ballot, ok bool) {
	if bp.phase != phasePrepare && bp.phase != phaseConfirm {
		return
	}
	if bp.phase == phaseConfirm && !ballot.Compatible(*bp.confirmedPrepared) {
		return
	}

	pred := func(cur interval) bool {
		voted := func(_ NodeID, st *Statement) bool {
			switch pl := st.Pledges.(type) {
			case *Prepare:
				if ballot.Compatible(pl.Ballot) && pl.NC != 0 {
					return pl.NC <= cur.lo && cur.hi <= pl.NP
				}
			case *Confirm:
				if ballot.Compatible(pl.Commit) {
					return pl.Commit.Counter <= cur.lo
				}
			case *Externalize:
				if ballot.Compatible(pl.Commit) {
					return pl.Commit.Counter <= cur.lo
				}
			}
			return false
		}
		accepted := func(_ NodeID, st *Statement) bool {
			return commitPredicate(ballot, cur, st)
		}
		return bp.slot.federatedAccept(voted, accepted, bp.latestStatements)
	}

	boundaries := bp.commitBoundaries(ballot)

	var candidate interval
	if bp.phase == phaseConfirm {
		// in CONFIRM only the upper bound can move
		candidate = interval{bp.commit.Counter, bp.confirmedPrepared.Counter}
		kept := boundaries[:0]
		for _, seg := range boundaries {
			if seg.hi > bp.confirmedPrepared.Counter {
				kept = append(kept, seg)
			}
		}
		boundaries = kept
	}
	if len(boundaries) == 0 {
		return
	}

	findExtendedInterval(&candidate, boundaries, pred)

	if candidate.lo != 0 &&
		(bp.phase != phaseConfirm || candidate.hi > bp.confirmedPrepared.Counter) {
		low = Ballot{Counter: candidate.lo, Value: ballot.Value}
		high = Ballot{Counter: candidate.hi, Value: ballot.Value}
		ok = true
	}
	return
}

func (bp *ballotProtocol) attemptAcceptCommit(low, high Ballot) bool {
	bp.slot.logger.Debugf("i:%d attemptAcceptCommit low:%s high:%s", bp.slot.index, low, high)

	didWork := false
	if bp.confirmedPrepared == nil || bp.confirmedPrepared.LessAndCompatible(high) {
		c, h := low, high
		bp.commit = &c
		bp.confirmedPrepared = &h
		bp.current = &Ballot{Counter: math.MaxUint32, Value: high.Value}

		bp.setPrepared(high)
		bp.phase = phaseConfirm
		didWork = true
	}

	if didWork {
		bp.driver().BallotDidCommit(bp.slot.index, low)
		bp.emitCurrentStateStatement()
	}
	return didWork
}

// isConfirmCommit looks for a commit interval a quorum accepts.
func (bp *ballotProtocol) isConfirmCommit(ballot Ballot) (low, high Ballot, ok bool) {
	if bp.phase != phaseConfirm {
		return
	}
	if !ballot.Compatible(*bp.commit) {
		return
	}

	boundaries := bp.commitBoundaries(ballot)
	var candidate interval
	findExtendedInterval(&candidate, boundaries, func(cur interval) bool {
		return bp.slot.federatedRatify(
			func(_ NodeID, st *Statement) bool { return commitPredicate(ballot, cur, st) },
			bp.latestStatements)
	})

	if candidate.lo != 0 {
		low = Ballot{Counter: candidate.lo, Value: ballot.Value}
		high = Ballot{Counter: candidate.hi, Value: ballot.Value}
		ok = true
	}
	return
}

func (bp *ballotProtocol) attemptConfirmCommit(low, high Ballot) bool {
	bp.slot.logger.Debugf("i:%d attemptConfirmCommit low:%s high:%s", bp.slot.index, low, high)

	c, h := low, high
	bp.commit = &c
	bp.confirmedPrepared = &h
	bp.phase = phaseExternalize

	bp.driver().BallotDidCommitted(bp.slot.index, high)
	bp.emitCurrentStateStatement()
	bp.slot.valueExternalized(bp.current.Value)
	return true
}

// hasPreparedBallot tells whether st accepts ballot as prepared.
func hasPreparedBallot(ballot Ballot, st *Statement) bool {
	switch pl := st.Pledges.(type) {
	case *Prepare:
		return pl.Prepared != nil && ballot.LessAndCompatible(*pl.Prepared)
	case *Confirm:
		prepared := Ballot{Counter: pl.NPrepared, Value: pl.Commit.Value}
		return ballot.LessAndCompatible(prepared)
	case *Externalize:
		return ballot.Compatible(pl.Commit)
	}
	return false
}

// setPrepared raises p to ballot, demoting an incompatible previous p to p'.
func (bp *ballotProtocol) setPrepared(ballot Ballot) bool {
	if bp.prepared == nil {
		b := ballot
		bp.prepared = &b
		return true
	}
	if bp.prepared.Compare(ballot) >= 0 {
		return false
	}
	if !bp.prepared.Compatible(ballot) {
		pp := *bp.prepared
		bp.preparedPrime = &pp
	}
	b := ballot
	bp.prepared = &b
	return true
}

func (bp *ballotProtocol) String() string {
	return fmt.Sprintf("i:%d | %s | b:%s p:%s p':%s c:%s P:%s | M:%d",
		bp.slot.index, bp.phase,
		ballotPtrString(bp.current), ballotPtrString(bp.prepared),
		ballotPtrString(bp.preparedPrime), ballotPtrString(bp.commit),
		ballotPtrString(bp.confirmedPrepared), len(bp.latestStatements))
}

func ballotPtrString(b *Ballot) string {
	if b == nil {
		return "<nil>"
	}
	return b.String()
}

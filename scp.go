// Package scp implements the core engine of the Stellar Consensus Protocol,
// a federated Byzantine agreement protocol. Nodes agree, slot by slot, on a
// single opaque value without a global membership roster: each node declares
// a quorum set of peers it trusts, and the protocol guarantees that nodes
// whose quorums intersect never externalize different values for a slot.
//
// The engine is transport-agnostic and in-memory. The embedding application
// implements the Driver interface to validate and combine values, gossip
// envelopes, resolve quorum sets and arm timers; it feeds inbound envelopes
// to ReceiveEnvelope and drives progress with Nominate and BumpState. All
// calls into one SCP instance must be serialized by the caller; the engine
// itself never blocks and never spawns goroutines.
package scp

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/scplab/scp/logging"
)

// Driver is the set of capabilities the engine requires from its host.
// Implementations must not call back into the SCP instance from within a
// callback; outbound envelopes are buffered and handed to EmitEnvelope only
// after the triggering call has finished its transitions.
type Driver interface {
	// ValidateValue reports whether value is acceptable for the slot.
	// Invalid values are neither voted for nor accepted.
	ValidateValue(slotIndex uint64, nodeID NodeID, value Value) bool

	// ValidateBallot reports whether a peer's ballot may drive the local
	// ballot protocol.
	ValidateBallot(slotIndex uint64, nodeID NodeID, ballot Ballot) bool

	// CombineCandidates deterministically merges the confirmed candidate
	// values into the composite value the ballot protocol will run on.
	CombineCandidates(slotIndex uint64, candidates ValueSet) Value

	// ValueExternalized reports the slot's decision. Called exactly once
	// per slot.
	ValueExternalized(slotIndex uint64, value Value)

	// EmitEnvelope hands a signed envelope to the transport.
	EmitEnvelope(envelope Envelope)

	// QuorumSet looks up a quorum set by hash. Returning false defers
	// processing of the envelopes that need it until the host calls
	// QuorumSetResolved.
	QuorumSet(hash Hash) (*QuorumSet, bool)

	// ComputeHash produces the per-round node hashes that drive nomination
	// leader election. DefaultComputeHash is a suitable implementation;
	// tests substitute a lookup table.
	ComputeHash(slotIndex uint64, isPriority bool, roundNumber uint32, nodeID NodeID) uint64

	// Ballot protocol observability hooks.
	BallotDidPrepare(slotIndex uint64, ballot Ballot)
	BallotDidPrepared(slotIndex uint64, ballot Ballot)
	BallotDidCommit(slotIndex uint64, ballot Ballot)
	BallotDidCommitted(slotIndex uint64, ballot Ballot)
	BallotDidHearFromQuorum(slotIndex uint64, ballot Ballot)

	// ArmBallotTimer asks the host to call BumpState(slot, composite,
	// true) after delay, unless the ballot moves first.
	ArmBallotTimer(slotIndex uint64, delay time.Duration)

	// ArmNominationTimer asks the host to call Nominate(slot, value, true)
	// after delay, unless nomination finishes first.
	ArmNominationTimer(slotIndex uint64, delay time.Duration)
}

// DefaultComputeHash derives a 64-bit node hash from a keyed SHA256: the
// big-endian head of SHA256(slotIndex || tag || roundNumber || nodeID) with
// tag 1 for priority hashes and 2 for neighborhood hashes.
func DefaultComputeHash(slotIndex uint64, isPriority bool, roundNumber uint32, nodeID NodeID) uint64 {
	var buf [13 + 32]byte
	binary.BigEndian.PutUint64(buf[0:], slotIndex)
	if isPriority {
		buf[8] = 1
	} else {
		buf[8] = 2
	}
	binary.BigEndian.PutUint32(buf[9:], roundNumber)
	copy(buf[13:], nodeID[:])
	sum := sha256.Sum256(buf[:])
	return binary.BigEndian.Uint64(sum[:8])
}

// SCP is one node's view of the protocol across all slots.
type SCP struct {
	driver    Driver
	localNode *LocalNode
	slots     map[uint64]*Slot
	logger    logging.Logger
}

// New creates an SCP instance for the node identified by secretKey, with
// the given declared quorum set.
func New(driver Driver, secretKey ed25519.PrivateKey, qSet QuorumSet) (*SCP, error) {
	ln, err := NewLocalNode(secretKey, qSet)
	if err != nil {
		return nil, err
	}
	return &SCP{
		driver:    driver,
		localNode: ln,
		slots:     make(map[uint64]*Slot),
		logger:    logging.New("scp"),
	}, nil
}

// LocalNode returns the node's identity and quorum set.
func (s *SCP) LocalNode() *LocalNode { return s.localNode }

// GetSlot returns the slot with the given index, creating it on first use.
func (s *SCP) GetSlot(slotIndex uint64) *Slot {
	slot, ok := s.slots[slotIndex]
	if !ok {
		slot = newSlot(slotIndex, s)
		s.slots[slotIndex] = slot
	}
	return slot
}

// ReceiveEnvelope feeds a peer envelope into the engine. It returns true
// when the envelope advanced or matched the local state; malformed and stale
// envelopes return false without mutating state. Envelopes whose quorum set
// is not yet known also return false and are queued until QuorumSetResolved
// supplies it.
func (s *SCP) ReceiveEnvelope(envelope Envelope) bool {
	return s.GetSlot(envelope.Statement.SlotIndex).ReceiveEnvelope(envelope)
}

// Nominate votes to nominate value for the slot. timedOut distinguishes
// nomination round timeouts from the initial call. It returns true when a
// NOMINATE statement was emitted.
func (s *SCP) Nominate(slotIndex uint64, value Value, timedOut bool) bool {
	return s.GetSlot(slotIndex).Nominate(value, timedOut)
}

// BumpState starts or advances the slot's ballot protocol on value. With
// force, the ballot counter is bumped even when a ballot is active.
func (s *SCP) BumpState(slotIndex uint64, value Value, force bool) bool {
	return s.GetSlot(slotIndex).BumpState(value, force)
}

// LatestCompositeCandidate returns the latest composite value produced by
// the slot's nomination protocol, or nil.
func (s *SCP) LatestCompositeCandidate(slotIndex uint64) Value {
	return s.GetSlot(slotIndex).LatestCompositeCandidate()
}

// ExternalizedValue returns the slot's decided value, or nil when the slot
// has not externalized.
func (s *SCP) ExternalizedValue(slotIndex uint64) Value {
	return s.GetSlot(slotIndex).ExternalizedValue()
}

// QuorumSetResolved caches a quorum set the host fetched and re-dispatches
// any envelopes that were deferred on its hash, in arrival order.
func (s *SCP) QuorumSetResolved(qSet QuorumSet) {
	if err := qSet.Verify(); err != nil {
		s.logger.Warnf("ignoring invalid quorum set: %v", err)
		return
	}
	h := qSet.Hash()
	for _, slot := range s.slots {
		slot.quorumSetResolved(h, qSet)
	}
}

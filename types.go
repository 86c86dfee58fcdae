package scp

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
)

// NodeID uniquely identifies a node. It is the node's ed25519 public key.
type NodeID [32]byte

// NodeIDFromPublicKey converts an ed25519 public key to a NodeID.
func NodeIDFromPublicKey(pub ed25519.PublicKey) NodeID {
	var id NodeID
	copy(id[:], pub)
	return id
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:4])
}

// Hash is a SHA256 hash.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:4])
}

// Value is an opaque byte string being voted on by the network.
// Values are totally ordered by bytewise comparison.
type Value []byte

func (v Value) String() string {
	if v == nil {
		return "<nil>"
	}
	if len(v) <= 8 {
		return hex.EncodeToString(v)
	}
	return hex.EncodeToString(v[:8])
}

// CompareValues orders two values bytewise.
func CompareValues(a, b Value) int {
	return bytes.Compare(a, b)
}

// ValueSet is a set of values, implemented as a sorted slice.
type ValueSet []Value

// Add inserts v, keeping the set sorted. Duplicates are ignored.
func (vs *ValueSet) Add(v Value) {
	i := sort.Search(len(*vs), func(i int) bool { return CompareValues((*vs)[i], v) >= 0 })
	if i < len(*vs) && CompareValues((*vs)[i], v) == 0 {
		return
	}
	*vs = append(*vs, nil)
	copy((*vs)[i+1:], (*vs)[i:])
	(*vs)[i] = v
}

// Contains uses binary search to test membership.
func (vs ValueSet) Contains(v Value) bool {
	i := sort.Search(len(vs), func(i int) bool { return CompareValues(vs[i], v) >= 0 })
	return i < len(vs) && CompareValues(vs[i], v) == 0
}

// Clone returns a copy of the set.
func (vs ValueSet) Clone() ValueSet {
	out := make(ValueSet, len(vs))
	copy(out, vs)
	return out
}

func (vs ValueSet) String() string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range vs {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(v.String())
	}
	buf.WriteByte(']')
	return buf.String()
}

// Ballot is a pair of a counter and a value.
// Ballots are ordered lexicographically, counter first.
// The zero ballot (counter 0) denotes "absent".
type Ballot struct {
	Counter uint32
	Value   Value
}

// IsZero tells whether b is the null ballot.
func (b Ballot) IsZero() bool {
	return b.Counter == 0 && b.Value == nil
}

// Compare orders two ballots: counter first, then value bytes.
func (b Ballot) Compare(other Ballot) int {
	if b.Counter < other.Counter {
		return -1
	}
	if b.Counter > other.Counter {
		return 1
	}
	return CompareValues(b.Value, other.Value)
}

// Equal tells whether the ballots have the same counter and value.
func (b Ballot) Equal(other Ballot) bool {
	return b.Compare(other) == 0
}

// Compatible tells whether the ballots carry the same value.
func (b Ballot) Compatible(other Ballot) bool {
	return CompareValues(b.Value, other.Value) == 0
}

// LessAndCompatible tells whether b <= other with the same value.
func (b Ballot) LessAndCompatible(other Ballot) bool {
	return b.Compare(other) <= 0 && b.Compatible(other)
}

// LessAndIncompatible tells whether b <= other with differing values.
// A vote to prepare other aborts b exactly in this case.
func (b Ballot) LessAndIncompatible(other Ballot) bool {
	return b.Compare(other) <= 0 && !b.Compatible(other)
}

func (b Ballot) String() string {
	return fmt.Sprintf("<%d,%s>", b.Counter, b.Value)
}

// compareBallotPtrs orders two optional ballots; nil sorts before any ballot.
func compareBallotPtrs(a, b *Ballot) int {
	switch {
	case a != nil && b != nil:
		return a.Compare(*b)
	case a != nil:
		return 1
	case b != nil:
		return -1
	}
	return 0
}

// StatementType identifies the pledge carried by a statement.
// The order PREPARE < CONFIRM < EXTERNALIZE is the statement total order
// used to discard stale ballot statements.
type StatementType int32

const (
	StatementPrepare StatementType = iota
	StatementConfirm
	StatementExternalize
	StatementNominate
)

func (t StatementType) String() string {
	switch t {
	case StatementPrepare:
		return "PREPARE"
	case StatementConfirm:
		return "CONFIRM"
	case StatementExternalize:
		return "EXTERNALIZE"
	case StatementNominate:
		return "NOMINATE"
	}
	return fmt.Sprintf("StatementType(%d)", int32(t))
}

// Pledge is the tagged payload of a statement: one of
// Nominate, Prepare, Confirm, or Externalize.
type Pledge interface {
	Type() StatementType
}

// Nominate pledges votes for and acceptance of nominated values.
// Votes and Accepted are sorted and duplicate-free.
type Nominate struct {
	QuorumSetHash Hash
	Votes         []Value
	Accepted      []Value
}

// Type returns StatementNominate.
func (*Nominate) Type() StatementType { return StatementNominate }

// Prepare pledges that the sender is preparing ballot B.
// Prepared and PreparedPrime are the sender's p and p'; NC and NP carry the
// counters of its commit interval and highest confirmed-prepared ballot.
type Prepare struct {
	QuorumSetHash Hash
	Ballot        Ballot
	Prepared      *Ballot
	PreparedPrime *Ballot
	NC            uint32
	NP            uint32
}

// Type returns StatementPrepare.
func (*Prepare) Type() StatementType { return StatementPrepare }

// Confirm pledges that the sender accepts commit for ballots between
// Commit.Counter and NP with Commit's value.
type Confirm struct {
	QuorumSetHash Hash
	NPrepared     uint32
	Commit        Ballot
	NP            uint32
}

// Type returns StatementConfirm.
func (*Confirm) Type() StatementType { return StatementConfirm }

// Externalize pledges that the slot is irrevocably decided on Commit.Value.
// CommitQuorumSetHash is the hash of the sender's singleton quorum set,
// making the sender a self-authoritative trust source for late peers.
type Externalize struct {
	CommitQuorumSetHash Hash
	Commit              Ballot
	NP                  uint32
}

// Type returns StatementExternalize.
func (*Externalize) Type() StatementType { return StatementExternalize }

// Statement is one node's pledge for one slot.
type Statement struct {
	NodeID    NodeID
	SlotIndex uint64
	Pledges   Pledge
}

// QuorumSetHash returns the companion quorum set hash of the statement.
func (st *Statement) QuorumSetHash() Hash {
	switch p := st.Pledges.(type) {
	case *Nominate:
		return p.QuorumSetHash
	case *Prepare:
		return p.QuorumSetHash
	case *Confirm:
		return p.QuorumSetHash
	case *Externalize:
		return p.CommitQuorumSetHash
	}
	return Hash{}
}

func (st *Statement) String() string {
	return fmt.Sprintf("{%s i:%d %s}", st.NodeID, st.SlotIndex, st.Pledges.Type())
}

// Envelope is a signed statement.
type Envelope struct {
	Statement Statement
	Signature []byte
}

// Verify checks the signature against the statement's node ID.
func (e *Envelope) Verify() bool {
	msg, err := MarshalStatement(&e.Statement)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(e.Statement.NodeID[:]), msg, e.Signature)
}

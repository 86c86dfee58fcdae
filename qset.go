package scp

// This file implements the quorum calculus over recursive quorum sets.
//
// Each node declares a quorum set: a threshold over a list of validators and
// nested inner sets. A quorum slice is any subset of nodes satisfying the
// threshold structure. A quorum is a set of nodes that contains a slice for
// every one of its members; a v-blocking set intersects every slice, so its
// members can veto any statement a quorum could otherwise ratify.

import (
	"crypto/sha256"
	"fmt"
	"math"
	"math/bits"

	"go.uber.org/multierr"
)

// QuorumSet is a node's declared trust structure: at least Threshold of
// Validators and InnerSets must be satisfied.
type QuorumSet struct {
	Threshold  uint32
	Validators []NodeID
	InnerSets  []QuorumSet
}

// Verify checks the structural invariant 1 <= threshold <= |validators| +
// |innerSets|, recursively. All violations are reported.
func (q *QuorumSet) Verify() error {
	var err error
	n := uint32(len(q.Validators) + len(q.InnerSets))
	if q.Threshold == 0 {
		err = multierr.Append(err, fmt.Errorf("quorum set threshold is zero"))
	}
	if q.Threshold > n {
		err = multierr.Append(err, fmt.Errorf("quorum set threshold %d exceeds %d members", q.Threshold, n))
	}
	for i := range q.InnerSets {
		if ierr := q.InnerSets[i].Verify(); ierr != nil {
			err = multierr.Append(err, fmt.Errorf("inner set %d: %w", i, ierr))
		}
	}
	return err
}

// Hash returns the SHA256 of the canonical encoding of q.
func (q *QuorumSet) Hash() Hash {
	return sha256.Sum256(MarshalQuorumSet(q))
}

// ForEachMember calls fn once for every node contained in q, transitively.
// Nodes appearing more than once are visited once.
func (q *QuorumSet) ForEachMember(fn func(NodeID)) {
	seen := make(map[NodeID]struct{})
	q.forEachMember(seen, fn)
}

func (q *QuorumSet) forEachMember(seen map[NodeID]struct{}, fn func(NodeID)) {
	for _, v := range q.Validators {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		fn(v)
	}
	for i := range q.InnerSets {
		q.InnerSets[i].forEachMember(seen, fn)
	}
}

// SingletonQSet returns the quorum set {threshold: 1, validators: [id]}.
// It is the trust structure asserted by an EXTERNALIZE statement.
func SingletonQSet(id NodeID) QuorumSet {
	return QuorumSet{Threshold: 1, Validators: []NodeID{id}}
}

// IsQuorumSlice tells whether nodeSet satisfies at least threshold members
// of q, counting a nested set as satisfied when this holds recursively.
func IsQuorumSlice(q *QuorumSet, nodeSet []NodeID) bool {
	count := uint32(0)
	for _, v := range q.Validators {
		if containsNode(nodeSet, v) {
			count++
			if count >= q.Threshold {
				return true
			}
		}
	}
	for i := range q.InnerSets {
		if IsQuorumSlice(&q.InnerSets[i], nodeSet) {
			count++
			if count >= q.Threshold {
				return true
			}
		}
	}
	return false
}

// IsVBlocking tells whether nodeSet intersects every slice of q: removing
// nodeSet from q's members leaves fewer than threshold satisfiable members.
func IsVBlocking(q *QuorumSet, nodeSet []NodeID) bool {
	// no set can block an empty threshold
	if q.Threshold == 0 {
		return false
	}
	left := int(1+len(q.Validators)+len(q.InnerSets)) - int(q.Threshold)
	for _, v := range q.Validators {
		if containsNode(nodeSet, v) {
			left--
			if left <= 0 {
				return true
			}
		}
	}
	for i := range q.InnerSets {
		if IsVBlocking(&q.InnerSets[i], nodeSet) {
			left--
			if left <= 0 {
				return true
			}
		}
	}
	return false
}

// StatementFilter selects statements participating in a quorum or
// v-blocking test.
type StatementFilter func(NodeID, *Statement) bool

// QSetResolver extracts the quorum set claimed by a statement. The second
// return is false when the quorum set is not known yet; such nodes do not
// count toward a quorum.
type QSetResolver func(*Statement) (*QuorumSet, bool)

// IsVBlockingSet tells whether the nodes whose statements pass the filter
// form a v-blocking set for q.
func IsVBlockingSet(q *QuorumSet, stmts map[NodeID]*Statement, filter StatementFilter) bool {
	nodes := make([]NodeID, 0, len(stmts))
	for id, st := range stmts {
		if filter(id, st) {
			nodes = append(nodes, id)
		}
	}
	return IsVBlocking(q, nodes)
}

// IsQuorum tells whether the nodes whose statements pass the filter contain
// a quorum for q. Starting from the filtered set, nodes without a satisfied
// slice (per their own claimed quorum set) are discarded until a fixpoint;
// the remainder is a quorum when it satisfies a slice of q itself.
func IsQuorum(q *QuorumSet, stmts map[NodeID]*Statement, qfun QSetResolver, filter StatementFilter) bool {
	nodes := make([]NodeID, 0, len(stmts))
	for id, st := range stmts {
		if filter(id, st) {
			nodes = append(nodes, id)
		}
	}
	for {
		kept := make([]NodeID, 0, len(nodes))
		for _, id := range nodes {
			nq, ok := qfun(stmts[id])
			if !ok {
				continue
			}
			if IsQuorumSlice(nq, nodes) {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(nodes) {
			break
		}
		nodes = kept
	}
	return IsQuorumSlice(q, nodes)
}

// NodeWeight returns the weight of id within q, normalized to [0, MaxUint64].
// A direct validator weighs threshold/size of the full range; members of
// inner sets weigh the product of the threshold/size ratios along the
// nesting path.
func NodeWeight(id NodeID, q *QuorumSet) uint64 {
	n := uint64(q.Threshold)
	d := uint64(len(q.Validators) + len(q.InnerSets))
	for _, v := range q.Validators {
		if v == id {
			return bigDivide(math.MaxUint64, n, d)
		}
	}
	for i := range q.InnerSets {
		if w := NodeWeight(id, &q.InnerSets[i]); w > 0 {
			return bigDivide(w, n, d)
		}
	}
	return 0
}

// bigDivide computes a*b/c without overflowing, rounding down.
// Requires b <= c.
func bigDivide(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	quo, _ := bits.Div64(hi, lo, c)
	return quo
}

func containsNode(nodes []NodeID, id NodeID) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}

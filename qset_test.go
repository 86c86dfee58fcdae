package scp

import (
	"math"
	"testing"
)

func TestVBlockingAndQuorumSlice(t *testing.T) {
	nodes := newTestNodes(t, 4)
	qSet := QuorumSet{
		Threshold:  3,
		Validators: []NodeID{nodes[0].id, nodes[1].id, nodes[2].id, nodes[3].id},
	}

	nodeSet := []NodeID{nodes[0].id}
	if IsQuorumSlice(&qSet, nodeSet) {
		t.Error("one node out of four should not be a slice at threshold 3")
	}
	if IsVBlocking(&qSet, nodeSet) {
		t.Error("one node out of four should not be v-blocking at threshold 3")
	}

	nodeSet = append(nodeSet, nodes[2].id)
	if IsQuorumSlice(&qSet, nodeSet) {
		t.Error("two nodes should not be a slice at threshold 3")
	}
	if !IsVBlocking(&qSet, nodeSet) {
		t.Error("two nodes should be v-blocking at threshold 3")
	}

	nodeSet = append(nodeSet, nodes[3].id)
	if !IsQuorumSlice(&qSet, nodeSet) {
		t.Error("three nodes should be a slice at threshold 3")
	}
	if !IsVBlocking(&qSet, nodeSet) {
		t.Error("three nodes should be v-blocking at threshold 3")
	}

	nodeSet = append(nodeSet, nodes[1].id)
	if !IsQuorumSlice(&qSet, nodeSet) {
		t.Error("all nodes should be a slice")
	}
	if !IsVBlocking(&qSet, nodeSet) {
		t.Error("all nodes should be v-blocking")
	}
}

// The calculus duals: on a flat quorum set, S is v-blocking exactly when its
// complement cannot form a slice.
func TestVBlockingDual(t *testing.T) {
	nodes := newTestNodes(t, 5)
	var validators []NodeID
	for _, n := range nodes {
		validators = append(validators, n.id)
	}

	for threshold := uint32(1); threshold <= 5; threshold++ {
		qSet := QuorumSet{Threshold: threshold, Validators: validators}
		for mask := 0; mask < 1<<5; mask++ {
			var set, complement []NodeID
			for i := 0; i < 5; i++ {
				if mask&(1<<i) != 0 {
					set = append(set, nodes[i].id)
				} else {
					complement = append(complement, nodes[i].id)
				}
			}
			blocking := IsVBlocking(&qSet, set)
			sliceWithout := IsQuorumSlice(&qSet, complement)
			if blocking == sliceWithout {
				t.Fatalf("threshold %d mask %05b: isVBlocking=%v, complement slice=%v",
					threshold, mask, blocking, sliceWithout)
			}
		}
	}
}

func TestNestedQuorumSet(t *testing.T) {
	nodes := newTestNodes(t, 6)
	inner1 := QuorumSet{Threshold: 2, Validators: []NodeID{nodes[2].id, nodes[3].id, nodes[4].id}}
	inner2 := QuorumSet{Threshold: 1, Validators: []NodeID{nodes[5].id}}
	qSet := QuorumSet{
		Threshold:  3,
		Validators: []NodeID{nodes[0].id, nodes[1].id},
		InnerSets:  []QuorumSet{inner1, inner2},
	}
	if err := qSet.Verify(); err != nil {
		t.Fatalf("Verify() = %v", err)
	}

	// v0, v1 and inner1 satisfied
	if !IsQuorumSlice(&qSet, []NodeID{nodes[0].id, nodes[1].id, nodes[2].id, nodes[3].id}) {
		t.Error("expected a slice from v0, v1 and a satisfied inner set")
	}
	// only v0 and v1: two of three members
	if IsQuorumSlice(&qSet, []NodeID{nodes[0].id, nodes[1].id}) {
		t.Error("two members should not satisfy threshold 3")
	}
	// v0, v1 and inner2
	if !IsQuorumSlice(&qSet, []NodeID{nodes[0].id, nodes[1].id, nodes[5].id}) {
		t.Error("expected a slice from v0, v1 and the singleton inner set")
	}
	// blocking both validators blocks every slice (complement 4-3+1 = 2)
	if !IsVBlocking(&qSet, []NodeID{nodes[0].id, nodes[1].id}) {
		t.Error("expected both direct validators to be v-blocking")
	}
	// one validator is not enough
	if IsVBlocking(&qSet, []NodeID{nodes[0].id}) {
		t.Error("one direct validator should not be v-blocking")
	}
	// a v-blocking set of inner1 plus one validator
	if !IsVBlocking(&qSet, []NodeID{nodes[0].id, nodes[2].id, nodes[3].id}) {
		t.Error("expected a validator plus a blocked inner set to be v-blocking")
	}
}

func TestQuorumSetVerify(t *testing.T) {
	nodes := newTestNodes(t, 2)
	for _, tc := range []struct {
		name string
		q    QuorumSet
		ok   bool
	}{
		{"valid", QuorumSet{Threshold: 1, Validators: []NodeID{nodes[0].id}}, true},
		{"zero threshold", QuorumSet{Threshold: 0, Validators: []NodeID{nodes[0].id}}, false},
		{"threshold too large", QuorumSet{Threshold: 3, Validators: []NodeID{nodes[0].id, nodes[1].id}}, false},
		{"bad inner", QuorumSet{
			Threshold:  1,
			Validators: []NodeID{nodes[0].id},
			InnerSets:  []QuorumSet{{Threshold: 2, Validators: []NodeID{nodes[1].id}}},
		}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.q.Verify()
			if tc.ok && err != nil {
				t.Errorf("Verify() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Error("Verify() = nil, want error")
			}
		})
	}
}

func TestNodeWeight(t *testing.T) {
	nodes := newTestNodes(t, 4)
	inner := QuorumSet{Threshold: 1, Validators: []NodeID{nodes[2].id}}
	qSet := QuorumSet{
		Threshold:  2,
		Validators: []NodeID{nodes[0].id, nodes[1].id},
		InnerSets:  []QuorumSet{inner},
	}

	// direct validator: threshold/size of the full range
	want := bigDivide(math.MaxUint64, 2, 3)
	if got := NodeWeight(nodes[0].id, &qSet); got != want {
		t.Errorf("NodeWeight(v0) = %d, want %d", got, want)
	}

	// nested validator: the product of the threshold/size ratios along the path
	innerWeight := bigDivide(math.MaxUint64, 1, 1)
	want = bigDivide(innerWeight, 2, 3)
	if got := NodeWeight(nodes[2].id, &qSet); got != want {
		t.Errorf("NodeWeight(v2) = %d, want %d", got, want)
	}

	// not contained
	if got := NodeWeight(nodes[3].id, &qSet); got != 0 {
		t.Errorf("NodeWeight(v3) = %d, want 0", got)
	}
}

func TestSingletonQSet(t *testing.T) {
	nodes := newTestNodes(t, 2)
	single := SingletonQSet(nodes[0].id)
	if err := single.Verify(); err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if !IsQuorumSlice(&single, []NodeID{nodes[0].id}) {
		t.Error("the node itself should satisfy its singleton set")
	}
	if IsQuorumSlice(&single, []NodeID{nodes[1].id}) {
		t.Error("another node should not satisfy the singleton set")
	}
	if !IsVBlocking(&single, []NodeID{nodes[0].id}) {
		t.Error("the node itself should block its singleton set")
	}
}

func TestForEachMemberDeduplicates(t *testing.T) {
	nodes := newTestNodes(t, 3)
	qSet := QuorumSet{
		Threshold:  2,
		Validators: []NodeID{nodes[0].id, nodes[1].id},
		InnerSets: []QuorumSet{
			{Threshold: 1, Validators: []NodeID{nodes[1].id, nodes[2].id}},
		},
	}
	count := make(map[NodeID]int)
	qSet.ForEachMember(func(id NodeID) { count[id]++ })
	if len(count) != 3 {
		t.Fatalf("visited %d distinct members, want 3", len(count))
	}
	for id, c := range count {
		if c != 1 {
			t.Errorf("member %s visited %d times", id, c)
		}
	}
}

package scp

import (
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/scplab/scp/crypto/keys"
)

// Values used throughout the protocol tests; ordered x < y < z.
var (
	xValue = Value("x-value")
	yValue = Value("y-value")
	zValue = Value("z-value")
)

// testNode is a simulated peer: a key pair to sign envelopes with.
type testNode struct {
	priv ed25519.PrivateKey
	id   NodeID
}

func newTestNodes(t *testing.T, n int) []testNode {
	t.Helper()
	nodes := make([]testNode, n)
	for i := range nodes {
		pub, priv, err := keys.Generate()
		if err != nil {
			t.Fatalf("generating node key: %v", err)
		}
		nodes[i] = testNode{priv: priv, id: NodeIDFromPublicKey(pub)}
	}
	return nodes
}

// testDriver is a recording host: it captures emitted envelopes, decisions
// and quorum hooks, and lets tests override the node priority hash the way
// the original harness does.
type testDriver struct {
	t *testing.T

	envs             []Envelope
	externalized     map[uint64]Value
	heardFromQuorums map[uint64][]Ballot
	qSets            map[Hash]*QuorumSet

	priorityLookup     func(NodeID) uint64
	expectedCandidates ValueSet
	compositeValue     Value

	ballotTimers     map[uint64][]time.Duration
	nominationTimers map[uint64][]time.Duration
}

func newTestDriver(t *testing.T) *testDriver {
	return &testDriver{
		t:                t,
		externalized:     make(map[uint64]Value),
		heardFromQuorums: make(map[uint64][]Ballot),
		qSets:            make(map[Hash]*QuorumSet),
		priorityLookup:   func(NodeID) uint64 { return 1 },
		ballotTimers:     make(map[uint64][]time.Duration),
		nominationTimers: make(map[uint64][]time.Duration),
	}
}

func (d *testDriver) storeQuorumSet(q QuorumSet) {
	d.qSets[q.Hash()] = &q
}

func (d *testDriver) ValidateValue(uint64, NodeID, Value) bool { return true }

func (d *testDriver) ValidateBallot(uint64, NodeID, Ballot) bool { return true }

func (d *testDriver) CombineCandidates(_ uint64, candidates ValueSet) Value {
	if len(candidates) != len(d.expectedCandidates) {
		d.t.Errorf("combineCandidates got %s, want %s", candidates, d.expectedCandidates)
	} else {
		for i := range candidates {
			if CompareValues(candidates[i], d.expectedCandidates[i]) != 0 {
				d.t.Errorf("combineCandidates got %s, want %s", candidates, d.expectedCandidates)
				break
			}
		}
	}
	if len(d.compositeValue) == 0 {
		d.t.Error("combineCandidates called with no composite configured")
	}
	return d.compositeValue
}

func (d *testDriver) ValueExternalized(slotIndex uint64, value Value) {
	if _, ok := d.externalized[slotIndex]; ok {
		d.t.Errorf("slot %d externalized twice", slotIndex)
	}
	d.externalized[slotIndex] = value
}

func (d *testDriver) EmitEnvelope(envelope Envelope) {
	d.envs = append(d.envs, envelope)
}

func (d *testDriver) QuorumSet(hash Hash) (*QuorumSet, bool) {
	q, ok := d.qSets[hash]
	return q, ok
}

func (d *testDriver) ComputeHash(_ uint64, isPriority bool, _ uint32, nodeID NodeID) uint64 {
	if isPriority {
		return d.priorityLookup(nodeID)
	}
	return 0
}

func (d *testDriver) BallotDidPrepare(uint64, Ballot)   {}
func (d *testDriver) BallotDidPrepared(uint64, Ballot)  {}
func (d *testDriver) BallotDidCommit(uint64, Ballot)    {}
func (d *testDriver) BallotDidCommitted(uint64, Ballot) {}

func (d *testDriver) BallotDidHearFromQuorum(slotIndex uint64, ballot Ballot) {
	d.heardFromQuorums[slotIndex] = append(d.heardFromQuorums[slotIndex], ballot)
}

func (d *testDriver) ArmBallotTimer(slotIndex uint64, delay time.Duration) {
	d.ballotTimers[slotIndex] = append(d.ballotTimers[slotIndex], delay)
}

func (d *testDriver) ArmNominationTimer(slotIndex uint64, delay time.Duration) {
	d.nominationTimers[slotIndex] = append(d.nominationTimers[slotIndex], delay)
}

// core5 builds the standard five-node network used by most scenarios: a
// flat quorum set with threshold 4, local node v0.
//
// Five nodes keep the thresholds apart: a v-blocking set needs 2 nodes, a
// quorum needs 4 including the local node.
func core5(t *testing.T) (*SCP, *testDriver, []testNode, QuorumSet, Hash) {
	t.Helper()
	nodes := newTestNodes(t, 5)
	qSet := QuorumSet{
		Threshold:  4,
		Validators: []NodeID{nodes[0].id, nodes[1].id, nodes[2].id, nodes[3].id, nodes[4].id},
	}
	driver := newTestDriver(t)
	driver.storeQuorumSet(qSet)
	driver.priorityLookup = func(id NodeID) uint64 {
		if id == nodes[0].id {
			return 1000
		}
		return 1
	}
	engine, err := New(driver, nodes[0].priv, qSet)
	if err != nil {
		t.Fatalf("creating SCP: %v", err)
	}
	return engine, driver, nodes, qSet, qSet.Hash()
}

func signStatement(t *testing.T, node testNode, st Statement) Envelope {
	t.Helper()
	st.NodeID = node.id
	msg, err := MarshalStatement(&st)
	if err != nil {
		t.Fatalf("marshalling statement: %v", err)
	}
	return Envelope{Statement: st, Signature: ed25519.Sign(node.priv, msg)}
}

func makePrepare(t *testing.T, node testNode, qSetHash Hash, slotIndex uint64, ballot Ballot, prepared *Ballot, nC, nP uint32, preparedPrime *Ballot) Envelope {
	return signStatement(t, node, Statement{
		SlotIndex: slotIndex,
		Pledges: &Prepare{
			QuorumSetHash: qSetHash,
			Ballot:        ballot,
			Prepared:      prepared,
			PreparedPrime: preparedPrime,
			NC:            nC,
			NP:            nP,
		},
	})
}

func makeConfirm(t *testing.T, node testNode, qSetHash Hash, slotIndex uint64, nPrepared uint32, commit Ballot, nP uint32) Envelope {
	return signStatement(t, node, Statement{
		SlotIndex: slotIndex,
		Pledges: &Confirm{
			QuorumSetHash: qSetHash,
			NPrepared:     nPrepared,
			Commit:        commit,
			NP:            nP,
		},
	})
}

func makeExternalize(t *testing.T, node testNode, slotIndex uint64, commit Ballot, nP uint32) Envelope {
	single := SingletonQSet(node.id)
	return signStatement(t, node, Statement{
		SlotIndex: slotIndex,
		Pledges: &Externalize{
			CommitQuorumSetHash: single.Hash(),
			Commit:              commit,
			NP:                  nP,
		},
	})
}

func makeNominate(t *testing.T, node testNode, qSetHash Hash, slotIndex uint64, votes, accepted []Value) Envelope {
	var vs, as ValueSet
	for _, v := range votes {
		vs.Add(v)
	}
	for _, a := range accepted {
		as.Add(a)
	}
	return signStatement(t, node, Statement{
		SlotIndex: slotIndex,
		Pledges: &Nominate{
			QuorumSetHash: qSetHash,
			Votes:         vs,
			Accepted:      as,
		},
	})
}

func verifyStatement(t *testing.T, actual Envelope, expected Envelope) {
	t.Helper()
	got, err := MarshalStatement(&actual.Statement)
	if err != nil {
		t.Fatalf("marshalling actual statement: %v", err)
	}
	want, err := MarshalStatement(&expected.Statement)
	if err != nil {
		t.Fatalf("marshalling expected statement: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("statement mismatch:\n got %v\nwant %v", actual.Statement, expected.Statement)
	}
}

func verifyPrepare(t *testing.T, actual Envelope, node testNode, qSetHash Hash, slotIndex uint64, ballot Ballot, prepared *Ballot, nC, nP uint32, preparedPrime *Ballot) {
	t.Helper()
	verifyStatement(t, actual, makePrepare(t, node, qSetHash, slotIndex, ballot, prepared, nC, nP, preparedPrime))
}

func verifyConfirm(t *testing.T, actual Envelope, node testNode, qSetHash Hash, slotIndex uint64, nPrepared uint32, commit Ballot, nP uint32) {
	t.Helper()
	verifyStatement(t, actual, makeConfirm(t, node, qSetHash, slotIndex, nPrepared, commit, nP))
}

func verifyExternalize(t *testing.T, actual Envelope, node testNode, slotIndex uint64, commit Ballot, nP uint32) {
	t.Helper()
	verifyStatement(t, actual, makeExternalize(t, node, slotIndex, commit, nP))
}

func verifyNominate(t *testing.T, actual Envelope, node testNode, qSetHash Hash, slotIndex uint64, votes, accepted []Value) {
	t.Helper()
	verifyStatement(t, actual, makeNominate(t, node, qSetHash, slotIndex, votes, accepted))
}

func requireEnvs(t *testing.T, driver *testDriver, n int) {
	t.Helper()
	if len(driver.envs) != n {
		t.Fatalf("emitted %d envelopes, want %d", len(driver.envs), n)
	}
}

func requireTrue(t *testing.T, ok bool, format string, args ...interface{}) {
	t.Helper()
	if !ok {
		t.Fatalf(format, args...)
	}
}

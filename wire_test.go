package scp

import (
	"bytes"
	"testing"
)

func sampleStatements(t *testing.T, nodes []testNode, qSetHash Hash) []Statement {
	t.Helper()
	bx := Ballot{1, xValue}
	by := Ballot{2, yValue}
	single := SingletonQSet(nodes[0].id)
	return []Statement{
		{NodeID: nodes[0].id, SlotIndex: 3, Pledges: &Nominate{
			QuorumSetHash: qSetHash,
			Votes:         []Value{xValue, yValue},
			Accepted:      []Value{xValue},
		}},
		{NodeID: nodes[1].id, SlotIndex: 4, Pledges: &Prepare{
			QuorumSetHash: qSetHash,
			Ballot:        by,
		}},
		{NodeID: nodes[1].id, SlotIndex: 4, Pledges: &Prepare{
			QuorumSetHash: qSetHash,
			Ballot:        by,
			Prepared:      &by,
			PreparedPrime: &bx,
			NC:            1,
			NP:            2,
		}},
		{NodeID: nodes[2].id, SlotIndex: 5, Pledges: &Confirm{
			QuorumSetHash: qSetHash,
			NPrepared:     2,
			Commit:        by,
			NP:            2,
		}},
		{NodeID: nodes[3].id, SlotIndex: 6, Pledges: &Externalize{
			CommitQuorumSetHash: single.Hash(),
			Commit:              bx,
			NP:                  1,
		}},
	}
}

func TestStatementRoundTrip(t *testing.T) {
	nodes := newTestNodes(t, 4)
	qSet := QuorumSet{Threshold: 3, Validators: []NodeID{nodes[0].id, nodes[1].id, nodes[2].id, nodes[3].id}}

	for _, st := range sampleStatements(t, nodes, qSet.Hash()) {
		st := st
		t.Run(st.Pledges.Type().String(), func(t *testing.T) {
			encoded, err := MarshalStatement(&st)
			if err != nil {
				t.Fatalf("MarshalStatement: %v", err)
			}
			decoded, err := UnmarshalStatement(encoded)
			if err != nil {
				t.Fatalf("UnmarshalStatement: %v", err)
			}
			reencoded, err := MarshalStatement(decoded)
			if err != nil {
				t.Fatalf("re-encoding: %v", err)
			}
			if !bytes.Equal(encoded, reencoded) {
				t.Error("encode(decode(st)) differs from encode(st)")
			}
		})
	}
}

// Two encodes of the same statement must be byte-identical: signatures
// cover the canonical form.
func TestStatementEncodingDeterministic(t *testing.T) {
	nodes := newTestNodes(t, 4)
	qSet := QuorumSet{Threshold: 3, Validators: []NodeID{nodes[0].id, nodes[1].id, nodes[2].id, nodes[3].id}}

	for _, st := range sampleStatements(t, nodes, qSet.Hash()) {
		a, err := MarshalStatement(&st)
		if err != nil {
			t.Fatalf("MarshalStatement: %v", err)
		}
		b, err := MarshalStatement(&st)
		if err != nil {
			t.Fatalf("MarshalStatement: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("%s: non-deterministic encoding", st.Pledges.Type())
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	nodes := newTestNodes(t, 4)
	qSet := QuorumSet{Threshold: 3, Validators: []NodeID{nodes[0].id, nodes[1].id, nodes[2].id, nodes[3].id}}

	b := Ballot{1, xValue}
	env := makePrepare(t, nodes[1], qSet.Hash(), 7, b, &b, 1, 1, nil)

	encoded, err := MarshalEnvelope(&env)
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}
	decoded, err := UnmarshalEnvelope(encoded)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if !decoded.Verify() {
		t.Error("signature does not survive the round trip")
	}
	reencoded, err := MarshalEnvelope(decoded)
	if err != nil {
		t.Fatalf("re-encoding: %v", err)
	}
	if !bytes.Equal(encoded, reencoded) {
		t.Error("encode(decode(e)) differs from encode(e)")
	}
}

func TestQuorumSetRoundTrip(t *testing.T) {
	nodes := newTestNodes(t, 5)
	qSet := QuorumSet{
		Threshold:  2,
		Validators: []NodeID{nodes[0].id, nodes[1].id},
		InnerSets: []QuorumSet{
			{Threshold: 2, Validators: []NodeID{nodes[2].id, nodes[3].id, nodes[4].id}},
		},
	}

	encoded := MarshalQuorumSet(&qSet)
	decoded, err := UnmarshalQuorumSet(encoded)
	if err != nil {
		t.Fatalf("UnmarshalQuorumSet: %v", err)
	}
	if !bytes.Equal(encoded, MarshalQuorumSet(decoded)) {
		t.Error("encode(decode(q)) differs from encode(q)")
	}
	if decoded.Hash() != qSet.Hash() {
		t.Error("hash changed across the round trip")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalStatement(nil); err == nil {
		t.Error("empty statement encoding should not decode")
	}
	if _, err := UnmarshalStatement([]byte{1, 2, 3}); err == nil {
		t.Error("truncated statement encoding should not decode")
	}
	if _, err := UnmarshalQuorumSet([]byte{0xff, 0xff, 0xff, 0xff}); err == nil {
		t.Error("truncated quorum set encoding should not decode")
	}

	nodes := newTestNodes(t, 1)
	st := Statement{NodeID: nodes[0].id, SlotIndex: 1, Pledges: &Confirm{
		NPrepared: 1,
		Commit:    Ballot{1, xValue},
		NP:        1,
	}}
	encoded, err := MarshalStatement(&st)
	if err != nil {
		t.Fatalf("MarshalStatement: %v", err)
	}
	if _, err := UnmarshalStatement(append(encoded, 0)); err == nil {
		t.Error("trailing bytes should not decode")
	}
}

func TestTamperedEnvelopeRejected(t *testing.T) {
	nodes := newTestNodes(t, 2)
	qSet := QuorumSet{Threshold: 1, Validators: []NodeID{nodes[0].id}}

	b := Ballot{1, xValue}
	env := makePrepare(t, nodes[0], qSet.Hash(), 0, b, nil, 0, 0, nil)
	if !env.Verify() {
		t.Fatal("freshly signed envelope should verify")
	}

	tampered := env
	tampered.Statement.SlotIndex = 1
	if tampered.Verify() {
		t.Error("envelope with altered statement should not verify")
	}

	forged := env
	forged.Statement.NodeID = nodes[1].id
	if forged.Verify() {
		t.Error("envelope with altered sender should not verify")
	}
}

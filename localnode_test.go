package scp

import (
	"crypto/ed25519"
	"testing"

	"github.com/scplab/scp/crypto/keys"
)

func TestLocalNodeIdentity(t *testing.T) {
	pub, priv, err := keys.Generate()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	id := NodeIDFromPublicKey(pub)
	qSet := QuorumSet{Threshold: 1, Validators: []NodeID{id}}

	ln, err := NewLocalNode(priv, qSet)
	if err != nil {
		t.Fatalf("NewLocalNode: %v", err)
	}
	if ln.NodeID() != id {
		t.Error("node ID does not match the public key")
	}
	if ln.QuorumSetHash() != qSet.Hash() {
		t.Error("quorum set hash mismatch")
	}

	msg := []byte("some message")
	if !ed25519.Verify(pub, msg, ln.Sign(msg)) {
		t.Error("signature does not verify against the node's key")
	}
}

func TestLocalNodeRejectsInvalidQuorumSet(t *testing.T) {
	pub, priv, err := keys.Generate()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	id := NodeIDFromPublicKey(pub)

	if _, err := NewLocalNode(priv, QuorumSet{Threshold: 2, Validators: []NodeID{id}}); err == nil {
		t.Error("expected an error for a threshold above the member count")
	}
}

func TestUpdateQuorumSet(t *testing.T) {
	nodes := newTestNodes(t, 3)
	qSet := QuorumSet{Threshold: 1, Validators: []NodeID{nodes[0].id}}

	ln, err := NewLocalNode(nodes[0].priv, qSet)
	if err != nil {
		t.Fatalf("NewLocalNode: %v", err)
	}

	next := QuorumSet{Threshold: 2, Validators: []NodeID{nodes[0].id, nodes[1].id, nodes[2].id}}
	if err := ln.UpdateQuorumSet(next); err != nil {
		t.Fatalf("UpdateQuorumSet: %v", err)
	}
	if ln.QuorumSetHash() != next.Hash() {
		t.Error("hash not updated with the quorum set")
	}

	// an invalid replacement leaves the node untouched
	if err := ln.UpdateQuorumSet(QuorumSet{Threshold: 0}); err == nil {
		t.Fatal("expected an error for an invalid quorum set")
	}
	if ln.QuorumSetHash() != next.Hash() {
		t.Error("failed update must not change the quorum set")
	}
}

func TestSingletonQSetHash(t *testing.T) {
	nodes := newTestNodes(t, 1)
	qSet := QuorumSet{Threshold: 1, Validators: []NodeID{nodes[0].id}}

	ln, err := NewLocalNode(nodes[0].priv, qSet)
	if err != nil {
		t.Fatalf("NewLocalNode: %v", err)
	}
	single := SingletonQSet(nodes[0].id)
	if ln.SingletonQSetHash() != single.Hash() {
		t.Error("singleton quorum set hash mismatch")
	}
}

package scp

import (
	"crypto/ed25519"
	"fmt"
)

// LocalNode holds this node's identity, signing key and declared quorum set.
type LocalNode struct {
	nodeID    NodeID
	secretKey ed25519.PrivateKey
	qSet      QuorumSet
	qSetHash  Hash

	// trust structure asserted while externalizing: {{nodeID}}
	singleQSet     QuorumSet
	singleQSetHash Hash
}

// NewLocalNode creates a local node from a signing key and quorum set.
func NewLocalNode(secretKey ed25519.PrivateKey, qSet QuorumSet) (*LocalNode, error) {
	if err := qSet.Verify(); err != nil {
		return nil, fmt.Errorf("invalid quorum set: %w", err)
	}
	id := NodeIDFromPublicKey(secretKey.Public().(ed25519.PublicKey))
	single := SingletonQSet(id)
	return &LocalNode{
		nodeID:         id,
		secretKey:      secretKey,
		qSet:           qSet,
		qSetHash:       qSet.Hash(),
		singleQSet:     single,
		singleQSetHash: single.Hash(),
	}, nil
}

// NodeID returns this node's identity.
func (ln *LocalNode) NodeID() NodeID { return ln.nodeID }

// QuorumSet returns the declared quorum set.
func (ln *LocalNode) QuorumSet() *QuorumSet { return &ln.qSet }

// QuorumSetHash returns the hash of the declared quorum set.
func (ln *LocalNode) QuorumSetHash() Hash { return ln.qSetHash }

// SingletonQSet returns the quorum set {{nodeID}}.
func (ln *LocalNode) SingletonQSet() *QuorumSet { return &ln.singleQSet }

// SingletonQSetHash returns the hash of the singleton quorum set.
func (ln *LocalNode) SingletonQSetHash() Hash { return ln.singleQSetHash }

// UpdateQuorumSet replaces the quorum set and its hash together.
func (ln *LocalNode) UpdateQuorumSet(qSet QuorumSet) error {
	if err := qSet.Verify(); err != nil {
		return fmt.Errorf("invalid quorum set: %w", err)
	}
	ln.qSet = qSet
	ln.qSetHash = qSet.Hash()
	return nil
}

// Sign signs msg with the node's secret key.
func (ln *LocalNode) Sign(msg []byte) []byte {
	return ed25519.Sign(ln.secretKey, msg)
}

package scp

// Canonical wire encoding of envelopes, statements and quorum sets.
//
// The encoding is XDR: fixed-width big-endian integers, length-prefixed
// opaques padded to four bytes, length-prefixed sequences. Optional ballots
// are encoded as a 0/1 discriminant followed by the ballot when present.
// Signatures cover the canonical encoding of the statement only. Two nodes
// in identical states produce byte-identical envelopes.

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/davecgh/go-xdr/xdr"
)

// ErrMalformed is returned when decoding fails or a decoded structure
// violates a wire invariant.
var ErrMalformed = errors.New("malformed encoding")

type wireWriter struct {
	buf bytes.Buffer
	err error
}

func (w *wireWriter) write(v interface{}) {
	if w.err != nil {
		return
	}
	b, err := xdr.Marshal(v)
	if err != nil {
		w.err = err
		return
	}
	w.buf.Write(b)
}

func (w *wireWriter) writeBool(b bool) {
	v := uint32(0)
	if b {
		v = 1
	}
	w.write(v)
}

type wireReader struct {
	rest []byte
	err  error
}

func (r *wireReader) read(v interface{}) {
	if r.err != nil {
		return
	}
	rest, err := xdr.Unmarshal(r.rest, v)
	if err != nil {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, err)
		return
	}
	r.rest = rest
}

func (r *wireReader) readBool() bool {
	var v uint32
	r.read(&v)
	if r.err == nil && v > 1 {
		r.err = fmt.Errorf("%w: bad discriminant %d", ErrMalformed, v)
	}
	return v == 1
}

func writeBallot(w *wireWriter, b Ballot) {
	w.write(b.Counter)
	w.write([]byte(b.Value))
}

func readBallot(r *wireReader) Ballot {
	var b Ballot
	var v []byte
	r.read(&b.Counter)
	r.read(&v)
	b.Value = Value(v)
	return b
}

func writeOptBallot(w *wireWriter, b *Ballot) {
	w.writeBool(b != nil)
	if b != nil {
		writeBallot(w, *b)
	}
}

func readOptBallot(r *wireReader) *Ballot {
	if !r.readBool() {
		return nil
	}
	b := readBallot(r)
	return &b
}

func writeValues(w *wireWriter, vs []Value) {
	w.write(uint32(len(vs)))
	for _, v := range vs {
		w.write([]byte(v))
	}
}

func readValues(r *wireReader) []Value {
	var n uint32
	r.read(&n)
	if r.err != nil {
		return nil
	}
	if n > uint32(len(r.rest)) { // cheap bound: each value needs at least a length word
		r.err = fmt.Errorf("%w: sequence length %d", ErrMalformed, n)
		return nil
	}
	out := make([]Value, 0, n)
	for i := uint32(0); i < n; i++ {
		var v []byte
		r.read(&v)
		out = append(out, Value(v))
	}
	return out
}

// MarshalQuorumSet returns the canonical encoding of q.
func MarshalQuorumSet(q *QuorumSet) []byte {
	var w wireWriter
	writeQuorumSet(&w, q)
	return w.buf.Bytes()
}

func writeQuorumSet(w *wireWriter, q *QuorumSet) {
	w.write(q.Threshold)
	w.write(uint32(len(q.Validators)))
	for i := range q.Validators {
		w.write(q.Validators[i])
	}
	w.write(uint32(len(q.InnerSets)))
	for i := range q.InnerSets {
		writeQuorumSet(w, &q.InnerSets[i])
	}
}

// UnmarshalQuorumSet decodes the canonical encoding of a quorum set.
func UnmarshalQuorumSet(data []byte) (*QuorumSet, error) {
	r := wireReader{rest: data}
	q := readQuorumSet(&r, 0)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.rest))
	}
	return q, nil
}

const maxQuorumSetDepth = 4

func readQuorumSet(r *wireReader, depth int) *QuorumSet {
	if depth > maxQuorumSetDepth {
		r.err = fmt.Errorf("%w: quorum set nesting exceeds %d", ErrMalformed, maxQuorumSetDepth)
		return nil
	}
	var q QuorumSet
	r.read(&q.Threshold)
	var nv uint32
	r.read(&nv)
	if r.err != nil {
		return nil
	}
	if nv > uint32(len(r.rest))/32 {
		r.err = fmt.Errorf("%w: validator count %d", ErrMalformed, nv)
		return nil
	}
	for i := uint32(0); i < nv; i++ {
		var id NodeID
		r.read(&id)
		q.Validators = append(q.Validators, id)
	}
	var ni uint32
	r.read(&ni)
	if r.err != nil {
		return nil
	}
	if ni > uint32(len(r.rest))/8 {
		r.err = fmt.Errorf("%w: inner set count %d", ErrMalformed, ni)
		return nil
	}
	for i := uint32(0); i < ni; i++ {
		iq := readQuorumSet(r, depth+1)
		if r.err != nil {
			return nil
		}
		q.InnerSets = append(q.InnerSets, *iq)
	}
	return &q
}

// MarshalStatement returns the canonical encoding of st. Signatures are
// computed over these bytes.
func MarshalStatement(st *Statement) ([]byte, error) {
	var w wireWriter
	w.write(st.NodeID)
	w.write(st.SlotIndex)
	w.write(int32(st.Pledges.Type()))
	switch p := st.Pledges.(type) {
	case *Nominate:
		w.write(p.QuorumSetHash)
		writeValues(&w, p.Votes)
		writeValues(&w, p.Accepted)
	case *Prepare:
		w.write(p.QuorumSetHash)
		writeBallot(&w, p.Ballot)
		writeOptBallot(&w, p.Prepared)
		writeOptBallot(&w, p.PreparedPrime)
		w.write(p.NC)
		w.write(p.NP)
	case *Confirm:
		w.write(p.QuorumSetHash)
		w.write(p.NPrepared)
		writeBallot(&w, p.Commit)
		w.write(p.NP)
	case *Externalize:
		w.write(p.CommitQuorumSetHash)
		writeBallot(&w, p.Commit)
		w.write(p.NP)
	default:
		return nil, fmt.Errorf("unknown pledge type %T", st.Pledges)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// UnmarshalStatement decodes a canonical statement encoding.
func UnmarshalStatement(data []byte) (*Statement, error) {
	r := wireReader{rest: data}
	st := readStatement(&r)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.rest))
	}
	return st, nil
}

func readStatement(r *wireReader) *Statement {
	var st Statement
	r.read(&st.NodeID)
	r.read(&st.SlotIndex)
	var t int32
	r.read(&t)
	if r.err != nil {
		return nil
	}
	switch StatementType(t) {
	case StatementNominate:
		var p Nominate
		r.read(&p.QuorumSetHash)
		p.Votes = readValues(r)
		p.Accepted = readValues(r)
		st.Pledges = &p
	case StatementPrepare:
		var p Prepare
		r.read(&p.QuorumSetHash)
		p.Ballot = readBallot(r)
		p.Prepared = readOptBallot(r)
		p.PreparedPrime = readOptBallot(r)
		r.read(&p.NC)
		r.read(&p.NP)
		st.Pledges = &p
	case StatementConfirm:
		var p Confirm
		r.read(&p.QuorumSetHash)
		r.read(&p.NPrepared)
		p.Commit = readBallot(r)
		r.read(&p.NP)
		st.Pledges = &p
	case StatementExternalize:
		var p Externalize
		r.read(&p.CommitQuorumSetHash)
		p.Commit = readBallot(r)
		r.read(&p.NP)
		st.Pledges = &p
	default:
		r.err = fmt.Errorf("%w: unknown statement type %d", ErrMalformed, t)
		return nil
	}
	return &st
}

// MarshalEnvelope returns the canonical encoding of e: the statement
// followed by the signature opaque.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	st, err := MarshalStatement(&e.Statement)
	if err != nil {
		return nil, err
	}
	var w wireWriter
	w.buf.Write(st)
	w.write(e.Signature)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// UnmarshalEnvelope decodes a canonical envelope encoding.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	r := wireReader{rest: data}
	st := readStatement(&r)
	var sig []byte
	r.read(&sig)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.rest))
	}
	return &Envelope{Statement: *st, Signature: sig}, nil
}

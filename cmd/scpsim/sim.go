package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scplab/scp"
	"github.com/scplab/scp/crypto/keys"
	"github.com/scplab/scp/eventloop"
	"github.com/scplab/scp/logging"
)

type simConfig struct {
	Nodes       int
	Slots       int
	Threshold   uint32
	Rate        float64
	SlotTimeout time.Duration
}

func (cfg *simConfig) validate() error {
	if cfg.Nodes < 1 {
		return fmt.Errorf("need at least one node, got %d", cfg.Nodes)
	}
	if cfg.Slots < 1 {
		return fmt.Errorf("need at least one slot, got %d", cfg.Slots)
	}
	if cfg.Threshold > uint32(cfg.Nodes) {
		return fmt.Errorf("threshold %d exceeds node count %d", cfg.Threshold, cfg.Nodes)
	}
	if cfg.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %v", cfg.Rate)
	}
	return nil
}

// broadcastEvent carries an envelope from one node to all the others.
type broadcastEvent struct {
	from int
	env  scp.Envelope
}

// startSlotEvent kicks off nomination for a slot on every node.
type startSlotEvent struct {
	slot uint64
}

// ballotTimerEvent and nominationTimerEvent are posted when a node's
// per-slot timer fires.
type ballotTimerEvent struct {
	node int
	slot uint64
}

type nominationTimerEvent struct {
	node int
	slot uint64
}

type simulation struct {
	cfg    simConfig
	loop   *eventloop.EventLoop
	nodes  []*simNode
	qSet   scp.QuorumSet
	logger logging.Logger

	mut      sync.Mutex
	decided  map[uint64]map[int]scp.Value // slot -> node -> value
	slotDone map[uint64]chan scp.Value
	mismatch error
}

// simNode is one simulated node: an SCP instance plus its timers. It
// implements scp.Driver, playing application, transport and timer service.
type simNode struct {
	index int
	sim   *simulation
	scp   *scp.SCP

	ballotTimers     map[uint64]*time.Timer
	nominationTimers map[uint64]*time.Timer
}

func newSimulation(cfg simConfig) (*simulation, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = uint32(2*cfg.Nodes/3 + 1)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sim := &simulation{
		cfg:      cfg,
		loop:     eventloop.New(4096),
		logger:   logging.New("scpsim"),
		decided:  make(map[uint64]map[int]scp.Value),
		slotDone: make(map[uint64]chan scp.Value),
	}

	privKeys := make([]ed25519.PrivateKey, cfg.Nodes)
	validators := make([]scp.NodeID, cfg.Nodes)
	for i := 0; i < cfg.Nodes; i++ {
		pub, priv, err := keys.Generate()
		if err != nil {
			return nil, err
		}
		privKeys[i] = priv
		validators[i] = scp.NodeIDFromPublicKey(pub)
	}
	sim.qSet = scp.QuorumSet{Threshold: cfg.Threshold, Validators: validators}

	for i := 0; i < cfg.Nodes; i++ {
		node := &simNode{
			index:            i,
			sim:              sim,
			ballotTimers:     make(map[uint64]*time.Timer),
			nominationTimers: make(map[uint64]*time.Timer),
		}
		engine, err := scp.New(node, privKeys[i], sim.qSet)
		if err != nil {
			return nil, err
		}
		node.scp = engine
		sim.nodes = append(sim.nodes, node)
	}
	return sim, nil
}

// proposal is the value node proposes for slot.
func proposal(node int, slot uint64) scp.Value {
	return scp.Value(fmt.Sprintf("tx@%d from node %d", slot, node))
}

func (sim *simulation) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim.loop.RegisterHandler(broadcastEvent{}, func(event interface{}) {
		e := event.(broadcastEvent)
		for i, node := range sim.nodes {
			if i != e.from {
				node.scp.ReceiveEnvelope(e.env)
			}
		}
	})
	sim.loop.RegisterHandler(startSlotEvent{}, func(event interface{}) {
		e := event.(startSlotEvent)
		for i, node := range sim.nodes {
			node.scp.Nominate(e.slot, proposal(i, e.slot), false)
		}
	})
	sim.loop.RegisterHandler(ballotTimerEvent{}, func(event interface{}) {
		e := event.(ballotTimerEvent)
		node := sim.nodes[e.node]
		if node.scp.ExternalizedValue(e.slot) != nil {
			return
		}
		if v := node.scp.LatestCompositeCandidate(e.slot); v != nil {
			node.scp.BumpState(e.slot, v, true)
		}
	})
	sim.loop.RegisterHandler(nominationTimerEvent{}, func(event interface{}) {
		e := event.(nominationTimerEvent)
		node := sim.nodes[e.node]
		if node.scp.ExternalizedValue(e.slot) != nil {
			return
		}
		node.scp.Nominate(e.slot, proposal(e.node, e.slot), true)
	})

	go sim.loop.Run(ctx)

	limiter := rate.NewLimiter(rate.Limit(sim.cfg.Rate), 1)
	start := time.Now()

	for s := 1; s <= sim.cfg.Slots; s++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		slot := uint64(s)

		done := make(chan scp.Value, 1)
		sim.mut.Lock()
		sim.slotDone[slot] = done
		sim.mut.Unlock()

		slotStart := time.Now()
		sim.loop.AddEvent(startSlotEvent{slot: slot})

		select {
		case v := <-done:
			sim.mut.Lock()
			err := sim.mismatch
			sim.mut.Unlock()
			if err != nil {
				return err
			}
			fmt.Printf("slot %d externalized %q in %v\n", slot, string(v), time.Since(slotStart).Round(time.Millisecond))
		case <-time.After(sim.cfg.SlotTimeout):
			return fmt.Errorf("slot %d did not externalize within %v", slot, sim.cfg.SlotTimeout)
		}
	}

	fmt.Printf("%d slots on %d nodes in %v\n", sim.cfg.Slots, sim.cfg.Nodes, time.Since(start).Round(time.Millisecond))
	return nil
}

// recordDecision tracks per-node decisions and completes the slot when
// every node has externalized it.
func (sim *simulation) recordDecision(node int, slot uint64, value scp.Value) {
	sim.mut.Lock()
	defer sim.mut.Unlock()

	byNode, ok := sim.decided[slot]
	if !ok {
		byNode = make(map[int]scp.Value)
		sim.decided[slot] = byNode
	}
	byNode[node] = value

	for _, v := range byNode {
		if scp.CompareValues(v, value) != 0 {
			sim.mismatch = fmt.Errorf("slot %d: node %d externalized %q, others %q",
				slot, node, string(value), string(v))
			break
		}
	}

	if len(byNode) == len(sim.nodes) || sim.mismatch != nil {
		if done, ok := sim.slotDone[slot]; ok {
			select {
			case done <- value:
			default:
			}
		}
	}
}

// Driver implementation.

func (n *simNode) ValidateValue(uint64, scp.NodeID, scp.Value) bool { return true }

func (n *simNode) ValidateBallot(uint64, scp.NodeID, scp.Ballot) bool { return true }

// CombineCandidates picks the highest candidate. All nodes converge on the
// same composite because the candidate set is confirmed by a quorum.
func (n *simNode) CombineCandidates(_ uint64, candidates scp.ValueSet) scp.Value {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[len(candidates)-1]
}

func (n *simNode) ValueExternalized(slotIndex uint64, value scp.Value) {
	n.stopTimer(n.ballotTimers, slotIndex)
	n.stopTimer(n.nominationTimers, slotIndex)
	n.sim.recordDecision(n.index, slotIndex, value)
}

func (n *simNode) EmitEnvelope(envelope scp.Envelope) {
	n.sim.loop.AddEvent(broadcastEvent{from: n.index, env: envelope})
}

func (n *simNode) QuorumSet(hash scp.Hash) (*scp.QuorumSet, bool) {
	if hash == n.sim.qSet.Hash() {
		return &n.sim.qSet, true
	}
	return nil, false
}

func (n *simNode) ComputeHash(slotIndex uint64, isPriority bool, roundNumber uint32, nodeID scp.NodeID) uint64 {
	return scp.DefaultComputeHash(slotIndex, isPriority, roundNumber, nodeID)
}

func (n *simNode) BallotDidPrepare(uint64, scp.Ballot)   {}
func (n *simNode) BallotDidPrepared(uint64, scp.Ballot)  {}
func (n *simNode) BallotDidCommit(uint64, scp.Ballot)    {}
func (n *simNode) BallotDidCommitted(uint64, scp.Ballot) {}

func (n *simNode) BallotDidHearFromQuorum(slotIndex uint64, ballot scp.Ballot) {
	n.sim.logger.Debugf("node %d heard from quorum on slot %d ballot %s", n.index, slotIndex, ballot)
}

func (n *simNode) ArmBallotTimer(slotIndex uint64, delay time.Duration) {
	n.armTimer(n.ballotTimers, slotIndex, delay, ballotTimerEvent{node: n.index, slot: slotIndex})
}

func (n *simNode) ArmNominationTimer(slotIndex uint64, delay time.Duration) {
	n.armTimer(n.nominationTimers, slotIndex, delay, nominationTimerEvent{node: n.index, slot: slotIndex})
}

func (n *simNode) armTimer(timers map[uint64]*time.Timer, slotIndex uint64, delay time.Duration, event interface{}) {
	if t, ok := timers[slotIndex]; ok {
		t.Stop()
	}
	loop := n.sim.loop
	timers[slotIndex] = time.AfterFunc(delay, func() {
		loop.AddEvent(event)
	})
}

func (n *simNode) stopTimer(timers map[uint64]*time.Timer, slotIndex uint64) {
	if t, ok := timers[slotIndex]; ok {
		t.Stop()
		delete(timers, slotIndex)
	}
}

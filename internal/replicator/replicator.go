// Package replicator implements the two-phase command replication
// pipeline: acquire the global mutex, apply locally, broadcast
// Apply, collect ApplyAck, release (spec §4.6).
package replicator

import (
	"context"
	"sync"
	"time"

	"ledgerd/internal/clock"
	"ledgerd/internal/command"
	"ledgerd/internal/ledger"
	"ledgerd/internal/ledgerr"
	"ledgerd/internal/logging"
	"ledgerd/internal/mutex"
	"ledgerd/internal/registry"
	"ledgerd/internal/wire"
)

// defaultRingCapacity bounds the reconciliation ring (spec §9
// "Reconciliation" resolution): recently applied Apply messages kept
// per-process, old enough entries fall off and force a full-sync.
const defaultRingCapacity = 512

type inflightState struct {
	mu      sync.Mutex
	pending map[string]bool
	done    chan struct{}
	closed  bool
}

func (s *inflightState) ack(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, site)
	s.closeIfDoneLocked()
}

func (s *inflightState) closeIfDoneLocked() {
	if len(s.pending) == 0 && !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Replicator owns submit(), the Apply-side peer handler, and the
// bounded reconciliation ring.
type Replicator struct {
	selfID  string
	clock   *clock.Clock
	reg     *registry.Registry
	mx      *mutex.Coordinator
	ledger  ledger.LocalLedger
	log     *logging.Logger
	timeout time.Duration

	// OnDivergence is invoked when a peer's Apply fails to apply
	// locally for a reason other than idempotent replay — spec §9:
	// fatal, the node must stop accepting new commands.
	OnDivergence func(err error)

	mu       sync.Mutex
	inflight map[string]*inflightState

	ringMu  sync.Mutex
	ring    []wire.Message
	ringCap int
}

func New(selfID string, c *clock.Clock, reg *registry.Registry, mx *mutex.Coordinator, led ledger.LocalLedger, log *logging.Logger, timeout time.Duration) *Replicator {
	return &Replicator{
		selfID:   selfID,
		clock:    c,
		reg:      reg,
		mx:       mx,
		ledger:   led,
		log:      log,
		timeout:  timeout,
		inflight: make(map[string]*inflightState),
		ringCap:  defaultRingCapacity,
	}
}

// Submit runs the full submit(command) pipeline (spec §4.6) and
// returns the resulting Transaction, or the local validation error
// without ever broadcasting it.
func (r *Replicator) Submit(ctx context.Context, cmd command.Command) (ledger.Transaction, error) {
	if err := cmd.Validate(); err != nil {
		return ledger.Transaction{}, err
	}

	release, err := r.mx.Acquire(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer release()

	stamped := command.Stamp(r.selfID, cmd)
	lamport, vc := r.clock.Tick()

	tx, err := r.ledger.Apply(stamped, lamport, r.selfID)
	if err != nil {
		return ledger.Transaction{}, err
	}

	applyMsg := wire.NewApply(r.selfID, stamped, lamport, vc)
	r.recordRing(applyMsg)

	peers := r.reg.ConnectedSites()
	st := &inflightState{pending: make(map[string]bool, len(peers)), done: make(chan struct{})}
	for _, p := range peers {
		st.pending[p] = true
	}
	st.closeIfDoneLocked()

	r.mu.Lock()
	r.inflight[stamped.ID] = st
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, stamped.ID)
		r.mu.Unlock()
	}()

	r.reg.Broadcast(applyMsg)

	select {
	case <-st.done:
	case <-time.After(r.timeout):
		st.mu.Lock()
		stuck := make([]string, 0, len(st.pending))
		for id := range st.pending {
			stuck = append(stuck, id)
		}
		st.mu.Unlock()
		r.log.Warnf("mutex_timeout elapsed waiting on ApplyAck from %v for %s, proceeding", stuck, stamped.ID)
	}

	return tx, nil
}

// HandleApply processes a peer's Apply: advances clocks from the
// stamps the message carries (never from local state, preserving
// determinism), applies it via the ledger adapter, and acks.
func (r *Replicator) HandleApply(msg wire.Message) {
	r.clock.Observe(msg.Lamport, msg.VectorClock)
	r.recordRing(msg)

	if _, err := r.ledger.Apply(msg.Command, msg.Lamport, msg.Originator); err != nil {
		divergence := ledgerr.New(ledgerr.KindFatal, "replicator.HandleApply", ledgerr.ErrDivergentReplica)
		r.log.Errorf("%s: command %s from %s: %v", divergence, msg.CommandID, msg.Originator, err)
		if r.OnDivergence != nil {
			r.OnDivergence(divergence)
		}
	}
	r.reg.Send(msg.SiteID, wire.NewApplyAck(r.selfID, msg.CommandID))
}

// HandleApplyAck removes the responder from the matching in-flight
// submission's pending_acks set.
func (r *Replicator) HandleApplyAck(msg wire.Message) {
	r.mu.Lock()
	st, ok := r.inflight[msg.CommandID]
	r.mu.Unlock()
	if ok {
		st.ack(msg.ResponderSite)
	}
}

// PeerDisconnected drops site from every in-flight submission's
// pending_acks, mirroring mutex.Coordinator's crash-stop policy.
func (r *Replicator) PeerDisconnected(site string) {
	r.mu.Lock()
	states := make([]*inflightState, 0, len(r.inflight))
	for _, st := range r.inflight {
		states = append(states, st)
	}
	r.mu.Unlock()
	for _, st := range states {
		st.ack(site)
	}
}

// Pending reports how many peers have not yet acked commandID; zero
// for an unknown or already-completed id. Exposed through Node.Pending;
// the /info summary does not include it.
func (r *Replicator) Pending(commandID string) int {
	r.mu.Lock()
	st, ok := r.inflight[commandID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pending)
}

func (r *Replicator) recordRing(msg wire.Message) {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()
	r.ring = append(r.ring, msg)
	if len(r.ring) > r.ringCap {
		r.ring = r.ring[len(r.ring)-r.ringCap:]
	}
}

// Reconcile answers reconcile(since_vc): the Apply messages this
// node can replay to a peer advertising peerVC, or needsFullSync if
// the ring has already evicted entries the peer is missing.
func (r *Replicator) Reconcile(peerVC map[string]int64) (replay []wire.Message, needsFullSync bool) {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()

	if len(r.ring) == 0 {
		return nil, false
	}

	oldestSeqByOrigin := make(map[string]int64)
	for _, msg := range r.ring {
		seq := msg.VectorClock[msg.Originator]
		if cur, ok := oldestSeqByOrigin[msg.Originator]; !ok || seq < cur {
			oldestSeqByOrigin[msg.Originator] = seq
		}
	}
	for origin, oldestSeq := range oldestSeqByOrigin {
		if peerVC[origin] < oldestSeq-1 {
			return nil, true
		}
	}

	for _, msg := range r.ring {
		if peerVC[msg.Originator] < msg.VectorClock[msg.Originator] {
			replay = append(replay, msg)
		}
	}
	return replay, false
}

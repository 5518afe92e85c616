package replicator

import (
	"context"
	"testing"
	"time"

	"ledgerd/internal/clock"
	"ledgerd/internal/command"
	"ledgerd/internal/ledger"
	"ledgerd/internal/logging"
	"ledgerd/internal/mutex"
	"ledgerd/internal/registry"
	"ledgerd/internal/wire"
)

func newTestReplicator(t *testing.T, site string) *Replicator {
	t.Helper()
	reg := registry.New()
	c := clock.New(site)
	mx := mutex.New(site, c, reg, logging.FromEnv("test"), time.Second)
	led := ledger.NewMemory()
	t.Cleanup(func() { led.Close() })
	return New(site, c, reg, mx, led, logging.FromEnv("test"), time.Second)
}

func TestSubmitWithNoPeersCompletesImmediately(t *testing.T) {
	r := newTestReplicator(t, "site-a")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := r.Submit(ctx, command.NewCreate("alice"))
	if err != nil {
		t.Fatalf("Submit(create): %v", err)
	}
	tx, err := r.Submit(ctx, command.NewDeposit("alice", 25))
	if err != nil {
		t.Fatalf("Submit(deposit): %v", err)
	}
	if tx.To != "alice" || tx.Amount != 25 {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
}

func TestSubmitValidationErrorNeverBroadcasts(t *testing.T) {
	r := newTestReplicator(t, "site-a")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := r.Submit(ctx, command.NewDeposit("ghost", 10)); err == nil {
		t.Fatal("expected validation error for deposit to unknown user")
	}
	// Submit records an Apply in the ring immediately before broadcasting it.
	if len(r.ring) != 0 {
		t.Fatalf("ring holds %d Apply message(s), want 0: a failed command must not reach broadcast", len(r.ring))
	}
	if r.mx.State() != mutex.Released {
		t.Fatalf("mutex state = %v, want Released after validation failure", r.mx.State())
	}
}

func TestHandleApplyAppliesAndAcks(t *testing.T) {
	r := newTestReplicator(t, "site-b")
	cmd := command.Stamp("site-a", command.NewCreate("bob"))
	msg := wire.NewApply("site-a", cmd, 1, map[string]int64{"site-a": 1})

	r.HandleApply(msg)

	rows, err := r.ledger.Read(ledger.Query{UserID: "bob", Kind: ledger.QueryBalance})
	if err != nil {
		t.Fatalf("read after HandleApply: %v", err)
	}
	if rows.Balance != 0 {
		t.Fatalf("balance = %v, want 0", rows.Balance)
	}
}

func TestHandleApplyAckClosesPendingForInflight(t *testing.T) {
	r := newTestReplicator(t, "site-a")
	st := &inflightState{pending: map[string]bool{"site-b": true}, done: make(chan struct{})}
	r.mu.Lock()
	r.inflight["cmd-1"] = st
	r.mu.Unlock()

	r.HandleApplyAck(wire.Message{Tag: wire.TagApplyAck, CommandID: "cmd-1", ResponderSite: "site-b"})

	select {
	case <-st.done:
	default:
		t.Fatal("expected inflight state to close once its only pending ack arrived")
	}
}

func TestReconcileReplaysEntriesPeerHasNotSeen(t *testing.T) {
	r := newTestReplicator(t, "site-a")
	msg1 := wire.NewApply("site-a", command.Stamp("site-a", command.NewCreate("u1")), 1, map[string]int64{"site-a": 1})
	msg2 := wire.NewApply("site-a", command.Stamp("site-a", command.NewCreate("u2")), 2, map[string]int64{"site-a": 2})
	r.recordRing(msg1)
	r.recordRing(msg2)

	replay, needsFullSync := r.Reconcile(map[string]int64{"site-a": 1})
	if needsFullSync {
		t.Fatal("did not expect needsFullSync with a fresh ring")
	}
	if len(replay) != 1 || replay[0].CommandID != msg2.CommandID {
		t.Fatalf("replay = %+v, want only msg2", replay)
	}
}

func TestReconcileSignalsFullSyncWhenRingEvictedNeededEntries(t *testing.T) {
	r := newTestReplicator(t, "site-a")
	r.ringCap = 1
	r.recordRing(wire.NewApply("site-a", command.Stamp("site-a", command.NewCreate("u1")), 1, map[string]int64{"site-a": 1}))
	r.recordRing(wire.NewApply("site-a", command.Stamp("site-a", command.NewCreate("u2")), 2, map[string]int64{"site-a": 2}))

	// Peer's vc claims it has seen nothing from site-a, but the ring
	// only retains entry #2 — entry #1 is unrecoverable from the ring.
	_, needsFullSync := r.Reconcile(map[string]int64{"site-a": 0})
	if !needsFullSync {
		t.Fatal("expected needsFullSync once the ring evicted an entry the peer still needs")
	}
}

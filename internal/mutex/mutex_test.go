package mutex

import (
	"context"
	"net"
	"testing"
	"time"

	"ledgerd/internal/clock"
	"ledgerd/internal/logging"
	"ledgerd/internal/registry"
	"ledgerd/internal/wire"
)

func newTestCoordinator(site string) *Coordinator {
	return New(site, clock.New(site), registry.New(), logging.FromEnv("test"), time.Second)
}

func TestAcquireWithNoPeersIsImmediate(t *testing.T) {
	c := newTestCoordinator("site-a")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	release, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c.State() != Held {
		t.Fatalf("state = %v, want Held", c.State())
	}
	release()
	if c.State() != Released {
		t.Fatalf("state after release = %v, want Released", c.State())
	}
}

func TestLockRequestIsAckedImmediately(t *testing.T) {
	c := newTestCoordinator("site-a")
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	if _, err := c.reg.Insert("site-b", local, "site-a"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got := make(chan wire.Message, 1)
	go func() {
		msg, _ := wire.ReadMessage(remote)
		got <- msg
	}()

	c.HandleLockRequest(wire.Message{Tag: wire.TagLockRequest, Lamport: 5, RequesterSite: "site-b"})
	if got := c.QueueLen(); got != 1 {
		t.Fatalf("queue len = %d, want 1", got)
	}
	select {
	case ack := <-got:
		if ack.Tag != wire.TagLockAck || ack.InReplyToLamport != 5 {
			t.Fatalf("got %+v, want LockAck in reply to lamport 5", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an immediate LockAck to site-b")
	}
}

func TestLockAckRemovesFromPendingAndPromotesToHeld(t *testing.T) {
	c := newTestCoordinator("site-a")
	c.mu.Lock()
	c.state = Wanted
	c.myTS = timestamp{lamport: 1, site: "site-a"}
	c.queue = []timestamp{c.myTS}
	c.pendingAcks = map[string]bool{"site-b": true}
	acquired := make(chan struct{}, 1)
	c.acquiredCh = acquired
	c.mu.Unlock()

	c.HandleLockAck(wire.Message{Tag: wire.TagLockAck, ResponderSite: "site-b"})

	select {
	case <-acquired:
	default:
		t.Fatal("expected acquiredCh to fire once pending_acks emptied and myTS is at head")
	}
	if c.State() != Held {
		t.Fatalf("state = %v, want Held", c.State())
	}
}

func TestLowerTimestampOutranksLaterRequester(t *testing.T) {
	c := newTestCoordinator("site-b")
	// site-a requested at lamport=1, we (site-b) are about to request at lamport=1 too;
	// "site-a" < "site-b" lexicographically, so site-a's request must sort first.
	c.HandleLockRequest(wire.Message{Tag: wire.TagLockRequest, Lamport: 1, RequesterSite: "site-a"})

	c.mu.Lock()
	c.insertLocked(timestamp{lamport: 1, site: "site-b"})
	head := c.queue[0]
	c.mu.Unlock()

	if head.site != "site-a" {
		t.Fatalf("queue head = %+v, want site-a first", head)
	}
}

func TestPeerDisconnectedDropsPendingAckAndQueueEntries(t *testing.T) {
	c := newTestCoordinator("site-a")
	c.mu.Lock()
	c.state = Wanted
	c.myTS = timestamp{lamport: 2, site: "site-a"}
	c.queue = []timestamp{{lamport: 1, site: "site-b"}, c.myTS}
	c.pendingAcks = map[string]bool{"site-b": true}
	acquired := make(chan struct{}, 1)
	c.acquiredCh = acquired
	c.mu.Unlock()

	c.PeerDisconnected("site-b")

	if c.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1 (site-b's entry dropped)", c.QueueLen())
	}
	select {
	case <-acquired:
	default:
		t.Fatal("expected promotion to Held after disconnected peer cleared pending_acks and queue head")
	}
}

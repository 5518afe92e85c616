// Package mutex implements the Lamport-queue distributed mutual
// exclusion coordinator that serializes every Apply (spec §4.5),
// in the "immediate ack, wait for release" variant the spec
// standardizes on.
package mutex

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledgerd/internal/clock"
	"ledgerd/internal/logging"
	"ledgerd/internal/registry"
	"ledgerd/internal/wire"
)

type State int

const (
	Released State = iota
	Wanted
	Held
)

func (s State) String() string {
	switch s {
	case Released:
		return "Released"
	case Wanted:
		return "Wanted"
	case Held:
		return "Held"
	default:
		return "Unknown"
	}
}

type timestamp struct {
	lamport int64
	site    string
}

// Coordinator owns the Released/Wanted/Held state machine for this
// node's own outstanding request plus the shared priority queue of
// every request it has observed.
type Coordinator struct {
	selfID  string
	clock   *clock.Clock
	reg     *registry.Registry
	log     *logging.Logger
	timeout time.Duration

	acquireMu sync.Mutex // serializes this node's own Acquire calls (spec §4.5: one outstanding request at a time)

	mu          sync.Mutex
	state       State
	queue       []timestamp
	myTS        timestamp
	pendingAcks map[string]bool
	acquiredCh  chan struct{}
}

func New(selfID string, c *clock.Clock, reg *registry.Registry, log *logging.Logger, timeout time.Duration) *Coordinator {
	return &Coordinator{
		selfID:  selfID,
		clock:   c,
		reg:     reg,
		log:     log,
		timeout: timeout,
		state:   Released,
	}
}

func (c *Coordinator) insertLocked(ts timestamp) {
	for _, existing := range c.queue {
		if existing == ts {
			return
		}
	}
	i := sort.Search(len(c.queue), func(i int) bool {
		return clock.Less(ts.lamport, ts.site, c.queue[i].lamport, c.queue[i].site)
	})
	c.queue = append(c.queue, timestamp{})
	copy(c.queue[i+1:], c.queue[i:])
	c.queue[i] = ts
}

func (c *Coordinator) removeLocked(ts timestamp) {
	for i, existing := range c.queue {
		if existing == ts {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) removeSiteLocked(site string) {
	out := c.queue[:0]
	for _, existing := range c.queue {
		if existing.site != site {
			out = append(out, existing)
		}
	}
	c.queue = out
}

// checkHeldLocked promotes Wanted -> Held once pending_acks is empty
// and myTS is at the head of the queue (spec §4.5 step 5), signaling
// any blocked Acquire call.
func (c *Coordinator) checkHeldLocked() {
	if c.state != Wanted {
		return
	}
	if len(c.pendingAcks) != 0 {
		return
	}
	if len(c.queue) == 0 || c.queue[0] != c.myTS {
		return
	}
	c.state = Held
	if c.acquiredCh != nil {
		select {
		case c.acquiredCh <- struct{}{}:
		default:
		}
	}
}

// Acquire blocks until the global mutex is held by this node, then
// returns a release function the caller must invoke exactly once.
func (c *Coordinator) Acquire(ctx context.Context) (func(), error) {
	c.acquireMu.Lock()

	lamport, _ := c.clock.Tick()
	my := timestamp{lamport: lamport, site: c.selfID}
	peers := c.reg.ConnectedSites()

	c.mu.Lock()
	c.myTS = my
	c.state = Wanted
	c.insertLocked(my)
	c.pendingAcks = make(map[string]bool, len(peers))
	for _, p := range peers {
		c.pendingAcks[p] = true
	}
	acquired := make(chan struct{}, 1)
	c.acquiredCh = acquired
	c.checkHeldLocked()
	c.mu.Unlock()

	c.reg.Broadcast(wire.NewLockRequest(c.selfID, lamport))

	select {
	case <-acquired:
	case <-time.After(c.timeout):
		c.mu.Lock()
		stuck := make([]string, 0, len(c.pendingAcks))
		for id := range c.pendingAcks {
			stuck = append(stuck, id)
		}
		c.log.Warnf("mutex_timeout elapsed waiting on %v, proceeding anyway", stuck)
		c.pendingAcks = nil
		c.state = Held
		c.mu.Unlock()
	case <-ctx.Done():
		c.mu.Lock()
		c.removeLocked(my)
		c.state = Released
		c.acquiredCh = nil
		c.mu.Unlock()
		c.reg.Broadcast(wire.NewLockRelease(c.selfID, lamport))
		c.acquireMu.Unlock()
		return nil, ctx.Err()
	}

	release := func() {
		c.mu.Lock()
		c.removeLocked(my)
		c.state = Released
		c.acquiredCh = nil
		c.mu.Unlock()
		c.reg.Broadcast(wire.NewLockRelease(c.selfID, lamport))
		c.acquireMu.Unlock()
	}
	return release, nil
}

// HandleLockRequest processes an inbound LockRequest: insert into the
// queue and ack immediately (spec §4.5 step 2, the immediate-ack
// variant).
func (c *Coordinator) HandleLockRequest(msg wire.Message) {
	ts := timestamp{lamport: msg.Lamport, site: msg.RequesterSite}
	myLamport, _ := c.clock.Observe(msg.Lamport, nil)

	c.mu.Lock()
	c.insertLocked(ts)
	c.checkHeldLocked()
	c.mu.Unlock()

	c.reg.Send(msg.RequesterSite, wire.NewLockAck(c.selfID, myLamport, msg.Lamport))
}

// HandleLockAck removes the responder from pending_acks (spec §4.5 step 3).
func (c *Coordinator) HandleLockAck(msg wire.Message) {
	c.mu.Lock()
	if c.pendingAcks != nil {
		delete(c.pendingAcks, msg.ResponderSite)
	}
	c.checkHeldLocked()
	c.mu.Unlock()
}

// HandleLockRelease removes the released timestamp from the queue
// (spec §4.5 step 4) and re-checks whether this node is now at the
// head.
func (c *Coordinator) HandleLockRelease(msg wire.Message) {
	c.mu.Lock()
	c.removeLocked(timestamp{lamport: msg.Lamport, site: msg.RequesterSite})
	c.checkHeldLocked()
	c.mu.Unlock()
}

// PeerDisconnected drops site from pending_acks and from the queue
// (spec §4.5 failure semantics: crash-stop, no partitions longer
// than one critical section).
func (c *Coordinator) PeerDisconnected(site string) {
	c.mu.Lock()
	if c.pendingAcks != nil {
		delete(c.pendingAcks, site)
	}
	c.removeSiteLocked(site)
	c.checkHeldLocked()
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen reports the number of outstanding requests known to this
// node, used by the /info introspection command.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

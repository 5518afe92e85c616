// Package node wires the membership, mutex, replicator, and snapshot
// components into a single running site and exposes the public
// entry points an external CLI or UI drives (spec §1, §4).
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ledgerd/internal/clock"
	"ledgerd/internal/command"
	"ledgerd/internal/ledger"
	"ledgerd/internal/ledgerr"
	"ledgerd/internal/logging"
	"ledgerd/internal/membership"
	"ledgerd/internal/mutex"
	"ledgerd/internal/registry"
	"ledgerd/internal/replicator"
	"ledgerd/internal/snapshot"
	"ledgerd/internal/wire"
)

// Config carries the CLI-resolved parameters a Node is built from
// (spec §6 external interfaces).
type Config struct {
	SiteID        string
	ListenAddr    string
	Seeds         []string
	SnapshotDir   string
	MutexTimeout  time.Duration
	AnnounceEvery time.Duration
}

// Node is a fully wired site: one listener, one connection registry,
// one clock, and the four protocol components layered on top of it.
type Node struct {
	cfg Config
	log *logging.Logger

	listener net.Listener
	reg      *registry.Registry
	clock    *clock.Clock
	members  *membership.Service
	mx       *mutex.Coordinator
	repl     *replicator.Replicator
	snap     *snapshot.Engine
	ledger   ledger.LocalLedger

	stopped   atomic.Bool
	fatalOnce sync.Once
	fatal     chan error
}

// New constructs a Node. led is the concrete LocalLedger the caller
// selected (Memory or SQLite); the node itself never depends on the
// concrete type (spec §9 "dynamic dispatch").
func New(cfg Config, led ledger.LocalLedger, log *logging.Logger) (*Node, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, ledgerr.New(ledgerr.KindFatal, "node.New", err)
	}
	cfg.ListenAddr = ln.Addr().String()

	reg := registry.New()
	clk := clock.New(cfg.SiteID)
	mx := mutex.New(cfg.SiteID, clk, reg, log, cfg.MutexTimeout)
	repl := replicator.New(cfg.SiteID, clk, reg, mx, led, log, cfg.MutexTimeout)
	snap, err := snapshot.New(cfg.SiteID, reg, clk, led, log, cfg.SnapshotDir)
	if err != nil {
		ln.Close()
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		log:      log,
		listener: ln,
		reg:      reg,
		clock:    clk,
		mx:       mx,
		repl:     repl,
		snap:     snap,
		ledger:   led,
		fatal:    make(chan error, 1),
	}
	n.members = membership.New(cfg.SiteID, cfg.ListenAddr, reg, n, log)

	repl.OnDivergence = func(err error) { n.raiseFatal(err) }

	return n, nil
}

// Run starts accepting connections, dials the seed list, and blocks
// until ctx is canceled or a fatal error occurs (spec §7: a
// divergent replica validation failure stops the node, exit code 2).
func (n *Node) Run(ctx context.Context) error {
	go n.members.Serve(n.listener)
	n.members.Bootstrap(n.cfg.Seeds)

	announceCtx, cancelAnnounce := context.WithCancel(ctx)
	defer cancelAnnounce()
	go n.members.RunPeriodicAnnounce(announceCtx, n.cfg.AnnounceEvery)

	select {
	case <-ctx.Done():
		n.shutdown()
		return nil
	case err := <-n.fatal:
		n.shutdown()
		return err
	}
}

func (n *Node) shutdown() {
	if n.stopped.CompareAndSwap(false, true) {
		n.reg.Broadcast(wire.NewBye(n.cfg.SiteID))
		n.listener.Close()
		n.snap.Close()
		n.ledger.Close()
	}
}

func (n *Node) raiseFatal(err error) {
	n.fatalOnce.Do(func() {
		select {
		case n.fatal <- err:
		default:
		}
	})
}

// Route implements membership.Router: dispatches a message that
// survived the Hello/NeighborAnnounce handshake to whichever
// component owns its tag (spec §4.1 tagged union).
func (n *Node) Route(fromSite string, msg wire.Message) {
	if msg.Tag != wire.TagSnapshotMarker && msg.Tag != wire.TagSnapshotFragment {
		n.snap.Observe(fromSite, msg)
	}

	switch msg.Tag {
	case wire.TagLockRequest:
		n.mx.HandleLockRequest(msg)
	case wire.TagLockAck:
		n.mx.HandleLockAck(msg)
	case wire.TagLockRelease:
		n.mx.HandleLockRelease(msg)
	case wire.TagApply:
		n.repl.HandleApply(msg)
	case wire.TagApplyAck:
		n.repl.HandleApplyAck(msg)
	case wire.TagSnapshotMarker:
		n.snap.HandleMarker(fromSite, msg)
	case wire.TagSnapshotFragment:
		n.snap.HandleFragment(msg)
	case wire.TagBye:
		n.PeerDisconnected(fromSite)
	default:
		n.log.Warnf("dropping message with unexpected tag %v from %s", msg.Tag, fromSite)
	}
}

// PeerDisconnected notifies the mutex coordinator and replicator that
// a peer went away, per each component's crash-stop failure policy
// (spec §4.5, §4.6).
func (n *Node) PeerDisconnected(site string) {
	n.mx.PeerDisconnected(site)
	n.repl.PeerDisconnected(site)
}

// Submit runs a user-visible command through the full replication
// pipeline (spec §4.6 entry point).
func (n *Node) Submit(ctx context.Context, cmd command.Command) (ledger.Transaction, error) {
	return n.repl.Submit(ctx, cmd)
}

// Read answers a query against local ledger state.
func (n *Node) Read(q ledger.Query) (ledger.Rows, error) {
	return n.ledger.Read(q)
}

// SnapshotNow initiates a new Chandy-Lamport snapshot under the
// caller-supplied snapshotID, with this node as initiator.
func (n *Node) SnapshotNow(snapshotID string) error {
	return n.snap.Initiate(snapshotID)
}

// LoadSnapshot retrieves a previously persisted snapshot for offline
// inspection.
func (n *Node) LoadSnapshot(snapshotID string) (map[string]snapshot.Fragment, error) {
	return n.snap.Load(snapshotID)
}

// Info is the SUPPLEMENTED FEATURES introspection surface: a
// point-in-time summary of this node's protocol state, in the spirit
// of the original prototype's `/info` REPL command.
type Info struct {
	SiteID      string
	ListenAddr  string
	Lamport     int64
	VectorClock map[string]int64
	MutexState  string
	QueueLen    int
	KnownPeers  []wire.Peer
	Connected   []string
}

func (n *Node) Info() Info {
	lamport, vc := n.clock.Snapshot()
	return Info{
		SiteID:      n.cfg.SiteID,
		ListenAddr:  n.cfg.ListenAddr,
		Lamport:     lamport,
		VectorClock: vc,
		MutexState:  n.mx.State().String(),
		QueueLen:    n.mx.QueueLen(),
		KnownPeers:  n.members.KnownPeers(),
		Connected:   n.reg.ConnectedSites(),
	}
}

// Pending reports how many peers have not yet acknowledged commandID
// (SUPPLEMENTED FEATURES: Replicator.Pending).
func (n *Node) Pending(commandID string) int {
	return n.repl.Pending(commandID)
}

func (i Info) String() string {
	return fmt.Sprintf(
		"site=%s addr=%s lamport=%d mutex=%s queue=%d known=%d connected=%d",
		i.SiteID, i.ListenAddr, i.Lamport, i.MutexState, i.QueueLen, len(i.KnownPeers), len(i.Connected),
	)
}

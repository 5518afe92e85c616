// Package membership discovers and maintains the connected
// component from a possibly incomplete seed list (spec §4.3).
package membership

import (
	"context"
	"net"
	"sync"
	"time"

	"ledgerd/internal/logging"
	"ledgerd/internal/registry"
	"ledgerd/internal/wire"
)

// Router dispatches a non-membership message to whichever component
// owns its tag (mutex, replicator, snapshot). Kept as a narrow
// interface so membership never imports those packages directly.
type Router interface {
	Route(fromSite string, msg wire.Message)
}

// Service runs the wave-discovery protocol: bootstrap dials, Hello
// handshake, NeighborAnnounce gossip, and the resulting dial-outs.
type Service struct {
	selfID     string
	listenAddr string
	reg        *registry.Registry
	router     Router
	log        *logging.Logger

	mu      sync.Mutex
	known   map[string]wire.Peer
	dialing map[string]bool
}

func New(selfID, listenAddr string, reg *registry.Registry, router Router, log *logging.Logger) *Service {
	return &Service{
		selfID:     selfID,
		listenAddr: listenAddr,
		reg:        reg,
		router:     router,
		log:        log,
		known:      make(map[string]wire.Peer),
		dialing:    make(map[string]bool),
	}
}

// Bootstrap dials every seed address and sends Hello (spec §4.3 step 1).
// An empty seed list leaves the node alone until an inbound Hello arrives.
func (s *Service) Bootstrap(seeds []string) {
	for _, addr := range seeds {
		go s.dialAddr(addr)
	}
}

// Serve accepts inbound connections on ln until it closes or errors.
func (s *Service) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.readLoop(conn, false)
	}
}

func (s *Service) dialAddr(addr string) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		s.log.Warnf("dial %s: %v", addr, err)
		return
	}
	hello := wire.NewHello(s.selfID, s.listenAddr, s.neighborsSnapshot())
	if err := wire.WriteMessage(conn, hello); err != nil {
		s.log.Warnf("send Hello to %s: %v", addr, err)
		conn.Close()
		return
	}
	s.readLoop(conn, true)
}

// readLoop owns conn until either side closes it or a protocol error
// occurs. outboundInitiated is true when we dialed and already sent
// the first Hello (spec §4.3 step 2b: only the non-initiating side
// replies with its own Hello).
func (s *Service) readLoop(conn net.Conn, outboundInitiated bool) {
	var peerID string
	replied := outboundInitiated

	defer func() {
		conn.Close()
		if peerID != "" {
			s.reg.Remove(peerID)
		}
	}()

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			if peerID != "" {
				s.log.Infof("site %s disconnected: %v", peerID, err)
			}
			return
		}

		switch msg.Tag {
		case wire.TagHello:
			if msg.SiteID == s.selfID {
				s.log.Warnf("closing self-dial")
				return
			}
			peerID = msg.SiteID
			if _, err := s.reg.Insert(peerID, conn, s.selfID); err != nil {
				s.log.Warnf("duplicate site_id %s rejected: %v", peerID, err)
				peerID = "" // Insert already closed conn; don't double-remove
				return
			}
			s.observeSelf(peerID, msg.ListenAddr)
			s.mergeNeighbors(msg.Neighbors)
			if !replied {
				s.reg.Send(peerID, wire.NewHello(s.selfID, s.listenAddr, s.neighborsSnapshot()))
				replied = true
			}

		case wire.TagNeighborAnnounce:
			s.mergeNeighbors(msg.Neighbors)

		default:
			if peerID == "" {
				s.log.Warnf("dropping %s received before handshake", msg.Tag)
				return
			}
			s.router.Route(peerID, msg)
		}
	}
}

// observeSelf records the peer that just completed a handshake with
// us and, if it is newly known, triggers a NeighborAnnounce so the
// rest of the component learns about it (spec §4.3 step 3).
func (s *Service) observeSelf(siteID, listenAddr string) {
	s.mu.Lock()
	_, existed := s.known[siteID]
	if listenAddr != "" {
		s.known[siteID] = wire.Peer{SiteID: siteID, ListenAddr: listenAddr}
	}
	s.mu.Unlock()
	if !existed {
		s.broadcastNeighborAnnounce()
	}
}

// mergeNeighbors folds a remote NeighborAnnounce/Hello neighbor list
// into KnownPeers, dialing any peer neither known nor connected
// (spec §4.3 steps 2d, 3). This is the wave: it terminates once no
// announcement anywhere introduces a new peer.
func (s *Service) mergeNeighbors(neighbors []wire.Peer) {
	var toDial []wire.Peer
	changed := false

	s.mu.Lock()
	for _, p := range neighbors {
		if p.SiteID == s.selfID || p.ListenAddr == "" {
			continue
		}
		if _, ok := s.known[p.SiteID]; ok {
			continue
		}
		s.known[p.SiteID] = p
		changed = true
		if !s.reg.Connected(p.SiteID) && !s.dialing[p.SiteID] {
			s.dialing[p.SiteID] = true
			toDial = append(toDial, p)
		}
	}
	s.mu.Unlock()

	for _, p := range toDial {
		go s.dialKnown(p)
	}
	if changed {
		s.broadcastNeighborAnnounce()
	}
}

func (s *Service) dialKnown(p wire.Peer) {
	defer func() {
		s.mu.Lock()
		delete(s.dialing, p.SiteID)
		s.mu.Unlock()
	}()
	conn, err := net.Dial("tcp", p.ListenAddr)
	if err != nil {
		s.log.Warnf("dial %s (%s): %v", p.SiteID, p.ListenAddr, err)
		return
	}
	hello := wire.NewHello(s.selfID, s.listenAddr, s.neighborsSnapshot())
	if err := wire.WriteMessage(conn, hello); err != nil {
		conn.Close()
		return
	}
	s.readLoop(conn, true)
}

func (s *Service) broadcastNeighborAnnounce() {
	s.reg.Broadcast(wire.NewNeighborAnnounce(s.selfID, s.neighborsSnapshot()))
}

func (s *Service) neighborsSnapshot() []wire.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Peer, 0, len(s.known))
	for _, p := range s.known {
		out = append(out, p)
	}
	return out
}

// RunPeriodicAnnounce re-broadcasts NeighborAnnounce on a fixed
// interval, independent of the change-triggered broadcasts in
// mergeNeighbors/observeSelf, so a site that joins between two
// change events still eventually hears about everyone (spec §4.3
// step 3: "periodically").
func (s *Service) RunPeriodicAnnounce(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastNeighborAnnounce()
		}
	}
}

// KnownPeers returns a snapshot of every peer this node has learned
// about, connected or not — used by the /info introspection command.
func (s *Service) KnownPeers() []wire.Peer {
	return s.neighborsSnapshot()
}

// Package registry maintains the site_id -> connection mapping every
// other component sends through (spec §4.2).
package registry

import (
	"net"
	"sync"

	"ledgerd/internal/ledgerr"
	"ledgerd/internal/wire"
)

// Conn wraps a net.Conn with a per-connection write mutex so sends
// from multiple goroutines (mutex, replicator, snapshot) serialize
// onto the wire in the order they were issued, preserving the FIFO
// channel semantics the mutex and snapshot protocols rely on (spec
// §4.2, §4.7).
type Conn struct {
	SiteID string
	raw    net.Conn
	wmu    sync.Mutex
}

func newConn(siteID string, raw net.Conn) *Conn {
	return &Conn{SiteID: siteID, raw: raw}
}

func (c *Conn) Send(msg wire.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wire.WriteMessage(c.raw, msg)
}

func (c *Conn) Close() error { return c.raw.Close() }

// Registry is the live site_id -> Conn map.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Insert registers raw under siteID. On a collision with an existing
// connection, the lexicographically smaller site_id wins the race
// (spec §4.2, §4.3): the loser's new connection is closed and Insert
// returns ledgerr.ErrDuplicatePeer, leaving the winner's prior
// connection untouched. selfID is this node's own site_id, needed to
// decide which side of the pair we are.
func (r *Registry) Insert(siteID string, raw net.Conn, selfID string) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[siteID]; ok {
		if selfID < siteID {
			// We keep our existing connection; the new one loses.
			raw.Close()
			return existing, ledgerr.New(ledgerr.KindProtocol, "registry.Insert", ledgerr.ErrDuplicatePeer)
		}
		existing.Close()
		delete(r.conns, siteID)
	}
	c := newConn(siteID, raw)
	r.conns[siteID] = c
	return c, nil
}

// Send delivers msg to siteID's connection.
func (r *Registry) Send(siteID string, msg wire.Message) error {
	r.mu.RLock()
	c, ok := r.conns[siteID]
	r.mu.RUnlock()
	if !ok {
		return ledgerr.New(ledgerr.KindTransport, "registry.Send", ledgerr.ErrPeerUnreachable)
	}
	if err := c.Send(msg); err != nil {
		return err
	}
	return nil
}

// Broadcast sends msg to every connected peer, best-effort, and
// returns the site_ids it successfully enqueued to (spec §4.2).
func (r *Registry) Broadcast(msg wire.Message) []string {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sent := make([]string, 0, len(conns))
	for _, c := range conns {
		if err := c.Send(msg); err == nil {
			sent = append(sent, c.SiteID)
		}
	}
	return sent
}

// Remove deregisters siteID, closing its connection if present.
func (r *Registry) Remove(siteID string) {
	r.mu.Lock()
	c, ok := r.conns[siteID]
	if ok {
		delete(r.conns, siteID)
	}
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Connected reports whether siteID currently has a live connection.
func (r *Registry) Connected(siteID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[siteID]
	return ok
}

// ConnectedSites returns a snapshot of all currently connected
// site_ids, used by the mutex and replicator to compute pending_acks.
func (r *Registry) ConnectedSites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

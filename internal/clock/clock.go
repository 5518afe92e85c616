// Package clock implements the hybrid Lamport and vector clock used to
// order events across the ledger's peer-to-peer overlay.
//
// Two rules govern every update (Lamport 1978, adapted with a vector
// clock for the precise causal-order relation):
//
//	local event:  lamport++;            vector[self]++
//	receive(msg): lamport = max(lamport, msg.lamport) + 1
//	              vector = elementwise-max(vector, msg.vector); vector[self]++
package clock

import "sync"

// Clock is a site's logical clock: a Lamport counter plus a vector
// clock keyed by site id. The zero value is not ready for use; call
// New.
type Clock struct {
	mu      sync.Mutex
	site    string
	lamport int64
	vector  map[string]int64
}

// New creates a Clock for the given site, pre-seeding the vector
// clock's own entry at zero.
func New(site string) *Clock {
	return &Clock{
		site:   site,
		vector: map[string]int64{site: 0},
	}
}

// Tick advances the clock for a purely local event (submit,
// snapshot_now, issuing a LockRequest) and returns the stamps to
// attach to any outgoing message.
func (c *Clock) Tick() (lamport int64, vector map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lamport++
	c.vector[c.site]++
	return c.lamport, cloneVector(c.vector)
}

// Observe merges in a received clock and advances the local clock
// per the receive rule, returning the post-merge stamps.
func (c *Clock) Observe(lamport int64, vector map[string]int64) (int64, map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lamport > c.lamport {
		c.lamport = lamport
	}
	c.lamport++
	for site, v := range vector {
		if v > c.vector[site] {
			c.vector[site] = v
		}
	}
	c.vector[c.site]++
	return c.lamport, cloneVector(c.vector)
}

// Learn registers a newly discovered site in the vector clock without
// advancing any counters. Safe to call repeatedly.
func (c *Clock) Learn(site string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vector[site]; !ok {
		c.vector[site] = 0
	}
}

// Snapshot returns the current lamport value and a copy of the vector
// clock, without advancing either.
func (c *Clock) Snapshot() (int64, map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lamport, cloneVector(c.vector)
}

// Lamport returns the current Lamport value without advancing it.
func (c *Clock) Lamport() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lamport
}

func cloneVector(v map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Dominates reports whether vc strictly dominates other: every
// component of vc is >= the corresponding component of other, and at
// least one is strictly greater (treating absent entries as zero).
// A general vector-clock utility; the snapshot engine does not call it.
func Dominates(vc, other map[string]int64) bool {
	strict := false
	sites := make(map[string]struct{}, len(vc)+len(other))
	for s := range vc {
		sites[s] = struct{}{}
	}
	for s := range other {
		sites[s] = struct{}{}
	}
	for s := range sites {
		a, b := vc[s], other[s]
		if a < b {
			return false
		}
		if a > b {
			strict = true
		}
	}
	return strict
}

// Less orders two (lamport, site) stamps lexicographically — the
// mutex queue's total order (§4.5): Lamport value primary, site id
// breaks ties.
func Less(lamportA int64, siteA string, lamportB int64, siteB string) bool {
	if lamportA != lamportB {
		return lamportA < lamportB
	}
	return siteA < siteB
}

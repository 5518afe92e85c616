// Package snapshot implements the Chandy-Lamport distributed
// snapshot algorithm (spec §4.7): marker propagation, per-channel
// recording, fragment aggregation at the initiator, and persistence
// to stable storage.
package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"

	"ledgerd/internal/clock"
	"ledgerd/internal/ledger"
	"ledgerd/internal/ledgerr"
	"ledgerd/internal/logging"
	"ledgerd/internal/registry"
	"ledgerd/internal/wire"
)

var fragmentsBucket = []byte("fragments")

const fragmentsKey = "data"

// Fragment is one site's contribution to a global snapshot: its
// local ledger state at the moment its first marker arrived, plus
// whatever in-flight traffic it recorded on each inbound channel
// before that channel's own marker arrived (spec §4.7 steps 1-3).
type Fragment struct {
	SiteID           string
	Lamport          int64
	VectorClock      map[string]int64
	LedgerState      ledger.Dump
	RecordedChannels map[string][]wire.Message
}

type inProgress struct {
	initiator     bool
	initiatorSite string
	recording     map[string]bool
	recorded      map[string][]wire.Message
	fragment      Fragment
}

// Engine runs the marker protocol for every snapshot this node is
// participating in, and — when it is the initiator — aggregates
// fragments and persists the result.
type Engine struct {
	selfID string
	reg    *registry.Registry
	clock  *clock.Clock
	ledger ledger.LocalLedger
	log    *logging.Logger
	dir    string // working directory snapshot-<snapshot_id>.bin files are written under

	mu       sync.Mutex
	active   map[string]*inProgress
	expected map[string]int
	frags    map[string]map[string]Fragment
}

// New builds an Engine that persists each completed snapshot as its
// own BoltDB file, `snapshot-<snapshot_id>.bin`, under dir (spec §6
// persisted state, §4.7 step 4).
func New(selfID string, reg *registry.Registry, c *clock.Clock, led ledger.LocalLedger, log *logging.Logger, dir string) (*Engine, error) {
	return &Engine{
		selfID:   selfID,
		reg:      reg,
		clock:    c,
		ledger:   led,
		log:      log,
		dir:      dir,
		active:   make(map[string]*inProgress),
		expected: make(map[string]int),
		frags:    make(map[string]map[string]Fragment),
	}, nil
}

func (e *Engine) Close() error { return nil }

func (e *Engine) snapshotFilePath(snapshotID string) string {
	return filepath.Join(e.dir, fmt.Sprintf("snapshot-%s.bin", snapshotID))
}

// Initiate starts a new snapshot with the given id, this node acting
// as initiator (spec §4.7 step 1).
func (e *Engine) Initiate(snapshotID string) error {
	lamport, vc := e.clock.Snapshot()
	dump, err := e.ledger.Dump()
	if err != nil {
		return ledgerr.New(ledgerr.KindFatal, "snapshot.Initiate", err)
	}

	peers := e.reg.ConnectedSites()
	recording := make(map[string]bool, len(peers))
	recorded := make(map[string][]wire.Message, len(peers))
	for _, p := range peers {
		recording[p] = true
		recorded[p] = []wire.Message{}
	}

	e.mu.Lock()
	e.active[snapshotID] = &inProgress{
		initiator:     true,
		initiatorSite: e.selfID,
		recording:     recording,
		recorded:      recorded,
		fragment: Fragment{
			SiteID:      e.selfID,
			Lamport:     lamport,
			VectorClock: vc,
			LedgerState: dump,
		},
	}
	e.expected[snapshotID] = len(peers) + 1 // +1 for self
	e.mu.Unlock()

	for _, p := range peers {
		e.reg.Send(p, wire.NewSnapshotMarker(e.selfID, snapshotID))
	}
	e.finishIfDone(snapshotID)
	return nil
}

// Observe hands every non-marker inbound message to the engine so
// any snapshot currently recording that channel can append it (spec
// §4.7 step 1: "every non-marker message arriving on c is appended
// to recorded_channels[c]"). Delivery to the message's real handler
// still happens separately — recording is a side observation, not
// an interception.
func (e *Engine) Observe(fromSite string, msg wire.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ip := range e.active {
		if ip.recording[fromSite] {
			ip.recorded[fromSite] = append(ip.recorded[fromSite], msg)
		}
	}
}

// HandleMarker processes an inbound SnapshotMarker on the channel
// from fromSite (spec §4.7 steps 2-3).
func (e *Engine) HandleMarker(fromSite string, msg wire.Message) {
	e.mu.Lock()
	ip, exists := e.active[msg.SnapshotID]
	if !exists {
		lamport, vc := e.clock.Snapshot()
		dump, err := e.ledger.Dump()
		if err != nil {
			e.mu.Unlock()
			e.log.Errorf("snapshot %s: local dump failed: %v", msg.SnapshotID, err)
			return
		}
		peers := e.reg.ConnectedSites()
		recording := make(map[string]bool, len(peers))
		recorded := make(map[string][]wire.Message, len(peers))
		recorded[fromSite] = nil // FIFO: nothing arrived on c before its own marker
		for _, p := range peers {
			if p == fromSite {
				continue
			}
			recording[p] = true
			recorded[p] = []wire.Message{}
		}
		ip = &inProgress{
			initiatorSite: msg.InitiatorSite,
			recording:     recording,
			recorded:      recorded,
			fragment: Fragment{
				SiteID:      e.selfID,
				Lamport:     lamport,
				VectorClock: vc,
				LedgerState: dump,
			},
		}
		e.active[msg.SnapshotID] = ip
		// Relay on every connected outbound channel, including the one
		// back to fromSite: the inbound channel that just delivered this
		// marker and the outbound channel to the same peer are distinct
		// FIFO streams, and that peer still needs its own marker.
		relayTo := make([]string, len(peers))
		copy(relayTo, peers)
		e.mu.Unlock()

		for _, p := range relayTo {
			relay := wire.NewSnapshotMarker(e.selfID, msg.SnapshotID)
			relay.InitiatorSite = msg.InitiatorSite // keep the original initiator, not this relaying site
			e.reg.Send(p, relay)
		}
		e.finishIfDone(msg.SnapshotID)
		return
	}

	delete(ip.recording, fromSite)
	e.mu.Unlock()
	e.finishIfDone(msg.SnapshotID)
}

// finishIfDone checks whether every inbound channel for snapshotID
// has now been marker-terminated; if so it either sends this site's
// Fragment to the initiator, or — if this site is the initiator —
// records it locally and checks for global completion.
func (e *Engine) finishIfDone(snapshotID string) {
	e.mu.Lock()
	ip, ok := e.active[snapshotID]
	if !ok || len(ip.recording) != 0 {
		e.mu.Unlock()
		return
	}
	frag := ip.fragment
	frag.RecordedChannels = ip.recorded
	initiator := ip.initiator
	initiatorSite := ip.initiatorSite
	delete(e.active, snapshotID)
	e.mu.Unlock()

	if initiator {
		e.collectFragment(snapshotID, frag)
		return
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frag); err != nil {
		e.log.Errorf("snapshot %s: encode fragment: %v", snapshotID, err)
		return
	}
	if err := e.reg.Send(initiatorSite, wire.NewSnapshotFragment(e.selfID, snapshotID, buf.Bytes())); err != nil {
		e.log.Warnf("snapshot %s: send fragment to initiator %s: %v", snapshotID, initiatorSite, err)
	}
}

// HandleFragment collects a SnapshotFragment addressed to this
// initiator (spec §4.7 step 4).
func (e *Engine) HandleFragment(msg wire.Message) {
	var frag Fragment
	if err := gob.NewDecoder(bytes.NewReader(msg.Payload)).Decode(&frag); err != nil {
		e.log.Errorf("snapshot %s: decode fragment from %s: %v", msg.SnapshotID, msg.SiteID, err)
		return
	}
	e.collectFragment(msg.SnapshotID, frag)
}

func (e *Engine) collectFragment(snapshotID string, frag Fragment) {
	e.mu.Lock()
	frags, ok := e.frags[snapshotID]
	if !ok {
		frags = make(map[string]Fragment)
		e.frags[snapshotID] = frags
	}
	frags[frag.SiteID] = frag
	expected := e.expected[snapshotID]
	complete := expected > 0 && len(frags) >= expected
	if complete {
		delete(e.frags, snapshotID)
		delete(e.expected, snapshotID)
	}
	e.mu.Unlock()

	if complete {
		if err := e.persist(snapshotID, frags); err != nil {
			e.log.Errorf("snapshot %s: persist: %v", snapshotID, err)
			return
		}
		e.log.Infof("snapshot %s complete: %d fragments persisted", snapshotID, len(frags))
	}
}

func (e *Engine) persist(snapshotID string, frags map[string]Fragment) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frags); err != nil {
		return ledgerr.New(ledgerr.KindFatal, "snapshot.persist", err)
	}

	db, err := bolt.Open(e.snapshotFilePath(snapshotID), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return ledgerr.New(ledgerr.KindFatal, "snapshot.persist", err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(fragmentsBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(fragmentsKey), buf.Bytes())
	})
}

// Load retrieves a previously persisted snapshot by id, for offline
// inspection (spec §3 "Snapshots ... retained for offline inspection").
func (e *Engine) Load(snapshotID string) (map[string]Fragment, error) {
	// bolt.Open creates a missing file even in read-only mode; check
	// first so an unfinished snapshot is not created (and locked) here.
	if info, err := os.Stat(e.snapshotFilePath(snapshotID)); err != nil || info.Size() == 0 {
		return nil, ledgerr.New(ledgerr.KindValidation, "snapshot.Load", fmt.Errorf("snapshot %s not found", snapshotID))
	}
	db, err := bolt.Open(e.snapshotFilePath(snapshotID), 0600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, ledgerr.New(ledgerr.KindValidation, "snapshot.Load", err)
	}
	defer db.Close()

	var frags map[string]Fragment
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(fragmentsBucket)
		if b == nil {
			return fmt.Errorf("snapshot %s: no fragments bucket", snapshotID)
		}
		v := b.Get([]byte(fragmentsKey))
		if v == nil {
			return fmt.Errorf("snapshot %s not found", snapshotID)
		}
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&frags)
	})
	if err != nil {
		return nil, ledgerr.New(ledgerr.KindValidation, "snapshot.Load", err)
	}
	return frags, nil
}

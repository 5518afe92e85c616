// Package wire implements the length-delimited binary framing and
// tagged-union Message types nodes exchange over TCP (spec §4.1,
// §5.2 "Wire protocol").
package wire

import "ledgerd/internal/command"

// Tag identifies which variant a Message carries.
type Tag uint8

const (
	TagHello Tag = iota + 1
	TagNeighborAnnounce
	TagLockRequest
	TagLockAck
	TagLockRelease
	TagApply
	TagApplyAck
	TagSnapshotMarker
	TagSnapshotFragment
	TagBye
)

func (t Tag) String() string {
	switch t {
	case TagHello:
		return "Hello"
	case TagNeighborAnnounce:
		return "NeighborAnnounce"
	case TagLockRequest:
		return "LockRequest"
	case TagLockAck:
		return "LockAck"
	case TagLockRelease:
		return "LockRelease"
	case TagApply:
		return "Apply"
	case TagApplyAck:
		return "ApplyAck"
	case TagSnapshotMarker:
		return "SnapshotMarker"
	case TagSnapshotFragment:
		return "SnapshotFragment"
	case TagBye:
		return "Bye"
	default:
		return "Unknown"
	}
}

// Peer is a discovery record: an address a site was last known to
// listen on (spec §4.3).
type Peer struct {
	SiteID     string
	ListenAddr string
}

// Message is the tagged union carried by every frame. Every variant
// carries a sender site_id (spec §4.1); exactly the fields relevant
// to Tag are populated, mirroring how the teacher's WAL records tag a
// single struct rather than using Go's type-switch interfaces, which
// keeps the gob encoding stable across the wire.
type Message struct {
	Tag    Tag
	SiteID string // sender, present on every variant

	// Hello, NeighborAnnounce
	ListenAddr string
	Neighbors  []Peer

	// LockRequest, LockAck, LockRelease
	Lamport          int64
	InReplyToLamport int64
	RequesterSite    string
	ResponderSite    string

	// Apply, ApplyAck
	CommandID   string
	Originator  string
	VectorClock map[string]int64
	Command     command.Command

	// SnapshotMarker, SnapshotFragment
	SnapshotID    string
	InitiatorSite string
	Payload       []byte
}

func NewHello(siteID, listenAddr string, neighbors []Peer) Message {
	return Message{Tag: TagHello, SiteID: siteID, ListenAddr: listenAddr, Neighbors: neighbors}
}

func NewNeighborAnnounce(siteID string, neighbors []Peer) Message {
	return Message{Tag: TagNeighborAnnounce, SiteID: siteID, Neighbors: neighbors}
}

func NewLockRequest(siteID string, lamport int64) Message {
	return Message{Tag: TagLockRequest, SiteID: siteID, Lamport: lamport, RequesterSite: siteID}
}

func NewLockAck(siteID string, lamport, inReplyTo int64) Message {
	return Message{Tag: TagLockAck, SiteID: siteID, Lamport: lamport, InReplyToLamport: inReplyTo, ResponderSite: siteID}
}

func NewLockRelease(siteID string, lamport int64) Message {
	return Message{Tag: TagLockRelease, SiteID: siteID, Lamport: lamport, RequesterSite: siteID}
}

func NewApply(siteID string, cmd command.Command, lamport int64, vc map[string]int64) Message {
	return Message{
		Tag: TagApply, SiteID: siteID,
		CommandID: cmd.ID, Originator: cmd.Originator,
		Lamport: lamport, VectorClock: vc, Command: cmd,
	}
}

func NewApplyAck(siteID, commandID string) Message {
	return Message{Tag: TagApplyAck, SiteID: siteID, CommandID: commandID, ResponderSite: siteID}
}

func NewSnapshotMarker(siteID, snapshotID string) Message {
	return Message{Tag: TagSnapshotMarker, SiteID: siteID, SnapshotID: snapshotID, InitiatorSite: siteID}
}

func NewSnapshotFragment(siteID, snapshotID string, payload []byte) Message {
	return Message{Tag: TagSnapshotFragment, SiteID: siteID, SnapshotID: snapshotID, Payload: payload}
}

func NewBye(siteID string) Message {
	return Message{Tag: TagBye, SiteID: siteID}
}

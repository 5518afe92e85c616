package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/bford/cofo/cbe"

	"ledgerd/internal/ledgerr"
)

// wireMessage is the gob-serialized form of Message. Neighbors is
// replaced by a cbe-encoded blob: the compact binary encoder pulled
// from the pack handles the one genuinely variable-length,
// self-describing sub-field a Message carries, while gob (stdlib,
// justified in SPEC_FULL.md) handles the fixed outer envelope.
type wireMessage struct {
	Tag           Tag
	SiteID        string
	ListenAddr    string
	NeighborsBlob []byte

	Lamport          int64
	InReplyToLamport int64
	RequesterSite    string
	ResponderSite    string

	CommandID   string
	Originator  string
	VectorClock map[string]int64
	CommandGob  []byte // command.Command, gob-encoded separately to keep this struct flat

	SnapshotID    string
	InitiatorSite string
	Payload       []byte
}

func encodeUint(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func decodeUint(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeNeighbors(peers []Peer) []byte {
	buf := cbe.Encode(nil, encodeUint(uint64(len(peers))))
	for _, p := range peers {
		buf = cbe.Encode(buf, []byte(p.SiteID))
		buf = cbe.Encode(buf, []byte(p.ListenAddr))
	}
	return buf
}

func decodeNeighbors(b []byte) ([]Peer, error) {
	if len(b) == 0 {
		return nil, nil
	}
	countBytes, rest, err := cbe.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode neighbor count: %w", err)
	}
	if len(countBytes) != 8 {
		return nil, fmt.Errorf("malformed neighbor count field")
	}
	count := decodeUint(countBytes)
	peers := make([]Peer, 0, count)
	for i := uint64(0); i < count; i++ {
		siteBytes, r1, err := cbe.Decode(rest)
		if err != nil {
			return nil, fmt.Errorf("decode neighbor site_id: %w", err)
		}
		addrBytes, r2, err := cbe.Decode(r1)
		if err != nil {
			return nil, fmt.Errorf("decode neighbor listen_addr: %w", err)
		}
		peers = append(peers, Peer{SiteID: string(siteBytes), ListenAddr: string(addrBytes)})
		rest = r2
	}
	return peers, nil
}

// Encode serializes msg into its wire representation, without the
// length prefix (see WriteMessage for the full frame).
func Encode(msg Message) ([]byte, error) {
	var cmdBuf bytes.Buffer
	if msg.Tag == TagApply {
		if err := gob.NewEncoder(&cmdBuf).Encode(msg.Command); err != nil {
			return nil, ledgerr.New(ledgerr.KindProtocol, "wire.Encode", err)
		}
	}

	wm := wireMessage{
		Tag:              msg.Tag,
		SiteID:           msg.SiteID,
		ListenAddr:       msg.ListenAddr,
		NeighborsBlob:    encodeNeighbors(msg.Neighbors),
		Lamport:          msg.Lamport,
		InReplyToLamport: msg.InReplyToLamport,
		RequesterSite:    msg.RequesterSite,
		ResponderSite:    msg.ResponderSite,
		CommandID:        msg.CommandID,
		Originator:       msg.Originator,
		VectorClock:      msg.VectorClock,
		CommandGob:       cmdBuf.Bytes(),
		SnapshotID:       msg.SnapshotID,
		InitiatorSite:    msg.InitiatorSite,
		Payload:          msg.Payload,
	}

	var buf bytes.Buffer
	if err := encodeWireMessage(&buf, wm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeWireMessage(buf *bytes.Buffer, wm wireMessage) error {
	if err := gob.NewEncoder(buf).Encode(wm); err != nil {
		return ledgerr.New(ledgerr.KindProtocol, "wire.Encode", err)
	}
	return nil
}

// Decode parses a wire payload (frame body, length prefix already
// stripped) back into a Message.
func Decode(payload []byte) (Message, error) {
	var wm wireMessage
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&wm); err != nil {
		return Message{}, ledgerr.New(ledgerr.KindProtocol, "wire.Decode", err)
	}
	if !ValidTag(wm.Tag) {
		return Message{}, ledgerr.New(ledgerr.KindProtocol, "wire.Decode", fmt.Errorf("unknown message tag %d", wm.Tag))
	}

	neighbors, err := decodeNeighbors(wm.NeighborsBlob)
	if err != nil {
		return Message{}, ledgerr.New(ledgerr.KindProtocol, "wire.Decode", err)
	}

	msg := Message{
		Tag:              wm.Tag,
		SiteID:           wm.SiteID,
		ListenAddr:       wm.ListenAddr,
		Neighbors:        neighbors,
		Lamport:          wm.Lamport,
		InReplyToLamport: wm.InReplyToLamport,
		RequesterSite:    wm.RequesterSite,
		ResponderSite:    wm.ResponderSite,
		CommandID:        wm.CommandID,
		Originator:       wm.Originator,
		VectorClock:      wm.VectorClock,
		SnapshotID:       wm.SnapshotID,
		InitiatorSite:    wm.InitiatorSite,
		Payload:          wm.Payload,
	}
	if wm.Tag == TagApply && len(wm.CommandGob) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(wm.CommandGob)).Decode(&msg.Command); err != nil {
			return Message{}, ledgerr.New(ledgerr.KindProtocol, "wire.Decode", err)
		}
	}
	return msg, nil
}

// ValidTag reports whether t is a recognized message tag. Spec §4.1:
// an unknown tag must be logged and the connection dropped, never
// silently skipped.
func ValidTag(t Tag) bool {
	return t >= TagHello && t <= TagBye
}

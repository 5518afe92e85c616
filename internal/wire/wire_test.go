package wire

import (
	"bytes"
	"testing"

	"ledgerd/internal/command"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		NewHello("site-a", "127.0.0.1:9001", []Peer{{SiteID: "site-b", ListenAddr: "127.0.0.1:9002"}}),
		NewNeighborAnnounce("site-a", nil),
		NewLockRequest("site-a", 5),
		NewLockAck("site-b", 6, 5),
		NewLockRelease("site-a", 7),
		NewApply("site-a", command.Stamp("site-a", command.NewDeposit("alice", 10)), 8, map[string]int64{"site-a": 3}),
		NewApplyAck("site-b", "cmd-123"),
		NewSnapshotMarker("site-a", "snap-1"),
		NewSnapshotFragment("site-b", "snap-1", []byte("fragment-payload")),
		NewBye("site-a"),
	}

	for _, in := range cases {
		payload, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode(%s): %v", in.Tag, err)
		}
		out, err := Decode(payload)
		if err != nil {
			t.Fatalf("Decode(%s): %v", in.Tag, err)
		}
		if out.Tag != in.Tag || out.SiteID != in.SiteID {
			t.Fatalf("round trip mismatch for %s: got %+v", in.Tag, out)
		}
		if in.Tag == TagApply && out.Command.UserID != in.Command.UserID {
			t.Fatalf("Apply command not preserved: got %+v, want %+v", out.Command, in.Command)
		}
	}
}

func TestNeighborsRoundTripPreservesOrderAndCount(t *testing.T) {
	neighbors := []Peer{
		{SiteID: "site-a", ListenAddr: "10.0.0.1:9000"},
		{SiteID: "site-b", ListenAddr: "10.0.0.2:9000"},
		{SiteID: "site-c", ListenAddr: "10.0.0.3:9000"},
	}
	msg := NewNeighborAnnounce("site-a", neighbors)

	payload, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out.Neighbors) != len(neighbors) {
		t.Fatalf("got %d neighbors, want %d", len(out.Neighbors), len(neighbors))
	}
	for i, p := range neighbors {
		if out.Neighbors[i] != p {
			t.Fatalf("neighbor %d = %+v, want %+v", i, out.Neighbors[i], p)
		}
	}
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := NewLockRequest("site-a", 42)

	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	out, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if out.Tag != TagLockRequest || out.Lamport != 42 || out.SiteID != "site-a" {
		t.Fatalf("got %+v, want LockRequest{lamport:42, site:site-a}", out)
	}
}

func TestReadMessageRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0xFF, 0xFF, 0xFF, 0xFF} // length far beyond MaxFrameSize
	buf.Write(lenBuf)

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected error for oversize frame length")
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	msg := NewBye("site-a")
	payload, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Corrupt the tag by re-encoding with an out-of-range value via a
	// fresh wireMessage rather than poking at gob bytes directly.
	wm := wireMessage{Tag: Tag(99), SiteID: "site-a"}
	var buf bytes.Buffer
	if err := encodeWireMessage(&buf, wm); err != nil {
		t.Fatalf("encodeWireMessage: %v", err)
	}
	if _, err := Decode(buf.Bytes()); err == nil {
		t.Fatalf("expected Decode to reject unknown tag, payload was %v", payload)
	}
}

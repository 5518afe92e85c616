package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"ledgerd/internal/ledgerr"
)

// MaxFrameSize bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation.
const MaxFrameSize = 16 << 20 // 16 MiB

// WriteMessage writes msg to w as one length-delimited frame: a
// 4-byte big-endian length followed by the gob/cbe payload (spec
// §5.2). encoding/binary is used for the length prefix itself since
// the wire format mandates an exact byte layout no third-party
// framer produces more directly than the standard library already
// does.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ledgerr.New(ledgerr.KindProtocol, "wire.WriteMessage", fmt.Errorf("payload %d bytes exceeds max frame size", len(payload)))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return ledgerr.New(ledgerr.KindTransport, "wire.WriteMessage", err)
	}
	if _, err := w.Write(payload); err != nil {
		return ledgerr.New(ledgerr.KindTransport, "wire.WriteMessage", err)
	}
	return nil
}

// ReadMessage reads one length-delimited frame from r and decodes
// it. A malformed frame (bad length, gob error, unknown tag) yields
// a KindProtocol error; the caller must close the connection rather
// than attempt to resynchronize (spec §4.1, §7).
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Message{}, err
		}
		return Message{}, ledgerr.New(ledgerr.KindTransport, "wire.ReadMessage", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return Message{}, ledgerr.New(ledgerr.KindProtocol, "wire.ReadMessage", fmt.Errorf("frame length %d exceeds max frame size", n))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, ledgerr.New(ledgerr.KindTransport, "wire.ReadMessage", err)
	}
	return Decode(payload)
}

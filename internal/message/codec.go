package message

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// MaxPayload bounds a single envelope's payload to guard against a corrupt
// length prefix turning into an unbounded allocation.
const MaxPayload = 64 << 20 // 64MiB; dataproxy uses this codec too, so it also bounds SendObject payloads

// Write encodes an envelope to w: a fixed header (uuid, type, sender id,
// sender rank, dest id, unix-nano timestamp, payload length) followed by the
// raw payload bytes. Mirrors the fixed-header-then-body shape spec for the
// control-message wire format.
func Write(w io.Writer, e Envelope) error {
	var hdr [16 + 4 + 4 + 4 + 4 + 8 + 4]byte
	off := 0
	copy(hdr[off:], e.UUID[:])
	off += 16
	binary.LittleEndian.PutUint32(hdr[off:], uint32(e.Type))
	off += 4
	binary.LittleEndian.PutUint32(hdr[off:], uint32(e.SenderID))
	off += 4
	binary.LittleEndian.PutUint32(hdr[off:], uint32(e.SenderRank))
	off += 4
	binary.LittleEndian.PutUint32(hdr[off:], uint32(e.DestID))
	off += 4
	binary.LittleEndian.PutUint64(hdr[off:], uint64(e.Timestamp.UnixNano()))
	off += 8
	binary.LittleEndian.PutUint32(hdr[off:], uint32(len(e.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write envelope header: %w", err)
	}
	if len(e.Payload) > 0 {
		if _, err := w.Write(e.Payload); err != nil {
			return fmt.Errorf("write envelope payload: %w", err)
		}
	}
	return nil
}

// Read decodes one envelope from r. r should be a *bufio.Reader (or
// wrapped in one by the caller) so repeated small reads don't each incur a
// syscall.
func Read(r *bufio.Reader) (Envelope, error) {
	var hdr [16 + 4 + 4 + 4 + 4 + 8 + 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}

	var e Envelope
	off := 0
	copy(e.UUID[:], hdr[off:off+16])
	off += 16
	e.Type = Type(binary.LittleEndian.Uint32(hdr[off:]))
	off += 4
	e.SenderID = int(int32(binary.LittleEndian.Uint32(hdr[off:])))
	off += 4
	e.SenderRank = int(int32(binary.LittleEndian.Uint32(hdr[off:])))
	off += 4
	e.DestID = int(int32(binary.LittleEndian.Uint32(hdr[off:])))
	off += 4
	e.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[off:])))
	off += 8
	n := binary.LittleEndian.Uint32(hdr[off:])

	if n > MaxPayload {
		return Envelope{}, fmt.Errorf("envelope payload too large: %d bytes", n)
	}
	if n > 0 {
		e.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, e.Payload); err != nil {
			return Envelope{}, fmt.Errorf("read envelope payload: %w", err)
		}
	}
	return e, nil
}

// ParseUUID is a convenience wrapper used by handlers that receive a UUID as
// a string (e.g. in a JSON payload referencing another message).
func ParseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

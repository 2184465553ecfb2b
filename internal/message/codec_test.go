package message

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	want := NewEnvelope(Spawn, 1, 0, []byte(`{"module":"Gendat"}`))
	want.DestID = 2

	var buf bytes.Buffer
	if err := Write(&buf, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.UUID != want.UUID {
		t.Errorf("UUID = %v, want %v", got.UUID, want.UUID)
	}
	if got.Type != want.Type {
		t.Errorf("Type = %v, want %v", got.Type, want.Type)
	}
	if got.SenderID != want.SenderID || got.DestID != want.DestID {
		t.Errorf("SenderID/DestID = %d/%d, want %d/%d", got.SenderID, got.DestID, want.SenderID, want.DestID)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, want.Payload)
	}
}

func TestReadRejectsOversizedPayload(t *testing.T) {
	e := NewEnvelope(Ping, 0, 0, nil)
	var buf bytes.Buffer
	if err := Write(&buf, e); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw := buf.Bytes()
	// Overwrite the length field (last 4 bytes of the header) with an
	// absurd value and feed it back through Read.
	const hdrLen = 16 + 4 + 4 + 4 + 4 + 8 + 4
	raw[hdrLen-1] = 0xff
	raw[hdrLen-2] = 0xff
	raw[hdrLen-3] = 0xff
	raw[hdrLen-4] = 0xff

	if _, err := Read(bufio.NewReader(bytes.NewReader(raw))); err == nil {
		t.Fatal("expected error for oversized payload length")
	}
}

func TestTypeStringUnknown(t *testing.T) {
	if got := Type(9999).String(); got != "Unknown" {
		t.Errorf("String() = %q, want Unknown", got)
	}
}

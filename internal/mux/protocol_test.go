package mux

import (
	"bytes"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	want := Frame{Type: FrameTerminalInput, SessionID: "ab12cd34", Payload: []byte("hello")}
	raw, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(raw) != 1+sessionIDLen+len(want.Payload) {
		t.Fatalf("Encode() len = %d, want %d", len(raw), 1+sessionIDLen+len(want.Payload))
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Type != want.Type || got.SessionID != want.SessionID || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("Decode() = %+v, want %+v", got, want)
	}
}

func TestFrameSessionIDShorterThanEight(t *testing.T) {
	raw, err := Encode(Frame{Type: FrameBufferRequest, SessionID: "ab12"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.SessionID != "ab12" {
		t.Fatalf("SessionID = %q, want ab12 (NUL padding trimmed)", got.SessionID)
	}
}

func TestFrameRejectsOversizedSessionID(t *testing.T) {
	_, err := Encode(Frame{Type: FrameTerminalInput, SessionID: "toolongsessionid"})
	if err == nil {
		t.Fatal("expected error for session id longer than 8 bytes")
	}
}

func TestOutputPayloadRoundTrip(t *testing.T) {
	payload := EncodeOutputPayload(132, 43, []byte("ls -la\r\n"))
	cols, rows, data, err := DecodeOutputPayload(payload)
	if err != nil {
		t.Fatalf("DecodeOutputPayload() error = %v", err)
	}
	if cols != 132 || rows != 43 || string(data) != "ls -la\r\n" {
		t.Fatalf("DecodeOutputPayload() = (%d,%d,%q)", cols, rows, data)
	}
}

func TestCompressedOutputPayloadRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("the quick brown fox\n"), 200)
	payload, err := EncodeCompressedOutputPayload(80, 24, original)
	if err != nil {
		t.Fatalf("EncodeCompressedOutputPayload() error = %v", err)
	}
	if len(payload) >= len(original) {
		t.Fatalf("compressed payload (%d bytes) not smaller than original (%d bytes)", len(payload), len(original))
	}
	cols, rows, data, err := DecodeCompressedOutputPayload(payload)
	if err != nil {
		t.Fatalf("DecodeCompressedOutputPayload() error = %v", err)
	}
	if cols != 80 || rows != 24 || !bytes.Equal(data, original) {
		t.Fatal("DecodeCompressedOutputPayload() did not round trip")
	}
}

func TestResizePayloadRoundTrip(t *testing.T) {
	payload := EncodeResizePayload(100, 30)
	cols, rows, err := DecodeResizePayload(payload)
	if err != nil {
		t.Fatalf("DecodeResizePayload() error = %v", err)
	}
	if cols != 100 || rows != 30 {
		t.Fatalf("DecodeResizePayload() = (%d,%d)", cols, rows)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for too-short frame")
	}
}

// Package mux implements the browser-facing WebSocket protocol that
// multiplexes every terminal session's I/O over a single connection.
//
// # Binary frame protocol
//
// Frame format: [type:u8][session-id:8 ASCII bytes, NUL-padded][payload].
// Output payloads prepend [cols:u16 LE][rows:u16 LE]. Compressed output
// payloads prepend [cols:u16 LE][rows:u16 LE][uncompressed-len:u32 LE]
// followed by gzip bytes.
package mux

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies one of the fixed mux frame kinds.
type FrameType uint8

const (
	FrameTerminalInput    FrameType = 0x01
	FrameTerminalOutput   FrameType = 0x02
	FrameResize           FrameType = 0x03
	FrameSessionState     FrameType = 0x04
	FrameResync           FrameType = 0x05
	FrameBufferRequest    FrameType = 0x06
	FrameCompressedOutput FrameType = 0x07
)

func (t FrameType) String() string {
	switch t {
	case FrameTerminalInput:
		return "TerminalInput"
	case FrameTerminalOutput:
		return "TerminalOutput"
	case FrameResize:
		return "Resize"
	case FrameSessionState:
		return "SessionState"
	case FrameResync:
		return "Resync"
	case FrameBufferRequest:
		return "BufferRequest"
	case FrameCompressedOutput:
		return "CompressedOutput"
	default:
		return fmt.Sprintf("FrameType(0x%02x)", uint8(t))
	}
}

const sessionIDLen = 8

// Frame is one decoded mux frame.
type Frame struct {
	Type      FrameType
	SessionID string
	Payload   []byte
}

// Encode serializes f into the wire format.
func Encode(f Frame) ([]byte, error) {
	if len(f.SessionID) > sessionIDLen {
		return nil, fmt.Errorf("mux: session id %q exceeds %d bytes", f.SessionID, sessionIDLen)
	}
	buf := make([]byte, 1+sessionIDLen+len(f.Payload))
	buf[0] = byte(f.Type)
	copy(buf[1:1+sessionIDLen], f.SessionID)
	copy(buf[1+sessionIDLen:], f.Payload)
	return buf, nil
}

// Decode parses a wire frame produced by Encode.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 1+sessionIDLen {
		return Frame{}, fmt.Errorf("mux: frame too short: %d bytes", len(raw))
	}
	id := bytes.TrimRight(raw[1:1+sessionIDLen], "\x00")
	return Frame{
		Type:      FrameType(raw[0]),
		SessionID: string(id),
		Payload:   append([]byte(nil), raw[1+sessionIDLen:]...),
	}, nil
}

// EncodeOutputPayload prepends the terminal's current dimensions to data.
func EncodeOutputPayload(cols, rows uint16, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(buf[0:2], cols)
	binary.LittleEndian.PutUint16(buf[2:4], rows)
	copy(buf[4:], data)
	return buf
}

// DecodeOutputPayload splits a TerminalOutput payload into dims and data.
func DecodeOutputPayload(payload []byte) (cols, rows uint16, data []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("mux: output payload too short: %d bytes", len(payload))
	}
	cols = binary.LittleEndian.Uint16(payload[0:2])
	rows = binary.LittleEndian.Uint16(payload[2:4])
	return cols, rows, payload[4:], nil
}

// EncodeCompressedOutputPayload gzip-compresses data and prepends dims plus
// the uncompressed length so the client can preallocate and validate.
func EncodeCompressedOutputPayload(cols, rows uint16, data []byte) ([]byte, error) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("mux: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("mux: gzip close: %w", err)
	}

	buf := make([]byte, 8+gz.Len())
	binary.LittleEndian.PutUint16(buf[0:2], cols)
	binary.LittleEndian.PutUint16(buf[2:4], rows)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	copy(buf[8:], gz.Bytes())
	return buf, nil
}

// DecodeCompressedOutputPayload reverses EncodeCompressedOutputPayload.
func DecodeCompressedOutputPayload(payload []byte) (cols, rows uint16, data []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("mux: compressed output payload too short: %d bytes", len(payload))
	}
	cols = binary.LittleEndian.Uint16(payload[0:2])
	rows = binary.LittleEndian.Uint16(payload[2:4])
	uncompressedLen := binary.LittleEndian.Uint32(payload[4:8])

	r, err := gzip.NewReader(bytes.NewReader(payload[8:]))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("mux: gzip reader: %w", err)
	}
	defer r.Close()
	data, err = io.ReadAll(r)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("mux: gzip read: %w", err)
	}
	if uint32(len(data)) != uncompressedLen {
		return 0, 0, nil, fmt.Errorf("mux: decompressed length %d does not match declared %d", len(data), uncompressedLen)
	}
	return cols, rows, data, nil
}

// EncodeResizePayload encodes a Resize request's target dimensions.
func EncodeResizePayload(cols, rows uint16) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], cols)
	binary.LittleEndian.PutUint16(buf[2:4], rows)
	return buf
}

// DecodeResizePayload reverses EncodeResizePayload.
func DecodeResizePayload(payload []byte) (cols, rows uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("mux: resize payload too short: %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint16(payload[0:2]), binary.LittleEndian.Uint16(payload[2:4]), nil
}

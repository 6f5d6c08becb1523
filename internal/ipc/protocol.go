// Package ipc implements the binary framing and message set that carries
// requests and pushed events between the coordinator and a TTYHOST process.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies the payload schema carried by a frame.
type MessageType uint8

const (
	MsgGetInfo MessageType = iota + 1
	MsgInfo
	MsgInput
	MsgResize
	MsgResizeAck
	MsgGetBuffer
	MsgBuffer
	MsgSetName
	MsgSetNameAck
	MsgSetLogLevel
	MsgSetLogLevelAck
	MsgClose
	MsgCloseAck
	MsgOutput
	MsgStateChange
	MsgProcessEvent
	MsgForegroundChange
	MsgProcessSnapshot
)

func (t MessageType) String() string {
	switch t {
	case MsgGetInfo:
		return "GetInfo"
	case MsgInfo:
		return "Info"
	case MsgInput:
		return "Input"
	case MsgResize:
		return "Resize"
	case MsgResizeAck:
		return "ResizeAck"
	case MsgGetBuffer:
		return "GetBuffer"
	case MsgBuffer:
		return "Buffer"
	case MsgSetName:
		return "SetName"
	case MsgSetNameAck:
		return "SetNameAck"
	case MsgSetLogLevel:
		return "SetLogLevel"
	case MsgSetLogLevelAck:
		return "SetLogLevelAck"
	case MsgClose:
		return "Close"
	case MsgCloseAck:
		return "CloseAck"
	case MsgOutput:
		return "Output"
	case MsgStateChange:
		return "StateChange"
	case MsgProcessEvent:
		return "ProcessEvent"
	case MsgForegroundChange:
		return "ForegroundChange"
	case MsgProcessSnapshot:
		return "ProcessSnapshot"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// MaxPayloadBytes bounds a single frame's payload.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// ErrPayloadTooLarge is returned by ReadFrame when a declared length exceeds
// MaxPayloadBytes. Callers must close the connection on this error.
var ErrPayloadTooLarge = errors.New("ipc: frame payload exceeds maximum size")

// Frame is one decoded [type][length][payload] unit.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// WriteFrame writes one frame: [type:u8][length:u32 LE][payload].
// Callers sharing a connection across goroutines must serialize calls to
// WriteFrame themselves (see Server/Client write-serializing locks).
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	var header [5]byte
	header[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// ReadFrame reads one frame from r. Returns ErrPayloadTooLarge without
// consuming the declared payload if the length exceeds MaxPayloadBytes.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	typ := MessageType(header[0])
	length := binary.LittleEndian.Uint32(header[1:])
	if length > MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	if length == 0 {
		return Frame{Type: typ}, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: payload}, nil
}

package ipc

import (
	"encoding/binary"
	"fmt"
	"time"
)

// binWriter appends fixed-width and length-prefixed fields. Each message
// payload has a hand-written Encode/Decode pair instead of a reflection-based
// codec (encoding/json, encoding/gob) so the wire shape is exactly the fixed
// schema the protocol enumerates.
type binWriter struct {
	buf []byte
}

func (w *binWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *binWriter) bo(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *binWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *binWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *binWriter) i32(v int32) { w.u32(uint32(v)) }
func (w *binWriter) i64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}
func (w *binWriter) str8(s string) {
	w.u8(uint8(min(len(s), 255)))
	w.buf = append(w.buf, s[:min(len(s), 255)]...)
}
func (w *binWriter) str16(s string) {
	n := min(len(s), 65535)
	w.u16(uint16(n))
	w.buf = append(w.buf, s[:n]...)
}
func (w *binWriter) bytes32(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *binWriter) bytes() []byte { return w.buf }

type binReader struct {
	buf []byte
	pos int
}

func (r *binReader) remaining() int { return len(r.buf) - r.pos }

func (r *binReader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("ipc: truncated payload reading u8")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *binReader) bo() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *binReader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, fmt.Errorf("ipc: truncated payload reading u16")
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *binReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("ipc: truncated payload reading u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *binReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *binReader) i64() (int64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("ipc: truncated payload reading i64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return int64(v), nil
}

func (r *binReader) str8() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", fmt.Errorf("ipc: truncated payload reading str8")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *binReader) str16() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", fmt.Errorf("ipc: truncated payload reading str16")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *binReader) bytes32() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, fmt.Errorf("ipc: truncated payload reading bytes32")
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// ShellType enumerates the closed set of supported shells.
type ShellType uint8

const (
	ShellUnknown ShellType = iota
	ShellPwsh
	ShellPowershell
	ShellCmd
	ShellBash
	ShellZsh
)

func (s ShellType) String() string {
	switch s {
	case ShellPwsh:
		return "pwsh"
	case ShellPowershell:
		return "powershell"
	case ShellCmd:
		return "cmd"
	case ShellBash:
		return "bash"
	case ShellZsh:
		return "zsh"
	default:
		return "unknown"
	}
}

// ParseShellType maps a CLI/config string to a ShellType.
func ParseShellType(s string) ShellType {
	switch s {
	case "pwsh":
		return ShellPwsh
	case "powershell":
		return ShellPowershell
	case "cmd":
		return ShellCmd
	case "bash":
		return ShellBash
	case "zsh":
		return ShellZsh
	default:
		return ShellUnknown
	}
}

// ProcessDescriptor describes one process in a tree snapshot.
type ProcessDescriptor struct {
	PID         int32
	Name        string
	CommandLine string
	Cwd         string
}

func (p ProcessDescriptor) encode(w *binWriter) {
	w.i32(p.PID)
	w.str8(p.Name)
	w.str16(p.CommandLine)
	w.str16(p.Cwd)
}

func decodeProcessDescriptor(r *binReader) (ProcessDescriptor, error) {
	var p ProcessDescriptor
	var err error
	if p.PID, err = r.i32(); err != nil {
		return p, err
	}
	if p.Name, err = r.str8(); err != nil {
		return p, err
	}
	if p.CommandLine, err = r.str16(); err != nil {
		return p, err
	}
	if p.Cwd, err = r.str16(); err != nil {
		return p, err
	}
	return p, nil
}

// SessionInfo is the handshake reply to GetInfo: the full session descriptor.
type SessionInfo struct {
	SessionID   string
	Shell       ShellType
	Cols        uint16
	Rows        uint16
	Running     bool
	HasExitCode bool
	ExitCode    int32
	DisplayName string
	HostPID     int32
	PtyPID      int32
	CreatedAt   time.Time
	HostVersion string
	Cwd         string
}

// EncodeInfo serializes a SessionInfo payload.
func EncodeInfo(info SessionInfo) []byte {
	w := &binWriter{}
	w.str8(info.SessionID)
	w.u8(uint8(info.Shell))
	w.u16(info.Cols)
	w.u16(info.Rows)
	w.bo(info.Running)
	w.bo(info.HasExitCode)
	w.i32(info.ExitCode)
	w.str16(info.DisplayName)
	w.i32(info.HostPID)
	w.i32(info.PtyPID)
	w.i64(info.CreatedAt.UnixNano())
	w.str8(info.HostVersion)
	w.str16(info.Cwd)
	return w.bytes()
}

// DecodeInfo parses a SessionInfo payload.
func DecodeInfo(payload []byte) (SessionInfo, error) {
	r := &binReader{buf: payload}
	var info SessionInfo
	var err error
	if info.SessionID, err = r.str8(); err != nil {
		return info, err
	}
	shell, err := r.u8()
	if err != nil {
		return info, err
	}
	info.Shell = ShellType(shell)
	if info.Cols, err = r.u16(); err != nil {
		return info, err
	}
	if info.Rows, err = r.u16(); err != nil {
		return info, err
	}
	if info.Running, err = r.bo(); err != nil {
		return info, err
	}
	if info.HasExitCode, err = r.bo(); err != nil {
		return info, err
	}
	if info.ExitCode, err = r.i32(); err != nil {
		return info, err
	}
	if info.DisplayName, err = r.str16(); err != nil {
		return info, err
	}
	if info.HostPID, err = r.i32(); err != nil {
		return info, err
	}
	if info.PtyPID, err = r.i32(); err != nil {
		return info, err
	}
	createdAtNano, err := r.i64()
	if err != nil {
		return info, err
	}
	info.CreatedAt = time.Unix(0, createdAtNano).UTC()
	if info.HostVersion, err = r.str8(); err != nil {
		return info, err
	}
	if info.Cwd, err = r.str16(); err != nil {
		return info, err
	}
	return info, nil
}

// EncodeInput serializes raw bytes destined for the PTY's stdin.
func EncodeInput(data []byte) []byte {
	w := &binWriter{}
	w.bytes32(data)
	return w.bytes()
}

// DecodeInput extracts the input bytes from a payload.
func DecodeInput(payload []byte) ([]byte, error) {
	r := &binReader{buf: payload}
	return r.bytes32()
}

// Dimensions is the Resize request / ResizeAck reply payload.
type Dimensions struct {
	Cols uint16
	Rows uint16
}

func EncodeDimensions(d Dimensions) []byte {
	w := &binWriter{}
	w.u16(d.Cols)
	w.u16(d.Rows)
	return w.bytes()
}

func DecodeDimensions(payload []byte) (Dimensions, error) {
	r := &binReader{buf: payload}
	var d Dimensions
	var err error
	if d.Cols, err = r.u16(); err != nil {
		return d, err
	}
	if d.Rows, err = r.u16(); err != nil {
		return d, err
	}
	return d, nil
}

// EncodeBuffer serializes the full scrollback ring contents.
func EncodeBuffer(data []byte) []byte {
	w := &binWriter{}
	w.bytes32(data)
	return w.bytes()
}

func DecodeBuffer(payload []byte) ([]byte, error) {
	r := &binReader{buf: payload}
	return r.bytes32()
}

// EncodeName serializes a SetName request / SetNameAck reply.
func EncodeName(name string) []byte {
	w := &binWriter{}
	w.str16(name)
	return w.bytes()
}

func DecodeName(payload []byte) (string, error) {
	r := &binReader{buf: payload}
	return r.str16()
}

// EncodeLogLevel serializes a SetLogLevel request / SetLogLevelAck reply.
func EncodeLogLevel(level uint8) []byte {
	return []byte{level}
}

func DecodeLogLevel(payload []byte) (uint8, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("ipc: truncated log level payload")
	}
	return payload[0], nil
}

// OutputPayload carries PTY output plus the dimensions it was produced at,
// satisfying the dimension-preface law: a consumer must resize to (Cols,
// Rows) before rendering Data.
type OutputPayload struct {
	Cols uint16
	Rows uint16
	Data []byte
}

func EncodeOutput(p OutputPayload) []byte {
	w := &binWriter{}
	w.u16(p.Cols)
	w.u16(p.Rows)
	w.bytes32(p.Data)
	return w.bytes()
}

func DecodeOutput(payload []byte) (OutputPayload, error) {
	r := &binReader{buf: payload}
	var p OutputPayload
	var err error
	if p.Cols, err = r.u16(); err != nil {
		return p, err
	}
	if p.Rows, err = r.u16(); err != nil {
		return p, err
	}
	if p.Data, err = r.bytes32(); err != nil {
		return p, err
	}
	return p, nil
}

// StateChangePayload reports a running-flag/exit-code/cwd transition.
type StateChangePayload struct {
	Running     bool
	HasExitCode bool
	ExitCode    int32
	HasCwd      bool
	Cwd         string
}

func EncodeStateChange(p StateChangePayload) []byte {
	w := &binWriter{}
	w.bo(p.Running)
	w.bo(p.HasExitCode)
	w.i32(p.ExitCode)
	w.bo(p.HasCwd)
	w.str16(p.Cwd)
	return w.bytes()
}

func DecodeStateChange(payload []byte) (StateChangePayload, error) {
	r := &binReader{buf: payload}
	var p StateChangePayload
	var err error
	if p.Running, err = r.bo(); err != nil {
		return p, err
	}
	if p.HasExitCode, err = r.bo(); err != nil {
		return p, err
	}
	if p.ExitCode, err = r.i32(); err != nil {
		return p, err
	}
	if p.HasCwd, err = r.bo(); err != nil {
		return p, err
	}
	if p.Cwd, err = r.str16(); err != nil {
		return p, err
	}
	return p, nil
}

// ProcessEventKind distinguishes a descendant entering vs. exiting the tree.
type ProcessEventKind uint8

const (
	ProcessEntered ProcessEventKind = iota
	ProcessExited
)

// ProcessEventPayload reports one descendant process lifecycle transition.
type ProcessEventPayload struct {
	Kind    ProcessEventKind
	Process ProcessDescriptor
}

func EncodeProcessEvent(p ProcessEventPayload) []byte {
	w := &binWriter{}
	w.u8(uint8(p.Kind))
	p.Process.encode(w)
	return w.bytes()
}

func DecodeProcessEvent(payload []byte) (ProcessEventPayload, error) {
	r := &binReader{buf: payload}
	var p ProcessEventPayload
	kind, err := r.u8()
	if err != nil {
		return p, err
	}
	p.Kind = ProcessEventKind(kind)
	p.Process, err = decodeProcessDescriptor(r)
	return p, err
}

// ForegroundChangePayload reports a new (or cleared) foreground descendant.
type ForegroundChangePayload struct {
	HasForeground bool
	Foreground    ProcessDescriptor
}

func EncodeForegroundChange(p ForegroundChangePayload) []byte {
	w := &binWriter{}
	w.bo(p.HasForeground)
	p.Foreground.encode(w)
	return w.bytes()
}

func DecodeForegroundChange(payload []byte) (ForegroundChangePayload, error) {
	r := &binReader{buf: payload}
	var p ForegroundChangePayload
	var err error
	if p.HasForeground, err = r.bo(); err != nil {
		return p, err
	}
	p.Foreground, err = decodeProcessDescriptor(r)
	return p, err
}

// ProcessSnapshotPayload is a full process-tree snapshot for a session.
type ProcessSnapshotPayload struct {
	ShellPID      int32
	ShellCwd      string
	HasForeground bool
	Foreground    ProcessDescriptor
	Descendants   []ProcessDescriptor
}

func EncodeProcessSnapshot(p ProcessSnapshotPayload) []byte {
	w := &binWriter{}
	w.i32(p.ShellPID)
	w.str16(p.ShellCwd)
	w.bo(p.HasForeground)
	p.Foreground.encode(w)
	w.u16(uint16(min(len(p.Descendants), 65535)))
	for _, d := range p.Descendants {
		d.encode(w)
	}
	return w.bytes()
}

func DecodeProcessSnapshot(payload []byte) (ProcessSnapshotPayload, error) {
	r := &binReader{buf: payload}
	var p ProcessSnapshotPayload
	var err error
	if p.ShellPID, err = r.i32(); err != nil {
		return p, err
	}
	if p.ShellCwd, err = r.str16(); err != nil {
		return p, err
	}
	if p.HasForeground, err = r.bo(); err != nil {
		return p, err
	}
	if p.Foreground, err = decodeProcessDescriptor(r); err != nil {
		return p, err
	}
	count, err := r.u16()
	if err != nil {
		return p, err
	}
	p.Descendants = make([]ProcessDescriptor, 0, count)
	for i := 0; i < int(count); i++ {
		d, err := decodeProcessDescriptor(r)
		if err != nil {
			return p, err
		}
		p.Descendants = append(p.Descendants, d)
	}
	return p, nil
}

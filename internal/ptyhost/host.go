// Package ptyhost implements the TTYHOST process: one PTY-backed shell,
// its scrollback, OSC-7 cwd tracking, process-tree telemetry, and the
// ipc.Handler that answers the coordinator's requests.
package ptyhost

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"midterm/internal/ipc"
	"midterm/internal/shell"
	"midterm/internal/terminal"
)

const hostVersion = "1"

const (
	minDimension = 1
	maxDimension = 500
)

// clampDimension bounds a requested cols/rows value to the 1..500 range the
// protocol guarantees a client can rely on.
func clampDimension(v uint16) uint16 {
	switch {
	case v < minDimension:
		return minDimension
	case v > maxDimension:
		return maxDimension
	default:
		return v
	}
}

// Options configures a Host at startup.
type Options struct {
	SessionID   string
	DisplayName string
	ShellType   ipc.ShellType
	Dir         string
	Cols        uint16
	Rows        uint16
	CreatedAt   time.Time
}

// Host owns one shell session's terminal, scrollback, cwd/process
// telemetry, and answers the ipc.Server's Handler callbacks. Pushes to the
// coordinator (Output, StateChange, ProcessEvent, ForegroundChange) are
// sent through ipc.Server.Push, which itself defers anything pushed before
// the current connection's handshake completes.
type Host struct {
	sessionID string
	variant   shell.Variant
	createdAt time.Time
	hostPID   int32

	mu          sync.Mutex
	displayName string
	cols, rows  uint16
	running     bool
	hasExitCode bool
	exitCode    int32
	cwd         string

	term    *terminal.Terminal
	ring    *scrollbackRing
	osc7    osc7Tracker
	procmon *ProcessMonitor
	outBuf  *terminal.OutputBuffer

	server *ipc.Server
}

// New starts the PTY for opts and returns a Host ready to be wired to an
// ipc.Server via SetServer.
func New(opts Options, registry *shell.Registry) (*Host, error) {
	variant, err := registry.Lookup(opts.ShellType)
	if err != nil {
		return nil, err
	}
	exe, err := variant.Executable()
	if err != nil {
		return nil, fmt.Errorf("ptyhost: resolve shell executable: %w", err)
	}

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	cols, rows = clampDimension(cols), clampDimension(rows)

	h := &Host{
		sessionID:   opts.SessionID,
		variant:     variant,
		createdAt:   opts.CreatedAt,
		displayName: opts.DisplayName,
		cols:        cols,
		rows:        rows,
		cwd:         opts.Dir,
		ring:        newScrollbackRing(defaultRingCap),
	}

	term, err := terminal.Start(terminal.Config{
		Shell:   exe,
		Args:    variant.Args(),
		Dir:     opts.Dir,
		Env:     variant.Env(opts.SessionID),
		Columns: int(cols),
		Rows:    int(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("ptyhost: start terminal: %w", err)
	}
	h.term = term
	h.hostPID = int32(term.PID())
	h.running = true

	h.outBuf = terminal.NewOutputBuffer(16*time.Millisecond, 8*1024, h.emitOutput)
	h.outBuf.SetLabel(opts.SessionID)
	h.outBuf.Start()

	h.procmon = NewProcessMonitor(opts.SessionID, h.onProcessEnter, h.onProcessExit)
	if fd, ok := term.Fd(); ok {
		h.procmon.SetPTYFd(fd)
	}
	h.procmon.Start(int32(term.PID()))

	go term.ReadLoop(h.onPTYData)

	return h, nil
}

// SetServer attaches the ipc.Server this Host pushes frames through. Must
// be called once, before the server starts accepting connections.
func (h *Host) SetServer(s *ipc.Server) {
	h.server = s
}

func (h *Host) onPTYData(data []byte) {
	h.ring.Write(data)
	if cwd, changed := h.osc7.Scan(data); changed {
		h.mu.Lock()
		h.cwd = cwd
		h.mu.Unlock()
		h.pushStateChange(true, false, 0, true, cwd)
	}
	h.outBuf.Write(data)
}

func (h *Host) emitOutput(data []byte) {
	h.mu.Lock()
	cols, rows := h.cols, h.rows
	h.mu.Unlock()
	h.push(ipc.Frame{Type: ipc.MsgOutput, Payload: ipc.EncodeOutput(ipc.OutputPayload{Cols: cols, Rows: rows, Data: data})})
}

func (h *Host) onProcessEnter(p ipc.ProcessDescriptor) {
	h.push(ipc.Frame{Type: ipc.MsgProcessEvent, Payload: ipc.EncodeProcessEvent(ipc.ProcessEventPayload{Kind: ipc.ProcessEntered, Process: p})})
	h.pushForegroundUpdate()
}

func (h *Host) onProcessExit(p ipc.ProcessDescriptor) {
	h.push(ipc.Frame{Type: ipc.MsgProcessEvent, Payload: ipc.EncodeProcessEvent(ipc.ProcessEventPayload{Kind: ipc.ProcessExited, Process: p})})
	h.pushForegroundUpdate()
}

func (h *Host) pushForegroundUpdate() {
	fg, ok := h.procmon.Foreground()
	h.push(ipc.Frame{Type: ipc.MsgForegroundChange, Payload: ipc.EncodeForegroundChange(ipc.ForegroundChangePayload{HasForeground: ok, Foreground: fg})})
}

func (h *Host) pushStateChange(running, hasExitCode bool, exitCode int32, hasCwd bool, cwd string) {
	h.push(ipc.Frame{Type: ipc.MsgStateChange, Payload: ipc.EncodeStateChange(ipc.StateChangePayload{
		Running: running, HasExitCode: hasExitCode, ExitCode: exitCode, HasCwd: hasCwd, Cwd: cwd,
	})})
}

func (h *Host) push(f ipc.Frame) {
	if h.server == nil {
		return
	}
	h.server.Push(f)
}

// Info answers a GetInfo handshake request. The process-tree snapshot is
// queued alongside it so a freshly attached client sees the current
// descendant set without a separate round trip.
func (h *Host) Info() ipc.SessionInfo {
	h.push(ipc.Frame{Type: ipc.MsgProcessSnapshot, Payload: ipc.EncodeProcessSnapshot(h.procmon.Snapshot())})

	h.mu.Lock()
	defer h.mu.Unlock()
	return ipc.SessionInfo{
		SessionID:   h.sessionID,
		Shell:       h.variant.Type(),
		Cols:        h.cols,
		Rows:        h.rows,
		Running:     h.running,
		HasExitCode: h.hasExitCode,
		ExitCode:    h.exitCode,
		DisplayName: h.displayName,
		HostPID:     h.hostPID,
		PtyPID:      h.hostPID,
		CreatedAt:   h.createdAt,
		HostVersion: hostVersion,
		Cwd:         h.cwd,
	}
}

// Input writes client-supplied bytes to the PTY.
func (h *Host) Input(data []byte) {
	if _, err := h.term.Write(data); err != nil {
		slog.Warn("ptyhost: write to pty failed", "session", h.sessionID, "error", err)
	}
}

// Resize resizes the PTY and returns the applied dimensions. cols and rows
// are clamped to 1..500 before being applied.
func (h *Host) Resize(cols, rows uint16) ipc.Dimensions {
	cols, rows = clampDimension(cols), clampDimension(rows)
	if err := h.term.Resize(int(cols), int(rows)); err != nil {
		slog.Warn("ptyhost: resize failed", "session", h.sessionID, "error", err)
		h.mu.Lock()
		defer h.mu.Unlock()
		return ipc.Dimensions{Cols: h.cols, Rows: h.rows}
	}
	h.mu.Lock()
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return ipc.Dimensions{Cols: cols, Rows: rows}
}

// GetBuffer returns the full scrollback snapshot.
func (h *Host) GetBuffer() []byte {
	return h.ring.Snapshot()
}

// SetName applies a rename request.
func (h *Host) SetName(name string) string {
	h.mu.Lock()
	h.displayName = name
	h.mu.Unlock()
	return name
}

// SetLogLevel is a no-op acknowledgement; TTYHOST log verbosity is set at
// process startup via --debug and is not adjustable mid-session.
func (h *Host) SetLogLevel(level uint8) uint8 {
	return level
}

// Close tears down the PTY, scrollback poller, and process monitor.
func (h *Host) Close() {
	h.procmon.Stop()
	h.outBuf.Stop()
	if err := h.term.Close(); err != nil {
		slog.Debug("ptyhost: terminal close", "session", h.sessionID, "error", err)
	}
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	h.pushStateChange(false, h.hasExitCode, h.exitCode, false, "")
}

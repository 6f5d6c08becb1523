// Package hostclient owns the coordinator side of the two-tier process
// model: it spawns tty-host subprocesses, dials their IPC endpoints,
// drives the session registry's state machine from the handshake and
// subsequent pushes, and exposes the mux.SessionSource boundary the
// browser-facing hub calls into.
package hostclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"midterm/internal/ipc"
	"midterm/internal/registry"
)

// startupLineTimeout bounds how long a spawned tty-host has to print its
// deterministic first stdout line before the coordinator gives up.
const startupLineTimeout = 5 * time.Second

// dialRetryInterval/dialRetryBudget bound how long the coordinator retries
// dialing a freshly spawned host's IPC endpoint before it considers the
// spawn failed.
const (
	dialRetryInterval = 50 * time.Millisecond
	dialRetryBudget   = 3 * time.Second
)

// OutputSink receives host-pushed frames that belong on the browser-facing
// mux. Implemented by *mux.Hub in production; kept as an interface here so
// hostclient does not import mux (mux already depends on hostclient's
// sibling, the SessionSource boundary).
type OutputSink interface {
	BroadcastOutput(sessionID string, cols, rows uint16, data []byte)
	BroadcastSessionState(payload []byte)
}

// Manager supervises one tty-host child process per live session.
type Manager struct {
	ttyHostPath string
	registry    *registry.Registry
	sink        OutputSink

	mu       sync.Mutex
	sessions map[string]*sessionConn
}

type sessionConn struct {
	id     string
	cmd    *exec.Cmd
	client *ipc.Client

	mgr *Manager
}

// New builds a Manager that launches ttyHostPath for each new session.
func New(ttyHostPath string, reg *registry.Registry, sink OutputSink) *Manager {
	return &Manager{
		ttyHostPath: ttyHostPath,
		registry:    reg,
		sink:        sink,
		sessions:    make(map[string]*sessionConn),
	}
}

// CreateOptions describes a new session spawn request.
type CreateOptions struct {
	Shell string
	Dir   string
	Cols  uint16
	Rows  uint16
}

// Create spawns a new tty-host subprocess, dials its endpoint, and blocks
// until the GetInfo handshake completes (or fails). The session is visible
// in the registry in the Spawning state immediately, and transitions
// through Handshaking to Running (or collapses to Closed on failure) as
// this call progresses.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (registry.Session, error) {
	id := uuid.NewString()[:8]

	if _, err := m.registry.Create(id, opts.Shell, opts.Cols, opts.Rows, time.Now()); err != nil {
		return registry.Session{}, err
	}

	cmd := exec.CommandContext(ctx, m.ttyHostPath,
		"--session", id,
		"--shell", opts.Shell,
		"--cwd", opts.Dir,
		"--cols", strconv.Itoa(int(opts.Cols)),
		"--rows", strconv.Itoa(int(opts.Rows)),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.registry.Close(id)
		return registry.Session{}, fmt.Errorf("hostclient: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		m.registry.Close(id)
		return registry.Session{}, fmt.Errorf("hostclient: spawn tty-host: %w", err)
	}

	if err := waitForStartupLine(stdout, id); err != nil {
		cmd.Process.Kill()
		m.registry.Close(id)
		return registry.Session{}, err
	}

	if err := m.registry.AttachHost(id, int32(cmd.Process.Pid)); err != nil {
		cmd.Process.Kill()
		return registry.Session{}, err
	}

	sc := &sessionConn{id: id, cmd: cmd, mgr: m}
	client, err := dialWithRetry(sc)
	if err != nil {
		cmd.Process.Kill()
		m.registry.Close(id)
		return registry.Session{}, err
	}
	sc.client = client

	info, err := client.GetInfo()
	if err != nil {
		client.Close()
		cmd.Process.Kill()
		m.registry.Close(id)
		return registry.Session{}, fmt.Errorf("hostclient: handshake: %w", err)
	}

	if err := m.registry.MarkRunning(id, info.PtyPID, info.Cwd); err != nil {
		client.Close()
		cmd.Process.Kill()
		return registry.Session{}, err
	}

	m.mu.Lock()
	m.sessions[id] = sc
	m.mu.Unlock()

	return m.registry.Get(id)
}

func waitForStartupLine(stdout io.Reader, id string) error {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			ch <- result{line: scanner.Text()}
			return
		}
		ch <- result{err: scanner.Err()}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("hostclient: reading startup line for %s: %w", id, r.err)
		}
		slog.Debug("hostclient: tty-host startup line", "session", id, "line", r.line)
		return nil
	case <-time.After(startupLineTimeout):
		return fmt.Errorf("hostclient: tty-host for %s did not print a startup line within %s", id, startupLineTimeout)
	}
}

func dialWithRetry(sc *sessionConn) (*ipc.Client, error) {
	endpoint := ipc.EndpointName(sc.id)
	deadline := time.Now().Add(dialRetryBudget)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(endpoint, sc, sc.onClose)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(dialRetryInterval)
	}
	return nil, fmt.Errorf("hostclient: dial %s: %w", endpoint, lastErr)
}

// Input satisfies mux.SessionSource: forwards client keystrokes to the
// session's tty-host.
func (m *Manager) Input(sessionID string, data []byte) {
	sc := m.lookup(sessionID)
	if sc == nil {
		return
	}
	if err := sc.client.Input(data); err != nil {
		slog.Warn("hostclient: input forward failed", "session", sessionID, "error", err)
	}
}

// Resize satisfies mux.SessionSource.
func (m *Manager) Resize(sessionID string, cols, rows uint16) (uint16, uint16, error) {
	sc := m.lookup(sessionID)
	if sc == nil {
		return 0, 0, fmt.Errorf("hostclient: unknown session %s", sessionID)
	}
	dims, err := sc.client.Resize(cols, rows)
	if err != nil {
		return 0, 0, err
	}
	m.registry.Resize(sessionID, dims.Cols, dims.Rows)
	return dims.Cols, dims.Rows, nil
}

// Scrollback satisfies mux.SessionSource.
func (m *Manager) Scrollback(sessionID string) (uint16, uint16, []byte, error) {
	sc := m.lookup(sessionID)
	if sc == nil {
		return 0, 0, nil, fmt.Errorf("hostclient: unknown session %s", sessionID)
	}
	data, err := sc.client.GetBuffer()
	if err != nil {
		return 0, 0, nil, err
	}
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return 0, 0, nil, fmt.Errorf("hostclient: unknown session %s", sessionID)
	}
	return s.Cols, s.Rows, data, nil
}

// Close requests the session's tty-host terminate its shell.
func (m *Manager) Close(sessionID string) error {
	sc := m.lookup(sessionID)
	if sc == nil {
		return fmt.Errorf("hostclient: unknown session %s", sessionID)
	}
	err := sc.client.CloseSession()
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.registry.Close(sessionID)
	return err
}

func (m *Manager) lookup(sessionID string) *sessionConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// OnOutput implements ipc.PushHandler.
func (sc *sessionConn) OnOutput(p ipc.OutputPayload) {
	if sc.mgr.sink != nil {
		sc.mgr.sink.BroadcastOutput(sc.id, p.Cols, p.Rows, p.Data)
	}
}

// OnStateChange implements ipc.PushHandler.
func (sc *sessionConn) OnStateChange(p ipc.StateChangePayload) {
	sc.mgr.registry.SetStateChange(sc.id, p.Running, p.HasExitCode, p.ExitCode, p.HasCwd, p.Cwd)
}

// OnProcessEvent implements ipc.PushHandler. Process-tree telemetry is
// registry/state-channel facing, not mux-facing; it updates no session
// record field directly since the registry does not track individual
// descendants, only the aggregate foreground hint via OnForegroundChange.
func (sc *sessionConn) OnProcessEvent(p ipc.ProcessEventPayload) {
	slog.Debug("hostclient: process event", "session", sc.id, "kind", p.Kind, "pid", p.Process.PID)
}

// OnForegroundChange implements ipc.PushHandler.
func (sc *sessionConn) OnForegroundChange(p ipc.ForegroundChangePayload) {
	slog.Debug("hostclient: foreground change", "session", sc.id, "has", p.HasForeground, "pid", p.Foreground.PID)
}

// OnProcessSnapshot implements ipc.PushHandler.
func (sc *sessionConn) OnProcessSnapshot(p ipc.ProcessSnapshotPayload) {
	slog.Debug("hostclient: process snapshot", "session", sc.id, "descendants", len(p.Descendants))
}

// onClose is the ipc.Client's connection-loss callback: it fires exactly
// once, whether the host process exited cleanly, crashed, or the pipe/
// named-pipe link otherwise broke. A session already in the Closed state
// got there through Manager.Close, which already reflects the intentional
// shutdown in the registry, so there is nothing further to mark.
func (sc *sessionConn) onClose(err error) {
	if err != nil {
		slog.Warn("hostclient: host connection lost", "session", sc.id, "error", err)
	} else {
		slog.Info("hostclient: host connection closed", "session", sc.id)
	}

	s, ok := sc.mgr.registry.Get(sc.id)
	if !ok || s.State == registry.Closed {
		return
	}

	sc.mgr.registry.SetStateChange(sc.id, false, s.HasExitCode, s.ExitCode, false, "")
	sc.mgr.registry.DetachHost(sc.id)
}

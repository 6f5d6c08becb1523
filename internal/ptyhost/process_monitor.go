package ptyhost

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gopsutilprocess "github.com/shirou/gopsutil/v3/process"

	"midterm/internal/ipc"
	"midterm/internal/workerutil"
)

const pollInterval = 500 * time.Millisecond

// ProcessMonitor tracks a shell's descendant processes and foreground
// candidate via periodic enumeration with set-diff, the fallback path for
// platforms without an event-based process trace API.
type ProcessMonitor struct {
	sessionID string
	onEnter   func(ipc.ProcessDescriptor)
	onExit    func(ipc.ProcessDescriptor)

	mu      sync.Mutex
	known   map[int32]ipc.ProcessDescriptor
	rootPID int32
	ptyFd   uintptr
	hasFd   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetPTYFd records the PTY master fd so Foreground/Snapshot can ask the
// kernel for the real foreground process group (TIOCGPGRP) instead of
// falling back to the highest-pid heuristic. No-op on platforms
// (or pipe-fallback sessions) with no PTY fd.
func (m *ProcessMonitor) SetPTYFd(fd uintptr) {
	m.mu.Lock()
	m.ptyFd = fd
	m.hasFd = true
	m.mu.Unlock()
}

// NewProcessMonitor builds a monitor that invokes onEnter/onExit as
// descendants of sessionID's shell process are discovered or disappear.
// sessionID is carried into the poll loop's panic-recovery logging so a
// restart can be traced back to the session it serves.
func NewProcessMonitor(sessionID string, onEnter, onExit func(ipc.ProcessDescriptor)) *ProcessMonitor {
	return &ProcessMonitor{
		sessionID: sessionID,
		onEnter:   onEnter,
		onExit:    onExit,
		known:     make(map[int32]ipc.ProcessDescriptor),
	}
}

// Start begins polling rootPID's descendant tree every 500ms. The poll loop
// runs under workerutil.RunWithPanicRecovery so a panic inside a single
// gopsutil call (observed in the wild on permission-denied /proc reads)
// restarts polling instead of silently stopping process telemetry for the
// rest of the session's lifetime.
func (m *ProcessMonitor) Start(rootPID int32) {
	m.mu.Lock()
	m.rootPID = rootPID
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	workerutil.RunWithPanicRecovery(ctx, "ptyhost-process-monitor", &m.wg, m.loop, workerutil.RecoveryOptions{
		IsShutdown: func() bool { return ctx.Err() != nil },
		LogAttrs:   []any{"session", m.sessionID},
	})
}

// Stop halts polling.
func (m *ProcessMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *ProcessMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

// pollOnce enumerates the current descendant set and diffs it against the
// last known set, invoking onEnter/onExit for additions/removals. A poll
// that takes longer than 2s is abandoned; the next tick retries.
func (m *ProcessMonitor) pollOnce() {
	done := make(chan struct{})
	var current map[int32]ipc.ProcessDescriptor
	go func() {
		defer close(done)
		current = enumerateDescendants(m.rootPID)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("ptyhost: process poll exceeded 2s, aborting this cycle", "session", m.sessionID)
		return
	}

	m.mu.Lock()
	prev := m.known
	m.known = current
	m.mu.Unlock()

	for pid, desc := range current {
		if _, ok := prev[pid]; !ok && m.onEnter != nil {
			m.onEnter(desc)
		}
	}
	for pid, desc := range prev {
		if _, ok := current[pid]; !ok && m.onExit != nil {
			m.onExit(desc)
		}
	}
}

// Snapshot returns the shell pid, its cwd, the current foreground guess,
// and the full descendant list.
func (m *ProcessMonitor) Snapshot() ipc.ProcessSnapshotPayload {
	m.mu.Lock()
	rootPID := m.rootPID
	ptyFd, hasFd := m.ptyFd, m.hasFd
	descendants := make([]ipc.ProcessDescriptor, 0, len(m.known))
	for _, d := range m.known {
		descendants = append(descendants, d)
	}
	m.mu.Unlock()

	shellCwd := processCwd(rootPID)
	fg, hasFg := foregroundFromPTY(ptyFd, hasFd, descendants)
	return ipc.ProcessSnapshotPayload{
		ShellPID:      rootPID,
		ShellCwd:      shellCwd,
		HasForeground: hasFg,
		Foreground:    fg,
		Descendants:   descendants,
	}
}

// Foreground returns the best-guess foreground descendant (see
// foregroundFromPTY and the highest-pid heuristic of foregroundOf).
func (m *ProcessMonitor) Foreground() (ipc.ProcessDescriptor, bool) {
	m.mu.Lock()
	ptyFd, hasFd := m.ptyFd, m.hasFd
	descendants := make([]ipc.ProcessDescriptor, 0, len(m.known))
	for _, d := range m.known {
		descendants = append(descendants, d)
	}
	m.mu.Unlock()
	return foregroundFromPTY(ptyFd, hasFd, descendants)
}

// foregroundFromPTY prefers the kernel-reported foreground process group
// (see ptyForegroundPID) when a PTY fd is available and its pgid matches a
// known descendant, falling back to the highest-pid heuristic
// otherwise (pipe-fallback sessions, Windows, or a pgid that raced ahead of
// the next poll's descendant enumeration).
func foregroundFromPTY(fd uintptr, hasFd bool, descendants []ipc.ProcessDescriptor) (ipc.ProcessDescriptor, bool) {
	if hasFd {
		if pgid, ok := ptyForegroundPID(fd); ok {
			for _, d := range descendants {
				if d.PID == pgid {
					return d, true
				}
			}
		}
	}
	return foregroundOf(descendants)
}

func enumerateDescendants(rootPID int32) map[int32]ipc.ProcessDescriptor {
	out := make(map[int32]ipc.ProcessDescriptor)
	procs, err := gopsutilprocess.Processes()
	if err != nil {
		slog.Warn("ptyhost: enumerate processes failed", "error", err)
		return out
	}

	childrenOf := make(map[int32][]*gopsutilprocess.Process)
	for _, p := range procs {
		if ppid, err := p.Ppid(); err == nil {
			childrenOf[ppid] = append(childrenOf[ppid], p)
		}
	}

	var walk func(pid int32)
	walk = func(pid int32) {
		for _, child := range childrenOf[pid] {
			if _, seen := out[child.Pid]; seen {
				continue
			}
			out[child.Pid] = describeProcess(child)
			walk(child.Pid)
		}
	}
	walk(rootPID)
	return out
}

func describeProcess(p *gopsutilprocess.Process) ipc.ProcessDescriptor {
	name, _ := p.Name()
	cmdline, _ := p.Cmdline()
	cwd, _ := p.Cwd()
	return ipc.ProcessDescriptor{PID: p.Pid, Name: name, CommandLine: cmdline, Cwd: cwd}
}

func processCwd(pid int32) string {
	p, err := gopsutilprocess.NewProcess(pid)
	if err != nil {
		return ""
	}
	cwd, _ := p.Cwd()
	return cwd
}

// foregroundOf returns the descendant with the highest pid, a cheap proxy
// for the most recently started process. Parent/child relations are not
// considered: the result can be a process that has children of its own.
func foregroundOf(descendants []ipc.ProcessDescriptor) (ipc.ProcessDescriptor, bool) {
	if len(descendants) == 0 {
		return ipc.ProcessDescriptor{}, false
	}
	var best ipc.ProcessDescriptor
	for _, d := range descendants {
		if d.PID > best.PID {
			best = d
		}
	}
	return best, true
}

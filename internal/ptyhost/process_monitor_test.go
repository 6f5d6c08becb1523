package ptyhost

import (
	"os/exec"
	"testing"
	"time"

	"midterm/internal/ipc"
)

func TestProcessMonitorSnapshotReportsRootPID(t *testing.T) {
	self := exec.Command("sleep", "5")
	if err := self.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	defer self.Process.Kill()

	entered := make(chan ipc.ProcessDescriptor, 8)
	mon := NewProcessMonitor("sess0001", func(p ipc.ProcessDescriptor) { entered <- p }, func(ipc.ProcessDescriptor) {})

	mon.rootPID = int32(self.Process.Pid)
	mon.pollOnce()

	snap := mon.Snapshot()
	if snap.ShellPID != int32(self.Process.Pid) {
		t.Fatalf("Snapshot().ShellPID = %d, want %d", snap.ShellPID, self.Process.Pid)
	}
}

func TestForegroundOfEmptyReturnsFalse(t *testing.T) {
	if _, ok := foregroundOf(nil); ok {
		t.Fatal("foregroundOf(nil) reported a foreground process")
	}
}

func TestForegroundOfPicksHighestPID(t *testing.T) {
	descendants := []ipc.ProcessDescriptor{
		{PID: 100, Name: "a"},
		{PID: 300, Name: "c"},
		{PID: 200, Name: "b"},
	}
	fg, ok := foregroundOf(descendants)
	if !ok || fg.PID != 300 {
		t.Fatalf("foregroundOf() = (%+v, %v), want PID 300", fg, ok)
	}
}

func TestForegroundFromPTYFallsBackWithoutFd(t *testing.T) {
	descendants := []ipc.ProcessDescriptor{{PID: 100, Name: "a"}, {PID: 300, Name: "c"}}
	fg, ok := foregroundFromPTY(0, false, descendants)
	if !ok || fg.PID != 300 {
		t.Fatalf("foregroundFromPTY() = (%+v, %v), want the heuristic's PID 300", fg, ok)
	}
}

func TestProcessMonitorStopIsIdempotentBeforeStart(t *testing.T) {
	mon := NewProcessMonitor("sess0002", nil, nil)
	mon.Stop()
	_ = time.Millisecond
}

package ptyhost

import (
	"os/exec"
	"testing"
	"time"

	"midterm/internal/ipc"
	"midterm/internal/shell"
)

func TestHostSmoke(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	registry := shell.NewRegistry()
	h, err := New(Options{
		SessionID:   "sess1",
		DisplayName: "bash",
		ShellType:   ipc.ShellBash,
		Cols:        80,
		Rows:        24,
		CreatedAt:   time.Unix(0, 0),
	}, registry)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer h.Close()

	info := h.Info()
	if info.SessionID != "sess1" {
		t.Fatalf("Info().SessionID = %q", info.SessionID)
	}
	if info.Shell != ipc.ShellBash {
		t.Fatalf("Info().Shell = %v, want ShellBash", info.Shell)
	}
	if !info.Running {
		t.Fatal("Info().Running = false immediately after start")
	}

	got := h.SetName("renamed")
	if got != "renamed" {
		t.Fatalf("SetName() = %q", got)
	}

	dims := h.Resize(100, 40)
	if dims.Cols != 100 || dims.Rows != 40 {
		t.Fatalf("Resize() = %+v", dims)
	}

	dims = h.Resize(0, 5000)
	if dims.Cols != minDimension || dims.Rows != maxDimension {
		t.Fatalf("Resize(0, 5000) = %+v, want (%d, %d)", dims, minDimension, maxDimension)
	}
}

func TestClampDimension(t *testing.T) {
	cases := []struct {
		in   uint16
		want uint16
	}{
		{0, minDimension},
		{1, 1},
		{500, 500},
		{501, maxDimension},
		{65535, maxDimension},
	}
	for _, c := range cases {
		if got := clampDimension(c.in); got != c.want {
			t.Errorf("clampDimension(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestHostRejectsUnknownShellType(t *testing.T) {
	registry := shell.NewRegistry()
	_, err := New(Options{SessionID: "sess2", ShellType: ipc.ShellUnknown}, registry)
	if err == nil {
		t.Fatal("expected error for unknown shell type")
	}
}

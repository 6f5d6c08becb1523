package logging

import (
	"bytes"
	"log/slog"
	"testing"
	"time"
)

func TestRingFlushesBacklogOnError(t *testing.T) {
	var sink bytes.Buffer
	r := NewRing(&sink, 10, time.Hour)

	r.observe(time.Now(), slog.LevelInfo, "starting up", "")
	r.observe(time.Now(), slog.LevelDebug, "probing pty", "")
	r.observe(time.Now(), slog.LevelError, "pty exited unexpectedly", "")

	if sink.Len() == 0 {
		t.Fatal("expected flush to write backlog to sink")
	}
	if len(r.Snapshot()) != 0 {
		t.Fatalf("Snapshot() len = %d, want 0 after flush", len(r.Snapshot()))
	}
}

func TestRingRespectsCooldown(t *testing.T) {
	var sink bytes.Buffer
	r := NewRing(&sink, 10, time.Hour)

	now := time.Now()
	r.observe(now, slog.LevelError, "first failure", "")
	firstLen := sink.Len()
	r.observe(now.Add(time.Millisecond), slog.LevelError, "second failure", "")
	if sink.Len() != firstLen {
		t.Fatal("expected cooldown to suppress second flush")
	}
}

func TestRingCapacityBound(t *testing.T) {
	var sink bytes.Buffer
	r := NewRing(&sink, 3, time.Hour)
	for i := 0; i < 10; i++ {
		r.observe(time.Now(), slog.LevelInfo, "line", "")
	}
	if len(r.Snapshot()) != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", len(r.Snapshot()))
	}
}

func TestResetCooldownAllowsImmediateReflush(t *testing.T) {
	var sink bytes.Buffer
	r := NewRing(&sink, 10, time.Hour)
	now := time.Now()
	r.observe(now, slog.LevelError, "first", "")
	firstLen := sink.Len()
	r.ResetCooldown()
	r.observe(now, slog.LevelInfo, "context", "")
	r.observe(now, slog.LevelError, "second", "")
	if sink.Len() <= firstLen {
		t.Fatal("expected flush after cooldown reset")
	}
}

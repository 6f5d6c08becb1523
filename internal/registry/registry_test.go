package registry

import (
	"testing"
	"time"
)

func TestCreateStartsInSpawning(t *testing.T) {
	r := New(nil)
	s, err := r.Create("ab12cd34", "bash", 80, 24, time.Now())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.State != Spawning {
		t.Fatalf("State = %s, want spawning", s.State)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	r := New(nil)
	if _, err := r.Create("ab12cd34", "bash", 80, 24, time.Now()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.Create("ab12cd34", "bash", 80, 24, time.Now()); err == nil {
		t.Fatal("expected error for duplicate session id")
	}
}

func TestStateMachineTransitions(t *testing.T) {
	r := New(nil)
	if _, err := r.Create("ab12cd34", "bash", 80, 24, time.Now()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.AttachHost("ab12cd34", 4242); err != nil {
		t.Fatalf("AttachHost() error = %v", err)
	}
	s, _ := r.Get("ab12cd34")
	if s.State != Handshaking {
		t.Fatalf("State = %s, want handshaking", s.State)
	}

	if err := r.MarkRunning("ab12cd34", 4243, "/home/user"); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	s, _ = r.Get("ab12cd34")
	if s.State != Running || !s.Running {
		t.Fatalf("state after MarkRunning = %+v", s)
	}

	if err := r.SetStateChange("ab12cd34", false, true, 0, false, ""); err != nil {
		t.Fatalf("SetStateChange() error = %v", err)
	}
	s, _ = r.Get("ab12cd34")
	if s.State != Exiting {
		t.Fatalf("State = %s, want exiting", s.State)
	}

	if err := r.Close("ab12cd34"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	s, _ = r.Get("ab12cd34")
	if s.State != Closed {
		t.Fatalf("State = %s, want closed", s.State)
	}
}

func TestMutateUnknownSessionReturnsErrNotFound(t *testing.T) {
	r := New(nil)
	if err := r.Rename("missing", "x"); err == nil {
		t.Fatal("expected ErrNotFound")
	}
}

func TestListIsOrderSorted(t *testing.T) {
	r := New(nil)
	r.Create("cccccccc", "bash", 80, 24, time.Now())
	r.Create("aaaaaaaa", "bash", 80, 24, time.Now())
	r.Create("bbbbbbbb", "bash", 80, 24, time.Now())

	list := r.List()
	if len(list) != 3 || list[0].ID != "cccccccc" || list[2].ID != "bbbbbbbb" {
		t.Fatalf("List() = %+v, want creation order", list)
	}
}

func TestReorderAppliesExplicitOrder(t *testing.T) {
	r := New(nil)
	r.Create("aaaaaaaa", "bash", 80, 24, time.Now())
	r.Create("bbbbbbbb", "bash", 80, 24, time.Now())

	if err := r.Reorder([]string{"bbbbbbbb", "aaaaaaaa"}); err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	list := r.List()
	if list[0].ID != "bbbbbbbb" || list[1].ID != "aaaaaaaa" {
		t.Fatalf("List() after reorder = %+v", list)
	}
}

func TestMutationsNotifyCallback(t *testing.T) {
	var notified []Session
	r := New(func(s Session) { notified = append(notified, s) })
	r.Create("ab12cd34", "bash", 80, 24, time.Now())
	r.Rename("ab12cd34", "worker")

	if len(notified) != 2 {
		t.Fatalf("notified %d times, want 2", len(notified))
	}
	if notified[1].DisplayName != "worker" {
		t.Fatalf("notified[1].DisplayName = %q, want worker", notified[1].DisplayName)
	}
}

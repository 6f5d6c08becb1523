package ptyhost

import "testing"

func TestOSC7TrackerUnixPath(t *testing.T) {
	var tr osc7Tracker
	chunk := []byte("\x1b]7;file://host/home/user/project\x07")
	cwd, changed := tr.Scan(chunk)
	if !changed || cwd != "/home/user/project" {
		t.Fatalf("Scan() = (%q, %v), want (/home/user/project, true)", cwd, changed)
	}
}

func TestOSC7TrackerIgnoresUnchangedPath(t *testing.T) {
	var tr osc7Tracker
	chunk := []byte("\x1b]7;file://host/tmp\x07")
	tr.Scan(chunk)
	_, changed := tr.Scan(chunk)
	if changed {
		t.Fatal("expected no change on repeated identical path")
	}
}

func TestOSC7TrackerEscTerminator(t *testing.T) {
	var tr osc7Tracker
	chunk := []byte("\x1b]7;file://host/var/log\x1b\\")
	cwd, changed := tr.Scan(chunk)
	if !changed || cwd != "/var/log" {
		t.Fatalf("Scan() = (%q, %v)", cwd, changed)
	}
}

func TestOSC7TrackerNoSequence(t *testing.T) {
	var tr osc7Tracker
	_, changed := tr.Scan([]byte("just some output\r\n"))
	if changed {
		t.Fatal("expected no change without OSC-7 sequence")
	}
}

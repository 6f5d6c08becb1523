package shell

import (
	"testing"

	"midterm/internal/ipc"
)

func TestRegistryLookupKnownTypes(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []ipc.ShellType{ipc.ShellPwsh, ipc.ShellPowershell, ipc.ShellCmd, ipc.ShellBash, ipc.ShellZsh} {
		v, err := r.Lookup(typ)
		if err != nil {
			t.Fatalf("Lookup(%s) error = %v", typ, err)
		}
		if v.Type() != typ {
			t.Fatalf("Lookup(%s).Type() = %s", typ, v.Type())
		}
	}
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup(ipc.ShellUnknown); err == nil {
		t.Fatal("expected error for ShellUnknown")
	}
}

func TestBashVariantArgsAndOSC7(t *testing.T) {
	v := newBash()
	if v.Type() != ipc.ShellBash {
		t.Fatalf("Type() = %s, want bash", v.Type())
	}
	if !v.SupportsOSC7() {
		t.Fatal("expected bash to support OSC-7")
	}
	args := v.Args()
	if len(args) != 1 || args[0] != "-l" {
		t.Fatalf("Args() = %v, want [-l]", args)
	}
}

func TestCmdVariantNoOSC7(t *testing.T) {
	v := newCmd()
	if v.SupportsOSC7() {
		t.Fatal("expected cmd.exe to not support OSC-7")
	}
}

func TestEnvIncludesTermOnUnixLikeDefaults(t *testing.T) {
	v := newZsh()
	env := v.Env("ab12cd34")
	found := false
	for _, kv := range env {
		if kv == "TERM=xterm-256color" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Env() = %v, want TERM=xterm-256color present", env)
	}
}

func TestRegistryDefaultReturnsAvailableVariant(t *testing.T) {
	r := NewRegistry()
	v := r.Default()
	if v == nil {
		t.Fatal("Default() returned nil")
	}
}

func TestArgsReturnsCopyNotAlias(t *testing.T) {
	v := newPwsh()
	a := v.Args()
	if len(a) > 0 {
		a[0] = "mutated"
	}
	b := v.Args()
	if len(b) > 0 && b[0] == "mutated" {
		t.Fatal("Args() leaked internal slice")
	}
}

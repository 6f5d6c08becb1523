// Package shell resolves the closed set of supported shells into concrete
// launch parameters. Shell configuration is a tagged variant rather than
// an open-ended plugin: {pwsh, powershell, cmd, bash, zsh}, each with its
// own executable resolution, argv, environment, and OSC-7 support.
package shell

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"midterm/internal/ipc"
)

// Variant resolves one shell type's launch parameters for the current
// platform.
type Variant interface {
	Type() ipc.ShellType
	// Executable resolves the absolute or PATH-searchable executable name.
	Executable() (string, error)
	// Args returns the argv (excluding argv[0]) for an interactive login
	// shell appropriate to this variant.
	Args() []string
	// Env returns additional environment variables layered over the
	// process's own environment, mimicking a native terminal session.
	Env(sessionID string) []string
	// Available reports whether this variant can be launched on the
	// current platform (executable resolvable).
	Available() bool
	// SupportsOSC7 reports whether the shell is expected to emit OSC-7
	// CWD-reporting escapes out of the box.
	SupportsOSC7() bool
}

type baseVariant struct {
	typ           ipc.ShellType
	exeCandidates []string
	args          []string
	supportsOSC7  bool
}

func (b baseVariant) Type() ipc.ShellType { return b.typ }
func (b baseVariant) Args() []string      { return append([]string(nil), b.args...) }
func (b baseVariant) SupportsOSC7() bool  { return b.supportsOSC7 }

func (b baseVariant) Executable() (string, error) {
	for _, candidate := range b.exeCandidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("shell %s: no executable found among %v", b.typ, b.exeCandidates)
}

func (b baseVariant) Available() bool {
	_, err := b.Executable()
	return err == nil
}

func (b baseVariant) Env(sessionID string) []string {
	env := []string{
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	}
	if runtime.GOOS == "windows" {
		env = append(env, "WT_SESSION="+sessionID, "WT_PROFILE_ID="+b.typ.String())
	} else {
		if sh, err := b.Executable(); err == nil {
			env = append(env, "SHELL="+sh)
		}
	}
	return env
}

func newBash() Variant {
	return baseVariant{typ: ipc.ShellBash, exeCandidates: []string{"bash"}, args: []string{"-l"}, supportsOSC7: true}
}

func newZsh() Variant {
	return baseVariant{typ: ipc.ShellZsh, exeCandidates: []string{"zsh"}, args: []string{"-l"}, supportsOSC7: true}
}

func newCmd() Variant {
	return baseVariant{typ: ipc.ShellCmd, exeCandidates: []string{"cmd.exe"}, args: nil, supportsOSC7: false}
}

func newPowershell() Variant {
	return baseVariant{typ: ipc.ShellPowershell, exeCandidates: []string{"powershell.exe"}, args: []string{"-NoLogo"}, supportsOSC7: false}
}

func newPwsh() Variant {
	return baseVariant{typ: ipc.ShellPwsh, exeCandidates: []string{"pwsh", "pwsh.exe"}, args: []string{"-NoLogo"}, supportsOSC7: true}
}

// Registry holds one Variant per ShellType and resolves platform defaults.
type Registry struct {
	variants map[ipc.ShellType]Variant
}

// NewRegistry builds the fixed shell-variant registry.
func NewRegistry() *Registry {
	return &Registry{
		variants: map[ipc.ShellType]Variant{
			ipc.ShellBash:       newBash(),
			ipc.ShellZsh:        newZsh(),
			ipc.ShellCmd:        newCmd(),
			ipc.ShellPowershell: newPowershell(),
			ipc.ShellPwsh:       newPwsh(),
		},
	}
}

// Lookup returns the variant for typ, or an error if unknown.
func (r *Registry) Lookup(typ ipc.ShellType) (Variant, error) {
	v, ok := r.variants[typ]
	if !ok {
		return nil, fmt.Errorf("shell: unknown shell type %s", typ)
	}
	return v, nil
}

// Default picks the platform's default shell among those actually
// available (executable found on PATH).
func (r *Registry) Default() Variant {
	order := []ipc.ShellType{ipc.ShellBash, ipc.ShellZsh}
	if runtime.GOOS == "windows" {
		order = []ipc.ShellType{ipc.ShellPwsh, ipc.ShellPowershell, ipc.ShellCmd}
	}
	for _, typ := range order {
		if v := r.variants[typ]; v.Available() {
			return v
		}
	}
	return r.variants[order[len(order)-1]]
}

// DefaultShellFromEnv mirrors native terminal behavior: prefer $SHELL /
// %COMSPEC% if it maps to a known variant, else fall back to Default().
func (r *Registry) DefaultShellFromEnv() Variant {
	var envShell string
	if runtime.GOOS == "windows" {
		envShell = os.Getenv("COMSPEC")
	} else {
		envShell = os.Getenv("SHELL")
	}
	for _, v := range r.variants {
		if exe, err := v.Executable(); err == nil && exe == envShell {
			return v
		}
	}
	return r.Default()
}

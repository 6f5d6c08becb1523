// Package terminal owns one PTY-backed shell process for a single session.
package terminal

import (
	"io"
	"os"
	"os/exec"
	"sync"

	"midterm/internal/procutil"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// Config configures a terminal process.
type Config struct {
	Shell   string
	Args    []string
	Dir     string
	Env     []string
	Columns int
	Rows    int
}

// Terminal wraps one PTY process. Either ptmx (creack/pty, both platforms)
// or the stdin/stdout/stderr pipe trio is populated, never both.
type Terminal struct {
	mu       sync.RWMutex
	cmd      *exec.Cmd
	ptmx     *os.File
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	closed   bool
	closeErr error
}

// startPipeMode starts a process in pipe mode, used when the platform or
// environment cannot allocate a PTY (e.g. no ConPTY on older Windows).
//
// SECURITY: cfg.Shell and cfg.Args come from the resolved shell variant
// (internal/shell), never directly from untrusted input.
func startPipeMode(cfg Config) (*Terminal, error) {
	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	procutil.HideWindow(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, err
	}
	return &Terminal{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// Command tty-host is the per-session TTYHOST process: it owns exactly one
// PTY-backed shell and answers the coordinator's IPC requests for it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"midterm/internal/config"
	"midterm/internal/ipc"
	"midterm/internal/logging"
	"midterm/internal/ptyhost"
	"midterm/internal/shell"
)

const version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tty-host", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: tty-host --session <id> [--shell <type>] [--cwd <path>] [--cols <n>] [--rows <n>] [--debug]")
		fs.PrintDefaults()
	}

	sessionID := fs.String("session", "", "session id this host serves (required)")
	shellName := fs.String("shell", "", "shell variant to launch (defaults to $SHELL or platform default)")
	cwd := fs.String("cwd", "", "initial working directory (defaults to the current directory)")
	cols := fs.Uint("cols", 80, "initial terminal width in columns")
	rows := fs.Uint("rows", 24, "initial terminal height in rows")
	debug := fs.Bool("debug", false, "enable debug-level logging")
	showVersion := fs.Bool("version", false, "print the version and exit")
	fs.BoolVar(showVersion, "v", false, "print the version and exit (shorthand)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println(version)
		return 0
	}
	if !ipc.ValidSessionID(*sessionID) {
		fmt.Fprintln(os.Stderr, "tty-host: --session is required and must be an 8-character session id")
		fs.Usage()
		return 2
	}

	// This line's wording and placement is load-bearing: the coordinator
	// reads it off the child's stdout to know the host has started.
	fmt.Printf("tty-host %s starting for session %s\n", version, *sessionID)

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logFile, err := logging.OpenRotatingFile(filepath.Join(config.DefaultLogDir(), "tty-host-"+*sessionID+".log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tty-host: open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()

	ring := logging.NewRing(logFile, 1000, 10*time.Second)
	slog.SetDefault(slog.New(ring.Handler(level)))

	registry := shell.NewRegistry()
	variant, resolveErr := resolveVariant(registry, *shellName)
	if resolveErr != nil {
		slog.Error("tty-host: resolve shell", "error", resolveErr)
		return 1
	}

	dir := *cwd
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}

	host, err := ptyhost.New(ptyhost.Options{
		SessionID:   *sessionID,
		DisplayName: *sessionID,
		ShellType:   variant.Type(),
		Dir:         dir,
		Cols:        uint16(*cols),
		Rows:        uint16(*rows),
		CreatedAt:   time.Now(),
	}, registry)
	if err != nil {
		slog.Error("tty-host: start pty", "error", err)
		return 1
	}
	defer host.Close()

	server := ipc.NewServer(host)
	endpoint := ipc.EndpointName(*sessionID)
	if err := server.Start(endpoint); err != nil {
		slog.Error("tty-host: start ipc server", "error", err)
		return 1
	}
	host.SetServer(server)
	defer server.Stop()

	stateDir := config.DefaultStateDir()
	manifest := ipc.Manifest{
		SessionID: *sessionID,
		HostPID:   os.Getpid(),
		Endpoint:  endpoint,
		CreatedAt: time.Now(),
	}
	if err := ipc.WriteManifest(stateDir, manifest); err != nil {
		slog.Error("tty-host: write manifest", "error", err)
		return 1
	}
	defer ipc.RemoveManifest(stateDir, *sessionID)

	slog.Info("tty-host: ready", "session", *sessionID, "shell", variant.Type().String(), "endpoint", endpoint)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	slog.Info("tty-host: shutting down", "session", *sessionID)
	return 0
}

func resolveVariant(registry *shell.Registry, name string) (shell.Variant, error) {
	if name == "" {
		return registry.DefaultShellFromEnv(), nil
	}
	return registry.Lookup(ipc.ParseShellType(name))
}

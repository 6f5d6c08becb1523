// Command midterm is the coordinator: it owns the session registry, the
// browser-facing WebSocket surface, and the tty-host subprocess lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"midterm/internal/auth"
	"midterm/internal/broker"
	"midterm/internal/config"
	"midterm/internal/hostclient"
	"midterm/internal/housekeeping"
	"midterm/internal/logging"
	"midterm/internal/mux"
	"midterm/internal/registry"
	"midterm/internal/server"
	"midterm/internal/statechannel"
)

const version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("midterm", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: midterm [--port <n>] [--bind <addr>] [--service|--launcher]")
		fs.PrintDefaults()
	}

	port := fs.Int("port", 2000, "port to listen on")
	bind := fs.String("bind", "0.0.0.0", "address to bind")
	fs.Bool("service", false, "run under the platform service manager (no-op outside it)")
	fs.Bool("launcher", false, "run under midterm-launcher's supervision (no-op outside it)")
	showVersion := fs.Bool("version", false, "print the version and exit")
	fs.BoolVar(showVersion, "v", false, "print the version and exit (shorthand)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println(version)
		return 0
	}
	if *port < 1 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "midterm: --port must be between 1 and 65535")
		return 2
	}

	logFile, err := logging.OpenRotatingFile(filepath.Join(config.DefaultLogDir(), "midterm.log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "midterm: open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()

	ring := logging.NewRing(logFile, 1000, 10*time.Second)
	slog.SetDefault(slog.New(ring.Handler(slog.LevelInfo)))

	cfg, err := config.EnsureFile(config.DefaultPath())
	if err != nil {
		slog.Error("midterm: load config", "error", err)
		return 1
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		slog.SetDefault(slog.New(ring.Handler(level)))
	}

	gate := auth.NewGate(cfg.AuthenticationEnabled, cfg.PasswordHash)

	watcher, err := config.WatchFile(config.DefaultPath(), func(c config.Config) {
		gate.Update(c.AuthenticationEnabled, c.PasswordHash)
		slog.Info("midterm: config reloaded")
	})
	if err != nil {
		slog.Warn("midterm: config watch unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	var stateCh *statechannel.Channel
	reg := registry.New(func(s registry.Session) {
		if stateCh != nil {
			stateCh.OnMutate(s)
		}
	})
	stateCh = statechannel.New(reg)

	ttyHostPath, err := resolveTTYHostPath()
	if err != nil {
		slog.Error("midterm: locate tty-host binary", "error", err)
		return 1
	}
	sink := &hubSink{}
	hostMgr := hostclient.New(ttyHostPath, reg, sink)
	hub := mux.NewHub(hostMgr)
	sink.hub = hub

	stateDir := config.DefaultStateDir()
	if n, err := hostMgr.ReclaimOrphans(stateDir); err != nil {
		slog.Warn("midterm: orphan reclaim", "error", err)
	} else if n > 0 {
		slog.Info("midterm: reclaimed orphaned sessions", "count", n)
	}

	scheduler := housekeeping.New(reg, ring, housekeeping.DefaultGracePeriod)
	if err := scheduler.Start(); err != nil {
		slog.Error("midterm: start housekeeping", "error", err)
		return 1
	}
	defer scheduler.Stop()

	brokers := map[string]*broker.Broker{
		"/ws/settings": broker.New(gate.Authorized),
		"/ws/git":      broker.New(gate.Authorized),
		"/ws/auth":     broker.New(gate.Authorized),
	}

	httpServer := server.New(server.Options{
		Bind:    *bind,
		Port:    *port,
		Hub:     hub,
		State:   stateCh,
		Gate:    gate,
		Brokers: brokers,
	})
	if err := httpServer.Start(); err != nil {
		slog.Error("midterm: start server", "error", err)
		return 1
	}

	slog.Info("midterm: ready", "addr", httpServer.Addr(), "version", version)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("midterm: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("midterm: shutdown", "error", err)
	}
	return 0
}

// resolveTTYHostPath locates the tty-host binary alongside the running
// coordinator binary, falling back to $PATH for development setups where
// both binaries are installed separately.
func resolveTTYHostPath() (string, error) {
	exe, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(exe), ttyHostBinaryName())
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(ttyHostBinaryName())
	if err != nil {
		return "", fmt.Errorf("tty-host binary not found next to %s or on PATH: %w", exe, err)
	}
	return path, nil
}

func ttyHostBinaryName() string {
	if os.PathSeparator == '\\' {
		return "tty-host.exe"
	}
	return "tty-host"
}

// hubSink breaks the construction cycle between hostclient.Manager (needs
// an OutputSink) and mux.Hub (needs a SessionSource implemented by the
// Manager): the Manager is built first against this empty shell, and hub
// is assigned once it exists.
type hubSink struct {
	hub *mux.Hub
}

func (s *hubSink) BroadcastOutput(sessionID string, cols, rows uint16, data []byte) {
	s.hub.BroadcastOutput(sessionID, cols, rows, data)
}

func (s *hubSink) BroadcastSessionState(payload []byte) {
	s.hub.BroadcastSessionState(payload)
}

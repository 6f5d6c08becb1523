//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"midterm/internal/userutil"
)

// socketDir returns the directory unix domain sockets are created under,
// preferring XDG_RUNTIME_DIR so the socket is cleaned up by the OS on
// logout and is not world-readable. When TTYHOST was spawned under a
// de-elevated identity (MM_RUN_AS_USER), the directory is keyed by that
// name instead of the process's own uid, so the coordinator and the
// de-elevated host agree on the same path.
func socketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "midterm")
	}
	if runAsUser := os.Getenv("MM_RUN_AS_USER"); runAsUser != "" {
		return filepath.Join(os.TempDir(), "midterm-"+userutil.SanitizeUsername(runAsUser))
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("midterm-%d", os.Getuid()))
}

// SocketPath returns the filesystem path backing a named endpoint.
func SocketPath(endpoint string) string {
	return filepath.Join(socketDir(), endpoint+".sock")
}

// Listen binds a Unix domain socket for the given endpoint name, removing
// any stale socket file left behind by a crashed prior owner.
func Listen(endpoint string) (net.Listener, error) {
	dir := socketDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	path := SocketPath(endpoint)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// EndpointsOnDisk lists endpoint names with a live socket file present.
// Orphan reclaim does not call it; reclaim discovers hosts from manifests
// (ListManifests) alone.
func EndpointsOnDisk() ([]string, error) {
	entries, err := os.ReadDir(socketDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		const suffix = ".sock"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			names = append(names, name[:len(name)-len(suffix)])
		}
	}
	return names, nil
}

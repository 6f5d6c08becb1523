package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const endpointPrefix = "midterm-tty-"

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{8}$`)

// ValidSessionID reports whether id is a well-formed 8-character session id.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// EndpointName returns the platform-neutral logical name of a session's IPC
// endpoint. Listener/dialer implementations turn this into a concrete
// address (named pipe path on Windows, socket path on Unix).
func EndpointName(sessionID string) string {
	return endpointPrefix + sessionID
}

// SessionIDFromEndpoint extracts the session id from an endpoint name
// produced by EndpointName, used when enumerating endpoints for orphan
// reclaim.
func SessionIDFromEndpoint(name string) (string, bool) {
	if !strings.HasPrefix(name, endpointPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, endpointPrefix)
	if !ValidSessionID(id) {
		return "", false
	}
	return id, true
}

// Manifest is the small on-disk breadcrumb a TTYHOST writes once its
// endpoint is bound, so a coordinator that was not the one to spawn it
// (e.g. after a restart) can discover and dial it. This stands in for
// literal OS-level named-pipe/socket-directory enumeration, which Windows
// does not expose a portable API for; Unix sockets are real files and are
// additionally discoverable by directory listing (see EndpointsOnDisk).
type Manifest struct {
	SessionID string    `json:"sessionId"`
	HostPID   int       `json:"hostPid"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"createdAt"`
}

// ManifestDir returns the directory holding session manifests under the
// given runtime state directory.
func ManifestDir(stateDir string) string {
	return filepath.Join(stateDir, "sessions")
}

func manifestPath(stateDir, sessionID string) string {
	return filepath.Join(ManifestDir(stateDir), sessionID+".json")
}

// WriteManifest persists a manifest entry, creating the directory as needed.
func WriteManifest(stateDir string, m Manifest) error {
	dir := ManifestDir(stateDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := manifestPath(stateDir, m.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, manifestPath(stateDir, m.SessionID))
}

// RemoveManifest deletes a session's manifest entry, if present.
func RemoveManifest(stateDir, sessionID string) error {
	err := os.Remove(manifestPath(stateDir, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListManifests enumerates all manifest entries under stateDir. Corrupt
// entries are skipped rather than failing the whole scan.
func ListManifests(stateDir string) ([]Manifest, error) {
	dir := ManifestDir(stateDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

package hostclient

import (
	"log/slog"

	"midterm/internal/ipc"
)

// ReclaimOrphans runs once at coordinator startup: it enumerates session
// manifests left behind under stateDir (written by tty-host processes that
// may have outlived a prior coordinator instance), dials each one, and
// adopts any that answer the handshake back into the registry. Manifests
// for hosts that no longer answer are removed.
func (m *Manager) ReclaimOrphans(stateDir string) (int, error) {
	manifests, err := ipc.ListManifests(stateDir)
	if err != nil {
		return 0, err
	}

	adopted := 0
	for _, manifest := range manifests {
		if m.adoptManifest(stateDir, manifest) {
			adopted++
		}
	}
	return adopted, nil
}

func (m *Manager) adoptManifest(stateDir string, manifest ipc.Manifest) bool {
	if _, exists := m.registry.Get(manifest.SessionID); exists {
		return false
	}

	if _, err := m.registry.Create(manifest.SessionID, "", 0, 0, manifest.CreatedAt); err != nil {
		slog.Warn("hostclient: reclaim: register session failed", "session", manifest.SessionID, "error", err)
		return false
	}

	sc := &sessionConn{id: manifest.SessionID, mgr: m}
	client, err := ipc.Dial(manifest.Endpoint, sc, sc.onClose)
	if err != nil {
		slog.Info("hostclient: reclaim: host unreachable, discarding manifest", "session", manifest.SessionID, "error", err)
		m.registry.Close(manifest.SessionID)
		m.registry.Remove(manifest.SessionID)
		ipc.RemoveManifest(stateDir, manifest.SessionID)
		return false
	}
	sc.client = client

	m.registry.AttachHost(manifest.SessionID, int32(manifest.HostPID))

	info, err := client.GetInfo()
	if err != nil {
		slog.Warn("hostclient: reclaim: handshake failed", "session", manifest.SessionID, "error", err)
		client.Close()
		m.registry.Close(manifest.SessionID)
		m.registry.Remove(manifest.SessionID)
		ipc.RemoveManifest(stateDir, manifest.SessionID)
		return false
	}

	m.registry.MarkRunning(manifest.SessionID, info.PtyPID, info.Cwd)
	m.registry.Rename(manifest.SessionID, info.DisplayName)

	m.mu.Lock()
	m.sessions[manifest.SessionID] = sc
	m.mu.Unlock()

	slog.Info("hostclient: reclaimed orphaned session", "session", manifest.SessionID, "hostPid", manifest.HostPID)
	return true
}

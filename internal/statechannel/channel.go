// Package statechannel serves the session-list WebSocket (GET /ws/state):
// a JSON snapshot of every tracked session, pushed to every connected
// client whenever the registry mutates, debounced so a burst of mutations
// (e.g. every session resizing during a window resize) collapses into one
// snapshot.
package statechannel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/gorilla/websocket"

	"midterm/internal/registry"
)

const debounceInterval = 50 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// SessionDescriptor is the wire shape of one session in a snapshot.
type SessionDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Shell       string `json:"shell"`
	Cols        uint16 `json:"cols"`
	Rows        uint16 `json:"rows"`
	State       string `json:"state"`
	Running     bool   `json:"running"`
	HasExitCode bool   `json:"hasExitCode"`
	ExitCode    int32  `json:"exitCode"`
	Cwd         string `json:"cwd"`
	Order       int    `json:"order"`
	Detached    bool   `json:"detached"`
}

// Snapshot is the full message body sent to every client.
type Snapshot struct {
	Sessions []SessionDescriptor `json:"sessions"`
}

// visible reports whether a session has progressed far enough to be shown
// to clients. Spawning and Handshaking are internal bring-up states; a
// session appears atomically once it reaches Running.
func visible(s registry.Session) bool {
	return s.State == registry.Running || s.State == registry.Exiting
}

func describe(s registry.Session) SessionDescriptor {
	return SessionDescriptor{
		ID:          s.ID,
		DisplayName: s.DisplayName,
		Shell:       s.Shell,
		Cols:        s.Cols,
		Rows:        s.Rows,
		State:       s.State.String(),
		Running:     s.Running,
		HasExitCode: s.HasExitCode,
		ExitCode:    s.ExitCode,
		Cwd:         s.Cwd,
		Order:       s.Order,
		Detached:    s.Detached,
	}
}

// Channel fans registry mutations out to every connected /ws/state client
// as a debounced full snapshot.
type Channel struct {
	reg *registry.Registry

	debounced func(func())

	mu    sync.Mutex
	conns map[*clientConn]struct{}
}

type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// New builds a Channel. Call OnMutate as the registry's onMutate hook.
func New(reg *registry.Registry) *Channel {
	return &Channel{
		reg:       reg,
		debounced: debounce.New(debounceInterval),
		conns:     make(map[*clientConn]struct{}),
	}
}

// OnMutate is the registry mutation hook: schedule a debounced broadcast.
func (c *Channel) OnMutate(registry.Session) {
	c.debounced(c.broadcastSnapshot)
}

func (c *Channel) broadcastSnapshot() {
	sessions := c.reg.List()
	descriptors := make([]SessionDescriptor, 0, len(sessions))
	for _, s := range sessions {
		if !visible(s) {
			continue
		}
		descriptors = append(descriptors, describe(s))
	}
	raw, err := json.Marshal(Snapshot{Sessions: descriptors})
	if err != nil {
		slog.Error("statechannel: marshal snapshot failed", "error", err)
		return
	}

	c.mu.Lock()
	conns := make([]*clientConn, 0, len(c.conns))
	for cc := range c.conns {
		conns = append(conns, cc)
	}
	c.mu.Unlock()

	for _, cc := range conns {
		cc.send(raw)
	}
}

// ServeHTTP upgrades the connection and sends an immediate full snapshot,
// so a late subscriber does not wait for the next mutation.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("statechannel: upgrade failed", "error", err)
		return
	}
	cc := &clientConn{ws: ws}

	c.mu.Lock()
	c.conns[cc] = struct{}{}
	c.mu.Unlock()

	c.sendInitialSnapshot(cc)

	go c.readUntilClose(cc)
}

func (c *Channel) sendInitialSnapshot(cc *clientConn) {
	sessions := c.reg.List()
	descriptors := make([]SessionDescriptor, 0, len(sessions))
	for _, s := range sessions {
		if !visible(s) {
			continue
		}
		descriptors = append(descriptors, describe(s))
	}
	raw, err := json.Marshal(Snapshot{Sessions: descriptors})
	if err != nil {
		slog.Error("statechannel: marshal initial snapshot failed", "error", err)
		return
	}
	cc.send(raw)
}

// readUntilClose discards client messages (the state channel is read-only
// from the client's perspective) and removes cc once the connection ends.
func (c *Channel) readUntilClose(cc *clientConn) {
	defer func() {
		c.mu.Lock()
		delete(c.conns, cc)
		c.mu.Unlock()
		cc.ws.Close()
	}()
	for {
		if _, _, err := cc.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (cc *clientConn) send(raw []byte) {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if err := cc.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return
	}
	if err := cc.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		slog.Debug("statechannel: write failed, closing connection", "error", err)
		go cc.ws.Close()
	}
}

// RegisterRoutes mounts the state channel at pattern on mux.
func (c *Channel) RegisterRoutes(mux *http.ServeMux, pattern string) {
	mux.HandleFunc(pattern, c.ServeHTTP)
}

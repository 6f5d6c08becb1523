// Package broker is the generic publish/subscribe boundary the core
// exposes for external collaborators (settings, git, auth) per spec.md
// §4.5: external code registers a channel name, and may publish typed
// messages to every authenticated client subscribed to it, with the same
// per-client serialized-writes discipline as the mux and state channels.
package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// Authorizer decides whether an incoming subscribe request may proceed.
// internal/auth.Gate.Authorized satisfies this.
type Authorizer func(r *http.Request) bool

// Envelope is the wire shape for every published message: a channel tag
// plus an opaque JSON payload, so one client connection can multiplex
// several external collaborators if the caller chooses to register them
// on the same route.
type Envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Broker fans messages published by external collaborators out to every
// subscribed, authenticated client connection.
type Broker struct {
	authorize Authorizer

	mu    sync.Mutex
	conns map[*conn]struct{}
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// New builds a Broker. authorize may be nil to allow every connection
// (used when the caller's route is already gated upstream).
func New(authorize Authorizer) *Broker {
	return &Broker{authorize: authorize, conns: make(map[*conn]struct{})}
}

// ServeHTTP upgrades a subscriber connection. Subscribers are read-only:
// any inbound message is discarded, the connection is kept alive purely
// to detect disconnects and carry outbound pushes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.authorize != nil && !b.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("broker: upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	b.readUntilClose(c)
}

func (b *Broker) readUntilClose(c *conn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		c.ws.Close()
	}()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish marshals payload and sends it, tagged with channel, to every
// connected subscriber. Intended to be called by external collaborators
// (settings writer, git watcher, auth flow) registered against this
// Broker instance's route.
func (b *Broker) Publish(channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(Envelope{Channel: channel, Payload: raw})
	if err != nil {
		return err
	}

	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.send(envelope)
	}
	return nil
}

func (c *conn) send(raw []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		slog.Debug("broker: write failed, closing connection", "error", err)
		go c.ws.Close()
	}
}

// RegisterRoutes mounts the broker at pattern on mux.
func (b *Broker) RegisterRoutes(mux *http.ServeMux, pattern string) {
	mux.HandleFunc(pattern, b.ServeHTTP)
}

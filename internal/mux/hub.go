package mux

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 5 * time.Second
	readDeadline  = 90 * time.Second
	pingInterval  = 30 * time.Second

	maxReadMessageSize = 64 * 1024

	// softWatermark is the per-connection queued-byte threshold above which
	// a background session's batch may be sent compressed (see
	// compressionThreshold).
	softWatermark = 64 * 1024
	// compressionThreshold is the per-session coalesced-buffer size above
	// which a batch is sent as CompressedOutput instead of Output.
	compressionThreshold = 16 * 1024
	// hardLimit is the per-session buffered-byte ceiling; exceeding it
	// drops the session's pending output and forces a Resync.
	hardLimit = 1 << 20
)

// SessionSource is the coordinator-side boundary the mux hub calls into to
// route client-originated frames and fetch scrollback. Implemented by the
// session registry / host-client layer.
type SessionSource interface {
	Input(sessionID string, data []byte)
	Resize(sessionID string, cols, rows uint16) (newCols, newRows uint16, err error)
	Scrollback(sessionID string) (cols, rows uint16, data []byte, err error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 32 * 1024,
}

// Hub serves GET /ws/mux, multiplexing every session's I/O across however
// many browser tabs are attached. Every connected client sees the same
// per-session Output byte stream (test requirement: two clients, one
// stream).
type Hub struct {
	source SessionSource

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewHub builds a Hub bound to source.
func NewHub(source SessionSource) *Hub {
	return &Hub{source: source, conns: make(map[*Conn]struct{})}
}

// ServeHTTP upgrades the request to a mux WebSocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("mux: upgrade failed", "error", err)
		return
	}
	c := newConn(h, conn)
	h.add(c)
	defer h.remove(c)
	c.serve()
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Hub) each(fn func(*Conn)) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}

// BroadcastOutput fans session output to every connected client.
func (h *Hub) BroadcastOutput(sessionID string, cols, rows uint16, data []byte) {
	h.each(func(c *Conn) { c.enqueueOutput(sessionID, cols, rows, data) })
}

// BroadcastSessionState fans a SessionState notification to every client.
func (h *Hub) BroadcastSessionState(payload []byte) {
	h.each(func(c *Conn) { c.enqueueControl(FrameSessionState, "", payload) })
}

// sessionOutbox accumulates one session's pending output between writer
// drains, the coalescing mechanism: bytes pile up here while the writer is
// busy sending other sessions.
type sessionOutbox struct {
	cols, rows  uint16
	buf         []byte
	needsResync bool
}

// Conn is one browser tab's mux connection: a single WebSocket carrying
// every session's I/O, with per-session prioritization and backpressure.
type Conn struct {
	hub  *Hub
	ws   *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	outboxes map[string]*sessionOutbox
	active   string // last session the client sent TerminalInput for

	notify chan struct{}
	done   chan struct{}
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		hub:      h,
		ws:       ws,
		outboxes: make(map[string]*sessionOutbox),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *Conn) serve() {
	c.ws.SetReadLimit(maxReadMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	go c.writeLoop()
	go c.pingLoop()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("mux: connection handler recovered", "panic", r, "stack", string(debug.Stack()))
		}
		close(c.done)
		_ = c.ws.Close()
	}()

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("mux: read error", "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame, err := Decode(raw)
		if err != nil {
			slog.Warn("mux: malformed frame, closing connection", "error", err)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1011, "protocol violation"), time.Now().Add(writeDeadline))
			return
		}
		c.handleInbound(frame)
	}
}

func (c *Conn) handleInbound(f Frame) {
	switch f.Type {
	case FrameTerminalInput:
		c.mu.Lock()
		c.active = f.SessionID
		c.mu.Unlock()
		c.hub.source.Input(f.SessionID, f.Payload)
	case FrameResize:
		cols, rows, err := DecodeResizePayload(f.Payload)
		if err != nil {
			slog.Warn("mux: bad resize payload", "error", err)
			return
		}
		if _, _, err := c.hub.source.Resize(f.SessionID, cols, rows); err != nil {
			slog.Warn("mux: resize failed", "session", f.SessionID, "error", err)
		}
	case FrameBufferRequest:
		cols, rows, data, err := c.hub.source.Scrollback(f.SessionID)
		if err != nil {
			slog.Warn("mux: scrollback fetch failed", "session", f.SessionID, "error", err)
			return
		}
		c.clearResync(f.SessionID)
		c.enqueueOutput(f.SessionID, cols, rows, data)
	default:
		slog.Debug("mux: ignoring client frame type", "type", f.Type)
	}
}

func (c *Conn) clearResync(sessionID string) {
	c.mu.Lock()
	if ob, ok := c.outboxes[sessionID]; ok {
		ob.needsResync = false
	}
	c.mu.Unlock()
}

func (c *Conn) enqueueOutput(sessionID string, cols, rows uint16, data []byte) {
	c.mu.Lock()
	ob, ok := c.outboxes[sessionID]
	if !ok {
		ob = &sessionOutbox{}
		c.outboxes[sessionID] = ob
	}
	ob.cols, ob.rows = cols, rows

	if len(ob.buf)+len(data) > hardLimit {
		ob.buf = nil
		ob.needsResync = true
		c.mu.Unlock()
		c.enqueueControl(FrameResync, sessionID, nil)
		return
	}
	ob.buf = append(ob.buf, data...)
	c.mu.Unlock()
	c.signal()
}

func (c *Conn) enqueueControl(t FrameType, sessionID string, payload []byte) {
	frame, err := Encode(Frame{Type: t, SessionID: sessionID, Payload: payload})
	if err != nil {
		slog.Warn("mux: encode control frame failed", "error", err)
		return
	}
	c.writeRaw(websocket.BinaryMessage, frame)
}

func (c *Conn) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// writeLoop drains per-session outboxes: the active session (the one the
// client last typed into) is drained first and always sent plain, since
// latency matters more than throughput there; background sessions are
// coalesced while the connection is busy and compressed once a session's
// backlog crosses compressionThreshold while the connection's total queue
// is above softWatermark.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(4 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			c.drain()
		case <-ticker.C:
			c.drain()
		}
	}
}

func (c *Conn) drain() {
	for {
		sessionID, ob, watermark := c.pickNext()
		if sessionID == "" {
			return
		}
		c.sendOutbox(sessionID, ob, watermark)
	}
}

// pickNext selects the next session to flush and detaches its buffer under
// lock, returning the connection's total queued watermark across all
// sessions at selection time.
func (c *Conn) pickNext() (string, *sessionOutbox, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	watermark := 0
	for _, ob := range c.outboxes {
		watermark += len(ob.buf)
	}
	if watermark == 0 {
		return "", nil, 0
	}

	if ob, ok := c.outboxes[c.active]; ok && len(ob.buf) > 0 {
		detached := &sessionOutbox{cols: ob.cols, rows: ob.rows, buf: ob.buf}
		ob.buf = nil
		return c.active, detached, watermark
	}
	for id, ob := range c.outboxes {
		if len(ob.buf) == 0 {
			continue
		}
		detached := &sessionOutbox{cols: ob.cols, rows: ob.rows, buf: ob.buf}
		ob.buf = nil
		return id, detached, watermark
	}
	return "", nil, 0
}

func (c *Conn) sendOutbox(sessionID string, ob *sessionOutbox, watermark int) {
	useCompression := watermark > softWatermark && len(ob.buf) > compressionThreshold && sessionID != c.active
	if useCompression {
		payload, err := EncodeCompressedOutputPayload(ob.cols, ob.rows, ob.buf)
		if err != nil {
			slog.Warn("mux: compress output failed, sending uncompressed", "session", sessionID, "error", err)
		} else {
			c.enqueueControl(FrameCompressedOutput, sessionID, payload)
			return
		}
	}
	payload := EncodeOutputPayload(ob.cols, ob.rows, ob.buf)
	c.enqueueControl(FrameTerminalOutput, sessionID, payload)
}

func (c *Conn) writeRaw(msgType int, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		slog.Warn("mux: set write deadline failed, closing", "error", err)
		_ = c.ws.Close()
		return
	}
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		slog.Warn("mux: write failed, closing connection", "error", err)
		_ = c.ws.Close()
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeRaw(websocket.PingMessage, nil)
		}
	}
}

// RegisterRoutes mounts the mux endpoint on mux-router style multiplexers.
func (h *Hub) RegisterRoutes(mux *http.ServeMux, pattern string) {
	mux.HandleFunc(pattern, h.ServeHTTP)
}

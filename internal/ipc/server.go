package ipc

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Handler answers client requests received on a Server's connection. All
// methods are called from the connection's single read-loop goroutine, so
// implementations do not need to guard against concurrent calls from the
// same connection (concurrent calls from a second, not-yet-accepted
// connection cannot happen: Server serves one client at a time).
type Handler interface {
	Info() SessionInfo
	Input(data []byte)
	Resize(cols, rows uint16) Dimensions
	GetBuffer() []byte
	SetName(name string) string
	SetLogLevel(level uint8) uint8
	Close()
}

const pendingPushCap = 256

// Server is the TTYHOST-side IPC endpoint: it accepts one client
// connection at a time, forcibly replacing any prior connection on
// reattach, and defers pushed Output/StateChange/process-tree frames
// until the handshake (GetInfo -> Info) completes for the current
// connection.
type Server struct {
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	current  *serverConn
	pending  []Frame // pushed while no client is connected; handed to the next connection
	stopped  bool
	wg       sync.WaitGroup
}

type serverConn struct {
	conn net.Conn

	writeMu sync.Mutex

	pendingMu     sync.Mutex
	handshakeDone bool
	pending       []Frame

	closeOnce sync.Once
}

// NewServer creates a Server bound to handler. Call Start to begin
// accepting connections on endpoint.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// Start binds the named endpoint and begins accepting connections.
func (s *Server) Start(endpoint string) error {
	l, err := Listen(endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and the current connection, then waits for the
// accept loop to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	l := s.listener
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	if cur != nil {
		cur.close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		if l == nil {
			return
		}
		conn, err := l.Accept()
		if err != nil {
			return
		}

		sc := &serverConn{conn: conn}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			sc.close()
			return
		}
		prev := s.current
		s.current = sc
		sc.pending, s.pending = s.pending, nil
		s.mu.Unlock()

		// Invariant 2: a session has at most one attached IPC client;
		// force-cancel any prior connection on reattach.
		if prev != nil {
			prev.close()
		}

		s.wg.Add(1)
		go s.serve(sc)
	}
}

func (s *Server) serve(sc *serverConn) {
	defer s.wg.Done()
	defer sc.close()
	defer s.clearIfCurrent(sc)

	reader := bufio.NewReaderSize(sc.conn, MaxPayloadBytes+headerSize)
	for {
		frame, err := ReadFrame(reader)
		if err != nil {
			if errors.Is(err, ErrPayloadTooLarge) {
				slog.Warn("ipc server: oversized payload, closing connection")
			} else if !errors.Is(err, io.EOF) {
				slog.Debug("ipc server: read failed", "error", err)
			}
			return
		}
		s.dispatch(sc, frame)
	}
}

func (s *Server) dispatch(sc *serverConn, frame Frame) {
	switch frame.Type {
	case MsgGetInfo:
		info := s.handler.Info()
		sc.completeHandshake(EncodeInfo(info))
	case MsgInput:
		data, err := DecodeInput(frame.Payload)
		if err != nil {
			slog.Warn("ipc server: malformed Input payload", "error", err)
			return
		}
		s.handler.Input(data)
	case MsgResize:
		dims, err := DecodeDimensions(frame.Payload)
		if err != nil {
			slog.Warn("ipc server: malformed Resize payload", "error", err)
			return
		}
		ack := s.handler.Resize(dims.Cols, dims.Rows)
		sc.writeFrame(Frame{Type: MsgResizeAck, Payload: EncodeDimensions(ack)})
	case MsgGetBuffer:
		sc.writeFrame(Frame{Type: MsgBuffer, Payload: EncodeBuffer(s.handler.GetBuffer())})
	case MsgSetName:
		name, err := DecodeName(frame.Payload)
		if err != nil {
			slog.Warn("ipc server: malformed SetName payload", "error", err)
			return
		}
		applied := s.handler.SetName(name)
		sc.writeFrame(Frame{Type: MsgSetNameAck, Payload: EncodeName(applied)})
	case MsgSetLogLevel:
		level, err := DecodeLogLevel(frame.Payload)
		if err != nil {
			slog.Warn("ipc server: malformed SetLogLevel payload", "error", err)
			return
		}
		applied := s.handler.SetLogLevel(level)
		sc.writeFrame(Frame{Type: MsgSetLogLevelAck, Payload: EncodeLogLevel(applied)})
	case MsgClose:
		s.handler.Close()
		sc.writeFrame(Frame{Type: MsgCloseAck})
	default:
		slog.Debug("ipc server: ignoring unknown message type", "type", frame.Type)
	}
}

func (s *Server) clearIfCurrent(sc *serverConn) {
	s.mu.Lock()
	if s.current == sc {
		s.current = nil
	}
	s.mu.Unlock()
}

// Push delivers a host-initiated frame (Output, StateChange, ProcessEvent,
// ForegroundChange, ProcessSnapshot) to the current client. Frames pushed
// while no client is connected are kept (at most pendingPushCap, oldest
// dropped first) for the next connection. Frames pushed before the current
// connection's handshake completes are queued and flushed, in order,
// immediately after the Info reply.
func (s *Server) Push(f Frame) {
	s.mu.Lock()
	sc := s.current
	if sc == nil {
		if len(s.pending) >= pendingPushCap {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, f)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	sc.push(f)
}

func (sc *serverConn) push(f Frame) {
	sc.pendingMu.Lock()
	if !sc.handshakeDone {
		if len(sc.pending) >= pendingPushCap {
			sc.pending = sc.pending[1:]
		}
		sc.pending = append(sc.pending, f)
		sc.pendingMu.Unlock()
		return
	}
	sc.pendingMu.Unlock()
	sc.writeFrame(f)
}

// completeHandshake sends the Info reply and flushes any frames queued
// while the handshake was pending, all under one write-lock hold so no
// later Push can race ahead of the flush.
func (sc *serverConn) completeHandshake(infoPayload []byte) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if !sc.writeFrameLocked(Frame{Type: MsgInfo, Payload: infoPayload}) {
		return
	}

	sc.pendingMu.Lock()
	toFlush := sc.pending
	sc.pending = nil
	sc.handshakeDone = true
	sc.pendingMu.Unlock()

	for _, f := range toFlush {
		if !sc.writeFrameLocked(f) {
			return
		}
	}
}

func (sc *serverConn) writeFrame(f Frame) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	sc.writeFrameLocked(f)
}

// writeFrameLocked writes one frame, dropping (closing) the connection on
// failure per the "write failure is logged and the connection is dropped"
// rule; the host process keeps running and accepts the next client.
func (sc *serverConn) writeFrameLocked(f Frame) bool {
	if err := WriteFrame(sc.conn, f); err != nil {
		slog.Warn("ipc server: write failed, dropping connection", "error", err, "type", f.Type)
		go sc.close()
		return false
	}
	return true
}

func (sc *serverConn) close() {
	sc.closeOnce.Do(func() {
		sc.conn.Close()
	})
}

const headerSize = 5

package ipc

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeHandler struct {
	mu      sync.Mutex
	info    SessionInfo
	inputs  [][]byte
	cols    uint16
	rows    uint16
	buffer  []byte
	name    string
	closed  bool
}

func (h *fakeHandler) Info() SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

func (h *fakeHandler) Input(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputs = append(h.inputs, append([]byte(nil), data...))
}

func (h *fakeHandler) Resize(cols, rows uint16) Dimensions {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cols, h.rows = cols, rows
	return Dimensions{Cols: cols, Rows: rows}
}

func (h *fakeHandler) GetBuffer() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.buffer...)
}

func (h *fakeHandler) SetName(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.name = name
	return name
}

func (h *fakeHandler) SetLogLevel(level uint8) uint8 { return level }

func (h *fakeHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

type recordingPush struct {
	output chan OutputPayload
	state  chan StateChangePayload
}

func newRecordingPush() *recordingPush {
	return &recordingPush{
		output: make(chan OutputPayload, 16),
		state:  make(chan StateChangePayload, 16),
	}
}

func (p *recordingPush) OnOutput(o OutputPayload)                     { p.output <- o }
func (p *recordingPush) OnStateChange(s StateChangePayload)           { p.state <- s }
func (p *recordingPush) OnProcessEvent(ProcessEventPayload)           {}
func (p *recordingPush) OnForegroundChange(ForegroundChangePayload)   {}
func (p *recordingPush) OnProcessSnapshot(ProcessSnapshotPayload)     {}

func testEndpoint(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-%d", time.Now().UnixNano())
}

func TestServerClientHandshakeAndRequests(t *testing.T) {
	endpoint := testEndpoint(t)
	handler := &fakeHandler{
		info:   SessionInfo{SessionID: "ab12cd34", Shell: ShellBash, Cols: 80, Rows: 24, Running: true},
		buffer: []byte("scrollback"),
	}
	srv := NewServer(handler)
	if err := srv.Start(endpoint); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Stop()

	push := newRecordingPush()
	client, err := Dial(endpoint, push, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	info, err := client.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if info.SessionID != "ab12cd34" {
		t.Fatalf("GetInfo().SessionID = %q, want ab12cd34", info.SessionID)
	}

	if err := client.Input([]byte("echo hi\n")); err != nil {
		t.Fatalf("Input() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	handler.mu.Lock()
	gotInputs := len(handler.inputs)
	handler.mu.Unlock()
	if gotInputs != 1 {
		t.Fatalf("handler received %d inputs, want 1", gotInputs)
	}

	dims, err := client.Resize(132, 40)
	if err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	if dims.Cols != 132 || dims.Rows != 40 {
		t.Fatalf("Resize() = %+v, want (132,40)", dims)
	}

	buf, err := client.GetBuffer()
	if err != nil {
		t.Fatalf("GetBuffer() error = %v", err)
	}
	if string(buf) != "scrollback" {
		t.Fatalf("GetBuffer() = %q, want scrollback", buf)
	}

	name, err := client.SetName("worker")
	if err != nil {
		t.Fatalf("SetName() error = %v", err)
	}
	if name != "worker" {
		t.Fatalf("SetName() = %q, want worker", name)
	}
}

// TestHandshakeBeforeOutput verifies the handshake ordering rule: a push
// frame emitted before the client's GetInfo completes must not reach the
// client ahead of the Info reply.
func TestHandshakeBeforeOutput(t *testing.T) {
	endpoint := testEndpoint(t)
	handler := &fakeHandler{info: SessionInfo{SessionID: "zz99yy88"}}
	srv := NewServer(handler)
	if err := srv.Start(endpoint); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Stop()

	// Push before any client connects: must be buffered, not dropped.
	srv.Push(Frame{Type: MsgOutput, Payload: EncodeOutput(OutputPayload{Cols: 80, Rows: 24, Data: []byte("early")})})

	push := newRecordingPush()
	client, err := Dial(endpoint, push, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	select {
	case <-push.output:
		t.Fatal("received Output before handshake completed")
	case <-time.After(30 * time.Millisecond):
	}

	if _, err := client.GetInfo(); err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}

	select {
	case out := <-push.output:
		if string(out.Data) != "early" {
			t.Fatalf("Output.Data = %q, want early", out.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected buffered Output to flush after handshake")
	}
}

func TestServerReattachCancelsPriorConnection(t *testing.T) {
	endpoint := testEndpoint(t)
	handler := &fakeHandler{info: SessionInfo{SessionID: "reattach1"}}
	srv := NewServer(handler)
	if err := srv.Start(endpoint); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Stop()

	first, err := Dial(endpoint, newRecordingPush(), nil)
	if err != nil {
		t.Fatalf("Dial() first error = %v", err)
	}
	if _, err := first.GetInfo(); err != nil {
		t.Fatalf("first GetInfo() error = %v", err)
	}

	closed := make(chan struct{})
	second, err := Dial(endpoint, newRecordingPush(), nil)
	if err != nil {
		t.Fatalf("Dial() second error = %v", err)
	}
	defer second.Close()
	go func() {
		_, _ = first.GetInfo()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("expected prior connection to be cancelled on reattach")
	}
}

package chat_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/tabletalk-chat/internal/chat"
	"github.com/omochice/tabletalk-chat/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	writtenMu  sync.Mutex
	written    [][]byte
	writeErr   error
	block      chan struct{}
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 64),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

// newBlockingConn returns a conn whose writes never complete until it is
// closed.
func newBlockingConn(addr string) *mockConn {
	m := newMockConn(addr)
	m.block = make(chan struct{})
	return m
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.EOF
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-m.closed:
			return io.ErrClosedPipe
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) GetWritten() [][]byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return append([][]byte(nil), m.written...)
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// push encodes msg as the client would and queues it for the session to read.
func (m *mockConn) push(t *testing.T, codec protocol.Codec, msg protocol.Message) {
	t.Helper()
	data, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Encode(%T) error = %v", msg, err)
	}
	m.readCh <- data
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitClosed(t *testing.T, s *chat.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s was not closed", s.Identity())
	}
}

// serve runs s in the background and returns the result of Serve.
func serve(t *testing.T, s *chat.Session, h chat.Handler) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		errCh <- s.Serve(context.Background(), h)
		close(finished)
	}()
	waitFor(t, "session start", func() bool { return s.State() != chat.StateConnecting })
	t.Cleanup(func() {
		s.Close()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Errorf("Serve() did not return after Close")
		}
	})
	return errCh
}

func decodeResponses(t *testing.T, codec protocol.Codec, frames [][]byte) []*protocol.ChatResponse {
	t.Helper()
	out := make([]*protocol.ChatResponse, 0, len(frames))
	for _, f := range frames {
		msg, err := codec.Decode(f)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		resp, ok := msg.(*protocol.ChatResponse)
		if !ok {
			t.Fatalf("Decode() = %T, want *protocol.ChatResponse", msg)
		}
		out = append(out, resp)
	}
	return out
}

// waitResponses waits until at least n frames were written to conn and
// returns all of them decoded.
func waitResponses(t *testing.T, conn *mockConn, codec protocol.Codec, n int) []*protocol.ChatResponse {
	t.Helper()
	waitFor(t, "responses", func() bool { return len(conn.GetWritten()) >= n })
	return decodeResponses(t, codec, conn.GetWritten())
}

// Package ws provides the WebSocket transport for chat sessions.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrMessageTooLarge is returned by Read when a message exceeds the read limit.
var ErrMessageTooLarge = errors.New("message exceeds read limit")

const closeGrace = time.Second

// Options configures a server-side connection.
type Options struct {
	// Binary selects binary frames for writes; text frames otherwise.
	Binary bool
	// ReadLimit bounds the size of one inbound message. Zero means no limit.
	ReadLimit int64
}

// Conn adapts a hijacked connection speaking the WebSocket protocol to
// chat.Conn. Read must not be called concurrently with itself; Write and
// Close are safe to call from other goroutines.
type Conn struct {
	conn       net.Conn
	src        io.Reader
	remoteAddr string
	opts       Options

	wmu       sync.Mutex
	closeOnce sync.Once
}

// NewConn wraps conn. br may carry bytes buffered during the handshake; it
// is nil when there are none.
func NewConn(conn net.Conn, br *bufio.Reader, addr string, opts Options) *Conn {
	c := &Conn{conn: conn, src: conn, remoteAddr: addr, opts: opts}
	if br != nil && br.Buffered() > 0 {
		c.src = io.MultiReader(br, conn)
	}
	if c.remoteAddr == "" && conn.RemoteAddr() != nil {
		c.remoteAddr = conn.RemoteAddr().String()
	}
	return c
}

// Read implements chat.Conn.
// It returns the next text or binary message, answering pings and close
// frames along the way. A close from the peer is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := watchDeadline(ctx, c.conn.SetReadDeadline)
	defer stop()

	// Control replies are buffered and flushed whole so they never interleave
	// with a concurrent Write.
	var reply bytes.Buffer
	control := wsutil.ControlFrameHandler(&reply, ws.StateServerSide)
	rd := wsutil.Reader{
		Source:         c.src,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if hdr.OpCode.IsControl() {
			err := control(hdr, &rd)
			c.flush(&reply)
			if err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}

		var body io.Reader = &rd
		if c.opts.ReadLimit > 0 {
			body = io.LimitReader(&rd, c.opts.ReadLimit+1)
		}
		data, err := io.ReadAll(body)
		c.flush(&reply)
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if c.opts.ReadLimit > 0 && int64(len(data)) > c.opts.ReadLimit {
			return nil, ErrMessageTooLarge
		}
		return data, nil
	}
}

// Write implements chat.Conn.
// Writes one message using the frame type chosen in Options.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := watchDeadline(ctx, c.conn.SetWriteDeadline)
	defer stop()

	op := ws.OpText
	if c.opts.Binary {
		op = ws.OpBinary
	}
	if err := wsutil.WriteServerMessage(c.conn, op, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close implements chat.Conn.
// A close frame is sent unless a write is in flight; the connection is then
// closed, which also aborts that write.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.wmu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeGrace))
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			c.wmu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Conn) readErr(ctx context.Context, err error) error {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return io.EOF
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

func (c *Conn) flush(reply *bytes.Buffer) {
	if reply.Len() == 0 {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _ = c.conn.Write(reply.Bytes())
	reply.Reset()
}

// watchDeadline applies ctx's deadline through set and expires it
// immediately when ctx is cancelled.
func watchDeadline(ctx context.Context, set func(time.Time) error) func() {
	deadline, _ := ctx.Deadline()
	_ = set(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Unix(1, 0))
	})
	return func() { stop() }
}

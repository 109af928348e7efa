// Package client provides a WebSocket client for the chat server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"github.com/omochice/tabletalk-chat/pkg/protocol"
)

// ErrUnauthorized is returned by Connect when the server rejects the
// credential before the upgrade.
var ErrUnauthorized = errors.New("unauthorized")

const readLimit = 1 << 20

// Options configures a Client.
type Options struct {
	// Token is sent as a bearer credential when set.
	Token string
	// Observer connects anonymously with this tag when Token is empty.
	Observer string
	// JSON selects the JSON endpoint and codec instead of the binary one.
	JSON bool
	// Room is the path room of the binary endpoint.
	Room int64
}

// Endpoint returns the WebSocket URL for base ("ws://host:port") and opts.
func Endpoint(base string, opts Options) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if opts.JSON {
		u.Path += "/ws/chat"
	} else {
		if opts.Room <= 0 {
			return "", errors.New("binary endpoint needs a room id")
		}
		u.Path += "/ws/chat-bin/" + strconv.FormatInt(opts.Room, 10)
	}
	if opts.Token == "" && opts.Observer != "" {
		q := u.Query()
		q.Set("observer", opts.Observer)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Client represents a WebSocket chat client.
type Client struct {
	address  string
	opts     Options
	codec    protocol.Codec
	conn     *websocket.Conn
	messages chan *protocol.ChatResponse
	mu       sync.RWMutex
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	err      error
}

// New creates a new Client instance for the full endpoint address.
func New(address string, opts Options) *Client {
	var codec protocol.Codec = protocol.BinaryCodec{}
	if opts.JSON {
		codec = protocol.JSONCodec{}
	}
	return &Client{
		address:  address,
		opts:     opts,
		codec:    codec,
		messages: make(chan *protocol.ChatResponse, 64),
		done:     make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts receiving.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, err := websocket.Dial(ctx, c.address, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("failed to connect to server: %w", ErrUnauthorized)
		}
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages()

	return nil
}

// Disconnect closes the connection and waits for the receiver to stop.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	})
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Join asks to join a room.
func (c *Client) Join(ctx context.Context, roomID int64) error {
	return c.Send(ctx, &protocol.JoinRoomRequest{RoomID: roomID})
}

// Leave asks to leave a room.
func (c *Client) Leave(ctx context.Context, roomID int64) error {
	return c.Send(ctx, &protocol.LeaveRoomRequest{RoomID: roomID})
}

// SendMessage posts chat content to a room.
func (c *Client) SendMessage(ctx context.Context, roomID int64, content string) error {
	return c.Send(ctx, &protocol.SendMessageRequest{RoomID: roomID, Content: content})
}

// Send encodes and writes any envelope.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// SendRaw writes an already encoded frame.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected to server")
	}

	typ := websocket.MessageText
	if c.codec.Binary() {
		typ = websocket.MessageBinary
	}
	if err := conn.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Messages returns the channel of server responses. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan *protocol.ChatResponse {
	return c.messages
}

// Err returns the error that ended the connection, if any. It is valid
// after Messages is closed.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) receiveMessages() {
	defer c.wg.Done()
	defer close(c.messages)

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					c.setErr(err)
				}
			}
			return
		}

		msg, err := c.codec.Decode(data)
		if err != nil {
			c.setErr(fmt.Errorf("failed to decode message: %w", err))
			continue
		}
		resp, ok := msg.(*protocol.ChatResponse)
		if !ok {
			continue
		}

		select {
		case c.messages <- resp:
		case <-c.done:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

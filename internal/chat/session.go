package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omochice/tabletalk-chat/internal/auth"
	"github.com/omochice/tabletalk-chat/internal/metrics"
	"github.com/omochice/tabletalk-chat/pkg/protocol"
)

var (
	// ErrSessionClosed is returned by Send once the session is not open.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendQueueFull is returned by Send when the peer is not draining its
	// outbound queue fast enough.
	ErrSendQueueFull = errors.New("send queue full")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateJoined
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Disconnect reasons recorded in metrics and logs.
const (
	ReasonClient       = "client"
	ReasonAuth         = "auth"
	ReasonMalformed    = "malformed"
	ReasonSlowConsumer = "slow_consumer"
	ReasonWriteError   = "write_error"
	ReasonShutdown     = "shutdown"
)

// SessionConfig tunes the outbound side of a session.
type SessionConfig struct {
	// QueueSize bounds the outbound frame queue. Defaults to 64.
	QueueSize int
	// WriteTimeout bounds each frame write. Defaults to 10s.
	WriteTimeout time.Duration
	// RateLimit and RateBurst limit chat sends; zero RateLimit disables it.
	RateLimit rate.Limit
	RateBurst int
	// AutoJoinRoom is joined on connect for observers; zero means none.
	AutoJoinRoom int64
}

// Handler receives the events of a session's receive loop.
type Handler interface {
	Connect(ctx context.Context, s *Session)
	Dispatch(ctx context.Context, s *Session, msg protocol.Message)
	Malformed(ctx context.Context, s *Session, err error)
	Disconnect(ctx context.Context, s *Session)
}

// Session is one live transport connection with its identity, room
// membership and bounded outbound queue.
type Session struct {
	id       string
	conn     Conn
	codec    protocol.Codec
	identity auth.Identity
	cfg      SessionConfig
	log      zerolog.Logger
	limiter  *rate.Limiter

	mu     sync.Mutex
	state  State
	opened bool
	room   int64
	reason string

	out        chan []byte
	done       chan struct{}
	closing    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	drainOnce  sync.Once

	malformed atomic.Int32
}

// NewSession wraps conn. The session stays in StateConnecting until Serve.
func NewSession(conn Conn, codec protocol.Codec, id auth.Identity, cfg SessionConfig, log zerolog.Logger) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		codec:      codec,
		identity:   id,
		cfg:        cfg,
		out:        make(chan []byte, cfg.QueueSize),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(cfg.RateLimit, max(cfg.RateBurst, 1))
	}
	s.log = log.With().
		Str("session_id", s.id).
		Str("remote", conn.RemoteAddr()).
		Str("identity", id.String()).
		Str("codec", codec.Name()).
		Logger()
	return s
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Identity() auth.Identity { return s.identity }
func (s *Session) Codec() protocol.Codec   { return s.codec }
func (s *Session) Logger() *zerolog.Logger { return &s.log }
func (s *Session) Done() <-chan struct{}   { return s.done }
func (s *Session) AutoJoinRoom() int64     { return s.cfg.AutoJoinRoom }
func (s *Session) RemoteAddr() string      { return s.conn.RemoteAddr() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the recorded disconnect reason, or "" while the session is
// still open.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Room returns the joined room, if any.
func (s *Session) Room() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.state == StateJoined
}

func (s *Session) markJoined(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		s.state = StateJoined
		s.room = roomID
	}
}

func (s *Session) markLeft() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateJoined {
		s.state = StateOpen
	}
	s.room = 0
}

func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Session) countMalformed() int {
	return int(s.malformed.Add(1))
}

// Send encodes msg and queues it without blocking.
func (s *Session) Send(msg protocol.Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Tag(), err)
	}
	return s.SendEncoded(data)
}

// SendEncoded queues a frame already encoded with this session's codec.
func (s *Session) SendEncoded(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen && s.state != StateJoined {
		return ErrSessionClosed
	}
	select {
	case s.out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Shutdown stops accepting frames, flushes what is already queued and then
// closes the connection.
func (s *Session) Shutdown(reason string) {
	s.drainOnce.Do(func() {
		s.mu.Lock()
		started := s.opened
		if s.state != StateClosed {
			s.state = StateClosing
		}
		if s.reason == "" {
			s.reason = reason
		}
		s.mu.Unlock()

		close(s.closing)
		if !started {
			s.CloseWithReason(reason)
		}
	})
}

// Close closes the session immediately. It is safe to call more than once.
func (s *Session) Close() error {
	return s.CloseWithReason(ReasonClient)
}

// CloseWithReason closes the session, recording reason if it is the first
// to do so. Any in-flight write is unblocked by closing the transport.
func (s *Session) CloseWithReason(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.opened
		s.state = StateClosed
		if s.reason == "" {
			s.reason = reason
		}
		reason = s.reason
		s.mu.Unlock()

		close(s.done)
		err = s.conn.Close()

		if wasOpen {
			metrics.SessionsActive.WithLabelValues(s.codec.Name()).Dec()
		}
		metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
		s.log.Debug().Str("reason", reason).Msg("session closed")
	})
	return err
}

// Serve runs the session until the connection ends or ctx is cancelled. Each
// decoded frame is handed to h in arrival order. Serve always finishes with
// h.Disconnect and Close.
func (s *Session) Serve(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !s.start() {
		return ErrSessionClosed
	}
	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.CloseWithReason(ReasonShutdown)
		case <-s.done:
		}
	}()

	defer func() {
		h.Disconnect(context.WithoutCancel(ctx), s)
		s.Close()
		<-s.writerDone
	}()

	h.Connect(ctx, s)

	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			if s.isClosed() || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		msg, err := s.codec.Decode(data)
		if err != nil {
			h.Malformed(ctx, s, err)
			continue
		}
		h.Dispatch(ctx, s, msg)
	}
}

func (s *Session) start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateOpen
	s.opened = true
	metrics.SessionsActive.WithLabelValues(s.codec.Name()).Inc()
	return true
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if !s.write(data) {
				return
			}
		case <-s.closing:
			s.drain()
			return
		}
	}
}

func (s *Session) drain() {
	for {
		select {
		case data := <-s.out:
			if !s.write(data) {
				return
			}
		default:
			s.CloseWithReason(s.closeReason())
			return
		}
	}
}

func (s *Session) write(data []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, data); err != nil {
		if !s.isClosed() {
			s.log.Warn().Err(err).Msg("failed to write frame")
		}
		s.CloseWithReason(ReasonWriteError)
		return false
	}
	return true
}

func (s *Session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return ReasonShutdown
	}
	return s.reason
}

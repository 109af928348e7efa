package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/omochice/tabletalk-chat/internal/auth"
	"github.com/omochice/tabletalk-chat/internal/metrics"
	"github.com/omochice/tabletalk-chat/pkg/protocol"
)

const (
	statusJoined = "joined"
	statusLeft   = "left"
)

// Presence records which participants are online in which room.
type Presence interface {
	Online(ctx context.Context, roomID, userID int64) error
	Offline(ctx context.Context, roomID, userID int64) error
	Touch(ctx context.Context, roomID, userID int64) error
	Count(ctx context.Context, roomID int64) (int, error)
}

// DispatcherConfig holds protocol policy.
type DispatcherConfig struct {
	// EchoSender includes the sender in its own message broadcasts.
	EchoSender bool
	// MaxMalformed is how many malformed frames a session may send before it
	// is disconnected. Defaults to 5.
	MaxMalformed int
	// MaxContent is the maximum message length in characters. Defaults to 500.
	MaxContent int
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// Dispatcher runs the per-session protocol state machine: Unjoined until a
// successful JOIN_ROOM, Joined(room) until LEAVE_ROOM or disconnect.
type Dispatcher struct {
	reg      *Registry
	presence Presence
	cfg      DispatcherConfig
	log      zerolog.Logger
	validate *validator.Validate
	seq      atomic.Int64

	mu       sync.Mutex
	sessions map[*Session]*time.Timer
	// closed holds the CloseAll reason; later sessions are shut down on Connect.
	closed string
}

func NewDispatcher(reg *Registry, presence Presence, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.MaxMalformed <= 0 {
		cfg.MaxMalformed = 5
	}
	if cfg.MaxContent <= 0 {
		cfg.MaxContent = 500
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if presence == nil {
		presence = nopPresence{}
	}
	return &Dispatcher{
		reg:      reg,
		presence: presence,
		cfg:      cfg,
		log:      log.With().Str("component", "dispatcher").Logger(),
		validate: validator.New(),
		sessions: make(map[*Session]*time.Timer),
	}
}

// Connect registers s and arms the expiry watchdog for guests. Observers
// with an auto-join room are joined immediately. After CloseAll every new
// session is shut down with the same reason instead.
func (d *Dispatcher) Connect(ctx context.Context, s *Session) {
	d.mu.Lock()
	if reason := d.closed; reason != "" {
		d.mu.Unlock()
		s.Logger().Info().Str("reason", reason).Msg("session refused after close")
		s.Shutdown(reason)
		return
	}
	var timer *time.Timer
	if g, ok := s.Identity().(auth.Guest); ok {
		timer = time.AfterFunc(g.ExpiresAt.Sub(d.cfg.Now()), func() {
			d.expire(s)
		})
	}
	d.sessions[s] = timer
	d.mu.Unlock()

	s.Logger().Info().Msg("session connected")

	if _, ok := s.Identity().(auth.Observer); ok && s.AutoJoinRoom() > 0 {
		d.Dispatch(ctx, s, &protocol.JoinRoomRequest{RoomID: s.AutoJoinRoom()})
	}
}

// Disconnect removes every trace of s. It is called once the receive loop
// has ended.
func (d *Dispatcher) Disconnect(ctx context.Context, s *Session) {
	d.mu.Lock()
	if timer := d.sessions[s]; timer != nil {
		timer.Stop()
	}
	delete(d.sessions, s)
	d.mu.Unlock()

	if roomID := d.reg.RemoveSessionEverywhere(s); roomID != 0 {
		d.presenceOffline(ctx, roomID, s)
	}
	s.Logger().Info().Msg("session disconnected")
}

// Malformed answers a frame that could not be decoded.
func (d *Dispatcher) Malformed(_ context.Context, s *Session, err error) {
	s.Logger().Debug().Err(err).Msg("malformed frame")
	d.reply(s, "malformed", ErrMalformed.Wrap(err))
}

// Dispatch handles one decoded envelope from s.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, msg protocol.Message) {
	switch s.State() {
	case StateOpen, StateJoined:
	default:
		return
	}

	tag := string(msg.Tag())
	if !msg.Tag().Known() {
		tag = "unknown"
	}

	if err := d.checkCredential(s); err != nil {
		d.reply(s, tag, err)
		return
	}
	if roomID, joined := s.Room(); joined {
		d.presenceTouch(ctx, roomID, s)
	}

	var (
		reply protocol.Message
		err   *Error
	)
	switch m := msg.(type) {
	case *protocol.JoinRoomRequest:
		reply, err = d.join(ctx, s, m)
	case *protocol.LeaveRoomRequest:
		reply, err = d.leave(ctx, s, m)
	case *protocol.SendMessageRequest:
		err = d.send(s, m)
	case *protocol.ChatResponse:
		err = ErrUnknownType.Withf("unexpected message type %s", m.Tag())
	case *protocol.Unknown:
		err = ErrUnknownType.Withf("unknown type %s", m.Type)
	default:
		err = ErrUnknownType.Withf("unsupported message %T", msg)
	}

	if err != nil {
		d.reply(s, tag, err)
		return
	}
	metrics.EnvelopesTotal.WithLabelValues(tag, "ok").Inc()
	if reply != nil {
		if sendErr := s.Send(reply); sendErr != nil {
			s.Logger().Warn().Err(sendErr).Msg("failed to queue reply")
		}
	}
}

// CloseAll shuts down every connected session and every session that
// connects afterwards.
func (d *Dispatcher) CloseAll(reason string) {
	d.mu.Lock()
	if d.closed == "" {
		d.closed = reason
	}
	sessions := make([]*Session, 0, len(d.sessions))
	for s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	d.log.Info().Int("sessions", len(sessions)).Str("reason", reason).Msg("closing all sessions")
	for _, s := range sessions {
		s.Shutdown(reason)
	}
}

// Connected returns the number of sessions between Connect and Disconnect.
func (d *Dispatcher) Connected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Dispatcher) checkCredential(s *Session) *Error {
	if g, ok := s.Identity().(auth.Guest); ok && g.Expired(d.cfg.Now()) {
		return ErrTokenExpired
	}
	return nil
}

func (d *Dispatcher) join(ctx context.Context, s *Session, m *protocol.JoinRoomRequest) (protocol.Message, *Error) {
	if err := d.validateRequest(m); err != nil {
		return nil, err
	}
	if _, joined := s.Room(); joined {
		return nil, ErrAlreadyInRoom
	}

	// The guest binding is checked before the room lookup so a mismatched
	// credential is always an auth failure.
	if g, ok := s.Identity().(auth.Guest); ok && g.RoomID != m.RoomID {
		return nil, ErrRoomMismatch
	}

	info, err := d.reg.Lookup(ctx, m.RoomID)
	if err != nil {
		return nil, toError(err)
	}

	switch id := s.Identity().(type) {
	case auth.User:
		if !id.BelongsTo(info.RestaurantID) {
			return nil, ErrForbidden.Withf("not a member of restaurant %d", info.RestaurantID)
		}
	case auth.Merchant:
		if id.RestaurantID != info.RestaurantID {
			return nil, ErrForbidden.Withf("merchant does not own restaurant %d", info.RestaurantID)
		}
	case auth.Guest, auth.Observer:
	default:
		return nil, ErrUnauthorized
	}

	if err := d.reg.Join(ctx, m.RoomID, s); err != nil {
		return nil, toError(err)
	}
	s.markJoined(m.RoomID)
	d.presenceOnline(ctx, m.RoomID, s)

	s.Logger().Info().Int64("room_id", m.RoomID).Msg("joined room")
	return protocol.Succeed(&protocol.JoinRoomResponse{RoomID: m.RoomID, Status: statusJoined}), nil
}

func (d *Dispatcher) leave(ctx context.Context, s *Session, m *protocol.LeaveRoomRequest) (protocol.Message, *Error) {
	roomID, joined := s.Room()
	if !joined || roomID != m.RoomID {
		return nil, ErrNotInRoom
	}
	if err := d.reg.Leave(roomID, s); err != nil {
		return nil, toError(err)
	}
	s.markLeft()
	d.presenceOffline(ctx, roomID, s)

	s.Logger().Info().Int64("room_id", roomID).Msg("left room")
	return protocol.Succeed(&protocol.LeaveRoomResponse{RoomID: roomID, Status: statusLeft}), nil
}

func (d *Dispatcher) send(s *Session, m *protocol.SendMessageRequest) *Error {
	id := s.Identity()
	if !auth.CanSend(id) {
		return ErrForbidden.Withf("%s sessions are receive-only", id.Role())
	}
	roomID, joined := s.Room()
	if !joined || roomID != m.RoomID {
		return ErrNotInRoom
	}
	if err := d.validateRequest(m); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(m.Content); n > d.cfg.MaxContent {
		return ErrContentTooLong.Withf("message has %d characters, limit is %d", n, d.cfg.MaxContent)
	}
	if !s.allow() {
		return ErrRateLimited
	}

	msg := &protocol.ChatMessage{
		ID:          d.seq.Add(1),
		RoomID:      roomID,
		SenderID:    id.SenderID(),
		Content:     m.Content,
		MessageType: protocol.MessageTypeText,
		Timestamp:   d.cfg.Now().UTC().Truncate(time.Millisecond),
	}
	switch v := id.(type) {
	case auth.User:
		msg.SenderName, msg.SenderAvatar = v.DisplayName, v.AvatarURL
	case auth.Guest:
		msg.SenderName, msg.SenderAvatar = v.DisplayName, v.AvatarURL
	}

	var except *Session
	if !d.cfg.EchoSender {
		except = s
	}
	n := d.reg.Broadcast(roomID, protocol.Succeed(msg), except)
	s.Logger().Debug().Int64("room_id", roomID).Int64("message_id", msg.ID).Int("recipients", n).Msg("broadcast message")
	return nil
}

// reply sends an error response and applies the error's consequences: auth
// failures and repeated malformed input end the session.
func (d *Dispatcher) reply(s *Session, tag string, e *Error) {
	metrics.EnvelopesTotal.WithLabelValues(tag, e.Code).Inc()

	if err := s.Send(protocol.Fail(e.Code, e.Message)); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.Logger().Warn().Err(err).Msg("failed to queue error reply")
	}

	switch {
	case e.Fatal():
		s.Logger().Info().Str("code", e.Code).Msg("closing session after auth failure")
		s.Shutdown(ReasonAuth)
	case e.Kind == KindDecode:
		if n := s.countMalformed(); n > d.cfg.MaxMalformed {
			s.Logger().Warn().Int("count", n).Msg("closing session after repeated malformed input")
			s.Shutdown(ReasonMalformed)
		}
	}
}

func (d *Dispatcher) expire(s *Session) {
	switch s.State() {
	case StateOpen, StateJoined:
		d.reply(s, "expiry", ErrTokenExpired)
	}
}

func (d *Dispatcher) validateRequest(v any) *Error {
	err := d.validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return ErrInvalidRequest.Wrap(err)
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return ErrInvalidRequest.Withf("%s", strings.Join(msgs, "; "))
}

// presenceID returns the key s is tracked under. Merchant ids live in their
// own id space, so merchants are left out of the online count.
func presenceID(s *Session) (int64, bool) {
	id := s.Identity()
	if _, ok := id.(auth.Merchant); ok {
		return 0, false
	}
	return id.SenderID(), true
}

func (d *Dispatcher) presenceOnline(ctx context.Context, roomID int64, s *Session) {
	id, ok := presenceID(s)
	if !ok {
		return
	}
	if err := d.presence.Online(ctx, roomID, id); err != nil {
		s.Logger().Warn().Err(err).Msg("failed to record presence")
	}
}

func (d *Dispatcher) presenceOffline(ctx context.Context, roomID int64, s *Session) {
	id, ok := presenceID(s)
	if !ok {
		return
	}
	if err := d.presence.Offline(ctx, roomID, id); err != nil {
		s.Logger().Warn().Err(err).Msg("failed to clear presence")
	}
}

func (d *Dispatcher) presenceTouch(ctx context.Context, roomID int64, s *Session) {
	id, ok := presenceID(s)
	if !ok {
		return
	}
	if err := d.presence.Touch(ctx, roomID, id); err != nil {
		s.Logger().Debug().Err(err).Msg("failed to touch presence")
	}
}

func toError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrRoomNotFound.Wrap(err)
}

type nopPresence struct{}

func (nopPresence) Online(context.Context, int64, int64) error  { return nil }
func (nopPresence) Offline(context.Context, int64, int64) error { return nil }
func (nopPresence) Touch(context.Context, int64, int64) error   { return nil }
func (nopPresence) Count(context.Context, int64) (int, error)   { return 0, nil }

var _ Handler = (*Dispatcher)(nil)

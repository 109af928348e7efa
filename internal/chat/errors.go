package chat

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by how the dispatcher reacts to it.
type Kind int

const (
	KindDecode Kind = iota + 1
	KindAuth
	KindProtocolState
	KindForbidden
	KindRoomNotFound
	KindValidation
	KindRateLimited
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindAuth:
		return "auth"
	case KindProtocolState:
		return "protocol_state"
	case KindForbidden:
		return "forbidden"
	case KindRoomNotFound:
		return "room_not_found"
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is a protocol-level failure reported back to the client as an error
// ChatResponse. Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Fatal reports whether the session must be closed after the reply.
func (e *Error) Fatal() bool { return e.Kind == KindAuth }

// Withf returns a copy of e carrying a more specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

// Wrap returns a copy of e with err as its cause.
func (e *Error) Wrap(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

var (
	ErrMalformed      = &Error{Kind: KindDecode, Code: "DECODE_ERROR", Message: "malformed message"}
	ErrUnknownType    = &Error{Kind: KindDecode, Code: "UNKNOWN_TYPE", Message: "unknown type"}
	ErrUnauthorized   = &Error{Kind: KindAuth, Code: "UNAUTHORIZED", Message: "unauthorized"}
	ErrTokenExpired   = &Error{Kind: KindAuth, Code: "TOKEN_EXPIRED", Message: "credential has expired"}
	ErrRoomMismatch   = &Error{Kind: KindAuth, Code: "ROOM_MISMATCH", Message: "credential is not valid for this room"}
	ErrAlreadyInRoom  = &Error{Kind: KindProtocolState, Code: "ALREADY_IN_ROOM", Message: "already in a room"}
	ErrNotInRoom      = &Error{Kind: KindProtocolState, Code: "NOT_IN_ROOM", Message: "not in room"}
	ErrForbidden      = &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: "not allowed"}
	ErrRoomNotFound   = &Error{Kind: KindRoomNotFound, Code: "ROOM_NOT_FOUND", Message: "room not found"}
	ErrRoomInactive   = &Error{Kind: KindRoomNotFound, Code: "CHAT_ROOM_INACTIVE", Message: "chat room is not active"}
	ErrInvalidRequest = &Error{Kind: KindValidation, Code: "INVALID_REQUEST", Message: "invalid request"}
	ErrContentTooLong = &Error{Kind: KindValidation, Code: "CHAT_MESSAGE_TOO_LONG", Message: "message is too long"}
	ErrRateLimited    = &Error{Kind: KindRateLimited, Code: "RATE_LIMITED", Message: "sending too fast"}
	ErrTransport      = &Error{Kind: KindTransport, Code: "TRANSPORT", Message: "delivery failed"}
)

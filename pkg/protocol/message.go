// Package protocol defines the chat envelope types and their binary and JSON codecs.
//
// The binary form follows the schema in proto/chat.proto and is encoded with
// protowire directly, so no generated code is involved.
package protocol

import (
	"fmt"
	"time"
)

// Tag identifies the kind of payload an envelope carries.
type Tag string

const (
	TagJoinRoom     Tag = "JOIN_ROOM"
	TagLeaveRoom    Tag = "LEAVE_ROOM"
	TagSendMessage  Tag = "SEND_MESSAGE"
	TagChatResponse Tag = "CHAT_RESPONSE"
)

// Known reports whether t is one of the tags the codecs understand.
func (t Tag) Known() bool {
	switch t {
	case TagJoinRoom, TagLeaveRoom, TagSendMessage, TagChatResponse:
		return true
	default:
		return false
	}
}

// MessageType represents the kind of content a ChatMessage carries.
type MessageType int32

const (
	MessageTypeText MessageType = iota
	MessageTypeImage
	MessageTypeSystem
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeText:
		return "TEXT"
	case MessageTypeImage:
		return "IMAGE"
	case MessageTypeSystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (mt MessageType) MarshalText() ([]byte, error) {
	s := mt.String()
	if s == "UNKNOWN" {
		return nil, fmt.Errorf("invalid message type %d", int32(mt))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (mt *MessageType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "TEXT":
		*mt = MessageTypeText
	case "IMAGE":
		*mt = MessageTypeImage
	case "SYSTEM":
		*mt = MessageTypeSystem
	default:
		return fmt.Errorf("invalid message type %q", text)
	}
	return nil
}

// Message is the closed set of envelope kinds. The concrete types are
// *JoinRoomRequest, *LeaveRoomRequest, *SendMessageRequest, *ChatResponse and
// *Unknown.
type Message interface {
	Tag() Tag
	isMessage()
}

// JoinRoomRequest asks the server to add the session to a room.
type JoinRoomRequest struct {
	RoomID int64 `json:"roomId" validate:"gt=0"`
}

// LeaveRoomRequest asks the server to remove the session from a room.
type LeaveRoomRequest struct {
	RoomID int64 `json:"roomId" validate:"gt=0"`
}

// SendMessageRequest carries chat content to be broadcast to a room.
type SendMessageRequest struct {
	RoomID  int64  `json:"roomId" validate:"gt=0"`
	Content string `json:"content" validate:"required"`
}

// ChatResponse is the only server-to-client envelope. Result is nil for
// plain errors.
type ChatResponse struct {
	Success      bool
	ErrorCode    string
	ErrorMessage string
	Result       Result
}

// Unknown is a well-formed envelope whose tag is not recognised.
type Unknown struct {
	Type    Tag
	Payload []byte
}

func (*JoinRoomRequest) Tag() Tag    { return TagJoinRoom }
func (*LeaveRoomRequest) Tag() Tag   { return TagLeaveRoom }
func (*SendMessageRequest) Tag() Tag { return TagSendMessage }
func (*ChatResponse) Tag() Tag       { return TagChatResponse }
func (u *Unknown) Tag() Tag          { return u.Type }

func (*JoinRoomRequest) isMessage()    {}
func (*LeaveRoomRequest) isMessage()   {}
func (*SendMessageRequest) isMessage() {}
func (*ChatResponse) isMessage()       {}
func (*Unknown) isMessage()            {}

// Result is the payload of a successful ChatResponse: one of *ChatMessage,
// *JoinRoomResponse or *LeaveRoomResponse.
type Result interface {
	isResult()
}

// ChatMessage is a message broadcast to every member of a room.
type ChatMessage struct {
	ID           int64       `json:"id"`
	RoomID       int64       `json:"roomId"`
	SenderID     int64       `json:"senderId"`
	Content      string      `json:"content"`
	MessageType  MessageType `json:"messageType"`
	SenderName   string      `json:"senderName,omitempty"`
	SenderAvatar string      `json:"senderAvatar,omitempty"`
	Timestamp    time.Time   `json:"timestamp,omitzero"`
}

// JoinRoomResponse acknowledges a successful join.
type JoinRoomResponse struct {
	RoomID int64  `json:"roomId"`
	Status string `json:"status,omitempty"`
}

// LeaveRoomResponse acknowledges a successful leave.
type LeaveRoomResponse struct {
	RoomID int64  `json:"roomId"`
	Status string `json:"status,omitempty"`
}

func (*ChatMessage) isResult()       {}
func (*JoinRoomResponse) isResult()  {}
func (*LeaveRoomResponse) isResult() {}

// Succeed wraps r in a successful ChatResponse.
func Succeed(r Result) *ChatResponse {
	return &ChatResponse{Success: true, Result: r}
}

// Fail builds an error ChatResponse.
func Fail(code, message string) *ChatResponse {
	return &ChatResponse{ErrorCode: code, ErrorMessage: message}
}

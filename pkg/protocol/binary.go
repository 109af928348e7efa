package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// BinaryCodec encodes envelopes as protobuf wire messages: a type tag
// followed by a length-prefixed payload (see proto/chat.proto).
type BinaryCodec struct{}

// Name implements Codec.
func (BinaryCodec) Name() string { return "binary" }

// Binary implements Codec.
func (BinaryCodec) Binary() bool { return true }

// Encode implements Codec.
func (c BinaryCodec) Encode(msg Message) ([]byte, error) {
	var payload []byte
	switch m := msg.(type) {
	case *JoinRoomRequest:
		payload = appendInt64(nil, 1, m.RoomID)
	case *LeaveRoomRequest:
		payload = appendInt64(nil, 1, m.RoomID)
	case *SendMessageRequest:
		payload = appendInt64(nil, 1, m.RoomID)
		payload = appendString(payload, 2, m.Content)
	case *ChatResponse:
		var err error
		if payload, err = encodeChatResponse(m); err != nil {
			return nil, fmt.Errorf("failed to encode message: %w", err)
		}
	case *Unknown:
		payload = m.Payload
	default:
		return nil, fmt.Errorf("failed to encode message: unsupported type %T", msg)
	}
	if msg.Tag() == "" {
		return nil, errors.New("failed to encode message: empty tag")
	}
	return appendEnvelope(nil, msg.Tag(), payload), nil
}

// Decode implements Codec. Only canonical encodings are accepted: re-encoding
// the result must reproduce the input byte for byte, so unknown payload
// fields and explicitly written default values are rejected.
func (c BinaryCodec) Decode(data []byte) (Message, error) {
	tag, payload, err := parseEnvelope(data)
	if err != nil {
		return nil, &DecodeError{Codec: c.Name(), Reason: "malformed envelope", Err: err}
	}

	var msg Message
	switch tag {
	case TagJoinRoom:
		m := &JoinRoomRequest{}
		err = walkFields(payload, func(f field) error {
			if f.num == 1 {
				return f.int64(&m.RoomID, "room_id")
			}
			return nil
		})
		msg = m
	case TagLeaveRoom:
		m := &LeaveRoomRequest{}
		err = walkFields(payload, func(f field) error {
			if f.num == 1 {
				return f.int64(&m.RoomID, "room_id")
			}
			return nil
		})
		msg = m
	case TagSendMessage:
		m := &SendMessageRequest{}
		err = walkFields(payload, func(f field) error {
			switch f.num {
			case 1:
				return f.int64(&m.RoomID, "room_id")
			case 2:
				return f.string(&m.Content, "content")
			}
			return nil
		})
		msg = m
	case TagChatResponse:
		msg, err = decodeChatResponse(payload)
	default:
		return &Unknown{Type: tag, Payload: payload}, nil
	}
	if err != nil {
		return nil, &DecodeError{Codec: c.Name(), Tag: tag, Reason: "payload does not match tag", Err: err}
	}
	if out, err := c.Encode(msg); err != nil || !bytes.Equal(out, data) {
		return nil, &DecodeError{Codec: c.Name(), Tag: tag, Reason: "non-canonical payload", Err: err}
	}
	return msg, nil
}

func appendEnvelope(b []byte, tag Tag, payload []byte) []byte {
	b = appendString(b, 1, string(tag))
	if len(payload) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func parseEnvelope(data []byte) (Tag, []byte, error) {
	var (
		tag     string
		payload []byte
	)
	err := walkFields(data, func(f field) error {
		switch f.num {
		case 1:
			return f.string(&tag, "type")
		case 2:
			return f.bytes(&payload, "payload")
		default:
			return fmt.Errorf("unexpected envelope field %d", f.num)
		}
	})
	if err != nil {
		return "", nil, err
	}
	if tag == "" {
		return "", nil, errors.New("missing type tag")
	}
	if !bytes.Equal(appendEnvelope(nil, Tag(tag), payload), data) {
		return "", nil, errors.New("non-canonical envelope encoding")
	}
	return Tag(tag), payload, nil
}

func encodeChatResponse(m *ChatResponse) ([]byte, error) {
	b := appendBool(nil, 1, m.Success)
	b = appendString(b, 2, m.ErrorMessage)
	switch r := m.Result.(type) {
	case nil:
	case *ChatMessage:
		b = appendMessage(b, 3, encodeChatMessage(r))
	case *JoinRoomResponse:
		b = appendMessage(b, 4, encodeAck(r.RoomID, r.Status))
	case *LeaveRoomResponse:
		b = appendMessage(b, 5, encodeAck(r.RoomID, r.Status))
	default:
		return nil, fmt.Errorf("unsupported result %T", m.Result)
	}
	b = appendString(b, 6, m.ErrorCode)
	return b, nil
}

func decodeChatResponse(b []byte) (*ChatResponse, error) {
	m := &ChatResponse{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			return f.bool(&m.Success, "success")
		case 2:
			return f.string(&m.ErrorMessage, "error_message")
		case 3:
			var raw []byte
			if err := f.bytes(&raw, "message"); err != nil {
				return err
			}
			cm, err := decodeChatMessage(raw)
			if err != nil {
				return fmt.Errorf("message: %w", err)
			}
			m.Result = cm
		case 4:
			var raw []byte
			if err := f.bytes(&raw, "join_response"); err != nil {
				return err
			}
			r := &JoinRoomResponse{}
			if err := decodeAck(raw, &r.RoomID, &r.Status); err != nil {
				return fmt.Errorf("join_response: %w", err)
			}
			m.Result = r
		case 5:
			var raw []byte
			if err := f.bytes(&raw, "leave_response"); err != nil {
				return err
			}
			r := &LeaveRoomResponse{}
			if err := decodeAck(raw, &r.RoomID, &r.Status); err != nil {
				return fmt.Errorf("leave_response: %w", err)
			}
			m.Result = r
		case 6:
			return f.string(&m.ErrorCode, "error_code")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func encodeChatMessage(m *ChatMessage) []byte {
	b := appendInt64(nil, 1, m.ID)
	b = appendInt64(b, 2, m.RoomID)
	b = appendInt64(b, 3, m.SenderID)
	b = appendString(b, 4, m.Content)
	b = appendInt64(b, 5, int64(m.MessageType))
	b = appendString(b, 6, m.SenderName)
	b = appendString(b, 7, m.SenderAvatar)
	if !m.Timestamp.IsZero() {
		b = appendInt64(b, 8, m.Timestamp.UnixMilli())
	}
	return b
}

func decodeChatMessage(b []byte) (*ChatMessage, error) {
	m := &ChatMessage{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			return f.int64(&m.ID, "id")
		case 2:
			return f.int64(&m.RoomID, "room_id")
		case 3:
			return f.int64(&m.SenderID, "sender_id")
		case 4:
			return f.string(&m.Content, "content")
		case 5:
			var v int64
			if err := f.int64(&v, "message_type"); err != nil {
				return err
			}
			m.MessageType = MessageType(int32(v))
		case 6:
			return f.string(&m.SenderName, "sender_name")
		case 7:
			return f.string(&m.SenderAvatar, "sender_avatar")
		case 8:
			var ms int64
			if err := f.int64(&ms, "timestamp_ms"); err != nil {
				return err
			}
			m.Timestamp = time.UnixMilli(ms).UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func encodeAck(roomID int64, status string) []byte {
	b := appendInt64(nil, 1, roomID)
	return appendString(b, 2, status)
}

func decodeAck(b []byte, roomID *int64, status *string) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			return f.int64(roomID, "room_id")
		case 2:
			return f.string(status, "status")
		}
		return nil
	})
}

// Proto3 omits default scalar values; sub-messages in a oneof are always
// written so their presence survives.

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// field is one decoded key/value pair. Only varint and length-delimited
// values are materialised; other wire types are skipped.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	raw    []byte
}

func (f field) want(t protowire.Type, name string) error {
	if f.typ != t {
		return fmt.Errorf("field %s has wire type %d, want %d", name, f.typ, t)
	}
	return nil
}

func (f field) int64(dst *int64, name string) error {
	if err := f.want(protowire.VarintType, name); err != nil {
		return err
	}
	*dst = int64(f.varint)
	return nil
}

func (f field) bool(dst *bool, name string) error {
	if err := f.want(protowire.VarintType, name); err != nil {
		return err
	}
	*dst = protowire.DecodeBool(f.varint)
	return nil
}

func (f field) string(dst *string, name string) error {
	if err := f.want(protowire.BytesType, name); err != nil {
		return err
	}
	if !utf8.Valid(f.raw) {
		return fmt.Errorf("field %s is not valid UTF-8", name)
	}
	*dst = string(f.raw)
	return nil
}

func (f field) bytes(dst *[]byte, name string) error {
	if err := f.want(protowire.BytesType, name); err != nil {
		return err
	}
	*dst = f.raw
	return nil
}

func walkFields(b []byte, visit func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

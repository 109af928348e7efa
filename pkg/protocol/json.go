package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSONCodec encodes envelopes as {"type": TAG, "payload": {...}} text frames.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Binary implements Codec.
func (JSONCodec) Binary() bool { return false }

type jsonEnvelope struct {
	Type    Tag             `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jsonResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Code    string            `json:"code,omitempty"`
	Data    *jsonResponseData `json:"data,omitempty"`
}

type jsonResponseData struct {
	ChatMessage   *ChatMessage       `json:"chatMessage,omitempty"`
	JoinResponse  *JoinRoomResponse  `json:"joinResponse,omitempty"`
	LeaveResponse *LeaveRoomResponse `json:"leaveResponse,omitempty"`
}

// Encode implements Codec.
func (c JSONCodec) Encode(msg Message) ([]byte, error) {
	var payload any
	switch m := msg.(type) {
	case *JoinRoomRequest, *LeaveRoomRequest, *SendMessageRequest:
		payload = m
	case *ChatResponse:
		resp := jsonResponse{Success: m.Success, Message: m.ErrorMessage, Code: m.ErrorCode}
		switch r := m.Result.(type) {
		case nil:
		case *ChatMessage:
			resp.Data = &jsonResponseData{ChatMessage: r}
		case *JoinRoomResponse:
			resp.Data = &jsonResponseData{JoinResponse: r}
		case *LeaveRoomResponse:
			resp.Data = &jsonResponseData{LeaveResponse: r}
		default:
			return nil, fmt.Errorf("failed to encode message: unsupported result %T", m.Result)
		}
		payload = resp
	case *Unknown:
		if len(m.Payload) > 0 {
			payload = json.RawMessage(m.Payload)
		}
	default:
		return nil, fmt.Errorf("failed to encode message: unsupported type %T", msg)
	}
	if msg.Tag() == "" {
		return nil, errors.New("failed to encode message: empty tag")
	}

	env := jsonEnvelope{Type: msg.Tag()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", msg.Tag(), err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (c JSONCodec) Decode(data []byte) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Codec: c.Name(), Reason: "malformed envelope", Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Codec: c.Name(), Reason: "missing type tag"}
	}
	if !env.Type.Known() {
		return &Unknown{Type: env.Type, Payload: env.Payload}, nil
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, &DecodeError{Codec: c.Name(), Tag: env.Type, Reason: "missing payload"}
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TagJoinRoom:
		m := &JoinRoomRequest{}
		err = json.Unmarshal(env.Payload, m)
		msg = m
	case TagLeaveRoom:
		m := &LeaveRoomRequest{}
		err = json.Unmarshal(env.Payload, m)
		msg = m
	case TagSendMessage:
		m := &SendMessageRequest{}
		err = json.Unmarshal(env.Payload, m)
		msg = m
	case TagChatResponse:
		msg, err = decodeJSONResponse(env.Payload)
	}
	if err != nil {
		return nil, &DecodeError{Codec: c.Name(), Tag: env.Type, Reason: "payload does not match tag", Err: err}
	}
	return msg, nil
}

func decodeJSONResponse(raw json.RawMessage) (*ChatResponse, error) {
	var resp jsonResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	m := &ChatResponse{Success: resp.Success, ErrorMessage: resp.Message, ErrorCode: resp.Code}
	if resp.Data == nil {
		return m, nil
	}

	n := 0
	if resp.Data.ChatMessage != nil {
		m.Result = resp.Data.ChatMessage
		n++
	}
	if resp.Data.JoinResponse != nil {
		m.Result = resp.Data.JoinResponse
		n++
	}
	if resp.Data.LeaveResponse != nil {
		m.Result = resp.Data.LeaveResponse
		n++
	}
	if n > 1 {
		return nil, errors.New("data carries more than one result")
	}
	return m, nil
}

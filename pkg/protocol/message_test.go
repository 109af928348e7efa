package protocol_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/omochice/tabletalk-chat/pkg/protocol"
)

func sampleMessages() []struct {
	name string
	msg  protocol.Message
} {
	ts := time.UnixMilli(1718000000123).UTC()
	return []struct {
		name string
		msg  protocol.Message
	}{
		{"join room", &protocol.JoinRoomRequest{RoomID: 1}},
		{"leave room", &protocol.LeaveRoomRequest{RoomID: 42}},
		{"send message", &protocol.SendMessageRequest{RoomID: 7, Content: "hello"}},
		{"send message with multibyte content", &protocol.SendMessageRequest{RoomID: 7, Content: "こんにちは 🍜"}},
		{"chat message response", protocol.Succeed(&protocol.ChatMessage{
			ID:           99,
			RoomID:       1,
			SenderID:     12,
			Content:      "hello",
			MessageType:  protocol.MessageTypeText,
			SenderName:   "Alice",
			SenderAvatar: "https://cdn.example.com/a.png",
			Timestamp:    ts,
		})},
		{"system chat message without sender", protocol.Succeed(&protocol.ChatMessage{
			ID:          100,
			RoomID:      1,
			Content:     "closing soon",
			MessageType: protocol.MessageTypeSystem,
			Timestamp:   ts,
		})},
		{"join response", protocol.Succeed(&protocol.JoinRoomResponse{RoomID: 1, Status: "joined"})},
		{"leave response", protocol.Succeed(&protocol.LeaveRoomResponse{RoomID: 1, Status: "left"})},
		{"empty join response", protocol.Succeed(&protocol.JoinRoomResponse{})},
		{"error response", protocol.Fail("NOT_IN_ROOM", "not in room")},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	codecs := []protocol.Codec{protocol.BinaryCodec{}, protocol.JSONCodec{}}

	for _, codec := range codecs {
		for _, tt := range sampleMessages() {
			t.Run(codec.Name()+"/"+tt.name, func(t *testing.T) {
				data, err := codec.Encode(tt.msg)
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}
				if len(data) == 0 {
					t.Fatal("Encode() returned empty data")
				}

				got, err := codec.Decode(data)
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
				if !reflect.DeepEqual(got, tt.msg) {
					t.Errorf("Decode() = %#v, want %#v", got, tt.msg)
				}
			})
		}
	}
}

func TestBinaryCodec_ReencodeIsByteIdentical(t *testing.T) {
	codec := protocol.BinaryCodec{}

	for _, tt := range sampleMessages() {
		t.Run(tt.name, func(t *testing.T) {
			data, err := codec.Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			msg, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			again, err := codec.Encode(msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(again) != string(data) {
				t.Errorf("Encode(Decode(b)) = %x, want %x", again, data)
			}
		})
	}

	// Inputs that would re-encode differently must not decode at all.
	envelope := func(tag string, payload ...byte) []byte {
		b := append([]byte{0x0a, byte(len(tag))}, tag...)
		return append(append(b, 0x12, byte(len(payload))), payload...)
	}
	rejected := []struct {
		name string
		data []byte
	}{
		{"unknown payload field", envelope("JOIN_ROOM", 0x08, 0x07, 0x48, 0x01)},
		{"unknown length-delimited payload field", envelope("JOIN_ROOM", 0x08, 0x03, 0x4a, 0x01, 'x')},
		{"explicit zero room id", envelope("JOIN_ROOM", 0x08, 0x00)},
		{"explicit empty content", envelope("SEND_MESSAGE", 0x08, 0x01, 0x12, 0x00)},
		{"fields out of order", envelope("SEND_MESSAGE", 0x12, 0x01, 'x', 0x08, 0x01)},
		{"explicit false success", envelope("CHAT_RESPONSE", 0x08, 0x00, 0x32, 0x01, 'E')},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := codec.Decode(tt.data)
			if err == nil {
				again, _ := codec.Encode(msg)
				t.Fatalf("Decode() = %#v re-encoding to %x, want error", msg, again)
			}
			var decodeErr *protocol.DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("Decode() error = %T, want *protocol.DecodeError", err)
			}
			if decodeErr.Reason != "non-canonical payload" {
				t.Errorf("DecodeError.Reason = %q, want %q", decodeErr.Reason, "non-canonical payload")
			}
		})
	}
}

func TestBinaryCodec_Encode_WireLayout(t *testing.T) {
	data, err := protocol.BinaryCodec{}.Encode(&protocol.JoinRoomRequest{RoomID: 1})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// field 1 "JOIN_ROOM", field 2 {field 1 varint 1}
	want := append([]byte{0x0a, 0x09}, "JOIN_ROOM"...)
	want = append(want, 0x12, 0x02, 0x08, 0x01)
	if string(data) != string(want) {
		t.Errorf("Encode() = %x, want %x", data, want)
	}
}

func TestBinaryCodec_Decode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty input", data: nil},
		{name: "truncated tag", data: []byte{0x0a, 0x09, 'J', 'O'}},
		{name: "garbage", data: []byte{0xff, 0xff, 0xff, 0xff}},
		{name: "unknown envelope field", data: []byte{0x0a, 0x01, 'X', 0x18, 0x01}},
		{name: "payload before tag", data: append([]byte{0x12, 0x02, 0x08, 0x01, 0x0a, 0x09}, "JOIN_ROOM"...)},
		{name: "tag with wrong wire type", data: []byte{0x08, 0x01}},
		{name: "invalid utf-8 tag", data: []byte{0x0a, 0x02, 0xc3, 0x28}},
		{
			name: "room id with wrong wire type",
			data: append(append([]byte{0x0a, 0x09}, "JOIN_ROOM"...), 0x12, 0x03, 0x0a, 0x01, 'x'),
		},
		{
			name: "content with invalid utf-8",
			data: append(append([]byte{0x0a, 0x0c}, "SEND_MESSAGE"...), 0x12, 0x05, 0x08, 0x01, 0x12, 0x01, 0xff),
		},
		{
			name: "truncated payload",
			data: append(append([]byte{0x0a, 0x09}, "JOIN_ROOM"...), 0x12, 0x05, 0x08),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.BinaryCodec{}.Decode(tt.data)
			if err == nil {
				t.Fatalf("Decode() = %#v, want error", msg)
			}
			var decodeErr *protocol.DecodeError
			if !errors.As(err, &decodeErr) {
				t.Errorf("Decode() error = %T, want *protocol.DecodeError", err)
			}
		})
	}
}

func TestCodec_Decode_UnknownTag(t *testing.T) {
	tests := []struct {
		name  string
		codec protocol.Codec
		data  []byte
	}{
		{
			name:  "binary",
			codec: protocol.BinaryCodec{},
			data:  append([]byte{0x0a, 0x04}, "PING"...),
		},
		{
			name:  "json",
			codec: protocol.JSONCodec{},
			data:  []byte(`{"type":"PING","payload":{"n":1}}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.codec.Decode(tt.data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			unknown, ok := got.(*protocol.Unknown)
			if !ok {
				t.Fatalf("Decode() = %T, want *protocol.Unknown", got)
			}
			if unknown.Type != "PING" {
				t.Errorf("Unknown.Type = %q, want %q", unknown.Type, "PING")
			}
			if unknown.Tag().Known() {
				t.Error("Unknown.Tag().Known() = true, want false")
			}
		})
	}
}

func TestJSONCodec_Decode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    protocol.Message
		wantErr bool
	}{
		{
			name: "join room",
			data: `{"type":"JOIN_ROOM","payload":{"roomId":5}}`,
			want: &protocol.JoinRoomRequest{RoomID: 5},
		},
		{
			name: "send message ignores extra keys",
			data: `{"type":"SEND_MESSAGE","payload":{"roomId":5,"content":"hi","client":"web"}}`,
			want: &protocol.SendMessageRequest{RoomID: 5, Content: "hi"},
		},
		{
			name: "error response",
			data: `{"type":"CHAT_RESPONSE","payload":{"success":false,"message":"nope","code":"FORBIDDEN"}}`,
			want: protocol.Fail("FORBIDDEN", "nope"),
		},
		{
			name: "join response",
			data: `{"type":"CHAT_RESPONSE","payload":{"success":true,"data":{"joinResponse":{"roomId":5,"status":"joined"}}}}`,
			want: protocol.Succeed(&protocol.JoinRoomResponse{RoomID: 5, Status: "joined"}),
		},
		{name: "not json", data: `hello`, wantErr: true},
		{name: "missing type", data: `{"payload":{"roomId":5}}`, wantErr: true},
		{name: "missing payload", data: `{"type":"JOIN_ROOM"}`, wantErr: true},
		{name: "null payload", data: `{"type":"LEAVE_ROOM","payload":null}`, wantErr: true},
		{name: "room id is a string", data: `{"type":"JOIN_ROOM","payload":{"roomId":"5"}}`, wantErr: true},
		{name: "payload is an array", data: `{"type":"SEND_MESSAGE","payload":[1,2]}`, wantErr: true},
		{
			name:    "two results",
			data:    `{"type":"CHAT_RESPONSE","payload":{"success":true,"data":{"joinResponse":{"roomId":1},"leaveResponse":{"roomId":1}}}}`,
			wantErr: true,
		},
		{
			name:    "unknown message type",
			data:    `{"type":"CHAT_RESPONSE","payload":{"success":true,"data":{"chatMessage":{"id":1,"messageType":"VIDEO"}}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.JSONCodec{}.Decode([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var decodeErr *protocol.DecodeError
				if !errors.As(err, &decodeErr) {
					t.Errorf("Decode() error = %T, want *protocol.DecodeError", err)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestJSONCodec_Encode_Shape(t *testing.T) {
	data, err := protocol.JSONCodec{}.Encode(protocol.Succeed(&protocol.ChatMessage{
		ID:          1,
		RoomID:      2,
		SenderID:    3,
		Content:     "hi",
		MessageType: protocol.MessageTypeImage,
		SenderName:  "Bob",
		Timestamp:   time.UnixMilli(0).Add(1500 * time.Millisecond).UTC(),
	}))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	want := `{"type":"CHAT_RESPONSE","payload":{"success":true,"data":{"chatMessage":` +
		`{"id":1,"roomId":2,"senderId":3,"content":"hi","messageType":"IMAGE","senderName":"Bob",` +
		`"timestamp":"1970-01-01T00:00:01.5Z"}}}}`
	if string(data) != want {
		t.Errorf("Encode() = %s, want %s", data, want)
	}
}

func TestCodec_Encode_Errors(t *testing.T) {
	codecs := []protocol.Codec{protocol.BinaryCodec{}, protocol.JSONCodec{}}
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			if _, err := codec.Encode(&protocol.Unknown{}); err == nil {
				t.Error("Encode(empty tag) error = nil, want error")
			}
			if _, err := codec.Encode(&protocol.ChatResponse{Result: nil}); err != nil {
				t.Errorf("Encode(empty response) error = %v", err)
			}
		})
	}
}

func TestMessageType_Text(t *testing.T) {
	tests := []struct {
		mt   protocol.MessageType
		want string
	}{
		{protocol.MessageTypeText, "TEXT"},
		{protocol.MessageTypeImage, "IMAGE"},
		{protocol.MessageTypeSystem, "SYSTEM"},
		{protocol.MessageType(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.mt.String(); got != tt.want {
				t.Errorf("MessageType.String() = %v, want %v", got, tt.want)
			}
			var back protocol.MessageType
			err := back.UnmarshalText([]byte(tt.want))
			if tt.want == "UNKNOWN" {
				if err == nil {
					t.Error("UnmarshalText(UNKNOWN) error = nil, want error")
				}
				return
			}
			if err != nil || back != tt.mt {
				t.Errorf("UnmarshalText(%q) = %v, %v; want %v", tt.want, back, err, tt.mt)
			}
		})
	}
}

func TestDecodeError_Error(t *testing.T) {
	err := &protocol.DecodeError{Codec: "json", Tag: protocol.TagJoinRoom, Reason: "missing payload"}
	if got := err.Error(); !strings.Contains(got, "JOIN_ROOM") || !strings.Contains(got, "missing payload") {
		t.Errorf("DecodeError.Error() = %q", got)
	}
}

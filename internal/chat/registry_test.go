package chat_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/omochice/tabletalk-chat/internal/auth"
	"github.com/omochice/tabletalk-chat/internal/chat"
	"github.com/omochice/tabletalk-chat/pkg/protocol"
)

// stubDirectory serves rooms from a map.
type stubDirectory map[int64]chat.Room

func (d stubDirectory) Room(_ context.Context, id int64) (chat.Room, error) {
	r, ok := d[id]
	if !ok {
		return chat.Room{}, chat.ErrRoomNotFound
	}
	return r, nil
}

type failingDirectory struct{ err error }

func (d failingDirectory) Room(context.Context, int64) (chat.Room, error) {
	return chat.Room{}, d.err
}

func testDirectory() stubDirectory {
	return stubDirectory{
		5: {ID: 5, RestaurantID: 2, Name: "Bistro", Active: true},
		7: {ID: 7, RestaurantID: 1, Name: "Diner", Active: true},
		9: {ID: 9, RestaurantID: 1, Name: "Closed", Active: false},
	}
}

func newServedSession(t *testing.T, conn *mockConn, codec protocol.Codec, id auth.Identity, cfg chat.SessionConfig) *chat.Session {
	t.Helper()
	s := newTestSession(conn, codec, id, cfg)
	serve(t, s, &recordingHandler{})
	return s
}

func TestRegistry_Lookup(t *testing.T) {
	reg := chat.NewRegistry(testDirectory(), zerolog.Nop())

	tests := []struct {
		name    string
		roomID  int64
		wantErr error
	}{
		{"active room", 7, nil},
		{"unknown room", 99, chat.ErrRoomNotFound},
		{"inactive room", 9, chat.ErrRoomInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := reg.Lookup(context.Background(), tt.roomID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Lookup(%d) error = %v, want %v", tt.roomID, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup(%d) error = %v", tt.roomID, err)
			}
			if info.ID != tt.roomID || info.RestaurantID != 1 {
				t.Errorf("Lookup(%d) = %+v", tt.roomID, info)
			}
		})
	}
}

func TestRegistry_Lookup_DirectoryFailure(t *testing.T) {
	cause := errors.New("connection refused")
	reg := chat.NewRegistry(failingDirectory{err: cause}, zerolog.Nop())

	_, err := reg.Lookup(context.Background(), 7)
	if !errors.Is(err, chat.ErrRoomNotFound) {
		t.Errorf("Lookup() error = %v, want %v", err, chat.ErrRoomNotFound)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Lookup() error = %v, want it to wrap %v", err, cause)
	}
}

func TestRegistry_JoinLeave(t *testing.T) {
	ctx := context.Background()
	reg := chat.NewRegistry(testDirectory(), zerolog.Nop())
	a := newTestSession(newMockConn("a"), protocol.JSONCodec{}, auth.User{ID: 1}, chat.SessionConfig{})
	b := newTestSession(newMockConn("b"), protocol.JSONCodec{}, auth.User{ID: 2}, chat.SessionConfig{})

	if err := reg.Join(ctx, 7, a); err != nil {
		t.Fatalf("Join(a) error = %v", err)
	}
	if err := reg.Join(ctx, 7, b); err != nil {
		t.Fatalf("Join(b) error = %v", err)
	}
	if got := reg.Members(7); got != 2 {
		t.Errorf("Members(7) = %d, want 2", got)
	}

	if err := reg.Join(ctx, 5, a); !errors.Is(err, chat.ErrAlreadyInRoom) {
		t.Errorf("Join(a, 5) error = %v, want %v", err, chat.ErrAlreadyInRoom)
	}
	if err := reg.Join(ctx, 7, a); !errors.Is(err, chat.ErrAlreadyInRoom) {
		t.Errorf("Join(a, 7) again error = %v, want %v", err, chat.ErrAlreadyInRoom)
	}
	if got := reg.Members(7); got != 2 {
		t.Errorf("Members(7) after double join = %d, want 2", got)
	}
	if roomID, ok := reg.RoomOf(a); !ok || roomID != 7 {
		t.Errorf("RoomOf(a) = %d, %v, want 7, true", roomID, ok)
	}

	if err := reg.Leave(5, a); !errors.Is(err, chat.ErrNotInRoom) {
		t.Errorf("Leave(5, a) error = %v, want %v", err, chat.ErrNotInRoom)
	}
	if err := reg.Leave(7, a); err != nil {
		t.Fatalf("Leave(7, a) error = %v", err)
	}
	if err := reg.Leave(7, a); !errors.Is(err, chat.ErrNotInRoom) {
		t.Errorf("second Leave(7, a) error = %v, want %v", err, chat.ErrNotInRoom)
	}
	if got := reg.Members(7); got != 1 {
		t.Errorf("Members(7) = %d, want 1", got)
	}

	rooms, sessions := reg.Stats()
	if rooms != 1 || sessions != 1 {
		t.Errorf("Stats() = %d, %d, want 1, 1", rooms, sessions)
	}
}

func TestRegistry_Join_RejectsUnknownAndInactive(t *testing.T) {
	ctx := context.Background()
	reg := chat.NewRegistry(testDirectory(), zerolog.Nop())
	s := newTestSession(newMockConn("a"), protocol.JSONCodec{}, auth.User{ID: 1}, chat.SessionConfig{})

	if err := reg.Join(ctx, 99, s); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Errorf("Join(99) error = %v, want %v", err, chat.ErrRoomNotFound)
	}
	if err := reg.Join(ctx, 9, s); !errors.Is(err, chat.ErrRoomInactive) {
		t.Errorf("Join(9) error = %v, want %v", err, chat.ErrRoomInactive)
	}
	if _, ok := reg.RoomOf(s); ok {
		t.Error("RoomOf() reports a room after failed joins")
	}
}

func TestRegistry_RemoveSessionEverywhere(t *testing.T) {
	ctx := context.Background()
	reg := chat.NewRegistry(testDirectory(), zerolog.Nop())
	s := newTestSession(newMockConn("a"), protocol.JSONCodec{}, auth.User{ID: 1}, chat.SessionConfig{})

	if got := reg.RemoveSessionEverywhere(s); got != 0 {
		t.Errorf("RemoveSessionEverywhere() on unjoined = %d, want 0", got)
	}
	if err := reg.Join(ctx, 7, s); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if got := reg.RemoveSessionEverywhere(s); got != 7 {
		t.Errorf("RemoveSessionEverywhere() = %d, want 7", got)
	}
	if got := reg.Members(7); got != 0 {
		t.Errorf("Members(7) = %d, want 0", got)
	}
	if rooms, _ := reg.Stats(); rooms != 0 {
		t.Errorf("Stats() rooms = %d, want 0", rooms)
	}
}

func TestRegistry_Broadcast(t *testing.T) {
	ctx := context.Background()
	reg := chat.NewRegistry(testDirectory(), zerolog.Nop())

	binConn, jsonConn, otherConn := newMockConn("bin"), newMockConn("json"), newMockConn("other")
	bin := newServedSession(t, binConn, protocol.BinaryCodec{}, auth.User{ID: 1}, chat.SessionConfig{})
	js := newServedSession(t, jsonConn, protocol.JSONCodec{}, auth.User{ID: 2}, chat.SessionConfig{})
	other := newServedSession(t, otherConn, protocol.JSONCodec{}, auth.User{ID: 3}, chat.SessionConfig{})

	for _, s := range []*chat.Session{bin, js} {
		if err := reg.Join(ctx, 7, s); err != nil {
			t.Fatalf("Join() error = %v", err)
		}
	}
	if err := reg.Join(ctx, 5, other); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	msg := protocol.Succeed(&protocol.ChatMessage{ID: 1, RoomID: 7, SenderID: 1, Content: "hello"})
	if got := reg.Broadcast(7, msg, nil); got != 2 {
		t.Errorf("Broadcast() = %d, want 2", got)
	}
	if got := reg.Broadcast(7, msg, bin); got != 1 {
		t.Errorf("Broadcast() excluding sender = %d, want 1", got)
	}
	if got := reg.Broadcast(42, msg, nil); got != 0 {
		t.Errorf("Broadcast() to empty room = %d, want 0", got)
	}

	binResp := waitResponses(t, binConn, protocol.BinaryCodec{}, 1)
	jsonResp := waitResponses(t, jsonConn, protocol.JSONCodec{}, 2)
	for _, resp := range append(binResp, jsonResp...) {
		cm, ok := resp.Result.(*protocol.ChatMessage)
		if !ok || cm.Content != "hello" {
			t.Errorf("received %+v, want chat message %q", resp, "hello")
		}
	}
	if got := len(binConn.GetWritten()); got != 1 {
		t.Errorf("excluded member received %d frames, want 1", got)
	}
	if got := len(otherConn.GetWritten()); got != 0 {
		t.Errorf("member of another room received %d frames, want 0", got)
	}
}

func TestRegistry_Broadcast_DropsSlowConsumer(t *testing.T) {
	ctx := context.Background()
	reg := chat.NewRegistry(testDirectory(), zerolog.Nop())

	fastConn, slowConn := newMockConn("fast"), newBlockingConn("slow")
	fast := newServedSession(t, fastConn, protocol.JSONCodec{}, auth.User{ID: 1}, chat.SessionConfig{})
	slow := newServedSession(t, slowConn, protocol.JSONCodec{}, auth.User{ID: 2}, chat.SessionConfig{QueueSize: 1})

	for _, s := range []*chat.Session{fast, slow} {
		if err := reg.Join(ctx, 7, s); err != nil {
			t.Fatalf("Join() error = %v", err)
		}
	}

	const n = 5
	for i := 0; i < n; i++ {
		msg := protocol.Succeed(&protocol.ChatMessage{ID: int64(i + 1), RoomID: 7, Content: fmt.Sprint(i)})
		reg.Broadcast(7, msg, nil)
	}

	waitClosed(t, slow)
	if got := reg.Members(7); got != 1 {
		t.Errorf("Members(7) = %d, want 1", got)
	}
	if _, ok := reg.RoomOf(slow); ok {
		t.Error("slow consumer is still indexed to a room")
	}

	got := waitResponses(t, fastConn, protocol.JSONCodec{}, n)
	for i, resp := range got {
		cm := resp.Result.(*protocol.ChatMessage)
		if cm.Content != fmt.Sprint(i) {
			t.Errorf("fast member message %d = %q, want %q", i, cm.Content, fmt.Sprint(i))
		}
	}
}

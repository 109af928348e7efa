package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/omochice/tabletalk-chat/internal/metrics"
	"github.com/omochice/tabletalk-chat/pkg/protocol"
)

// Room describes a chat room as known to the Directory.
type Room struct {
	ID           int64
	RestaurantID int64
	Name         string
	Active       bool
}

// Directory looks up rooms. Implementations return an error matching
// ErrRoomNotFound for unknown ids.
type Directory interface {
	Room(ctx context.Context, id int64) (Room, error)
}

type room struct {
	mu      sync.Mutex
	members map[*Session]struct{}
}

// Registry tracks which sessions are joined to which room.
//
// Lock order is Registry.mu before room.mu. Join, Leave and Broadcast on one
// room are serialized by that room's lock; different rooms only contend on
// the short registry lock.
type Registry struct {
	dir Directory
	log zerolog.Logger

	mu    sync.Mutex
	rooms map[int64]*room
	index map[*Session]int64
}

func NewRegistry(dir Directory, log zerolog.Logger) *Registry {
	return &Registry{
		dir:   dir,
		log:   log.With().Str("component", "registry").Logger(),
		rooms: make(map[int64]*room),
		index: make(map[*Session]int64),
	}
}

// Lookup resolves a room through the Directory and rejects inactive rooms.
func (r *Registry) Lookup(ctx context.Context, roomID int64) (Room, error) {
	info, err := r.dir.Room(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return Room{}, err
		}
		r.log.Error().Err(err).Int64("room_id", roomID).Msg("room lookup failed")
		return Room{}, ErrRoomNotFound.Wrap(err)
	}
	if !info.Active {
		return Room{}, ErrRoomInactive
	}
	return info, nil
}

// Join adds s to the room. A session belongs to at most one room.
func (r *Registry) Join(ctx context.Context, roomID int64, s *Session) error {
	if _, err := r.Lookup(ctx, roomID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[s]; ok {
		return ErrAlreadyInRoom
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[*Session]struct{})}
		r.rooms[roomID] = rm
		metrics.RoomsActive.Inc()
	}

	rm.mu.Lock()
	rm.members[s] = struct{}{}
	rm.mu.Unlock()

	r.index[s] = roomID
	return nil
}

// Leave removes s from the room. It returns ErrNotInRoom, changing nothing,
// when s is not a member of that room.
func (r *Registry) Leave(roomID int64, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.index[s]; !ok || cur != roomID {
		return ErrNotInRoom
	}
	r.removeLocked(roomID, s)
	return nil
}

// RemoveSessionEverywhere drops s from whichever room it is in and returns
// that room id, or zero.
func (r *Registry) RemoveSessionEverywhere(s *Session) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.index[s]
	if !ok {
		return 0
	}
	r.removeLocked(roomID, s)
	return roomID
}

func (r *Registry) removeLocked(roomID int64, s *Session) {
	delete(r.index, s)
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.members, s)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, roomID)
		metrics.RoomsActive.Dec()
	}
}

// Broadcast queues msg for every member of the room except the given session
// (nil excludes nobody) and returns how many members it reached. The frame is
// encoded once per codec. Members whose queue rejects the frame are removed
// from the room and closed; the remaining members are unaffected.
func (r *Registry) Broadcast(roomID int64, msg protocol.Message, except *Session) int {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	var (
		frames    = make(map[string][]byte, 2)
		delivered int
		failed    []*Session
	)

	rm.mu.Lock()
	for s := range rm.members {
		if s == except {
			continue
		}

		codec := s.Codec()
		frame, ok := frames[codec.Name()]
		if !ok {
			var err error
			if frame, err = codec.Encode(msg); err != nil {
				r.log.Error().Err(err).Str("codec", codec.Name()).Msg("failed to encode broadcast")
			}
			frames[codec.Name()] = frame
		}
		if frame == nil {
			continue
		}

		if err := s.SendEncoded(frame); err != nil {
			s.Logger().Warn().Err(err).Int64("room_id", roomID).Msg("dropping member from room")
			delete(rm.members, s)
			failed = append(failed, s)
			continue
		}
		delivered++
	}
	rm.mu.Unlock()

	metrics.BroadcastDeliveries.WithLabelValues("ok").Add(float64(delivered))
	metrics.BroadcastFanout.Observe(float64(delivered))

	// A member that is already shutting down keeps flushing its queue.
	for _, s := range failed {
		metrics.BroadcastDeliveries.WithLabelValues("dropped").Inc()
		r.forget(roomID, s)
		if s.State() != StateClosing {
			s.CloseWithReason(ReasonSlowConsumer)
		}
	}
	return delivered
}

// forget clears the index entry for a member already removed from the room.
func (r *Registry) forget(roomID int64, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.index[s]; ok && cur == roomID {
		r.removeLocked(roomID, s)
	}
}

// Members returns the number of sessions joined to the room.
func (r *Registry) Members(roomID int64) int {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// RoomOf returns the room s is joined to.
func (r *Registry) RoomOf(s *Session) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.index[s]
	return roomID, ok
}

// Stats returns the number of non-empty rooms and joined sessions.
func (r *Registry) Stats() (rooms, sessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms), len(r.index)
}

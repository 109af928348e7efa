// Package memory provides process-local implementations of the chat room
// directory and presence store.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/omochice/tabletalk-chat/internal/chat"
)

// Directory is a static room table built once at startup.
type Directory struct {
	rooms map[int64]chat.Room
}

func NewDirectory(rooms ...chat.Room) *Directory {
	d := &Directory{rooms: make(map[int64]chat.Room, len(rooms))}
	for _, r := range rooms {
		d.rooms[r.ID] = r
	}
	return d
}

// Room implements chat.Directory.
func (d *Directory) Room(_ context.Context, id int64) (chat.Room, error) {
	r, ok := d.rooms[id]
	if !ok {
		return chat.Room{}, chat.ErrRoomNotFound
	}
	return r, nil
}

// ParseRooms parses "id:restaurant[:name]" entries into active rooms.
func ParseRooms(entries []string) ([]chat.Room, error) {
	rooms := make([]chat.Room, 0, len(entries))
	seen := make(map[int64]bool, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid room %q: want id:restaurant[:name]", entry)
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid room id in %q", entry)
		}
		restaurantID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || restaurantID <= 0 {
			return nil, fmt.Errorf("invalid restaurant id in %q", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate room id %d", id)
		}
		seen[id] = true

		r := chat.Room{ID: id, RestaurantID: restaurantID, Active: true}
		if len(parts) == 3 {
			r.Name = parts[2]
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

var _ chat.Directory = (*Directory)(nil)

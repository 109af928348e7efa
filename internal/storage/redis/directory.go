package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/omochice/tabletalk-chat/internal/chat"
)

const (
	statusActive   = "active"
	statusInactive = "inactive"
)

// Directory reads room metadata from Redis hashes.
type Directory struct {
	client redis.Cmdable
}

func NewDirectory(client redis.Cmdable) *Directory {
	return &Directory{client: client}
}

// Room implements chat.Directory.
func (d *Directory) Room(ctx context.Context, id int64) (chat.Room, error) {
	fields, err := d.client.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return chat.Room{}, fmt.Errorf("failed to load room %d: %w", id, err)
	}
	if len(fields) == 0 {
		return chat.Room{}, chat.ErrRoomNotFound
	}

	restaurantID, err := strconv.ParseInt(fields["restaurant_id"], 10, 64)
	if err != nil {
		return chat.Room{}, fmt.Errorf("room %d has invalid restaurant_id %q: %w", id, fields["restaurant_id"], err)
	}
	return chat.Room{
		ID:           id,
		RestaurantID: restaurantID,
		Name:         fields["name"],
		Active:       fields["status"] != statusInactive,
	}, nil
}

// Put writes room metadata, replacing any previous entry.
func (d *Directory) Put(ctx context.Context, r chat.Room) error {
	status := statusActive
	if !r.Active {
		status = statusInactive
	}
	err := d.client.HSet(ctx, roomKey(r.ID),
		"restaurant_id", r.RestaurantID,
		"name", r.Name,
		"status", status,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store room %d: %w", r.ID, err)
	}
	return nil
}

var _ chat.Directory = (*Directory)(nil)

package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omochice/tabletalk-chat/internal/chat"
)

// Presence keeps per-room online sets in Redis.
type Presence struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewPresence(client redis.Cmdable) *Presence {
	return &Presence{client: client, now: time.Now}
}

// WithClock overrides the clock used to score activity.
func (p *Presence) WithClock(now func() time.Time) *Presence {
	p.now = now
	return p
}

func (p *Presence) Online(ctx context.Context, roomID, userID int64) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, onlineKey(roomID), p.member(userID))
		pipe.SAdd(ctx, onlineRoomsKey, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark user %d online in room %d: %w", userID, roomID, err)
	}
	return nil
}

func (p *Presence) Offline(ctx context.Context, roomID, userID int64) error {
	if err := p.client.ZRem(ctx, onlineKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("failed to mark user %d offline in room %d: %w", userID, roomID, err)
	}
	return nil
}

// Touch refreshes the score of a participant already online.
func (p *Presence) Touch(ctx context.Context, roomID, userID int64) error {
	err := p.client.ZAddArgs(ctx, onlineKey(roomID), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{p.member(userID)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to touch user %d in room %d: %w", userID, roomID, err)
	}
	return nil
}

func (p *Presence) Count(ctx context.Context, roomID int64) (int, error) {
	n, err := p.client.ZCard(ctx, onlineKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count room %d: %w", roomID, err)
	}
	return int(n), nil
}

// Sweep removes participants idle since before cutoff in every tracked room.
func (p *Presence) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	rooms, err := p.client.SMembers(ctx, onlineRoomsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list online rooms: %w", err)
	}

	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	removed := 0
	for _, room := range rooms {
		roomID, err := strconv.ParseInt(room, 10, 64)
		if err != nil {
			p.client.SRem(ctx, onlineRoomsKey, room)
			continue
		}
		key := onlineKey(roomID)
		n, err := p.client.ZRemRangeByScore(ctx, key, "-inf", upper).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to sweep room %d: %w", roomID, err)
		}
		removed += int(n)

		left, err := p.client.ZCard(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to count room %d: %w", roomID, err)
		}
		if left == 0 {
			p.client.SRem(ctx, onlineRoomsKey, room)
		}
	}
	return removed, nil
}

func (p *Presence) member(userID int64) redis.Z {
	return redis.Z{Score: float64(p.now().UnixMilli()), Member: userID}
}

var _ chat.Presence = (*Presence)(nil)

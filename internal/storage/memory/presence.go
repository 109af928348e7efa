package memory

import (
	"context"
	"sync"
	"time"

	"github.com/omochice/tabletalk-chat/internal/chat"
)

// Presence tracks online participants per room with their last activity.
type Presence struct {
	mu    sync.Mutex
	rooms map[int64]map[int64]time.Time
	now   func() time.Time
}

func NewPresence() *Presence {
	return &Presence{
		rooms: make(map[int64]map[int64]time.Time),
		now:   time.Now,
	}
}

// WithClock overrides the clock used to stamp activity.
func (p *Presence) WithClock(now func() time.Time) *Presence {
	p.now = now
	return p
}

func (p *Presence) Online(_ context.Context, roomID, userID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	users, ok := p.rooms[roomID]
	if !ok {
		users = make(map[int64]time.Time)
		p.rooms[roomID] = users
	}
	users[userID] = p.now()
	return nil
}

func (p *Presence) Offline(_ context.Context, roomID, userID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(roomID, userID)
	return nil
}

// Touch refreshes the activity time of a participant already online.
func (p *Presence) Touch(_ context.Context, roomID, userID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if users, ok := p.rooms[roomID]; ok {
		if _, ok := users[userID]; ok {
			users[userID] = p.now()
		}
	}
	return nil
}

func (p *Presence) Count(_ context.Context, roomID int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms[roomID]), nil
}

// Sweep removes participants idle since before cutoff and returns how many
// were removed.
func (p *Presence) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for roomID, users := range p.rooms {
		for userID, last := range users {
			if last.Before(cutoff) {
				p.removeLocked(roomID, userID)
				removed++
			}
		}
	}
	return removed, nil
}

func (p *Presence) removeLocked(roomID, userID int64) {
	users, ok := p.rooms[roomID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(p.rooms, roomID)
	}
}

var _ chat.Presence = (*Presence)(nil)

// Package storage holds the room directory and presence backends and the
// scheduled presence sweeper shared by them.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/omochice/tabletalk-chat/internal/metrics"
)

// Sweepable is a presence store that can drop idle entries.
type Sweepable interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper removes presence entries idle for longer than TTL on a cron
// schedule.
type Sweeper struct {
	store Sweepable
	cron  string
	ttl   time.Duration
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	running bool
}

func NewSweeper(store Sweepable, cron string, ttl time.Duration, log zerolog.Logger) (*Sweeper, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid sweep schedule %q", cron)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid presence ttl %s", ttl)
	}
	return &Sweeper{
		store: store,
		cron:  cron,
		ttl:   ttl,
		log:   log.With().Str("component", "presence-sweeper").Logger(),
		now:   time.Now,
	}, nil
}

// WithClock overrides the clock used to compute the idle cutoff.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start runs the schedule until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info().Str("cron", s.cron).Dur("ttl", s.ttl).Msg("presence sweeper started")
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			s.log.Error().Err(err).Str("cron", s.cron).Msg("failed to compute next sweep")
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("presence sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce sweeps immediately. A sweep already in progress makes it a no-op.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	n, err := s.store.Sweep(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep presence: %w", err)
	}
	if n > 0 {
		metrics.PresenceSwept.Add(float64(n))
		s.log.Info().Int("removed", n).Msg("swept idle presence")
	}
	return n, nil
}

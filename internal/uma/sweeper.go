package uma

import (
	"context"
	"time"

	"umagate.org/internal/obs"
)

// Purger removes records that expired before now.
type Purger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically purges expired tickets, abandoned sessions and
// expired token records.
type Sweeper struct {
	interval time.Duration
	targets  map[string]Purger
	now      func() time.Time
}

func NewSweeper(interval time.Duration, targets map[string]Purger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{interval: interval, targets: targets, now: time.Now}
}

// Sweep runs one purge pass and returns the number of removed records per target.
func (s *Sweeper) Sweep(ctx context.Context) map[string]int64 {
	now := s.now()
	out := make(map[string]int64, len(s.targets))
	for name, p := range s.targets {
		n, err := p.DeleteExpired(ctx, now)
		if err != nil {
			obs.Ctx(ctx).Error().Err(err).Str("target", name).Msg("sweeper.failed")
			continue
		}
		out[name] = n
		if n > 0 {
			obs.Ctx(ctx).Debug().Str("target", name).Int64("removed", n).Msg("sweeper.purged")
		}
	}
	return out
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

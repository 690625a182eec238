package maintenance

import (
	"context"
	"time"

	"github.com/curaflow/consent-core/pkg/logger"
)

// GrantExpirer flips overdue grants to their expired state
type GrantExpirer interface {
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
}

// NoncePurger removes consumed nonces whose credentials can no longer
// verify
type NoncePurger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper runs periodic storage hygiene. Read paths never depend on it;
// an idle sweeper only means stale rows linger until the next pass.
type Sweeper struct {
	logger   *logger.Logger
	grants   GrantExpirer
	nonces   NoncePurger
	interval time.Duration
	done     chan struct{}
}

// NewSweeper creates a maintenance sweeper
func NewSweeper(log *logger.Logger, grants GrantExpirer, nonces NoncePurger, interval time.Duration) *Sweeper {
	return &Sweeper{
		logger:   log,
		grants:   grants,
		nonces:   nonces,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.WithField("interval", s.interval.String()).Info("Maintenance sweeper started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop
func (s *Sweeper) Stop() {
	close(s.done)
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()

	expired, err := s.grants.MarkExpired(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("Failed to mark expired grants")
	} else if expired > 0 {
		s.logger.WithField("count", expired).Info("Swept expired grants")
	}

	if s.nonces != nil {
		purged, err := s.nonces.PurgeExpired(ctx, now)
		if err != nil {
			s.logger.WithError(err).Error("Failed to purge consumed nonces")
		} else if purged > 0 {
			s.logger.WithField("count", purged).Info("Purged expired nonces")
		}
	}
}

package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReaperConfig holds the staleness horizons.
type ReaperConfig struct {
	// DynamicTTL is how long a DHCP lease lives without a commit.
	DynamicTTL time.Duration
	// SessionTTL is how long a RADIUS session lives without an interim.
	SessionTTL time.Duration
	// Interval between scans.
	Interval time.Duration
}

// Reaper closes active leases nobody refreshed within their horizon.
type Reaper struct {
	leases *Store
	config ReaperConfig
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a reaper.
func NewReaper(leases *Store, config ReaperConfig, logger *zap.Logger) *Reaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	return &Reaper{leases: leases, config: config, logger: logger}
}

// Reap runs one scan and returns how many leases were closed.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.leases.now()
	closed := 0

	for _, kind := range []struct {
		dynamic bool
		ttl     time.Duration
	}{
		{true, r.config.DynamicTTL},
		{false, r.config.SessionTTL},
	} {
		if kind.ttl <= 0 {
			continue
		}
		stale, err := r.leases.store.StaleLeases(ctx, kind.dynamic, now.Add(-kind.ttl))
		if err != nil {
			return closed, err
		}

		for _, l := range stale {
			_, err := r.leases.ReleaseLease(ctx, l, CloseOptions{Reason: ReasonStale, FreeIP: l.Dynamic})
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return closed, ctx.Err()
				}
				r.logger.Warn("Failed to close stale lease",
					zap.Int64("lease_id", l.ID),
					zap.Int64("subscriber_id", l.SubscriberID),
					zap.Error(err),
				)
				continue
			}
			closed++
			r.logger.Info("Stale lease closed",
				zap.Int64("lease_id", l.ID),
				zap.Int64("subscriber_id", l.SubscriberID),
				zap.String("ip", l.IP.String()),
				zap.Time("last_seen", l.LastSeen),
			)
		}
	}
	return closed, nil
}

// Start launches the scan loop.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("Lease reap failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop stops the loop.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

package gormstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Week is one accounting_snapshot partition window: Monday 00:00 UTC to
// the following Monday.
type Week struct {
	Name  string
	Start time.Time
	End   time.Time
}

// WeekOf returns the partition window containing t.
func WeekOf(t time.Time) Week {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7 // days since Monday
	start := time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
	year, week := start.ISOWeek()
	return Week{
		Name:  fmt.Sprintf("accounting_snapshot_y%04dw%02d", year, week),
		Start: start,
		End:   start.AddDate(0, 0, 7),
	}
}

// DDL returns the statement creating the partition.
func (w Week) DDL() string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF accounting_snapshot FOR VALUES FROM ('%s') TO ('%s')",
		w.Name, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339),
	)
}

// PartitionManager keeps the current and next week's snapshot partitions
// in place. It is a no-op on dialects without declarative partitioning.
type PartitionManager struct {
	store    *Store
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPartitionManager creates a manager that re-checks every interval.
func NewPartitionManager(store *Store, interval time.Duration, logger *zap.Logger) *PartitionManager {
	if interval == 0 {
		interval = 24 * time.Hour
	}
	return &PartitionManager{
		store:    store,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Ensure creates the partition for now and the one a week ahead, plus the
// default partition that catches out-of-range event times.
func (m *PartitionManager) Ensure(ctx context.Context) error {
	if m.store.dialect != DialectPostgres {
		return nil
	}

	db := m.store.db.WithContext(ctx)
	now := m.now()
	for _, w := range []Week{WeekOf(now), WeekOf(now.AddDate(0, 0, 7))} {
		if err := db.Exec(w.DDL()).Error; err != nil {
			return fmt.Errorf("failed to create partition %s: %w", w.Name, err)
		}
		m.logger.Debug("Snapshot partition ensured",
			zap.String("partition", w.Name),
			zap.Time("from", w.Start),
			zap.Time("to", w.End),
		)
	}
	if err := db.Exec("CREATE TABLE IF NOT EXISTS accounting_snapshot_default PARTITION OF accounting_snapshot DEFAULT").Error; err != nil {
		return fmt.Errorf("failed to create default partition: %w", err)
	}
	return nil
}

// Start runs Ensure immediately and then on every tick.
func (m *PartitionManager) Start(ctx context.Context) error {
	if err := m.Ensure(ctx); err != nil {
		return err
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Ensure(ctx); err != nil {
					m.logger.Error("Failed to ensure snapshot partitions", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop stops the background loop.
func (m *PartitionManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

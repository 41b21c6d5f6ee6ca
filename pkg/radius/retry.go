package radius

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryItem is a disconnect waiting to be sent again.
type RetryItem struct {
	Username  string    `json:"username"`
	Attempts  int       `json:"attempts"`
	NotBefore time.Time `json:"-"`
}

// RetryQueue holds pending disconnects ordered by due time.
type RetryQueue interface {
	Push(ctx context.Context, item RetryItem) error
	// Due removes and returns up to limit items due at now.
	Due(ctx context.Context, now time.Time, limit int) ([]RetryItem, error)
	Len(ctx context.Context) (int, error)
}

// MemoryRetryQueue is a process-local RetryQueue.
type MemoryRetryQueue struct {
	mu    sync.Mutex
	items []RetryItem
}

// NewMemoryRetryQueue creates an empty in-memory queue.
func NewMemoryRetryQueue() *MemoryRetryQueue {
	return &MemoryRetryQueue{}
}

func (q *MemoryRetryQueue) Push(_ context.Context, item RetryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].NotBefore.After(item.NotBefore)
	})
	q.items = append(q.items, RetryItem{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
	return nil
}

func (q *MemoryRetryQueue) Due(_ context.Context, now time.Time, limit int) ([]RetryItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(q.items) && n < limit && !q.items[n].NotBefore.After(now) {
		n++
	}
	due := append([]RetryItem(nil), q.items[:n]...)
	q.items = q.items[n:]
	return due, nil
}

func (q *MemoryRetryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// DefaultRetryKey is the sorted set holding pending disconnects.
const DefaultRetryKey = "coa:disconnect:retry"

// RedisRetryQueue keeps pending disconnects in a sorted set scored by due
// time in milliseconds, so they survive a restart.
type RedisRetryQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRedisRetryQueue creates a queue on key (DefaultRetryKey if empty).
func NewRedisRetryQueue(client redis.UniversalClient, key string) *RedisRetryQueue {
	if key == "" {
		key = DefaultRetryKey
	}
	return &RedisRetryQueue{client: client, key: key}
}

func (q *RedisRetryQueue) Push(ctx context.Context, item RetryItem) error {
	member, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(item.NotBefore.UnixMilli()),
		Member: string(member),
	}).Err()
}

// Due pops due members. ZREM decides ownership when several workers share
// the key.
func (q *RedisRetryQueue) Due(ctx context.Context, now time.Time, limit int) ([]RetryItem, error) {
	members, err := q.client.ZRangeByScoreWithScores(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	var due []RetryItem
	for _, z := range members {
		member, _ := z.Member.(string)
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return due, err
		}
		if removed == 0 {
			continue
		}
		var item RetryItem
		if err := json.Unmarshal([]byte(member), &item); err != nil {
			continue
		}
		item.NotBefore = time.UnixMilli(int64(z.Score))
		due = append(due, item)
	}
	return due, nil
}

func (q *RedisRetryQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	return int(n), err
}

// Disconnecter sends a Disconnect-Request.
type Disconnecter interface {
	Disconnect(ctx context.Context, username string) error
}

// RetrierConfig configures the DisconnectRetrier.
type RetrierConfig struct {
	// Interval between queue scans (default: 5s).
	Interval time.Duration
	// Backoff is the first retry delay, doubled per attempt (default: 10s).
	Backoff time.Duration
	// MaxBackoff caps the delay (default: 5m).
	MaxBackoff time.Duration
	// MaxAttempts drops an item after this many retries (default: 10).
	MaxAttempts int
	// Batch is the number of items handled per scan (default: 32).
	Batch int
	// BreakerFailures opens the breaker after this many consecutive
	// timeouts (default: 5).
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open (default: 30s).
	BreakerCooldown time.Duration
}

// ErrCircuitOpen is returned while the BRAS breaker is open.
var ErrCircuitOpen = errors.New("BRAS circuit open")

// DisconnectRetrier sends disconnects and requeues the ones that time out.
// CoA service changes are not retried: the next Access-Request reapplies
// the verdict.
type DisconnectRetrier struct {
	target Disconnecter
	queue  RetryQueue
	config RetrierConfig
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDisconnectRetrier wraps target with a retry queue and breaker.
func NewDisconnectRetrier(target Disconnecter, queue RetryQueue, cfg RetrierConfig, logger *zap.Logger) *DisconnectRetrier {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 10 * time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Batch == 0 {
		cfg.Batch = 32
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	r := &DisconnectRetrier{
		target: target,
		queue:  queue,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bras-disconnect",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return r
}

// Disconnect sends a disconnect now. A TIMEOUT is queued for retry and
// still returned to the caller.
func (r *DisconnectRetrier) Disconnect(ctx context.Context, username string) error {
	err := r.send(ctx, username)
	if KindOf(err) == KindTimeout || errors.Is(err, ErrCircuitOpen) {
		if qerr := r.Enqueue(ctx, username); qerr != nil {
			r.logger.Error("Failed to queue disconnect retry",
				zap.String("username", username),
				zap.Error(qerr),
			)
		}
	}
	return err
}

// Enqueue schedules a first retry for username.
func (r *DisconnectRetrier) Enqueue(ctx context.Context, username string) error {
	return r.queue.Push(ctx, RetryItem{
		Username:  username,
		NotBefore: time.Now().Add(r.backoff(0)),
	})
}

// Len reports the number of queued disconnects.
func (r *DisconnectRetrier) Len(ctx context.Context) (int, error) {
	return r.queue.Len(ctx)
}

func (r *DisconnectRetrier) send(ctx context.Context, username string) error {
	result, err := r.cb.Execute(func() (any, error) {
		err := r.target.Disconnect(ctx, username)
		if err != nil && KindOf(err) != KindTimeout {
			// Only timeouts count against the BRAS.
			return err, nil
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: disconnect %s", ErrCircuitOpen, username)
	}
	if err != nil {
		return err
	}
	if rerr, ok := result.(error); ok {
		return rerr
	}
	return nil
}

// RetryDue handles one batch of due items and returns how many were
// acknowledged by the BRAS.
func (r *DisconnectRetrier) RetryDue(ctx context.Context) (int, error) {
	items, err := r.queue.Due(ctx, time.Now(), r.config.Batch)
	if err != nil {
		return 0, fmt.Errorf("read retry queue: %w", err)
	}

	sent := 0
	for i, item := range items {
		err := r.send(ctx, item.Username)
		switch {
		case err == nil:
			sent++
			r.logger.Info("Queued disconnect delivered",
				zap.String("username", item.Username),
				zap.Int("attempts", item.Attempts+1),
			)

		case errors.Is(err, ErrCircuitOpen):
			// Put this and the rest back untouched.
			for _, rest := range items[i:] {
				rest.NotBefore = time.Now().Add(r.config.BreakerCooldown)
				if perr := r.queue.Push(ctx, rest); perr != nil {
					return sent, perr
				}
			}
			return sent, nil

		case KindOf(err) == KindTimeout:
			item.Attempts++
			if item.Attempts >= r.config.MaxAttempts {
				r.logger.Warn("Dropping disconnect after repeated timeouts",
					zap.String("username", item.Username),
					zap.Int("attempts", item.Attempts),
				)
				continue
			}
			item.NotBefore = time.Now().Add(r.backoff(item.Attempts))
			if perr := r.queue.Push(ctx, item); perr != nil {
				return sent, perr
			}

		default:
			// SESSION_NOT_FOUND and NAKs are final.
			r.logger.Info("Queued disconnect settled",
				zap.String("username", item.Username),
				zap.String("result", string(KindOf(err))),
			)
		}
	}
	return sent, nil
}

func (r *DisconnectRetrier) backoff(attempts int) time.Duration {
	d := r.config.Backoff
	for i := 0; i < attempts && d < r.config.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.config.MaxBackoff {
		d = r.config.MaxBackoff
	}
	return d
}

// Start runs the retry worker until ctx is canceled or Stop is called.
func (r *DisconnectRetrier) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if _, err := r.RetryDue(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("Disconnect retry pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop stops the worker and waits for the current pass.
func (r *DisconnectRetrier) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

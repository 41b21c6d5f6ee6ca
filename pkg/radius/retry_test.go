package radius_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	aaaradius "github.com/codelaboratoryltd/aaa/pkg/radius"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedBRAS struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (b *scriptedBRAS) Disconnect(_ context.Context, username string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, username)
	if len(b.errs) == 0 {
		return nil
	}
	err := b.errs[0]
	b.errs = b.errs[1:]
	return err
}

func timeout(username string) error {
	return &aaaradius.CoAError{Op: "disconnect", Username: username, Kind: aaaradius.KindTimeout}
}

func queues(t *testing.T) map[string]aaaradius.RetryQueue {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]aaaradius.RetryQueue{
		"memory": aaaradius.NewMemoryRetryQueue(),
		"redis":  aaaradius.NewRedisRetryQueue(client, ""),
	}
}

func TestRetryQueueOrdersByDueTime(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			require.NoError(t, q.Push(ctx, aaaradius.RetryItem{Username: "late", NotBefore: now.Add(time.Hour)}))
			require.NoError(t, q.Push(ctx, aaaradius.RetryItem{Username: "second", NotBefore: now.Add(-time.Second)}))
			require.NoError(t, q.Push(ctx, aaaradius.RetryItem{Username: "first", Attempts: 2, NotBefore: now.Add(-time.Minute)}))

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			due, err := q.Due(ctx, now, 10)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, "first", due[0].Username)
			assert.Equal(t, 2, due[0].Attempts)
			assert.Equal(t, "second", due[1].Username)

			n, err = q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "due items are removed")

			due, err = q.Due(ctx, now, 10)
			require.NoError(t, err)
			assert.Empty(t, due)
		})
	}
}

func TestRetryQueueHonoursLimit(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, u := range []string{"a", "b", "c"} {
				require.NoError(t, q.Push(ctx, aaaradius.RetryItem{Username: u, NotBefore: time.Now().Add(-time.Second)}))
			}
			due, err := q.Due(ctx, time.Now(), 2)
			require.NoError(t, err)
			assert.Len(t, due, 2)
		})
	}
}

func TestDisconnectRetrier(t *testing.T) {
	ctx := context.Background()

	t.Run("queues timeouts only", func(t *testing.T) {
		bras := &scriptedBRAS{errs: []error{
			timeout("alice"),
			&aaaradius.CoAError{Op: "disconnect", Username: "bob", Kind: aaaradius.KindSessionNotFound},
		}}
		q := aaaradius.NewMemoryRetryQueue()
		r := aaaradius.NewDisconnectRetrier(bras, q, aaaradius.RetrierConfig{}, zap.NewNop())

		assert.ErrorIs(t, r.Disconnect(ctx, "alice"), aaaradius.ErrTimeout)
		assert.ErrorIs(t, r.Disconnect(ctx, "bob"), aaaradius.ErrSessionNotFound)

		n, err := r.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("replays due items and requeues timeouts", func(t *testing.T) {
		bras := &scriptedBRAS{errs: []error{nil, timeout("bob")}}
		q := aaaradius.NewMemoryRetryQueue()
		r := aaaradius.NewDisconnectRetrier(bras, q, aaaradius.RetrierConfig{}, zap.NewNop())

		past := time.Now().Add(-time.Second)
		require.NoError(t, q.Push(ctx, aaaradius.RetryItem{Username: "alice", NotBefore: past}))
		require.NoError(t, q.Push(ctx, aaaradius.RetryItem{Username: "bob", NotBefore: past.Add(time.Millisecond)}))

		sent, err := r.RetryDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sent)
		assert.Equal(t, []string{"alice", "bob"}, bras.calls)

		n, _ := q.Len(ctx)
		assert.Equal(t, 1, n, "bob is requeued with backoff")
		due, _ := q.Due(ctx, time.Now(), 10)
		assert.Empty(t, due)
	})

	t.Run("drops items after max attempts", func(t *testing.T) {
		bras := &scriptedBRAS{errs: []error{timeout("alice")}}
		q := aaaradius.NewMemoryRetryQueue()
		r := aaaradius.NewDisconnectRetrier(bras, q, aaaradius.RetrierConfig{MaxAttempts: 3}, zap.NewNop())

		require.NoError(t, q.Push(ctx, aaaradius.RetryItem{Username: "alice", Attempts: 2, NotBefore: time.Now().Add(-time.Second)}))
		_, err := r.RetryDue(ctx)
		require.NoError(t, err)

		n, _ := q.Len(ctx)
		assert.Zero(t, n)
	})

	t.Run("open breaker stops sending", func(t *testing.T) {
		bras := &scriptedBRAS{errs: []error{timeout("a"), timeout("b")}}
		q := aaaradius.NewMemoryRetryQueue()
		r := aaaradius.NewDisconnectRetrier(bras, q, aaaradius.RetrierConfig{
			BreakerFailures: 2,
			BreakerCooldown: time.Hour,
		}, zap.NewNop())

		assert.Error(t, r.Disconnect(ctx, "a"))
		assert.Error(t, r.Disconnect(ctx, "b"))

		err := r.Disconnect(ctx, "c")
		assert.ErrorIs(t, err, aaaradius.ErrCircuitOpen)
		assert.Len(t, bras.calls, 2, "no datagram while the breaker is open")

		n, _ := q.Len(ctx)
		assert.Equal(t, 3, n)
	})

	t.Run("worker drains the redis queue", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		bras := &scriptedBRAS{}
		q := aaaradius.NewRedisRetryQueue(client, "")
		r := aaaradius.NewDisconnectRetrier(bras, q, aaaradius.RetrierConfig{Interval: 10 * time.Millisecond}, zap.NewNop())
		require.NoError(t, q.Push(ctx, aaaradius.RetryItem{Username: "alice", NotBefore: time.Now()}))

		r.Start(ctx)
		defer r.Stop()

		assert.Eventually(t, func() bool {
			n, err := q.Len(ctx)
			return err == nil && n == 0
		}, time.Second, 10*time.Millisecond)
		assert.False(t, mr.Exists(aaaradius.DefaultRetryKey))
	})
}

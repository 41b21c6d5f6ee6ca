package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler consumes one event.
type Handler func(ctx context.Context, e Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Config holds bus configuration.
type Config struct {
	// QueueSize bounds each subscription's inbound queue.
	QueueSize int
	// Workers bounds the number of handlers running at once.
	Workers int
	// OnDrop is called for each event dropped on a full queue.
	OnDrop func(kind Kind, subscription string)
}

// Bus is an in-memory, non-blocking event bus. Every subscription has a
// FIFO queue drained by one goroutine, so events from one publisher reach
// a subscriber in publish order. Handlers share a bounded worker pool.
type Bus struct {
	config Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	pool   *semaphore.Weighted

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	closed bool
	wg     sync.WaitGroup

	nextID    atomic.Uint64
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Subscription is a registered handler with its queue.
type Subscription struct {
	id      uint64
	name    string
	kinds   map[Kind]bool
	handler Handler
	queue   chan Event
	bus     *Bus
	once    sync.Once
	dropped atomic.Uint64
}

// SubscriptionStats describes one subscription.
type SubscriptionStats struct {
	Name     string `json:"name"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	Dropped  uint64 `json:"dropped"`
}

// Stats holds bus statistics.
type Stats struct {
	Published     uint64              `json:"published"`
	Delivered     uint64              `json:"delivered"`
	Dropped       uint64              `json:"dropped"`
	Subscriptions []SubscriptionStats `json:"subscriptions"`
}

// NewBus creates a bus.
func NewBus(config Config, logger *zap.Logger) *Bus {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		pool:   semaphore.NewWeighted(int64(config.Workers)),
		subs:   make(map[uint64]*Subscription),
	}
}

// Publish enqueues e for every matching subscription. It never blocks: a
// full queue drops the event for that subscription.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		return
	}
	b.published.Add(1)

	for _, s := range b.subs {
		if len(s.kinds) > 0 && !s.kinds[e.Kind] {
			continue
		}
		select {
		case s.queue <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			if b.config.OnDrop != nil {
				b.config.OnDrop(e.Kind, s.name)
			}
			b.logger.Warn("Subscriber queue full, dropping event",
				zap.String("subscription", s.name),
				zap.String("kind", string(e.Kind)),
				zap.Int64("subject_id", e.SubjectID),
			)
		}
	}
}

// Subscribe registers handler for the given kinds. No kinds means all.
func (b *Bus) Subscribe(name string, kinds []Kind, handler Handler) *Subscription {
	s := &Subscription{
		id:      b.nextID.Add(1),
		name:    name,
		kinds:   make(map[Kind]bool, len(kinds)),
		handler: handler,
		queue:   make(chan Event, b.config.QueueSize),
		bus:     b,
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.queue)
		return s
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.drain(s)

	b.logger.Info("Event subscription added",
		zap.String("subscription", name),
		zap.Int("kinds", len(kinds)),
	)
	return s
}

// Unsubscribe removes the subscription. Queued events are still delivered.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		s.close()
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.queue) })
}

func (b *Bus) drain(s *Subscription) {
	defer b.wg.Done()
	for e := range s.queue {
		if err := b.pool.Acquire(b.ctx, 1); err != nil {
			// Bus aborted; discard the rest.
			continue
		}
		b.run(s, e)
		b.pool.Release(1)
	}
}

func (b *Bus) run(s *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("subscription", s.name),
				zap.String("kind", string(e.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(b.ctx, e)
	b.delivered.Add(1)
}

// Stats returns bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]SubscriptionStats, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, SubscriptionStats{
			Name:     s.name,
			QueueLen: len(s.queue),
			QueueCap: cap(s.queue),
			Dropped:  s.dropped.Load(),
		})
	}
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		Subscriptions: subs,
	}
}

// Close stops accepting events and waits for queued events to be handled
// until ctx is done, after which remaining events are discarded.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.close()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}

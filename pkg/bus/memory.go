package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aixgo-dev/freezetag/internal/logging"
	"github.com/aixgo-dev/freezetag/pkg/observability"
)

// MemoryBus is an in-process Bus. Each subscriber owns a buffered queue
// drained by its own goroutine, so handlers never run on the publisher's
// goroutine and a slow subscriber cannot stall the others.
type MemoryBus struct {
	cfg     *Config
	mu      sync.RWMutex
	subs    map[string]map[*memorySub]struct{}
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped uint64 // Atomic counter of dropped deliveries
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	topic   string
	handler Handler
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	stop    func() bool
}

// NewMemoryBus creates a MemoryBus.
func NewMemoryBus(opts ...Option) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		cfg:    newConfig(opts),
		subs:   make(map[string]map[*memorySub]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish enqueues a copy of payload for every subscriber of channel.
// A subscriber whose queue stays full for SendTimeout misses the message.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	topic := b.cfg.topic(channel)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	observability.RecordPublish(channel)

	for _, s := range targets {
		msg := make([]byte, len(payload))
		copy(msg, payload)

		select {
		case s.queue <- msg:
			continue
		case <-s.done:
			continue
		default:
		}

		timer := time.NewTimer(b.cfg.SendTimeout)
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			atomic.AddUint64(&b.dropped, 1)
			observability.RecordDrop(channel)
			log := logging.For("bus")
			log.Warn().Str("channel", channel).Int("capacity", cap(s.queue)).Msg("subscriber queue full, message dropped")
		}
		timer.Stop()
	}
	return nil
}

// Subscribe registers h on channel.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}
	if h == nil {
		return nil, fmt.Errorf("nil handler for channel %s", channel)
	}

	s := &memorySub{
		bus:     b,
		channel: channel,
		topic:   b.cfg.topic(channel),
		handler: h,
		queue:   make(chan []byte, b.cfg.BufferSize),
		done:    make(chan struct{}),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.subs[s.topic] == nil {
		b.subs[s.topic] = make(map[*memorySub]struct{})
	}
	b.subs[s.topic][s] = struct{}{}
	b.wg.Add(1)
	s.stop = context.AfterFunc(ctx, func() { _ = s.Unsubscribe() })
	b.mu.Unlock()

	go s.deliver(b.ctx)

	return s, nil
}

// Dropped returns how many deliveries were dropped on full queues.
func (b *MemoryBus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[b.cfg.topic(channel)])
}

// Close unsubscribes everyone and waits for delivery goroutines to exit.
// It must not be called from inside a handler.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		_ = s.Unsubscribe()
	}
	b.cancel()
	b.wg.Wait()
	return nil
}

func (s *memorySub) Channel() string { return s.channel }

// Unsubscribe stops delivery. Messages still queued are discarded.
// It is safe to call from inside the handler.
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		if set, ok := b.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.topic)
			}
		}
		stop := s.stop
		b.mu.Unlock()
		close(s.done)
		if stop != nil {
			stop()
		}
	})
	return nil
}

func (s *memorySub) deliver(ctx context.Context) {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			// Re-check so nothing is delivered after Unsubscribe returns.
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(ctx, s.channel, msg)
		}
	}
}

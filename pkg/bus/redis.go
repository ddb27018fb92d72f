package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/freezetag/internal/logging"
	"github.com/aixgo-dev/freezetag/pkg/observability"
)

// RedisBus implements Bus on Redis PUBLISH/SUBSCRIBE. It lets every agent
// run in its own process, the way the game is deployed across machines.
type RedisBus struct {
	client     *redis.Client
	cfg        *Config
	id         string
	ownsClient bool
	mu         sync.RWMutex
	subs       map[*redisSub]struct{}
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

type redisSub struct {
	bus     *RedisBus
	channel string
	ps      *redis.PubSub
	once    sync.Once
	stop    func() bool
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg RedisConfig, opts ...Option) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	id := uuid.NewString()
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   poolSize,
		ClientName: "freezetag-" + id[:8],
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		// Close client to release connection pool resources
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	b := newRedisBus(client, opts)
	b.id = id
	b.ownsClient = true
	return b, nil
}

// NewRedisBusFromClient wraps an existing client. The caller keeps
// ownership of the client. This is useful for testing with miniredis.
func NewRedisBusFromClient(client *redis.Client, opts ...Option) *RedisBus {
	return newRedisBus(client, opts)
}

func newRedisBus(client *redis.Client, opts []Option) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client: client,
		cfg:    newConfig(opts),
		id:     uuid.NewString(),
		subs:   make(map[*redisSub]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID identifies this bus instance in logs and client lists.
func (b *RedisBus) ID() string { return b.id }

// Publish sends payload with PUBLISH.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return ErrEmptyChannel
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	b.mu.RUnlock()

	if err := b.client.Publish(ctx, b.cfg.topic(channel), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	observability.RecordPublish(channel)
	return nil
}

// Subscribe issues SUBSCRIBE and waits for the server confirmation, so
// messages published after Subscribe returns are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}
	if h == nil {
		return nil, fmt.Errorf("nil handler for channel %s", channel)
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	ps := b.client.Subscribe(ctx, b.cfg.topic(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s := &redisSub{bus: b, channel: channel, ps: ps}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	b.wg.Add(1)
	s.stop = context.AfterFunc(ctx, func() { _ = s.Unsubscribe() })
	b.mu.Unlock()

	msgs := ps.Channel(redis.WithChannelSize(b.cfg.BufferSize))
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			h(b.ctx, channel, []byte(msg.Payload))
		}
	}()

	return s, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	b.mu.RUnlock()

	return b.client.Ping(ctx).Err()
}

// Close closes every subscription, waits for their goroutines and closes
// the client if the bus created it.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		all = append(all, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	b.cancel()
	b.wg.Wait()

	if b.ownsClient {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *redisSub) Channel() string { return s.channel }

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		delete(b.subs, s)
		stop := s.stop
		b.mu.Unlock()
		if stop != nil {
			stop()
		}
		if cerr := s.ps.Close(); cerr != nil && !isClosedErr(cerr) {
			err = fmt.Errorf("unsubscribe %s: %w", s.channel, cerr)
			log := logging.For("bus")
			log.Debug().Err(cerr).Str("channel", s.channel).Msg("pubsub close")
		}
	})
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, redis.ErrClosed) || strings.Contains(err.Error(), "closed")
}

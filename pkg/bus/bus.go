// Package bus is the publish/subscribe transport agents coordinate over.
//
// Delivery is best-effort: every subscriber that is registered on a channel
// when a message is published receives it asynchronously, late subscribers
// miss earlier messages, and no ordering is promised across channels.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when publishing or subscribing on a closed bus.
	ErrClosed = errors.New("bus closed")

	// ErrEmptyChannel is returned when a channel name is empty.
	ErrEmptyChannel = errors.New("channel name is empty")
)

// Handler receives one message. The channel is the logical channel name,
// without any configured prefix.
type Handler func(ctx context.Context, channel string, payload []byte)

// Subscription is a live handler registration.
type Subscription interface {
	Channel() string
	Unsubscribe() error
}

// Bus publishes payloads to named channels and fans them out to subscribers.
type Bus interface {
	// Publish sends payload to every current subscriber of channel.
	// It does not wait for handlers to run.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers h on channel. The subscription is active when
	// Subscribe returns and ends on Unsubscribe, Close, or when ctx is done.
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)

	// Close releases every subscription and the underlying transport.
	Close() error
}

// Config contains options shared by bus implementations.
type Config struct {
	// BufferSize is the per-subscriber queue length.
	// Default: 256
	BufferSize int

	// SendTimeout bounds how long a publish waits on a full subscriber
	// queue before dropping the message for that subscriber (memory bus).
	// Default: 100ms
	SendTimeout time.Duration

	// Prefix namespaces every channel, e.g. "game1" maps POSITION to
	// "game1.POSITION" on the wire.
	Prefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BufferSize:  256,
		SendTimeout: 100 * time.Millisecond,
	}
}

// Option is a functional option for configuring a bus
type Option func(*Config)

// WithBufferSize sets the per-subscriber queue length
func WithBufferSize(size int) Option {
	return func(cfg *Config) {
		if size > 0 {
			cfg.BufferSize = size
		}
	}
}

// WithSendTimeout sets how long a publish may block on a full queue
func WithSendTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.SendTimeout = d
	}
}

// WithPrefix namespaces every channel name
func WithPrefix(prefix string) Option {
	return func(cfg *Config) {
		cfg.Prefix = prefix
	}
}

func newConfig(opts []Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// topic maps a logical channel to its wire name.
func (c *Config) topic(channel string) string {
	if c.Prefix == "" {
		return channel
	}
	return c.Prefix + "." + channel
}

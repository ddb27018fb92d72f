package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/freezetag/internal/logging"
	"github.com/aixgo-dev/freezetag/internal/observability"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	metrics "github.com/aixgo-dev/freezetag/pkg/observability"
)

var (
	// ErrAlreadyRunning is returned when an agent with the same name is
	// already running on this Runner.
	ErrAlreadyRunning = errors.New("agent already running")

	// ErrPanic wraps a panic recovered from an agent hook.
	ErrPanic = errors.New("agent panicked")
)

// RunnerConfig contains configuration options for a Runner
type RunnerConfig struct {
	// StopTimeout bounds OnStop. Default: 5s
	StopTimeout time.Duration

	// LogInterval is the minimum spacing between handler error logs per
	// agent, after an initial burst of LogBurst. Default: 1s
	LogInterval time.Duration

	// LogBurst is the number of handler errors logged before throttling.
	// Default: 5
	LogBurst int
}

// DefaultRunnerConfig returns a RunnerConfig with sensible defaults
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		StopTimeout: 5 * time.Second,
		LogInterval: time.Second,
		LogBurst:    5,
	}
}

// Option is a functional option for configuring a Runner
type Option func(*RunnerConfig)

// WithStopTimeout sets the OnStop deadline
func WithStopTimeout(d time.Duration) Option {
	return func(cfg *RunnerConfig) {
		cfg.StopTimeout = d
	}
}

// WithLogThrottle sets how handler error logs are rate limited
func WithLogThrottle(interval time.Duration, burst int) Option {
	return func(cfg *RunnerConfig) {
		cfg.LogInterval = interval
		cfg.LogBurst = burst
	}
}

// Runner drives agents against a bus.
type Runner struct {
	bus    bus.Bus
	config *RunnerConfig
	mu     sync.Mutex
	active map[string]*Process
}

// NewRunner creates a Runner that subscribes agents on b.
func NewRunner(b bus.Bus, opts ...Option) *Runner {
	cfg := DefaultRunnerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Runner{
		bus:    b,
		config: cfg,
		active: make(map[string]*Process),
	}
}

// Running returns the names of agents that have not yet finished, sorted.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run starts a and blocks until it has stopped.
func (r *Runner) Run(ctx context.Context, a Agent) error {
	return r.Start(ctx, a).Wait()
}

// Start launches a in its own goroutine. Canceling ctx ends Run; OnStop
// still executes and the agent's subscriptions stay live until it returns.
func (r *Runner) Start(ctx context.Context, a Agent) *Process {
	p := &Process{
		name:       a.Name(),
		subscribed: make(chan struct{}),
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.active[p.name]; exists {
		r.mu.Unlock()
		p.finish(fmt.Errorf("%w: %s", ErrAlreadyRunning, p.name))
		return p
	}
	r.active[p.name] = p
	r.mu.Unlock()

	go func() {
		err := r.drive(ctx, a, p)
		r.mu.Lock()
		delete(r.active, p.name)
		r.mu.Unlock()
		p.finish(err)
	}()

	return p
}

func (r *Runner) drive(ctx context.Context, a Agent, p *Process) (err error) {
	log := logging.For("agent").With().Str("agent", a.Name()).Str("role", a.Role()).Logger()

	ctx, span := observability.StartSpanWithOtel(ctx, "agent."+a.Role(),
		trace.WithAttributes(
			attribute.String("agent.name", a.Name()),
			attribute.String("agent.role", a.Role()),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Subscriptions outlive ctx so OnStop can still observe and publish.
	subCtx, subCancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscriber{
		runner:  r,
		ctx:     subCtx,
		agent:   a.Name(),
		log:     log,
		limiter: rate.NewLimiter(rate.Every(r.config.LogInterval), r.config.LogBurst),
	}
	defer func() {
		subCancel()
		sub.unsubscribeAll()
	}()

	log.Debug().Msg("starting")
	startErr := guard("OnStart", func() error { return a.OnStart(ctx, sub) })
	p.markSubscribed()

	var runErr error
	if startErr != nil {
		log.Error().Err(startErr).Msg("start failed")
	} else {
		span.AddEvent("running")
		runErr = guard("Run", func() error { return a.Run(ctx) })
		if runErr != nil && !isCancellation(runErr) {
			log.Error().Err(runErr).Msg("run failed")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.StopTimeout)
	defer cancel()
	stopErr := guard("OnStop", func() error { return a.OnStop(stopCtx) })
	if stopErr != nil {
		log.Error().Err(stopErr).Msg("stop failed")
	}
	log.Debug().Msg("stopped")

	if isCancellation(runErr) {
		runErr = nil
	}
	return errors.Join(startErr, runErr, stopErr)
}

// guard runs fn and converts a panic into an error.
func guard(hook string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w in %s: %v\n%s", ErrPanic, hook, rec, debug.Stack())
		}
	}()
	return fn()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Process is a handle on one running agent.
type Process struct {
	name       string
	subscribed chan struct{}
	subOnce    sync.Once
	done       chan struct{}
	err        error
}

// Name returns the agent name.
func (p *Process) Name() string { return p.name }

// Subscribed is closed once OnStart has returned and every subscription it
// declared is live. It is also closed if the agent fails to start.
func (p *Process) Subscribed() <-chan struct{} { return p.subscribed }

// Done is closed when the agent has fully stopped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the agent has stopped and returns its error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) markSubscribed() {
	p.subOnce.Do(func() { close(p.subscribed) })
}

func (p *Process) finish(err error) {
	p.err = err
	p.markSubscribed()
	close(p.done)
}

// subscriber adapts agent handlers onto the bus and tracks their
// subscriptions for teardown.
type subscriber struct {
	runner  *Runner
	ctx     context.Context
	agent   string
	log     zerolog.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	subs []bus.Subscription
}

func (s *subscriber) Subscribe(channel string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for channel %s", channel)
	}
	sub, err := s.runner.bus.Subscribe(s.ctx, channel, s.wrap(h))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

func (s *subscriber) wrap(h Handler) bus.Handler {
	return func(ctx context.Context, channel string, payload []byte) {
		start := time.Now()
		status := "ok"
		defer func() {
			if rec := recover(); rec != nil {
				status = "panic"
				if s.limiter.Allow() {
					s.log.Error().Str("channel", channel).Interface("panic", rec).Msg("handler panicked")
				}
			}
			metrics.RecordDelivery(s.agent, channel, status, time.Since(start))
		}()

		if err := h(ctx, payload); err != nil {
			status = "error"
			if s.limiter.Allow() {
				s.log.Warn().Err(err).Str("channel", channel).Msg("message skipped")
			}
		}
	}
}

func (s *subscriber) unsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Debug().Err(err).Str("channel", sub.Channel()).Msg("unsubscribe")
		}
	}
}

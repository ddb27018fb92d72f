// Package runtime assembles and runs a complete in-process game: the
// coordinator, every evader and the pursuer sharing one bus.
package runtime

import (
	"errors"
	"time"

	"github.com/aixgo-dev/freezetag/agents"
)

var (
	// ErrInvalidPositions is returned when the initial positions do not
	// match the evader count or fall outside the board.
	ErrInvalidPositions = errors.New("invalid initial positions")

	// ErrQuorumTimeout is returned when the coordinator gave up waiting for
	// every agent to announce itself.
	ErrQuorumTimeout = agents.ErrQuorumTimeout

	// ErrLauncherStarted is returned when Run is called twice on a Launcher.
	ErrLauncherStarted = errors.New("launcher already started")
)

// RuntimeConfig contains configuration options for a Launcher
type RuntimeConfig struct {
	// StopTimeout bounds each agent's OnStop hook.
	// Default: 5s
	StopTimeout time.Duration

	// Presenter receives the coordinator's snapshots. Nil disables rendering.
	Presenter agents.Presenter

	// RandFor returns the move source of evader i. Nil uses the global source.
	RandFor func(i int) agents.Rand
}

// DefaultConfig returns a RuntimeConfig with sensible defaults
func DefaultConfig() *RuntimeConfig {
	return &RuntimeConfig{
		StopTimeout: 5 * time.Second,
	}
}

// Option is a functional option for configuring a Launcher
type Option func(*RuntimeConfig)

// WithStopTimeout sets how long each agent may spend in OnStop
func WithStopTimeout(d time.Duration) Option {
	return func(cfg *RuntimeConfig) {
		cfg.StopTimeout = d
	}
}

// WithPresenter renders the board through p on every coordinator tick
func WithPresenter(p agents.Presenter) Option {
	return func(cfg *RuntimeConfig) {
		cfg.Presenter = p
	}
}

// WithRand makes evader movement deterministic
func WithRand(fn func(i int) agents.Rand) Option {
	return func(cfg *RuntimeConfig) {
		cfg.RandFor = fn
	}
}

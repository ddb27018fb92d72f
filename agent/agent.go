package agent

import (
	"context"
	"sync/atomic"

	"github.com/aixgo-dev/freezetag/pkg/observability"
)

// Agent is the contract every agent variant implements. The Runner drives
// the hooks in order: OnStart, Run, OnStop.
type Agent interface {
	// Name returns the unique identity of this agent instance.
	// Names must be unique among agents sharing a bus.
	Name() string

	// Role returns the agent kind (e.g., "evader", "pursuer", "coordinator").
	Role() string

	// OnStart declares channel handlers through sub and resets any per-game
	// state. No message is delivered to the agent before OnStart returns.
	OnStart(ctx context.Context, sub Subscriber) error

	// Run is the agent's control loop. It returns when the agent decides the
	// game is over or when ctx is canceled.
	Run(ctx context.Context) error

	// OnStop releases resources and performs final publications. The Runner
	// calls it exactly once, with a context that is not canceled by the
	// cancellation that ended Run.
	OnStop(ctx context.Context) error
}

// Handler processes one payload. A returned error is logged and the message
// is skipped; it never stops the agent.
type Handler func(ctx context.Context, payload []byte) error

// Subscriber registers channel handlers on behalf of an agent.
type Subscriber interface {
	Subscribe(channel string, h Handler) error
}

// Phaser is implemented by agents that expose their lifecycle phase.
type Phaser interface {
	Phase() Phase
}

// Phase is the lifecycle phase of an agent.
type Phase int32

const (
	PhaseNotStarted Phase = iota
	PhaseRunning
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "NOT_STARTED"
	case PhaseRunning:
		return "RUNNING"
	case PhaseStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Lifecycle tracks a Phase that only ever moves forward. It is safe for
// concurrent use by the run loop and message handlers.
type Lifecycle struct {
	name  string
	phase atomic.Int32
}

// NewLifecycle returns a tracker in PhaseNotStarted for the named agent.
func NewLifecycle(name string) *Lifecycle {
	l := &Lifecycle{name: name}
	observability.SetAgentPhase(name, int(PhaseNotStarted))
	return l
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	return Phase(l.phase.Load())
}

// Advance moves to p if p is later than the current phase and reports
// whether the phase changed.
func (l *Lifecycle) Advance(p Phase) bool {
	for {
		cur := l.phase.Load()
		if int32(p) <= cur {
			return false
		}
		if l.phase.CompareAndSwap(cur, int32(p)) {
			observability.SetAgentPhase(l.name, int(p))
			return true
		}
	}
}

package agents

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aixgo-dev/freezetag/agent"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	"github.com/aixgo-dev/freezetag/pkg/config"
)

// Deps is everything a factory needs to build one agent.
type Deps struct {
	Bus    bus.Bus
	Config *config.Config

	// Name is the issued identity; only evaders use it.
	Name string

	// Index selects the evader's starting pair in Config.Positions.
	Index int

	// Presenter is handed to the coordinator when rendering is enabled.
	Presenter Presenter

	// Rand overrides the evader's move source.
	Rand Rand
}

// FactoryFunc builds an agent for one role.
type FactoryFunc func(Deps) (agent.Agent, error)

// Registry interface allows for testable registry implementations
type Registry interface {
	Register(role string, factory FactoryFunc)
	GetFactory(role string) (FactoryFunc, bool)
}

// DefaultRegistry is the global registry implementation
type DefaultRegistry struct {
	factories map[string]FactoryFunc
	mu        sync.RWMutex
}

var defaultRegistry = NewRegistry()

// NewRegistry creates a new registry instance (useful for testing)
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		factories: make(map[string]FactoryFunc),
	}
}

func (r *DefaultRegistry) Register(role string, factory FactoryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[role] = factory
}

func (r *DefaultRegistry) GetFactory(role string) (FactoryFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[role]
	return f, ok
}

// Roles lists the registered roles, sorted.
func (r *DefaultRegistry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.factories))
	for role := range r.factories {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Register registers a factory with the default registry
func Register(role string, factory FactoryFunc) {
	defaultRegistry.Register(role, factory)
}

// Roles lists the roles of the default registry.
func Roles() []string {
	return defaultRegistry.Roles()
}

// New builds an agent for role using the default registry
func New(role string, d Deps) (agent.Agent, error) {
	return NewWithRegistry(role, d, defaultRegistry)
}

// NewWithRegistry builds an agent using a custom registry (useful for testing)
func NewWithRegistry(role string, d Deps, registry Registry) (agent.Agent, error) {
	factory, ok := registry.GetFactory(role)
	if !ok {
		return nil, fmt.Errorf("unknown role: %s", role)
	}
	if d.Bus == nil || d.Config == nil {
		return nil, fmt.Errorf("%s: bus and config are required", role)
	}
	return factory(d)
}

func init() {
	Register(RoleEvader, func(d Deps) (agent.Agent, error) {
		if err := d.Config.CheckPositions(); err != nil {
			return nil, fmt.Errorf("%s: %w", RoleEvader, err)
		}
		if d.Index < 0 || d.Index >= d.Config.Evaders {
			return nil, fmt.Errorf("evader index %d out of range [0, %d)", d.Index, d.Config.Evaders)
		}
		name := d.Name
		if name == "" {
			name = EvaderName(d.Index)
		}
		return NewEvader(d.Bus, EvaderConfig{
			Name:             name,
			Board:            d.Config.GameBoard(),
			Start:            d.Config.EvaderStart(d.Index),
			Tick:             d.Config.Timing.EvaderTick.Duration,
			AnnounceInterval: d.Config.Timing.AnnounceInterval.Duration,
			Rand:             d.Rand,
		}), nil
	})

	Register(RolePursuer, func(d Deps) (agent.Agent, error) {
		if err := d.Config.CheckPositions(); err != nil {
			return nil, fmt.Errorf("%s: %w", RolePursuer, err)
		}
		return NewPursuer(d.Bus, PursuerConfig{
			Board:            d.Config.GameBoard(),
			Start:            d.Config.PursuerStart(),
			Tick:             d.Config.Timing.PursuerTick.Duration,
			AnnounceInterval: d.Config.Timing.AnnounceInterval.Duration,
		}), nil
	})

	Register(RoleCoordinator, func(d Deps) (agent.Agent, error) {
		return NewCoordinator(d.Bus, CoordinatorConfig{
			Board:             d.Config.GameBoard(),
			Evaders:           d.Config.Evaders,
			TerminalThreshold: d.Config.TerminalThreshold,
			Tick:              d.Config.Timing.CoordinatorTick.Duration,
			BarrierPoll:       d.Config.Timing.BarrierPoll.Duration,
			StartTimeout:      d.Config.Timing.StartTimeout.Duration,
			StaleAfter:        d.Config.Timing.StaleAfter.Duration,
			Presenter:         d.Presenter,
		}), nil
	})
}

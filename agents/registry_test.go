package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/freezetag/agent"
	"github.com/aixgo-dev/freezetag/internal/grid"
	"github.com/aixgo-dev/freezetag/pkg/config"
)

func TestRoles(t *testing.T) {
	assert.Equal(t, []string{RoleCoordinator, RoleEvader, RolePursuer}, Roles())
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	cfg.Evaders = 2
	cfg.Positions = [][]int{{1, 2}, {3, 4}, {9, 9}}
	d := Deps{Bus: newBus(t), Config: cfg}

	t.Run("evader defaults its name from the index", func(t *testing.T) {
		d := d
		d.Index = 1
		a, err := New(RoleEvader, d)
		require.NoError(t, err)
		e := a.(*Evader)
		assert.Equal(t, "evader_1", e.Name())
		assert.Equal(t, RoleEvader, e.Role())
		assert.Equal(t, grid.Position{X: 3, Y: 4}, e.Position())
	})

	t.Run("evader keeps an issued name", func(t *testing.T) {
		d := d
		d.Name = "evader_42"
		a, err := New(RoleEvader, d)
		require.NoError(t, err)
		assert.Equal(t, "evader_42", a.Name())
	})

	t.Run("evader index out of range", func(t *testing.T) {
		d := d
		d.Index = 2
		_, err := New(RoleEvader, d)
		assert.ErrorContains(t, err, "out of range")
	})

	t.Run("pursuer starts on the last pair", func(t *testing.T) {
		a, err := New(RolePursuer, d)
		require.NoError(t, err)
		p := a.(*Pursuer)
		assert.Equal(t, PursuerName, p.Name())
		assert.Equal(t, grid.Position{X: 9, Y: 9}, p.Position())
	})

	t.Run("coordinator", func(t *testing.T) {
		a, err := New(RoleCoordinator, d)
		require.NoError(t, err)
		assert.Equal(t, CoordinatorName, a.Name())
		assert.Equal(t, agent.PhaseNotStarted, a.(*Coordinator).Phase())
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := New("referee", d)
		assert.EqualError(t, err, "unknown role: referee")
	})

	t.Run("positions that do not cover every agent", func(t *testing.T) {
		short := *cfg
		short.Positions = nil
		for _, role := range []string{RoleEvader, RolePursuer} {
			_, err := New(role, Deps{Bus: d.Bus, Config: &short})
			assert.ErrorIs(t, err, config.ErrInvalidConfig, role)
		}

		ragged := *cfg
		ragged.Positions = [][]int{{1, 2}, {3}, {9, 9}}
		_, err := New(RolePursuer, Deps{Bus: d.Bus, Config: &ragged})
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("missing deps", func(t *testing.T) {
		_, err := New(RolePursuer, Deps{Config: cfg})
		assert.Error(t, err)
		_, err = New(RolePursuer, Deps{Bus: d.Bus})
		assert.Error(t, err)
	})
}

func TestNewWithRegistry(t *testing.T) {
	r := NewRegistry()
	built := 0
	r.Register("echo", func(d Deps) (agent.Agent, error) {
		built++
		return NewPursuer(d.Bus, PursuerConfig{Board: d.Config.GameBoard()}), nil
	})

	d := Deps{Bus: newBus(t), Config: config.Default()}
	_, err := NewWithRegistry("echo", d, r)
	require.NoError(t, err)
	assert.Equal(t, 1, built)
	assert.Equal(t, []string{"echo"}, r.Roles())

	_, err = NewWithRegistry(RoleEvader, d, r)
	assert.Error(t, err, "custom registries do not see the default roles")
}

package freezetag

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/freezetag/agents"
	"github.com/aixgo-dev/freezetag/pkg/config"
)

// TestE2E_AgentPerProcessOverRedis runs every agent with its own Redis
// connection, the way separate processes would.
func TestE2E_AgentPerProcessOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Board = config.BoardConfig{Width: 2, Height: 1}
	cfg.Evaders = 2
	cfg.Positions = [][]int{{0, 0}, {0, 0}, {0, 0}}
	cfg.Timing.EvaderTick = config.D(5 * time.Millisecond)
	cfg.Timing.PursuerTick = config.D(5 * time.Millisecond)
	cfg.Timing.CoordinatorTick = config.D(5 * time.Millisecond)
	cfg.Timing.BarrierPoll = config.D(5 * time.Millisecond)
	cfg.Timing.AnnounceInterval = config.D(10 * time.Millisecond)
	cfg.Bus.Backend = config.BackendRedis
	cfg.Bus.Redis.Addr = mr.Addr()
	cfg.Bus.ChannelPrefix = "e2e"
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return RunAgent(gctx, cfg, agents.RoleCoordinator, 0) })
	g.Go(func() error { return RunAgent(gctx, cfg, agents.RoleEvader, 0) })
	g.Go(func() error { return RunAgent(gctx, cfg, agents.RoleEvader, 1) })
	g.Go(func() error { return RunAgent(gctx, cfg, agents.RolePursuer, 0) })

	require.NoError(t, g.Wait())
	require.NoError(t, ctx.Err(), "game ended by GAMEOVER, not by the test timeout")
}

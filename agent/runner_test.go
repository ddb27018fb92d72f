package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/freezetag/pkg/bus"
)

// MockAgent is a test agent whose hooks can be overridden
type MockAgent struct {
	name    string
	startFn func(ctx context.Context, sub Subscriber) error
	runFn   func(ctx context.Context) error
	stopFn  func(ctx context.Context) error

	starts atomic.Int32
	stops  atomic.Int32
	life   *Lifecycle
}

func NewMockAgent(name string) *MockAgent {
	return &MockAgent{name: name, life: NewLifecycle(name)}
}

func (a *MockAgent) Name() string { return a.name }
func (a *MockAgent) Role() string { return "mock" }
func (a *MockAgent) Phase() Phase { return a.life.Phase() }

func (a *MockAgent) OnStart(ctx context.Context, sub Subscriber) error {
	a.starts.Add(1)
	if a.startFn != nil {
		return a.startFn(ctx, sub)
	}
	return nil
}

func (a *MockAgent) Run(ctx context.Context) error {
	a.life.Advance(PhaseRunning)
	if a.runFn != nil {
		return a.runFn(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *MockAgent) OnStop(ctx context.Context) error {
	a.stops.Add(1)
	a.life.Advance(PhaseStopped)
	if a.stopFn != nil {
		return a.stopFn(ctx)
	}
	return nil
}

var _ Phaser = (*MockAgent)(nil)

func newBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "NOT_STARTED", PhaseNotStarted.String())
	assert.Equal(t, "RUNNING", PhaseRunning.String())
	assert.Equal(t, "STOPPED", PhaseStopped.String())
	assert.Equal(t, "UNKNOWN", Phase(9).String())
}

func TestLifecycle_OnlyMovesForward(t *testing.T) {
	l := NewLifecycle("t")
	assert.Equal(t, PhaseNotStarted, l.Phase())
	assert.True(t, l.Advance(PhaseRunning))
	assert.False(t, l.Advance(PhaseRunning))
	assert.True(t, l.Advance(PhaseStopped))
	assert.False(t, l.Advance(PhaseRunning))
	assert.Equal(t, PhaseStopped, l.Phase())
}

func TestRunner_RunReturnsWhenAgentFinishes(t *testing.T) {
	r := NewRunner(newBus(t))
	a := NewMockAgent("a")
	a.runFn = func(context.Context) error { return nil }

	require.NoError(t, r.Run(context.Background(), a))
	assert.Equal(t, int32(1), a.starts.Load())
	assert.Equal(t, int32(1), a.stops.Load())
	assert.Equal(t, PhaseStopped, a.Phase())
	assert.Empty(t, r.Running())
}

func TestRunner_CancelStillRunsOnStop(t *testing.T) {
	b := newBus(t)
	r := NewRunner(b)

	var stopCtxErr error
	a := NewMockAgent("a")
	a.stopFn = func(ctx context.Context) error {
		stopCtxErr = ctx.Err()
		return b.Publish(ctx, "GAMEOVER", nil)
	}

	got := make(chan struct{}, 1)
	_, err := b.Subscribe(context.Background(), "GAMEOVER", func(context.Context, string, []byte) {
		got <- struct{}{}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := r.Start(ctx, a)
	waitClosed(t, p.Subscribed())
	assert.Equal(t, []string{"a"}, r.Running())

	cancel()
	require.NoError(t, p.Wait(), "cancellation is a normal stop")
	assert.NoError(t, stopCtxErr)
	assert.Equal(t, int32(1), a.stops.Load())
	waitClosed(t, got)
}

func TestRunner_DeliversToHandlers(t *testing.T) {
	b := newBus(t)
	r := NewRunner(b)

	received := make(chan string, 1)
	a := NewMockAgent("a")
	a.startFn = func(ctx context.Context, sub Subscriber) error {
		return sub.Subscribe("POSITION", func(_ context.Context, payload []byte) error {
			received <- string(payload)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := r.Start(ctx, a)
	waitClosed(t, p.Subscribed())

	require.NoError(t, b.Publish(ctx, "POSITION", []byte("hello")))
	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	cancel()
	require.NoError(t, p.Wait())
	assert.Eventually(t, func() bool { return b.Subscribers("POSITION") == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunner_HandlerFailuresDoNotStopAgent(t *testing.T) {
	b := newBus(t)
	r := NewRunner(b, WithLogThrottle(time.Hour, 1))

	var calls atomic.Int32
	a := NewMockAgent("a")
	a.startFn = func(ctx context.Context, sub Subscriber) error {
		return sub.Subscribe("X", func(context.Context, []byte) error {
			n := calls.Add(1)
			if n == 1 {
				return errors.New("malformed")
			}
			if n == 2 {
				panic("boom")
			}
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := r.Start(ctx, a)
	waitClosed(t, p.Subscribed())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "X", nil))
	}
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	select {
	case <-p.Done():
		t.Fatal("agent stopped after handler failure")
	default:
	}

	cancel()
	require.NoError(t, p.Wait())
}

func TestRunner_RunPanicIsRecovered(t *testing.T) {
	r := NewRunner(newBus(t))
	a := NewMockAgent("a")
	a.runFn = func(context.Context) error { panic("oops") }

	err := r.Run(context.Background(), a)
	assert.ErrorIs(t, err, ErrPanic)
	assert.Equal(t, int32(1), a.stops.Load())
}

func TestRunner_StartFailureSkipsRun(t *testing.T) {
	r := NewRunner(newBus(t))
	startErr := errors.New("cannot subscribe")

	var ran atomic.Bool
	a := NewMockAgent("a")
	a.startFn = func(context.Context, Subscriber) error { return startErr }
	a.runFn = func(context.Context) error {
		ran.Store(true)
		return nil
	}

	p := r.Start(context.Background(), a)
	waitClosed(t, p.Subscribed())
	err := p.Wait()
	assert.ErrorIs(t, err, startErr)
	assert.False(t, ran.Load())
	assert.Equal(t, int32(1), a.stops.Load())
}

func TestRunner_DuplicateName(t *testing.T) {
	r := NewRunner(newBus(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := r.Start(ctx, NewMockAgent("dup"))
	waitClosed(t, first.Subscribed())

	second := r.Start(ctx, NewMockAgent("dup"))
	assert.ErrorIs(t, second.Wait(), ErrAlreadyRunning)

	cancel()
	require.NoError(t, first.Wait())
}

func TestRunner_StopTimeout(t *testing.T) {
	r := NewRunner(newBus(t), WithStopTimeout(20*time.Millisecond))
	a := NewMockAgent("slow")
	a.runFn = func(context.Context) error { return nil }
	a.stopFn = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	err := r.Run(context.Background(), a)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunner_ConcurrentAgents(t *testing.T) {
	r := NewRunner(newBus(t))
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	names := []string{"a", "b", "c", "d"}
	procs := make([]*Process, 0, len(names))
	for _, n := range names {
		procs = append(procs, r.Start(ctx, NewMockAgent(n)))
	}
	for _, p := range procs {
		waitClosed(t, p.Subscribed())
	}
	assert.Equal(t, names, r.Running())

	cancel()
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			assert.NoError(t, p.Wait())
		}(p)
	}
	wg.Wait()
	assert.Empty(t, r.Running())
}

package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/freezetag/agent"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	"github.com/aixgo-dev/freezetag/proto"
)

// fixedRand always picks the same Moore offset.
type fixedRand int

func (f fixedRand) IntN(n int) int { return int(f) % n }

func newBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// recorder keeps every decoded message seen on the protocol channels.
type recorder struct {
	mu   sync.Mutex
	msgs map[string][]proto.Record
}

func newRecorder(t *testing.T, b bus.Bus) *recorder {
	t.Helper()
	r := &recorder{msgs: make(map[string][]proto.Record)}
	for _, ch := range proto.Channels {
		_, err := b.Subscribe(context.Background(), ch, func(_ context.Context, channel string, payload []byte) {
			rec, err := proto.Decode(channel, payload)
			if err != nil {
				return
			}
			r.mu.Lock()
			r.msgs[channel] = append(r.msgs[channel], rec)
			r.mu.Unlock()
		})
		require.NoError(t, err)
	}
	return r
}

func (r *recorder) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs[channel])
}

func (r *recorder) names(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.msgs[channel] {
		switch m := rec.(type) {
		case *proto.Alive:
			out = append(out, m.Name)
		case *proto.Freeze:
			out = append(out, m.Name)
		case *proto.Position:
			out = append(out, m.Name)
		}
	}
	return out
}

func (r *recorder) positionsOf(name string) []proto.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []proto.Position
	for _, rec := range r.msgs[proto.ChannelPosition] {
		if p := rec.(*proto.Position); p.Name == name {
			out = append(out, *p)
		}
	}
	return out
}

func publish(t *testing.T, b bus.Bus, rec proto.Record) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), rec.Channel(), rec.Marshal()))
}

// start runs a on b until the test ends and waits for its subscriptions.
func start(t *testing.T, b bus.Bus, a agent.Agent) (*agent.Process, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := agent.NewRunner(b).Start(ctx, a)
	t.Cleanup(func() {
		cancel()
		_ = p.Wait()
	})
	waitClosed(t, p.Subscribed())
	return p, cancel
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

const (
	eventually = 3 * time.Second
	poll       = 2 * time.Millisecond
)

// Package agent is the runtime skeleton shared by every freeze tag agent.
//
// An agent implements three hooks. The Runner subscribes the handlers the
// agent declares in OnStart, runs its control loop, and guarantees OnStop
// runs exactly once, whether Run returned on its own, failed, panicked or
// was canceled from outside:
//
//	type Echo struct{ bus bus.Bus }
//
//	func (e *Echo) Name() string { return "echo" }
//	func (e *Echo) Role() string { return "example" }
//
//	func (e *Echo) OnStart(ctx context.Context, sub agent.Subscriber) error {
//	    return sub.Subscribe("PING", func(ctx context.Context, payload []byte) error {
//	        return e.bus.Publish(ctx, "PONG", payload)
//	    })
//	}
//
//	func (e *Echo) Run(ctx context.Context) error {
//	    <-ctx.Done()
//	    return nil
//	}
//
//	func (e *Echo) OnStop(ctx context.Context) error { return nil }
//
// Start the agent with a Runner bound to a bus:
//
//	r := agent.NewRunner(bus.NewMemoryBus())
//	err := r.Run(ctx, &Echo{})
//
// Handlers run on the bus delivery goroutines, concurrently with Run, so any
// state they share with the control loop must be synchronized. Handler
// errors and panics are logged and counted; they never stop the agent.
package agent

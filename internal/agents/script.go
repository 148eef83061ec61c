package agents

import (
	"context"
	"time"

	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/runctx"
)

// Script replays a fixed list of events. Terminal events without run
// identifiers get those of the run in ctx. With Hold set it then waits to be
// stopped instead of returning.
type Script struct {
	Events []events.Event
	Delay  time.Duration
	Hold   bool
	Err    error
}

func (a *Script) Run(ctx context.Context, _ events.RunInput, out chan<- events.Event) error {
	for _, e := range a.Events {
		if events.IsTerminal(e.Type) && e.RunID == "" {
			e.ThreadID = runctx.ThreadIDFromContext(ctx)
			e.RunID = runctx.RunIDFromContext(ctx)
		}
		if err := send(ctx, out, e); err != nil {
			return err
		}
		if a.Delay > 0 {
			select {
			case <-time.After(a.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if a.Hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return a.Err
}

package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flitsinc/runledger/internal/events"
)

type (
	// Agent produces the events of one run. It sends them on out in order and
	// returns when it is done; the coordinator owns out and closes it after
	// Run returns. A returned error is recorded as RUN_ERROR. Agents should
	// stop emitting once ctx is cancelled.
	Agent interface {
		Run(ctx context.Context, input events.RunInput, out chan<- events.Event) error
	}

	// AgentFunc adapts a function to Agent.
	AgentFunc func(ctx context.Context, input events.RunInput, out chan<- events.Event) error

	// Aborter is implemented by agents that have their own abort mechanism
	// besides context cancellation. Stop calls Abort once.
	Aborter interface {
		Abort()
	}

	// RunRequest asks the coordinator to run Agent on a thread. Messages is
	// the caller's full history; only the messages not delivered to an
	// earlier run of the thread reach the agent.
	RunRequest struct {
		ThreadID       string
		RunID          string
		Agent          Agent
		Messages       []events.Message
		State          json.RawMessage
		Tools          json.RawMessage
		Context        json.RawMessage
		ForwardedProps json.RawMessage
	}
)

func (f AgentFunc) Run(ctx context.Context, input events.RunInput, out chan<- events.Event) error {
	return f(ctx, input, out)
}

// invoke runs the agent and turns a panic into an error so a broken agent
// still ends its run with RUN_ERROR.
func invoke(ctx context.Context, agent Agent, input events.RunInput, out chan<- events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return agent.Run(ctx, input, out)
}

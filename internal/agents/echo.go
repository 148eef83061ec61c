package agents

import (
	"context"
	"strings"
	"time"

	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/idgen"
)

// Echo answers with the content of the newest user message, streamed one
// word at a time.
type Echo struct {
	// Delay is the pause between words.
	Delay time.Duration
}

func (a *Echo) Run(ctx context.Context, input events.RunInput, out chan<- events.Event) error {
	text := "nothing to echo"
	for i := len(input.Messages) - 1; i >= 0; i-- {
		if m := input.Messages[i]; m.Role == "user" && m.Content != "" {
			text = m.Content
			break
		}
	}

	id := idgen.New()
	if err := send(ctx, out, events.NewTextMessageStart(id, "assistant")); err != nil {
		return err
	}
	for i, word := range strings.Fields(text) {
		if i > 0 {
			word = " " + word
		}
		if err := send(ctx, out, events.NewTextMessageContent(id, word)); err != nil {
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
	return send(ctx, out, events.NewTextMessageEnd(id))
}

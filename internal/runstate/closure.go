package runstate

import (
	"fmt"

	"github.com/flitsinc/runledger/internal/events"
)

// ClosingEvents returns the events that close every open span, without the
// terminal event. It does not change the machine; callers feed the returned
// events back through Observe as they record them.
//
// Text messages that no open tool call points at are closed first, then each
// open tool call gets TOOL_CALL_END followed by an empty TOOL_CALL_RESULT, and
// finally the messages that parent those tool calls are closed.
func (m *Machine) ClosingEvents() []events.Event {
	if !m.HasOpenSpans() {
		return nil
	}

	parents := map[string]struct{}{}
	for _, id := range m.openTools {
		if p := m.tools[id].parent; p != "" && m.messages[p] == Open {
			parents[p] = struct{}{}
		}
	}

	out := make([]events.Event, 0, len(m.openMessages)+2*len(m.openTools))
	for _, id := range m.openMessages {
		if _, ok := parents[id]; ok {
			continue
		}
		out = append(out, events.NewTextMessageEnd(id))
	}
	for _, id := range m.openTools {
		out = append(out, events.NewToolCallEnd(id))
		out = append(out, events.NewToolCallResult(m.newID(), id, ""))
	}
	for i := len(m.openMessages) - 1; i >= 0; i-- {
		id := m.openMessages[i]
		if _, ok := parents[id]; ok {
			out = append(out, events.NewTextMessageEnd(id))
		}
	}
	return out
}

// ValidatePrefix reports whether list could be the beginning of a
// well-formed run.
func ValidatePrefix(list []events.Event) error {
	_, err := replay(list)
	return err
}

// Validate reports whether list is a complete well-formed run: a valid prefix
// whose last event is its only terminal event.
func Validate(list []events.Event) error {
	m, err := replay(list)
	if err != nil {
		return err
	}
	if !m.Finished() {
		return fmt.Errorf("run has no terminal event: %w", ErrViolation)
	}
	return nil
}

// Replay rebuilds a machine from a recorded event list.
func Replay(list []events.Event, opts ...Option) (*Machine, error) {
	m := New(opts...)
	for i, e := range list {
		if err := m.Observe(e); err != nil {
			return m, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return m, nil
}

func replay(list []events.Event) (*Machine, error) {
	if len(list) == 0 {
		return New(), nil
	}
	if list[0].Type != events.RunStarted {
		return nil, fmt.Errorf("first event is %s: %w", list[0].Type, ErrViolation)
	}
	return Replay(list)
}

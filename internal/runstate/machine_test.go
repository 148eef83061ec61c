package runstate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/runledger/internal/events"
)

func started() *Machine {
	m := New(WithIDGenerator(sequentialIDs("res")))
	_ = m.Observe(events.NewRunStarted(events.RunInput{ThreadID: "t", RunID: "r"}))
	return m
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func types(list []events.Event) []events.Type {
	out := make([]events.Type, 0, len(list))
	for _, e := range list {
		out = append(out, e.Type)
	}
	return out
}

func TestObserveMessageLifecycle(t *testing.T) {
	m := started()
	require.NoError(t, m.Observe(events.NewTextMessageStart("m1", "assistant")))
	require.Equal(t, Open, m.MessageState("m1"))
	require.NoError(t, m.Observe(events.NewTextMessageContent("m1", "hi")))
	require.NoError(t, m.Observe(events.NewTextMessageEnd("m1")))
	require.Equal(t, Closed, m.MessageState("m1"))
	require.False(t, m.HasOpenSpans())
	require.NoError(t, m.Observe(events.NewRunFinished("t", "r")))
	require.True(t, m.Finished())
}

func TestObserveRejectsViolationsWithoutChangingState(t *testing.T) {
	m := started()

	err := m.Observe(events.NewTextMessageContent("ghost", "x"))
	require.ErrorIs(t, err, ErrViolation)
	var verr *ViolationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "ghost", verr.SpanID)

	require.NoError(t, m.Observe(events.NewTextMessageStart("m1", "assistant")))
	require.ErrorIs(t, m.Observe(events.NewTextMessageStart("m1", "assistant")), ErrViolation)
	msgs, _ := m.OpenSpans()
	require.Equal(t, []string{"m1"}, msgs)

	require.ErrorIs(t, m.Observe(events.NewRunFinished("t", "r")), ErrViolation)
	require.False(t, m.Finished())

	require.ErrorIs(t, m.Observe(events.NewRunStarted(events.RunInput{})), ErrViolation)
}

func TestObserveToolCallResultOnlyAfterEnd(t *testing.T) {
	m := started()
	require.NoError(t, m.Observe(events.NewToolCallStart("tc1", "search", "")))
	require.NoError(t, m.Observe(events.NewToolCallArgs("tc1", `{"q":`)))
	require.ErrorIs(t, m.Observe(events.NewToolCallResult("r1", "tc1", "early")), ErrViolation)
	require.NoError(t, m.Observe(events.NewToolCallEnd("tc1")))
	require.NoError(t, m.Observe(events.NewToolCallResult("r1", "tc1", "done")))
	require.ErrorIs(t, m.Observe(events.NewToolCallResult("r2", "tc1", "again")), ErrViolation)
	require.ErrorIs(t, m.Observe(events.NewToolCallStart("tc1", "search", "")), ErrViolation)
}

func TestObserveBeforeStartAndAfterFinish(t *testing.T) {
	m := New()
	require.ErrorIs(t, m.Observe(events.NewTextMessageStart("m1", "assistant")), ErrViolation)

	m = started()
	require.NoError(t, m.Observe(events.NewRunFinished("t", "r")))
	require.ErrorIs(t, m.Observe(events.Event{Type: events.Custom, Name: "late"}), ErrViolation)
}

func TestPassthroughEventsAreAccepted(t *testing.T) {
	m := started()
	for _, e := range []events.Event{
		{Type: events.StateSnapshot, Snapshot: []byte(`{}`)},
		{Type: events.StepStarted, StepName: "plan"},
		{Type: events.Custom, Name: "activity"},
	} {
		require.NoError(t, m.Observe(e))
	}
}

func TestClosingEventsTextBeforeUnrelatedTool(t *testing.T) {
	m := started()
	require.NoError(t, m.Observe(events.NewTextMessageStart("m1", "assistant")))
	require.NoError(t, m.Observe(events.NewToolCallStart("tc1", "search", "")))

	closing := m.ClosingEvents()
	require.Equal(t, []events.Type{events.TextMessageEnd, events.ToolCallEnd, events.ToolCallResult}, types(closing))
	require.Equal(t, "tc1", closing[2].ToolCallID)
	require.Equal(t, "res-1", closing[2].MessageID)
	require.Equal(t, "tool", closing[2].Role)

	// ClosingEvents must not mutate the tracker.
	require.True(t, m.HasOpenSpans())
	for _, e := range closing {
		require.NoError(t, m.Observe(e))
	}
	require.NoError(t, m.Observe(events.NewRunFinished("t", "r")))
}

func TestClosingEventsClosesToolsBeforeParentMessage(t *testing.T) {
	m := started()
	require.NoError(t, m.Observe(events.NewTextMessageStart("parent", "assistant")))
	require.NoError(t, m.Observe(events.NewTextMessageStart("other", "assistant")))
	require.NoError(t, m.Observe(events.NewToolCallStart("tc1", "search", "parent")))

	closing := m.ClosingEvents()
	require.Equal(t, []events.Type{
		events.TextMessageEnd,
		events.ToolCallEnd,
		events.ToolCallResult,
		events.TextMessageEnd,
	}, types(closing))
	require.Equal(t, "other", closing[0].MessageID)
	require.Equal(t, "parent", closing[3].MessageID)
}

func TestClosingEventsEmptyWhenBalanced(t *testing.T) {
	m := started()
	require.Nil(t, m.ClosingEvents())
}

func TestNormalizeChunks(t *testing.T) {
	m := started()

	out := m.Normalize(events.Event{Type: events.TextMessageChunk, MessageID: "m1", Delta: "he"})
	require.Equal(t, []events.Type{events.TextMessageStart, events.TextMessageContent}, types(out))
	require.Equal(t, "assistant", out[0].Role)
	for _, e := range out {
		require.NoError(t, m.Observe(e))
	}

	out = m.Normalize(events.Event{Type: events.TextMessageChunk, Delta: "llo"})
	require.Equal(t, []events.Type{events.TextMessageContent}, types(out))
	require.Equal(t, "m1", out[0].MessageID)

	out = m.Normalize(events.Event{Type: events.ToolCallChunk, ToolCallID: "tc1", ToolCallName: "search", ParentMessageID: "m1", Delta: "{}"})
	require.Equal(t, []events.Type{events.ToolCallStart, events.ToolCallArgs}, types(out))
	require.Equal(t, "m1", out[0].ParentMessageID)

	plain := events.NewTextMessageEnd("m1")
	require.Equal(t, []events.Event{plain}, m.Normalize(plain))
}

func TestValidate(t *testing.T) {
	good := []events.Event{
		events.NewRunStarted(events.RunInput{ThreadID: "t", RunID: "r"}),
		events.NewTextMessageStart("m", "assistant"),
		events.NewTextMessageContent("m", "hi"),
		events.NewTextMessageEnd("m"),
		events.NewRunFinished("t", "r"),
	}
	require.NoError(t, Validate(good))
	require.NoError(t, ValidatePrefix(good[:3]))
	require.ErrorIs(t, Validate(good[:3]), ErrViolation)
	require.ErrorIs(t, ValidatePrefix(good[1:]), ErrViolation)
	require.NoError(t, ValidatePrefix(nil))

	twoTerminals := append(append([]events.Event{}, good...), events.NewRunError("t", "r", "", "late"))
	require.ErrorIs(t, Validate(twoTerminals), ErrViolation)
}

// Whatever a misbehaving agent emits, recording only accepted events and then
// the closing events yields a well-formed run.
func TestForcedClosureAlwaysBalancesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted events plus closure validate", prop.ForAll(
		func(ops []int) bool {
			m := New(WithIDGenerator(sequentialIDs("res")))
			recorded := []events.Event{events.NewRunStarted(events.RunInput{ThreadID: "t", RunID: "r"})}
			_ = m.Observe(recorded[0])

			for _, op := range ops {
				e := opEvent(op)
				if err := m.Observe(e); err != nil {
					continue
				}
				recorded = append(recorded, e)
			}
			for _, e := range m.ClosingEvents() {
				if err := m.Observe(e); err != nil {
					return false
				}
				recorded = append(recorded, e)
			}
			terminal := events.NewRunFinished("t", "r")
			if err := m.Observe(terminal); err != nil {
				return false
			}
			recorded = append(recorded, terminal)
			return Validate(recorded) == nil && balanced(recorded)
		},
		gen.SliceOf(gen.IntRange(0, 27)),
	))

	properties.TestingRun(t)
}

func opEvent(op int) events.Event {
	id := fmt.Sprintf("s%d", op/7)
	switch op % 7 {
	case 0:
		return events.NewTextMessageStart(id, "assistant")
	case 1:
		return events.NewTextMessageContent(id, "x")
	case 2:
		return events.NewTextMessageEnd(id)
	case 3:
		return events.NewToolCallStart(id, "tool", fmt.Sprintf("s%d", (op/7+1)%4))
	case 4:
		return events.NewToolCallArgs(id, "{}")
	case 5:
		return events.NewToolCallEnd(id)
	default:
		return events.NewToolCallResult("r-"+id, id, "ok")
	}
}

func balanced(list []events.Event) bool {
	msgOpen := map[string]int{}
	toolOpen := map[string]int{}
	for _, e := range list {
		switch e.Type {
		case events.TextMessageStart:
			msgOpen[e.MessageID]++
		case events.TextMessageEnd:
			msgOpen[e.MessageID]--
		case events.ToolCallStart:
			toolOpen[e.ToolCallID]++
		case events.ToolCallEnd:
			toolOpen[e.ToolCallID]--
		}
	}
	for _, n := range msgOpen {
		if n != 0 {
			return false
		}
	}
	for _, n := range toolOpen {
		if n != 0 {
			return false
		}
	}
	last := list[len(list)-1].Type
	return events.IsTerminal(last)
}

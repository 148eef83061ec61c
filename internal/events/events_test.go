package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeKeepsOrderAndFields(t *testing.T) {
	in := []Event{
		NewRunStarted(RunInput{ThreadID: "t1", RunID: "r1", Messages: []Message{{ID: "m0", Role: "user", Content: "hi"}}}),
		NewTextMessageStart("m1", "assistant"),
		NewTextMessageContent("m1", "hello"),
		NewTextMessageEnd("m1"),
		{Type: StateSnapshot, Snapshot: []byte(`{"count":1}`)},
		NewRunFinished("t1", "r1"),
	}

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	require.Equal(t, RunStarted, out[0].Type)
	require.NotNil(t, out[0].Input)
	require.Equal(t, []string{"m0"}, MessageIDs(out[0].Input.Messages))
	require.Equal(t, "hello", out[2].Delta)
	require.JSONEq(t, `{"count":1}`, string(out[4].Snapshot))
	require.Equal(t, RunFinished, out[5].Type)
}

func TestEncodeNilIsEmptyArray(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))

	out, err := Decode(nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
}

func TestStampOnlyFillsMissingTimestamp(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	e := Stamp(NewTextMessageEnd("m1"), now)
	require.Equal(t, now.UnixMilli(), e.Timestamp)

	kept := Stamp(Event{Type: Custom, Timestamp: 42}, now)
	require.EqualValues(t, 42, kept.Timestamp)
}

func TestClassification(t *testing.T) {
	require.True(t, IsTerminal(RunFinished))
	require.True(t, IsTerminal(RunError))
	require.False(t, IsTerminal(RunStarted))
	require.True(t, IsStructural(ToolCallResult))
	require.False(t, IsStructural(StateSnapshot))
	require.False(t, IsStructural(Custom))
}

// Package events defines the protocol events recorded by the run ledger and
// the JSON form they are persisted in.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// IsTerminal reports whether t ends a run.
func IsTerminal(t Type) bool {
	return t == RunFinished || t == RunError
}

// IsStructural reports whether t takes part in span tracking. Every other
// kind is passed through without interpretation.
func IsStructural(t Type) bool {
	switch t {
	case RunStarted, RunFinished, RunError,
		TextMessageStart, TextMessageContent, TextMessageEnd,
		ToolCallStart, ToolCallArgs, ToolCallEnd, ToolCallResult:
		return true
	}
	return false
}

func NewRunStarted(input RunInput) Event {
	in := input
	return Event{Type: RunStarted, ThreadID: input.ThreadID, RunID: input.RunID, Input: &in}
}

func NewRunFinished(threadID, runID string) Event {
	return Event{Type: RunFinished, ThreadID: threadID, RunID: runID}
}

func NewRunError(threadID, runID, code, message string) Event {
	return Event{Type: RunError, ThreadID: threadID, RunID: runID, Code: code, Message: message}
}

func NewTextMessageStart(messageID, role string) Event {
	return Event{Type: TextMessageStart, MessageID: messageID, Role: role}
}

func NewTextMessageContent(messageID, delta string) Event {
	return Event{Type: TextMessageContent, MessageID: messageID, Delta: delta}
}

func NewTextMessageEnd(messageID string) Event {
	return Event{Type: TextMessageEnd, MessageID: messageID}
}

func NewToolCallStart(toolCallID, name, parentMessageID string) Event {
	return Event{Type: ToolCallStart, ToolCallID: toolCallID, ToolCallName: name, ParentMessageID: parentMessageID}
}

func NewToolCallArgs(toolCallID, delta string) Event {
	return Event{Type: ToolCallArgs, ToolCallID: toolCallID, Delta: delta}
}

func NewToolCallEnd(toolCallID string) Event {
	return Event{Type: ToolCallEnd, ToolCallID: toolCallID}
}

func NewToolCallResult(messageID, toolCallID, content string) Event {
	return Event{Type: ToolCallResult, MessageID: messageID, ToolCallID: toolCallID, Content: content, Role: "tool"}
}

// Stamp sets the event timestamp to now when the agent left it unset.
func Stamp(e Event, now time.Time) Event {
	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
	return e
}

// Encode serializes an ordered event list into the opaque blob stored per run.
func Encode(list []Event) ([]byte, error) {
	if list == nil {
		list = []Event{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode. An empty blob decodes to an empty list.
func Decode(data []byte) ([]Event, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []Event
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return out, nil
}

// Clone returns a copy of list that shares no backing array with it.
func Clone(list []Event) []Event {
	if list == nil {
		return nil
	}
	out := make([]Event, len(list))
	copy(out, list)
	return out
}

// MessageIDs returns the ids of msgs in order.
func MessageIDs(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

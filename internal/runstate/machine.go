// Package runstate tracks the message and tool-call spans of a single run and
// synthesizes the events needed to close them.
//
// A Machine only accepts events that keep the run a valid prefix of a
// well-formed run. Rejected events are reported as *ViolationError and leave
// the machine unchanged, so callers can log and skip them.
package runstate

import (
	"errors"
	"fmt"

	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/idgen"
)

var ErrViolation = errors.New("structural violation")

type ViolationError struct {
	Type   events.Type
	SpanID string
	Reason string
}

func (e *ViolationError) Error() string {
	if e.SpanID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid %s for %s: %s", e.Type, e.SpanID, e.Reason)
}

func (e *ViolationError) Unwrap() error {
	return ErrViolation
}

type SpanState int

const (
	NotStarted SpanState = iota
	Open
	Closed
)

func (s SpanState) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "not-started"
	}
}

type toolSpan struct {
	state  SpanState
	parent string
	result bool
}

type Machine struct {
	started  bool
	finished bool

	messages map[string]SpanState
	tools    map[string]*toolSpan

	// open span ids in the order they were opened.
	openMessages []string
	openTools    []string

	lastChunkMessage string
	lastChunkTool    string

	newID func() string
}

type Option func(*Machine)

// WithIDGenerator overrides how synthetic tool-result message ids are made.
func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func New(opts ...Option) *Machine {
	m := &Machine{
		messages: map[string]SpanState{},
		tools:    map[string]*toolSpan{},
		newID:    idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Machine) Started() bool  { return m.started }
func (m *Machine) Finished() bool { return m.finished }

func (m *Machine) HasOpenSpans() bool {
	return len(m.openMessages) > 0 || len(m.openTools) > 0
}

func (m *Machine) MessageState(id string) SpanState {
	return m.messages[id]
}

func (m *Machine) ToolCallState(id string) SpanState {
	if span, ok := m.tools[id]; ok {
		return span.state
	}
	return NotStarted
}

// OpenSpans returns the ids of open text messages and tool calls in the order
// they were opened.
func (m *Machine) OpenSpans() (messages []string, toolCalls []string) {
	return append([]string(nil), m.openMessages...), append([]string(nil), m.openTools...)
}

// Observe applies e to the tracker. Passthrough kinds are accepted once the
// run has started and before it finished.
func (m *Machine) Observe(e events.Event) error {
	if m.finished {
		return &ViolationError{Type: e.Type, Reason: "run already finished"}
	}
	if e.Type == events.RunStarted {
		if m.started {
			return &ViolationError{Type: e.Type, Reason: "run already started"}
		}
		m.started = true
		return nil
	}
	if !m.started {
		return &ViolationError{Type: e.Type, Reason: "run not started"}
	}

	switch e.Type {
	case events.RunFinished, events.RunError:
		if m.HasOpenSpans() {
			return &ViolationError{Type: e.Type, Reason: fmt.Sprintf("%d message and %d tool call spans still open", len(m.openMessages), len(m.openTools))}
		}
		m.finished = true

	case events.TextMessageStart:
		if e.MessageID == "" {
			return &ViolationError{Type: e.Type, Reason: "messageId is required"}
		}
		if m.messages[e.MessageID] == Open {
			return &ViolationError{Type: e.Type, SpanID: e.MessageID, Reason: "message already open"}
		}
		m.messages[e.MessageID] = Open
		m.openMessages = append(m.openMessages, e.MessageID)

	case events.TextMessageContent:
		if m.messages[e.MessageID] != Open {
			return &ViolationError{Type: e.Type, SpanID: e.MessageID, Reason: "message is " + m.messages[e.MessageID].String()}
		}

	case events.TextMessageEnd:
		if m.messages[e.MessageID] != Open {
			return &ViolationError{Type: e.Type, SpanID: e.MessageID, Reason: "message is " + m.messages[e.MessageID].String()}
		}
		m.messages[e.MessageID] = Closed
		m.openMessages = remove(m.openMessages, e.MessageID)

	case events.ToolCallStart:
		if e.ToolCallID == "" {
			return &ViolationError{Type: e.Type, Reason: "toolCallId is required"}
		}
		if span, ok := m.tools[e.ToolCallID]; ok && span.state != NotStarted {
			return &ViolationError{Type: e.Type, SpanID: e.ToolCallID, Reason: "tool call already " + span.state.String()}
		}
		m.tools[e.ToolCallID] = &toolSpan{state: Open, parent: e.ParentMessageID}
		m.openTools = append(m.openTools, e.ToolCallID)

	case events.ToolCallArgs:
		if m.ToolCallState(e.ToolCallID) != Open {
			return &ViolationError{Type: e.Type, SpanID: e.ToolCallID, Reason: "tool call is " + m.ToolCallState(e.ToolCallID).String()}
		}

	case events.ToolCallEnd:
		if m.ToolCallState(e.ToolCallID) != Open {
			return &ViolationError{Type: e.Type, SpanID: e.ToolCallID, Reason: "tool call is " + m.ToolCallState(e.ToolCallID).String()}
		}
		m.tools[e.ToolCallID].state = Closed
		m.openTools = remove(m.openTools, e.ToolCallID)

	case events.ToolCallResult:
		span, ok := m.tools[e.ToolCallID]
		if !ok || span.state != Closed {
			return &ViolationError{Type: e.Type, SpanID: e.ToolCallID, Reason: "result must follow TOOL_CALL_END"}
		}
		if span.result {
			return &ViolationError{Type: e.Type, SpanID: e.ToolCallID, Reason: "result already recorded"}
		}
		span.result = true

	case events.TextMessageChunk, events.ToolCallChunk:
		return &ViolationError{Type: e.Type, Reason: "chunk events must be normalized before recording"}
	}
	return nil
}

// Normalize expands chunk events into explicit span events given the current
// state. Any other event is returned unchanged.
func (m *Machine) Normalize(e events.Event) []events.Event {
	switch e.Type {
	case events.TextMessageChunk:
		id := e.MessageID
		if id == "" {
			id = m.lastChunkMessage
		}
		m.lastChunkMessage = id
		out := make([]events.Event, 0, 2)
		if m.messages[id] != Open {
			role := e.Role
			if role == "" {
				role = "assistant"
			}
			out = append(out, events.Event{Type: events.TextMessageStart, MessageID: id, Role: role, Timestamp: e.Timestamp})
		}
		if e.Delta != "" {
			out = append(out, events.Event{Type: events.TextMessageContent, MessageID: id, Delta: e.Delta, Timestamp: e.Timestamp})
		}
		return out

	case events.ToolCallChunk:
		id := e.ToolCallID
		if id == "" {
			id = m.lastChunkTool
		}
		m.lastChunkTool = id
		out := make([]events.Event, 0, 2)
		if m.ToolCallState(id) != Open {
			out = append(out, events.Event{
				Type:            events.ToolCallStart,
				ToolCallID:      id,
				ToolCallName:    e.ToolCallName,
				ParentMessageID: e.ParentMessageID,
				Timestamp:       e.Timestamp,
			})
		}
		if e.Delta != "" {
			out = append(out, events.Event{Type: events.ToolCallArgs, ToolCallID: id, Delta: e.Delta, Timestamp: e.Timestamp})
		}
		return out
	}
	return []events.Event{e}
}

func remove(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

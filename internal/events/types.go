package events

import "encoding/json"

type Type string

const (
	RunStarted  Type = "RUN_STARTED"
	RunFinished Type = "RUN_FINISHED"
	RunError    Type = "RUN_ERROR"

	StepStarted  Type = "STEP_STARTED"
	StepFinished Type = "STEP_FINISHED"

	TextMessageStart   Type = "TEXT_MESSAGE_START"
	TextMessageContent Type = "TEXT_MESSAGE_CONTENT"
	TextMessageEnd     Type = "TEXT_MESSAGE_END"
	TextMessageChunk   Type = "TEXT_MESSAGE_CHUNK"

	ToolCallStart  Type = "TOOL_CALL_START"
	ToolCallArgs   Type = "TOOL_CALL_ARGS"
	ToolCallEnd    Type = "TOOL_CALL_END"
	ToolCallResult Type = "TOOL_CALL_RESULT"
	ToolCallChunk  Type = "TOOL_CALL_CHUNK"

	StateSnapshot    Type = "STATE_SNAPSHOT"
	StateDelta       Type = "STATE_DELTA"
	MessagesSnapshot Type = "MESSAGES_SNAPSHOT"
	ActivitySnapshot Type = "ACTIVITY_SNAPSHOT"
	Raw              Type = "RAW"
	Custom           Type = "CUSTOM"
)

// Event is one protocol event emitted by an agent. Fields that do not apply to
// a kind are left empty and omitted from the JSON form.
type Event struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp,omitempty"`

	ThreadID string    `json:"threadId,omitempty"`
	RunID    string    `json:"runId,omitempty"`
	Input    *RunInput `json:"input,omitempty"`

	MessageID       string `json:"messageId,omitempty"`
	Role            string `json:"role,omitempty"`
	Delta           string `json:"delta,omitempty"`
	ToolCallID      string `json:"toolCallId,omitempty"`
	ToolCallName    string `json:"toolCallName,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Content         string `json:"content,omitempty"`

	StepName string `json:"stepName,omitempty"`

	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Patch    json.RawMessage `json:"patch,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
	Name     string          `json:"name,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// Message is an item of the caller supplied conversation history.
type Message struct {
	ID         string          `json:"id"`
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolCalls  json.RawMessage `json:"toolCalls,omitempty"`
}

// RunInput is what an agent receives when a run starts and what RUN_STARTED
// records as the run's resolved input.
type RunInput struct {
	ThreadID       string          `json:"threadId"`
	RunID          string          `json:"runId"`
	Messages       []Message       `json:"messages"`
	State          json.RawMessage `json:"state,omitempty"`
	Tools          json.RawMessage `json:"tools,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
	ForwardedProps json.RawMessage `json:"forwardedProps,omitempty"`
}

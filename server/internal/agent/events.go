// Package agent drives one agent turn as a subprocess and converts its
// line-delimited JSON output into typed events.
package agent

import "time"

// EventType discriminates Event.
type EventType string

const (
	EventSessionEstablished EventType = "session_established"
	EventMessageChunk       EventType = "agent_message_chunk"
	EventThoughtChunk       EventType = "agent_thought_chunk"
	EventToolCallStart      EventType = "tool_call_start"
	EventToolCallProgress   EventType = "tool_call_progress"
	EventPromptResponse     EventType = "prompt_response"
	EventError              EventType = "error"
	EventKeepalive          EventType = "keepalive"
)

// Stop reasons set by the run client itself.
const (
	StopReasonCompleted = "completed"
	StopReasonCancelled = "cancelled"
)

// Event is one item of a turn's output stream.
type Event struct {
	Type       EventType  `json:"type"`
	SessionID  string     `json:"session_id,omitempty"`
	Text       string     `json:"text,omitempty"`
	ToolCall   *ToolCall  `json:"tool_call,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return e.Type == EventPromptResponse || e.Type == EventError
}

// ToolCall describes a tool invocation made by the agent.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title,omitempty"`
	Status    string         `json:"status"`
	Content   []ContentBlock `json:"content,omitempty"`
	RawInput  map[string]any `json:"raw_input,omitempty"`
	RawOutput map[string]any `json:"raw_output,omitempty"`
}

// ContentBlock is either a file diff or a text block attached to a tool call.
type ContentBlock struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	OldText string `json:"old_text,omitempty"`
	NewText string `json:"new_text,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ErrorInfo carries an agent or process failure.
type ErrorInfo struct {
	Message string         `json:"message"`
	Code    *int           `json:"code,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func errorEvent(sessionID string, code int, message string) Event {
	return Event{
		Type:      EventError,
		SessionID: sessionID,
		Error:     &ErrorInfo{Message: message, Code: &code},
		Timestamp: time.Now().UTC(),
	}
}

func promptResponse(sessionID, reason string) Event {
	return Event{
		Type:       EventPromptResponse,
		SessionID:  sessionID,
		StopReason: reason,
		Timestamp:  time.Now().UTC(),
	}
}

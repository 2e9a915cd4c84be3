package agent

import (
	"encoding/json"
	"strings"
	"time"
)

type rawEvent struct {
	Type         string          `json:"type"`
	Timestamp    json.RawMessage `json:"timestamp"`
	SessionID    string          `json:"sessionID"`
	SessionIDAlt string          `json:"sessionId"`
	Part         rawPart         `json:"part"`
}

type rawPart struct {
	Text    string          `json:"text"`
	CallID  string          `json:"callID"`
	Tool    string          `json:"tool"`
	State   rawToolState    `json:"state"`
	Reason  string          `json:"reason"`
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
	Data    map[string]any  `json:"data"`
}

type rawToolState struct {
	Status   string          `json:"status"`
	Title    string          `json:"title"`
	Input    map[string]any  `json:"input"`
	Output   json.RawMessage `json:"output"`
	Metadata map[string]any  `json:"metadata"`
}

// Parser converts raw agent output lines into events. It is stateful: it
// remembers the session id, which tool calls have started, and whether a
// terminal event has been produced. Use one Parser per turn.
type Parser struct {
	sessionID   string
	emittedID   string
	sawTerminal bool
	seenCalls   map[string]bool
}

// NewParser returns a Parser that starts from a known session id, which may
// be empty.
func NewParser(sessionID string) *Parser {
	return &Parser{sessionID: sessionID, seenCalls: map[string]bool{}}
}

// SessionID is the latest session id seen in the stream.
func (p *Parser) SessionID() string { return p.sessionID }

// SawTerminal reports whether a prompt response or error has been parsed.
func (p *Parser) SawTerminal() bool { return p.sawTerminal }

// ParseLine decodes one JSON line. Lines that are not valid JSON return an
// error and no events.
func (p *Parser) ParseLine(line []byte) ([]Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	return p.parse(&raw), nil
}

func (p *Parser) parse(raw *rawEvent) []Event {
	ts := parseTimestamp(raw.Timestamp)
	var events []Event

	sessionID := raw.SessionID
	if sessionID == "" {
		sessionID = raw.SessionIDAlt
	}
	if sessionID != "" {
		p.sessionID = sessionID
		if p.emittedID != sessionID {
			p.emittedID = sessionID
			events = append(events, Event{Type: EventSessionEstablished, SessionID: sessionID, Timestamp: ts})
		}
	}

	part := &raw.Part
	switch raw.Type {
	case "text":
		if part.Text != "" {
			events = append(events, Event{Type: EventMessageChunk, SessionID: p.sessionID, Text: part.Text, Timestamp: ts})
		}
	case "reasoning":
		if part.Text != "" {
			events = append(events, Event{Type: EventThoughtChunk, SessionID: p.sessionID, Text: part.Text, Timestamp: ts})
		}
	case "tool_use":
		events = append(events, p.toolEvents(part, ts)...)
	case "step_finish":
		// "tool-calls" marks the end of an intermediate step, not of the turn.
		if part.Reason != "" && !strings.EqualFold(part.Reason, "tool-calls") {
			p.sawTerminal = true
			events = append(events, Event{Type: EventPromptResponse, SessionID: p.sessionID, StopReason: part.Reason, Timestamp: ts})
		}
	case "error":
		if part.Message != "" {
			p.sawTerminal = true
			info := &ErrorInfo{Message: part.Message, Data: part.Data}
			var code int
			if len(part.Code) > 0 && json.Unmarshal(part.Code, &code) == nil {
				info.Code = &code
			}
			events = append(events, Event{Type: EventError, SessionID: p.sessionID, Error: info, Timestamp: ts})
		}
	}
	return events
}

func (p *Parser) toolEvents(part *rawPart, ts time.Time) []Event {
	if part.CallID == "" || part.Tool == "" {
		return nil
	}
	state := &part.State
	metadata := state.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	output := outputText(state.Output)
	rawOutput := map[string]any{
		"output":   output,
		"metadata": metadata,
	}
	name := strings.ToLower(part.Tool)
	if name == "read" && isJSONString(state.Output) {
		rawOutput["content"] = output
	}
	if name == "task" {
		for _, key := range []string{"sessionId", "sessionID", "session_id"} {
			if id, ok := metadata[key].(string); ok {
				rawOutput["sessionId"] = id
				break
			}
		}
	}

	kind := toolKind(part.Tool, state.Input)
	content := toolContent(part.Tool, state.Input, rawOutput)

	var events []Event
	if !p.seenCalls[part.CallID] {
		p.seenCalls[part.CallID] = true
		events = append(events, Event{
			Type:      EventToolCallStart,
			SessionID: p.sessionID,
			ToolCall: &ToolCall{
				ID:       part.CallID,
				Name:     part.Tool,
				Kind:     kind,
				Title:    state.Title,
				Status:   "pending",
				Content:  content,
				RawInput: state.Input,
			},
			Timestamp: ts,
		})
	}
	events = append(events, Event{
		Type:      EventToolCallProgress,
		SessionID: p.sessionID,
		ToolCall: &ToolCall{
			ID:        part.CallID,
			Name:      part.Tool,
			Kind:      kind,
			Title:     state.Title,
			Status:    normalizeStatus(state.Status),
			Content:   content,
			RawInput:  state.Input,
			RawOutput: rawOutput,
		},
		Timestamp: ts,
	})
	return events
}

var statusAliases = map[string]string{
	"running":     "in_progress",
	"in-progress": "in_progress",
	"done":        "completed",
	"success":     "completed",
	"error":       "failed",
}

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if alias, ok := statusAliases[s]; ok {
		s = alias
	}
	switch s {
	case "pending", "in_progress", "completed", "failed", "cancelled":
		return s
	}
	return "pending"
}

func toolKind(tool string, input map[string]any) string {
	switch strings.ToLower(tool) {
	case "glob", "grep", "websearch":
		return "search"
	case "read":
		return "read"
	case "bash":
		return "execute"
	case "task":
		return "task"
	case "apply_patch", "edit", "write":
		return "edit"
	}
	if _, ok := input["command"].(string); ok {
		return "execute"
	}
	if _, ok := input["patchText"].(string); ok {
		return "edit"
	}
	if truthy(input["subagent_type"]) || truthy(input["subagentType"]) {
		return "task"
	}
	return "other"
}

func toolContent(tool string, input, rawOutput map[string]any) []ContentBlock {
	switch strings.ToLower(tool) {
	case "apply_patch":
		metadata, _ := rawOutput["metadata"].(map[string]any)
		if files, ok := metadata["files"].([]any); ok {
			var blocks []ContentBlock
			for _, f := range files {
				entry, ok := f.(map[string]any)
				if !ok {
					continue
				}
				path := stringField(entry, "relativePath")
				if path == "" {
					path = stringField(entry, "filePath")
				}
				blocks = append(blocks, ContentBlock{
					Type:    "diff",
					Path:    path,
					OldText: stringField(entry, "before"),
					NewText: stringField(entry, "after"),
				})
			}
			if len(blocks) > 0 {
				return blocks
			}
		}
		if path, ok := input["path"].(string); ok {
			return []ContentBlock{{Type: "diff", Path: path}}
		}
	case "read":
		if text, ok := rawOutput["content"].(string); ok {
			return []ContentBlock{{Type: "text", Text: text}}
		}
	}
	return nil
}

// outputText returns a JSON string's value, or the raw JSON for anything else.
func outputText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func isJSONString(raw json.RawMessage) bool {
	var s string
	return len(raw) > 0 && json.Unmarshal(raw, &s) == nil
}

// parseTimestamp accepts epoch milliseconds and falls back to now.
func parseTimestamp(raw json.RawMessage) time.Time {
	var ms float64
	if len(raw) > 0 && json.Unmarshal(raw, &ms) == nil && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Now().UTC()
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	default:
		return true
	}
}

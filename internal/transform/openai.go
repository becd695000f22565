// Package transform implements the Transformer (spec.md §4.3): total,
// deterministic, pure maps between the neutral core model and each
// upstream wire format. Nothing here reads process-global state — every
// function takes its input explicitly and returns a new value.
package transform

import (
	"encoding/json"
	"strings"

	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/util"
)

// OpenAIMessage is one entry of an OpenAI chat-completions "messages" array.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
}

// OpenAIToolCall mirrors an OpenAI assistant-message tool call.
type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

// OpenAIFunctionCall is the {name, arguments} pair inside a tool call.
type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAITool is one entry of an OpenAI chat-completions "tools" array.
type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIFunctionSpec `json:"function"`
}

// OpenAIFunctionSpec is the {name, description, parameters} tool schema.
type OpenAIFunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// BuildOpenAIMessages implements spec.md §4.3's Anthropic→OpenAI message
// rules: block-sequence text collapses to a joined string, tool_use blocks
// become tool_calls on the assistant message, tool_result blocks become
// role=tool messages, and the top-level system prompt becomes the first
// system message.
func BuildOpenAIMessages(system string, msgs []core.Message) []OpenAIMessage {
	out := make([]OpenAIMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, OpenAIMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		if !m.HasBlocks() {
			out = append(out, OpenAIMessage{Role: string(m.Role), Content: m.Text, Name: m.Name})
			continue
		}

		var textParts []string
		var toolCalls []OpenAIToolCall
		for _, b := range m.Blocks {
			switch b.Kind {
			case core.BlockText:
				textParts = append(textParts, b.Text)
			case core.BlockToolUse:
				toolCalls = append(toolCalls, OpenAIToolCall{
					ID:   b.ToolUseID,
					Type: "function",
					Function: OpenAIFunctionCall{
						Name:      b.ToolName,
						Arguments: string(b.ToolInput),
					},
				})
			case core.BlockToolResult:
				out = append(out, OpenAIMessage{
					Role:       "tool",
					Content:    b.ToolResultContent,
					ToolCallID: b.ToolResultID,
				})
			}
		}
		if len(textParts) > 0 || len(toolCalls) > 0 {
			out = append(out, OpenAIMessage{
				Role:      string(m.Role),
				Content:   strings.Join(textParts, ""),
				ToolCalls: toolCalls,
				Name:      m.Name,
			})
		}
	}
	return out
}

// BuildOpenAITools implements spec.md §4.3's tool-definition mapping:
// Anthropic {name, description, input_schema} → OpenAI
// {type:"function", function:{name, description, parameters}}.
func BuildOpenAITools(defs []core.ToolDefinition) []OpenAITool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]OpenAITool, 0, len(defs))
	for _, d := range defs {
		out = append(out, OpenAITool{
			Type: "function",
			Function: OpenAIFunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}
	return out
}

// MapOpenAIFinishReason implements spec.md §4.3's response-direction
// finish_reason mapping.
func MapOpenAIFinishReason(reason string) core.StopReason {
	switch reason {
	case "length":
		return core.StopMaxTokens
	case "tool_calls":
		return core.StopToolUse
	case "content_filter":
		return core.StopSequence
	case "stop":
		return core.StopEndTurn
	default:
		return core.StopEndTurn
	}
}

// toolArgsOrEmpty JSON-validates a tool call's raw arguments. On parse
// failure it tries util.RepairJSON's markdown-fence-stripping and
// brace-extraction salvage before giving up, returning an empty object and
// ok=false so the caller can keep the tool call (per spec.md §4.3) while
// recording a warning.
func toolArgsOrEmpty(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return raw, true
	}
	repaired, changed := util.RepairJSON(string(raw))
	if !changed {
		return json.RawMessage("{}"), false
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return json.RawMessage("{}"), false
	}
	return json.RawMessage(repaired), true
}

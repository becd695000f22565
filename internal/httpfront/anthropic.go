package httpfront

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/anyllm/broker/internal/coordinator"
	"github.com/anyllm/broker/internal/core"
)

// anthropicRequest mirrors the subset of Anthropic's Messages API this
// front accepts (spec.md §4.3/§6): the primary inbound wire format.
type anthropicRequest struct {
	Model       string              `json:"model"`
	Messages    []anthropicMessage  `json:"messages"`
	System      json.RawMessage     `json:"system,omitempty"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature *float32            `json:"temperature,omitempty"`
	TopP        *float32            `json:"top_p,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	Tools       []anthropicTool     `json:"tools,omitempty"`
	Thinking    *anthropicThinking  `json:"thinking,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

type anthropicThinking struct {
	Type string `json:"type"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// decodeAnthropicRequest builds a core.Request from an Anthropic Messages
// API body. content fields that are plain strings decode straight into
// Message.Text; arrays of typed blocks decode into Message.Blocks.
func decodeAnthropicRequest(body []byte) (core.Request, error) {
	var in anthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return core.Request{}, err
	}

	req := core.Request{
		Model:     in.Model,
		MaxTokens: in.MaxTokens,
		Stream:    in.Stream,
	}
	if in.Temperature != nil {
		req.Temperature = *in.Temperature
	}
	if in.TopP != nil {
		req.TopP = *in.TopP
	}
	if len(in.System) > 0 {
		req.System = decodeAnthropicSystem(in.System)
	}
	for _, m := range in.Messages {
		msg, err := decodeAnthropicMessage(m)
		if err != nil {
			return core.Request{}, err
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, core.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	if in.Thinking != nil && in.Thinking.Type == "enabled" {
		req.Metadata = map[string]any{"thinking": true}
	}
	for k, v := range in.Metadata {
		if req.Metadata == nil {
			req.Metadata = make(map[string]any, len(in.Metadata))
		}
		req.Metadata[k] = v
	}
	return req, nil
}

// decodeAnthropicSystem accepts either a plain string or an array of
// {type:"text", text:"..."} blocks, joining the latter's text parts.
func decodeAnthropicSystem(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	out := ""
	for _, b := range blocks {
		out += b.Text
	}
	return out
}

func decodeAnthropicMessage(m anthropicMessage) (core.Message, error) {
	role := core.Role(m.Role)
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return core.Message{Role: role, Text: asString}, nil
	}

	var blocks []anthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return core.Message{}, fmt.Errorf("decode message content: %w", err)
	}
	out := core.Message{Role: role}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out.Blocks = append(out.Blocks, core.ContentBlock{Kind: core.BlockText, Text: b.Text})
		case "tool_use":
			out.Blocks = append(out.Blocks, core.ContentBlock{
				Kind:      core.BlockToolUse,
				ToolUseID: b.ID,
				ToolName:  b.Name,
				ToolInput: b.Input,
			})
		case "tool_result":
			out.Blocks = append(out.Blocks, core.ContentBlock{
				Kind:              core.BlockToolResult,
				ToolResultID:      b.ToolUseID,
				ToolResultContent: decodeAnthropicToolResultContent(b.Content),
				ToolResultIsError: b.IsError,
			})
		}
	}
	return out, nil
}

// decodeAnthropicToolResultContent accepts a tool_result's content as
// either a plain string or an array of text blocks, the same dual shape
// Anthropic allows for message content.
func decodeAnthropicToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	out := ""
	for _, b := range blocks {
		out += b.Text
	}
	return out
}

// encodeAnthropicResponse reshapes a normalized envelope back into the
// Anthropic Messages API response shape.
func encodeAnthropicResponse(requestID string, env core.ResponseEnvelope) anthropicResponse {
	out := anthropicResponse{
		ID:         "msg_" + requestID,
		Type:       "message",
		Role:       "assistant",
		Model:      env.Model,
		StopReason: string(env.StopReason),
		Usage: anthropicUsage{
			InputTokens:  env.Usage.InputTokens,
			OutputTokens: env.Usage.OutputTokens,
		},
	}
	for _, b := range env.Blocks {
		switch b.Kind {
		case core.BlockText:
			out.Content = append(out.Content, anthropicContentBlock{Type: "text", Text: b.Text})
		case core.BlockToolUse:
			out.Content = append(out.Content, anthropicContentBlock{
				Type:  "tool_use",
				ID:    b.ToolUseID,
				Name:  b.ToolName,
				Input: b.ToolInput,
			})
		}
	}
	return out
}

func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	body, err := decodeRawBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"type": "error", "error": map[string]any{"type": "invalid-request", "message": err.Error()}})
		return
	}
	req, err := decodeAnthropicRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"type": "error", "error": map[string]any{"type": "invalid-request", "message": err.Error()}})
		return
	}

	if req.Stream {
		s.streamAnthropic(w, r, req)
		return
	}

	res, err := s.co.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeAnthropicResponse(res.RequestID, res.Envelope))
}

// streamAnthropic re-emits the coordinator's stream as Anthropic SSE
// events (spec.md §4.7): message_start once, one content_block_start/stop
// pair wrapping every content_block_delta, then message_delta/message_stop
// carrying the final stop_reason and usage.
func (s *Server) streamAnthropic(w http.ResponseWriter, r *http.Request, req core.Request) {
	s.streamAnthropicVia(w, r, req, func(emit func(coordinator.StreamEvent) error) (coordinator.Result, error) {
		return s.co.ExecuteStream(r.Context(), req, emit)
	})
}

// streamAnthropicDirect is streamAnthropic's counterpart for the
// pass-through proxy route: it dispatches to an explicit (provider, model)
// pair instead of letting the Routing Engine classify req.
func (s *Server) streamAnthropicDirect(w http.ResponseWriter, r *http.Request, req core.Request, provider, model string) {
	s.streamAnthropicVia(w, r, req, func(emit func(coordinator.StreamEvent) error) (coordinator.Result, error) {
		return s.co.ExecuteStreamDirect(r.Context(), req, provider, model, emit)
	})
}

func (s *Server) streamAnthropicVia(w http.ResponseWriter, r *http.Request, req core.Request, run func(func(coordinator.StreamEvent) error) (coordinator.Result, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errStreamingUnsupported)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	requestID := uuid.NewString()
	writeSSE(w, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": "msg_" + requestID, "type": "message", "role": "assistant",
			"content": []any{}, "model": req.Model,
		},
	})
	writeSSE(w, "content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	flusher.Flush()

	_, err := run(func(ev coordinator.StreamEvent) error {
		if ev.ContentDelta != "" {
			writeSSE(w, "content_block_delta", map[string]any{
				"type": "content_block_delta", "index": 0,
				"delta": map[string]any{"type": "text_delta", "text": ev.ContentDelta},
			})
			flusher.Flush()
		}
		if ev.Done {
			writeSSE(w, "content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
			writeSSE(w, "message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": string(ev.Envelope.StopReason)},
				"usage": anthropicUsage{InputTokens: ev.Envelope.Usage.InputTokens, OutputTokens: ev.Envelope.Usage.OutputTokens},
			})
			writeSSE(w, "message_stop", map[string]any{"type": "message_stop"})
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		writeSSE(w, "error", map[string]any{"type": "error", "error": map[string]any{"type": "upstream-error", "message": err.Error()}})
		flusher.Flush()
	}
}

// writeSSE writes one Server-Sent Events frame. An empty event omits the
// "event:" line, matching Gemini's alt=sse stream (data-only frames) as
// opposed to Anthropic's typed events.
func writeSSE(w http.ResponseWriter, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func decodeRawBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

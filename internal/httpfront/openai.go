package httpfront

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/anyllm/broker/internal/coordinator"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/transform"
)

// openaiChatRequest mirrors the inbound shape of an OpenAI chat-completions
// call. It reuses transform's outbound wire structs (transform.OpenAIMessage
// et al.) rather than duplicating the wire format a second time — the JSON
// tags are identical either direction.
type openaiChatRequest struct {
	Model       string                    `json:"model"`
	Messages    []transform.OpenAIMessage `json:"messages"`
	Tools       []transform.OpenAITool    `json:"tools,omitempty"`
	Stream      bool                      `json:"stream,omitempty"`
	MaxTokens   int                       `json:"max_tokens,omitempty"`
	Temperature *float32                  `json:"temperature,omitempty"`
	TopP        *float32                  `json:"top_p,omitempty"`
}

type openaiChatResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Model   string               `json:"model"`
	Choices []openaiChatChoice   `json:"choices"`
	Usage   openaiChatUsage      `json:"usage"`
}

type openaiChatChoice struct {
	Index        int                      `json:"index"`
	Message      transform.OpenAIMessage  `json:"message"`
	FinishReason string                   `json:"finish_reason"`
}

type openaiChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// decodeOpenAIRequest builds a core.Request from an OpenAI chat-completions
// body: the inverse of transform.BuildOpenAIMessages/BuildOpenAITools. The
// leading role=system message (if any) becomes Request.System; everything
// else maps straight across since transform.OpenAIMessage's shape already
// matches the wire.
func decodeOpenAIRequest(body []byte) (core.Request, error) {
	var in openaiChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return core.Request{}, err
	}

	req := core.Request{Model: in.Model, Stream: in.Stream, MaxTokens: in.MaxTokens}
	if in.Temperature != nil {
		req.Temperature = *in.Temperature
	}
	if in.TopP != nil {
		req.TopP = *in.TopP
	}

	for _, m := range in.Messages {
		if m.Role == "system" && req.System == "" {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, fromOpenAIMessage(m))
	}
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, core.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return req, nil
}

// fromOpenAIMessage is the inverse of BuildOpenAIMessages for one message:
// tool_calls become tool_use blocks, role=tool becomes a tool_result block
// carried on its own message (matching how BuildOpenAIMessages splits them
// out in the outbound direction).
func fromOpenAIMessage(m transform.OpenAIMessage) core.Message {
	if m.Role == "tool" {
		return core.Message{
			Role: core.RoleTool,
			Blocks: []core.ContentBlock{{
				Kind:              core.BlockToolResult,
				ToolResultID:      m.ToolCallID,
				ToolResultContent: m.Content,
			}},
		}
	}
	if len(m.ToolCalls) == 0 {
		return core.Message{Role: core.Role(m.Role), Text: m.Content, Name: m.Name}
	}
	out := core.Message{Role: core.Role(m.Role), Name: m.Name}
	if m.Content != "" {
		out.Blocks = append(out.Blocks, core.ContentBlock{Kind: core.BlockText, Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		out.Blocks = append(out.Blocks, core.ContentBlock{
			Kind:      core.BlockToolUse,
			ToolUseID: tc.ID,
			ToolName:  tc.Function.Name,
			ToolInput: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// encodeOpenAIResponse reshapes a normalized envelope into an OpenAI
// chat-completions response.
func encodeOpenAIResponse(requestID string, env core.ResponseEnvelope) openaiChatResponse {
	msg := transform.OpenAIMessage{Role: "assistant"}
	for _, b := range env.Blocks {
		switch b.Kind {
		case core.BlockText:
			msg.Content += b.Text
		case core.BlockToolUse:
			msg.ToolCalls = append(msg.ToolCalls, transform.OpenAIToolCall{
				ID:   b.ToolUseID,
				Type: "function",
				Function: transform.OpenAIFunctionCall{
					Name:      b.ToolName,
					Arguments: string(b.ToolInput),
				},
			})
		}
	}
	return openaiChatResponse{
		ID:     "chatcmpl-" + requestID,
		Object: "chat.completion",
		Model:  env.Model,
		Choices: []openaiChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: openaiFinishReason(env.StopReason),
		}},
		Usage: openaiChatUsage{
			PromptTokens:     env.Usage.InputTokens,
			CompletionTokens: env.Usage.OutputTokens,
			TotalTokens:      env.Usage.InputTokens + env.Usage.OutputTokens,
		},
	}
}

func openaiFinishReason(r core.StopReason) string {
	switch r {
	case core.StopMaxTokens:
		return "length"
	case core.StopToolUse:
		return "tool_calls"
	default:
		return "stop"
	}
}

func (s *Server) handleOpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := decodeRawBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": err.Error()}})
		return
	}
	req, err := decodeOpenAIRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": err.Error()}})
		return
	}

	if req.Stream {
		s.streamOpenAI(w, r, req)
		return
	}

	res, err := s.co.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeOpenAIResponse(res.RequestID, res.Envelope))
}

// streamOpenAI re-emits the coordinator's stream as OpenAI chat-completion
// chunk events, terminated by the literal "data: [DONE]" line OpenAI's SSE
// format uses instead of a typed terminal event.
func (s *Server) streamOpenAI(w http.ResponseWriter, r *http.Request, req core.Request) {
	s.streamOpenAIVia(w, r, req, func(emit func(coordinator.StreamEvent) error) (coordinator.Result, error) {
		return s.co.ExecuteStream(r.Context(), req, emit)
	})
}

// streamOpenAIDirect is streamOpenAI's counterpart for the pass-through
// proxy route: dispatches to an explicit (provider, model) pair.
func (s *Server) streamOpenAIDirect(w http.ResponseWriter, r *http.Request, req core.Request, provider, model string) {
	s.streamOpenAIVia(w, r, req, func(emit func(coordinator.StreamEvent) error) (coordinator.Result, error) {
		return s.co.ExecuteStreamDirect(r.Context(), req, provider, model, emit)
	})
}

func (s *Server) streamOpenAIVia(w http.ResponseWriter, r *http.Request, req core.Request, run func(func(coordinator.StreamEvent) error) (coordinator.Result, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errStreamingUnsupported)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	id := "chatcmpl-stream"
	_, err := run(func(ev coordinator.StreamEvent) error {
		if ev.ContentDelta != "" {
			writeOpenAIChunk(w, id, req.Model, map[string]any{"content": ev.ContentDelta}, "")
			flusher.Flush()
		}
		if ev.Done {
			writeOpenAIChunk(w, id, req.Model, map[string]any{}, openaiFinishReason(ev.Envelope.StopReason))
			w.Write([]byte("data: [DONE]\n\n"))
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		writeOpenAIChunk(w, id, req.Model, map[string]any{}, "stop")
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}
}

func writeOpenAIChunk(w http.ResponseWriter, id, model string, delta map[string]any, finishReason string) {
	chunk := map[string]any{
		"id": id, "object": "chat.completion.chunk", "model": model,
		"choices": []any{map[string]any{"index": 0, "delta": delta, "finish_reason": finishReasonOrNull(finishReason)}},
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(b)
	w.Write([]byte("\n\n"))
}

func finishReasonOrNull(r string) any {
	if r == "" {
		return nil
	}
	return r
}

var errStreamingUnsupported = errors.New("streaming unsupported by this response writer")

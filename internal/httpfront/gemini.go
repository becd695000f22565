package httpfront

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/anyllm/broker/internal/coordinator"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/rcerrors"
	"github.com/anyllm/broker/internal/transform"
)

// geminiGenerateRequest mirrors the inbound generateContent body, reusing
// transform's outbound Gemini wire structs for the same reason openai.go
// reuses transform.OpenAIMessage: the JSON shape is identical regardless of
// which direction it travels.
type geminiGenerateRequest struct {
	Contents         []transform.GeminiContent `json:"contents"`
	SystemInstruction *geminiSystemInstruction  `json:"systemInstruction,omitempty"`
	Tools            []transform.GeminiTool    `json:"tools,omitempty"`
	GenerationConfig *geminiGenerationConfig    `json:"generationConfig,omitempty"`
}

type geminiSystemInstruction struct {
	Parts []transform.GeminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float32 `json:"temperature,omitempty"`
	TopP            float32 `json:"topP,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata geminiUsageMetadata  `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content      transform.GeminiContent `json:"content"`
	FinishReason string                  `json:"finishReason"`
	Index        int                     `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// decodeGeminiRequest builds a core.Request from a generateContent body:
// the inverse of transform.BuildGeminiContents/BuildGeminiTools. model
// comes from the URL path, not the body, matching Gemini's own API shape.
func decodeGeminiRequest(body []byte, model string) (core.Request, error) {
	var in geminiGenerateRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return core.Request{}, err
	}

	req := core.Request{Model: model}
	if in.SystemInstruction != nil {
		var sb strings.Builder
		for _, p := range in.SystemInstruction.Parts {
			sb.WriteString(p.Text)
		}
		req.System = sb.String()
	}
	if in.GenerationConfig != nil {
		req.MaxTokens = in.GenerationConfig.MaxOutputTokens
		req.Temperature = in.GenerationConfig.Temperature
		req.TopP = in.GenerationConfig.TopP
	}
	for _, c := range in.Contents {
		req.Messages = append(req.Messages, fromGeminiContent(c))
	}
	for _, t := range in.Tools {
		for _, decl := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, core.ToolDefinition{
				Name:        decl.Name,
				Description: decl.Description,
				InputSchema: genaiSchemaToMap(decl.Parameters),
			})
		}
	}
	return req, nil
}

func fromGeminiContent(c transform.GeminiContent) core.Message {
	role := core.RoleUser
	if c.Role == "model" {
		role = core.RoleAssistant
	} else if c.Role == "function" {
		role = core.RoleTool
	}
	out := core.Message{Role: role}
	for _, p := range c.Parts {
		switch {
		case p.Text != "":
			out.Blocks = append(out.Blocks, core.ContentBlock{Kind: core.BlockText, Text: p.Text})
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			out.Blocks = append(out.Blocks, core.ContentBlock{
				Kind:     core.BlockToolUse,
				ToolName: p.FunctionCall.Name,
				ToolInput: args,
			})
		case p.FunctionResponse != nil:
			content, _ := json.Marshal(p.FunctionResponse.Response)
			out.Blocks = append(out.Blocks, core.ContentBlock{
				Kind:              core.BlockToolResult,
				ToolResultID:      p.FunctionResponse.Name,
				ToolResultContent: string(content),
			})
		}
	}
	return out
}

// genaiSchemaToMap is a best-effort inverse of toGenaiSchema, just enough
// to round-trip a tool definition the caller sent us back out as
// core.ToolDefinition.InputSchema for routing to a non-Gemini upstream via
// the compatibility layer.
func genaiSchemaToMap(schema *genai.Schema) map[string]any {
	if schema == nil {
		return nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func encodeGeminiResponse(env core.ResponseEnvelope) geminiGenerateResponse {
	var parts []transform.GeminiPart
	for _, b := range env.Blocks {
		switch b.Kind {
		case core.BlockText:
			parts = append(parts, transform.GeminiPart{Text: b.Text})
		case core.BlockToolUse:
			var args any
			_ = json.Unmarshal(b.ToolInput, &args)
			parts = append(parts, transform.GeminiPart{FunctionCall: &transform.GeminiFunctionCall{Name: b.ToolName, Args: args}})
		}
	}
	return geminiGenerateResponse{
		Candidates: []geminiCandidate{{
			Content:      transform.GeminiContent{Role: "model", Parts: parts},
			FinishReason: geminiFinishReason(env.StopReason),
		}},
		UsageMetadata: geminiUsageMetadata{
			PromptTokenCount:     env.Usage.InputTokens,
			CandidatesTokenCount: env.Usage.OutputTokens,
			TotalTokenCount:      env.Usage.InputTokens + env.Usage.OutputTokens,
		},
		ModelVersion: env.Model,
	}
}

func geminiFinishReason(r core.StopReason) string {
	switch r {
	case core.StopMaxTokens:
		return "MAX_TOKENS"
	case core.StopToolUse:
		return "STOP"
	default:
		return "STOP"
	}
}

func (s *Server) handleGeminiGenerateContent(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	body, err := decodeRawBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": err.Error()}})
		return
	}
	req, err := decodeGeminiRequest(body, model)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": err.Error()}})
		return
	}

	if strings.HasSuffix(r.URL.Path, ":streamGenerateContent") || strings.Contains(r.URL.Path, "streamGenerateContent") {
		s.streamGemini(w, r, req)
		return
	}

	res, err := s.co.ExecuteDirect(r.Context(), req, geminiProvider, model)
	if err != nil && errors.Is(err, rcerrors.ErrNoRoutingConfig) {
		// The path model isn't one of this router's configured (provider,
		// model) pairs — fall back to category routing; the caller is
		// still asking for Gemini-wire handling, just via a model alias.
		res, err = s.co.Execute(r.Context(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeGeminiResponse(res.Envelope))
}

// streamGemini re-emits the coordinator's stream as a sequence of
// generateContent-shaped chunks, the way Gemini's SSE stream
// (alt=sse) does: each event is a full candidate object carrying only the
// incremental text in its part.
func (s *Server) streamGemini(w http.ResponseWriter, r *http.Request, req core.Request) {
	s.streamGeminiVia(w, r, req, func(emit func(coordinator.StreamEvent) error) (coordinator.Result, error) {
		res, err := s.co.ExecuteStreamDirect(r.Context(), req, geminiProvider, req.Model, emit)
		if err != nil && errors.Is(err, rcerrors.ErrNoRoutingConfig) {
			return s.co.ExecuteStream(r.Context(), req, emit)
		}
		return res, err
	})
}

// streamGeminiDirect is streamGemini's counterpart for the pass-through
// proxy route: it dispatches to an explicit (provider, model) pair named by
// the URL, with no category-routing fallback (the proxy route's caller
// already named the upstream, so there's no alias to fall back from).
func (s *Server) streamGeminiDirect(w http.ResponseWriter, r *http.Request, req core.Request, provider, model string) {
	s.streamGeminiVia(w, r, req, func(emit func(coordinator.StreamEvent) error) (coordinator.Result, error) {
		return s.co.ExecuteStreamDirect(r.Context(), req, provider, model, emit)
	})
}

func (s *Server) streamGeminiVia(w http.ResponseWriter, r *http.Request, req core.Request, run func(func(coordinator.StreamEvent) error) (coordinator.Result, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errStreamingUnsupported)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	_, err := run(func(ev coordinator.StreamEvent) error {
		if ev.ContentDelta != "" {
			writeSSE(w, "", geminiGenerateResponse{Candidates: []geminiCandidate{{
				Content: transform.GeminiContent{Role: "model", Parts: []transform.GeminiPart{{Text: ev.ContentDelta}}},
			}}})
			flusher.Flush()
		}
		if ev.Done {
			writeSSE(w, "", encodeGeminiResponse(ev.Envelope))
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		writeSSE(w, "", map[string]any{"error": map[string]any{"message": err.Error()}})
		flusher.Flush()
	}
}

const geminiProvider = "gemini"

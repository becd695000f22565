package httpfront

import (
	"encoding/json"
	"net/http"

	"github.com/anyllm/broker/internal/core"
)

// wireFormat is the inbound body dialect the proxy route auto-detects
// before decoding, so a single pass-through endpoint can accept whichever
// format the caller already speaks.
type wireFormat int

const (
	wireOpenAI wireFormat = iota
	wireAnthropic
	wireGemini
)

// detectWireFormat sniffs the body's top-level keys: a non-empty
// "contents" array is unique to Gemini's generateContent shape, and a
// top-level "system" field marks Anthropic (OpenAI's chat-completions
// carries its system prompt as a message instead). A body with neither is
// treated as OpenAI.
func detectWireFormat(body []byte) wireFormat {
	var probe struct {
		Contents []json.RawMessage `json:"contents"`
		System   json.RawMessage   `json:"system"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		if len(probe.Contents) > 0 {
			return wireGemini
		}
		if len(probe.System) > 0 {
			return wireAnthropic
		}
	}
	return wireOpenAI
}

// handleProxy implements the pass-through proxy route
// (/v1/proxy/{provider}/{model}): it auto-detects the caller's wire format,
// decodes into a core.Request the same way the dedicated routes do, and
// dispatches directly to the named (provider, model) pair instead of
// letting the Routing Engine classify a category.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	model := r.PathValue("model")

	body, err := decodeRawBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": err.Error()}})
		return
	}

	format := detectWireFormat(body)
	var req core.Request
	switch format {
	case wireGemini:
		req, err = decodeGeminiRequest(body, model)
	case wireAnthropic:
		req, err = decodeAnthropicRequest(body)
	default:
		req, err = decodeOpenAIRequest(body)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": err.Error()}})
		return
	}
	req.Model = model

	if req.Stream {
		s.streamProxy(w, r, req, provider, model, format)
		return
	}

	res, err := s.co.ExecuteDirect(r.Context(), req, provider, model)
	if err != nil {
		writeError(w, err)
		return
	}

	switch format {
	case wireGemini:
		writeJSON(w, http.StatusOK, encodeGeminiResponse(res.Envelope))
	case wireAnthropic:
		writeJSON(w, http.StatusOK, encodeAnthropicResponse(res.RequestID, res.Envelope))
	default:
		writeJSON(w, http.StatusOK, encodeOpenAIResponse(res.RequestID, res.Envelope))
	}
}

func (s *Server) streamProxy(w http.ResponseWriter, r *http.Request, req core.Request, provider, model string, format wireFormat) {
	switch format {
	case wireAnthropic:
		s.streamAnthropicDirect(w, r, req, provider, model)
	case wireGemini:
		s.streamGeminiDirect(w, r, req, provider, model)
	default:
		s.streamOpenAIDirect(w, r, req, provider, model)
	}
}

package compat

import (
	"encoding/json"

	"github.com/anyllm/broker/internal/transform"
)

// AdaptedRequest is the OpenAI-wire request after profile adaptation,
// ready for the upstream client to marshal and send.
type AdaptedRequest struct {
	Model       string
	Messages    []transform.OpenAIMessage
	Tools       []transform.OpenAITool
	MaxTokens   int
	Temperature float32
	Stream      bool
	// Prompt is populated only when profile.SynthesizePrompt is set: a
	// "<Role>: <content>" flattening of Messages, for endpoints that
	// ignore the messages array (spec.md §4.4.1).
	Prompt string
}

// NormalizeContent implements spec.md §4.4.1's content-normalization rule:
// a lone object unwraps {type:"text", text:…} to its string, otherwise the
// whole object is JSON-stringified. Strings and arrays pass through
// untouched — arrays are the structured content-block form handled
// elsewhere.
func NormalizeContent(content any) any {
	obj, ok := content.(map[string]any)
	if !ok {
		return content
	}
	if t, _ := obj["type"].(string); t == "text" {
		if text, ok := obj["text"].(string); ok {
			return text
		}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(b)
}

// RepairToolArray implements spec.md §4.4.1's tool-array repair: drop
// entries that are non-objects or unparseable strings, detect each
// remaining entry's shape (Anthropic name+input_schema, OpenAI
// type:function+function, or already-mixed), and rewrite to the OpenAI
// shape. Entries without a usable name are dropped.
func RepairToolArray(raw []any) []transform.OpenAITool {
	out := make([]transform.OpenAITool, 0, len(raw))
	for _, item := range raw {
		obj, ok := asObject(item)
		if !ok {
			continue
		}

		if ft, _ := obj["type"].(string); ft == "function" {
			if fn, ok := obj["function"].(map[string]any); ok {
				name, _ := fn["name"].(string)
				if name == "" {
					continue
				}
				out = append(out, transform.OpenAITool{
					Type: "function",
					Function: transform.OpenAIFunctionSpec{
						Name:        name,
						Description: stringField(fn, "description"),
						Parameters:  mapField(fn, "parameters"),
					},
				})
				continue
			}
		}

		// Anthropic shape: {name, description, input_schema}.
		name, _ := obj["name"].(string)
		if name == "" {
			continue
		}
		params := mapField(obj, "input_schema")
		if params == nil {
			params = mapField(obj, "parameters")
		}
		out = append(out, transform.OpenAITool{
			Type: "function",
			Function: transform.OpenAIFunctionSpec{
				Name:        name,
				Description: stringField(obj, "description"),
				Parameters:  params,
			},
		})
	}
	return out
}

// asObject accepts either an already-decoded object or a JSON string that
// decodes to one ("unparseable strings" are dropped per spec.md §4.4.1).
func asObject(item any) (map[string]any, bool) {
	switch v := item.(type) {
	case map[string]any:
		return v, true
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// AdaptRequest applies profile defaults to an already-built OpenAI-wire
// request (spec.md §4.4.1): GLM/Qwen3-Coder/ModelScope temperature and
// max_tokens/stream defaults, Qwen3-Coder's explicit system name, ModelScope's
// synthesized prompt fallback, and Gemini-backend tool-name sanitization for
// OpenAI-protocol providers secretly backed by Gemini.
func AdaptRequest(p Profile, model string, messages []transform.OpenAIMessage, tools []transform.OpenAITool, maxTokens int, temperature float32, stream bool) AdaptedRequest {
	out := AdaptedRequest{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
	}

	if out.Temperature == 0 && p.DefaultTemperature != 0 {
		out.Temperature = p.DefaultTemperature
	}
	if p.DefaultMaxTokens != 0 && out.MaxTokens == 0 {
		out.MaxTokens = p.DefaultMaxTokens
	}
	if p.DefaultStream && !out.Stream {
		out.Stream = p.DefaultStream
	}

	if p.ForceSystemName {
		for i := range out.Messages {
			if out.Messages[i].Role == "system" {
				out.Messages[i].Name = "system"
			}
		}
	}

	if p.GeminiBackend {
		for i := range out.Tools {
			if name, ok := transform.SanitizeGeminiToolName(out.Tools[i].Function.Name); ok {
				out.Tools[i].Function.Name = name
			}
		}
	}

	if p.SynthesizePrompt {
		out.Prompt = synthesizePrompt(out.Messages)
	}

	return out
}

func synthesizePrompt(messages []transform.OpenAIMessage) string {
	var sb []byte
	for i, m := range messages {
		if i > 0 {
			sb = append(sb, "\n\n"...)
		}
		role := m.Role
		if role != "" {
			role = capitalize(role)
		}
		sb = append(sb, role...)
		sb = append(sb, ": "...)
		sb = append(sb, m.Content...)
	}
	return string(sb)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

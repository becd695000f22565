package compat

import (
	"testing"

	"github.com/anyllm/broker/internal/transform"
)

func TestNormalizeContent(t *testing.T) {
	if got := NormalizeContent("plain"); got != "plain" {
		t.Fatalf("expected string passthrough, got %v", got)
	}
	if got := NormalizeContent(map[string]any{"type": "text", "text": "hi"}); got != "hi" {
		t.Fatalf("expected unwrapped text, got %v", got)
	}
	got := NormalizeContent(map[string]any{"foo": "bar"})
	if got == nil || got == "" {
		t.Fatalf("expected JSON-stringified fallback, got %v", got)
	}
}

func TestRepairToolArray_DropsMalformedKeepsValid(t *testing.T) {
	raw := []any{
		"not an object",
		map[string]any{"name": "search", "description": "d", "input_schema": map[string]any{"type": "object"}},
		map[string]any{"type": "function", "function": map[string]any{"name": "lookup"}},
		map[string]any{"description": "no name here"},
	}
	out := RepairToolArray(raw)
	if len(out) != 2 {
		t.Fatalf("expected 2 valid tools, got %d: %+v", len(out), out)
	}
	if out[0].Function.Name != "search" || out[1].Function.Name != "lookup" {
		t.Fatalf("unexpected tool names: %+v", out)
	}
}

func TestAdaptRequest_GLMDefaultTemperature(t *testing.T) {
	p := ProfileFor("glm")
	out := AdaptRequest(p, "glm-4", nil, nil, 0, 0, false)
	if out.Temperature != 0.8 {
		t.Fatalf("expected GLM default temperature 0.8, got %f", out.Temperature)
	}
}

func TestAdaptRequest_Qwen3CoderSystemName(t *testing.T) {
	p := ProfileFor("qwen3-coder")
	msgs := []transform.OpenAIMessage{{Role: "system", Content: "be helpful"}}
	out := AdaptRequest(p, "qwen3-coder", msgs, nil, 0, 0, false)
	if out.Temperature != 0.7 {
		t.Fatalf("expected default temperature 0.7, got %f", out.Temperature)
	}
	if out.Messages[0].Name != "system" {
		t.Fatalf("expected system message name set, got %+v", out.Messages[0])
	}
}

func TestAdaptRequest_ModelScopeSynthesizesPrompt(t *testing.T) {
	p := ProfileFor("modelscope")
	msgs := []transform.OpenAIMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	out := AdaptRequest(p, "m", msgs, nil, 0, 0, false)
	if out.MaxTokens != 4096 || out.Temperature != 0.7 || !out.Stream {
		t.Fatalf("unexpected modelscope defaults: %+v", out)
	}
	want := "User: hello\n\nAssistant: hi there"
	if out.Prompt != want {
		t.Fatalf("prompt = %q, want %q", out.Prompt, want)
	}
}

func TestFixMissingChoices_SynthesizesFromAlternatePaths(t *testing.T) {
	raw := map[string]any{"content": "hello world"}
	out := FixMissingChoices(raw, false)
	choices, ok := out["choices"].([]any)
	if !ok || len(choices) != 1 {
		t.Fatalf("expected synthesized choices, got %+v", out)
	}
	entry := choices[0].(map[string]any)
	if entry["finish_reason"] != "stop" {
		t.Fatalf("expected default finish_reason stop, got %+v", entry)
	}
}

func TestFixMissingChoices_DefaultsToolCallsWhenHadToolCalls(t *testing.T) {
	raw := map[string]any{"content": "x"}
	out := FixMissingChoices(raw, true)
	choices := out["choices"].([]any)
	entry := choices[0].(map[string]any)
	if entry["finish_reason"] != "tool_calls" {
		t.Fatalf("expected tool_calls finish_reason, got %+v", entry)
	}
}

func TestFixIncompleteChoices_WrapsMissingMessage(t *testing.T) {
	raw := map[string]any{"choices": []any{map[string]any{"finish_reason": "stop"}}}
	out := FixIncompleteChoices(raw)
	choices := out["choices"].([]any)
	entry := choices[0].(map[string]any)
	if _, ok := entry["message"]; !ok {
		t.Fatalf("expected message synthesized, got %+v", entry)
	}
}

func TestExtractLMStudioToolCalls(t *testing.T) {
	content := `before <|start|>assistant<|channel|>commentary to=functions.get_weather <|constrain|>json<|message|>{"city":"nyc"}` + " after"
	cleaned, calls := ExtractLMStudioToolCalls(content)
	if len(calls) != 1 || calls[0].Name != "get_weather" {
		t.Fatalf("expected one get_weather call, got %+v", calls)
	}
	if string(calls[0].Args) != `{"city":"nyc"}` {
		t.Fatalf("unexpected args: %s", calls[0].Args)
	}
	if cleaned != "before  after" {
		t.Fatalf("unexpected cleaned text: %q", cleaned)
	}
}

func TestExtractTextEmbeddedToolCalls_ToolCallColonForm(t *testing.T) {
	text := `Tool call: search({"q":"golang"}) done`
	cleaned, calls := ExtractTextEmbeddedToolCalls(text)
	if len(calls) != 1 || calls[0].Name != "search" {
		t.Fatalf("expected one search call, got %+v", calls)
	}
	if cleaned != " done" {
		t.Fatalf("unexpected cleaned text: %q", cleaned)
	}
}

func TestExtractTextEmbeddedToolCalls_ExcludesBuiltins(t *testing.T) {
	text := `console({"a":1}) and json({"b":2})`
	_, calls := ExtractTextEmbeddedToolCalls(text)
	if len(calls) != 0 {
		t.Fatalf("expected builtins excluded, got %+v", calls)
	}
}

func TestExtractTextEmbeddedToolCalls_DirectCallForm(t *testing.T) {
	text := `get_weather({"city":"nyc"})`
	_, calls := ExtractTextEmbeddedToolCalls(text)
	if len(calls) != 1 || calls[0].Name != "get_weather" {
		t.Fatalf("expected one direct call, got %+v", calls)
	}
}

func TestClassifyAbnormal(t *testing.T) {
	if got := ClassifyAbnormal(map[string]any{"error": "boom"}, 200, nil); got != AbnormalAPIError {
		t.Fatalf("expected api_error, got %s", got)
	}
	if got := ClassifyAbnormal(map[string]any{}, 502, nil); got != AbnormalAPIError {
		t.Fatalf("expected api_error for status, got %s", got)
	}
	if got := ClassifyAbnormal(map[string]any{}, 200, nil); got != AbnormalEmptyResponse {
		t.Fatalf("expected empty_response, got %s", got)
	}
	if got := ClassifyAbnormal(nil, 0, errTimeout{}); got != AbnormalConnectionError {
		t.Fatalf("expected connection_error, got %s", got)
	}
}

type errTimeout struct{}

func (errTimeout) Error() string { return "timeout" }

func TestClassifyMissingFinishReason(t *testing.T) {
	if !ClassifyMissingFinishReason(true, 5, "") {
		t.Fatalf("expected missing finish reason detected")
	}
	if ClassifyMissingFinishReason(true, 0, "") {
		t.Fatalf("expected no detection when no output tokens")
	}
}

package transform

import (
	"encoding/json"
	"testing"

	"github.com/anyllm/broker/internal/core"
)

func TestBuildOpenAIMessages_CollapsesBlocksAndToolResult(t *testing.T) {
	msgs := []core.Message{
		{
			Role: core.RoleAssistant,
			Blocks: []core.ContentBlock{
				{Kind: core.BlockText, Text: "thinking..."},
				{Kind: core.BlockToolUse, ToolUseID: "toolu_1", ToolName: "get_weather", ToolInput: json.RawMessage(`{"city":"nyc"}`)},
			},
		},
		{
			Role: core.RoleUser,
			Blocks: []core.ContentBlock{
				{Kind: core.BlockToolResult, ToolResultID: "toolu_1", ToolResultContent: "72F"},
			},
		},
	}
	out := BuildOpenAIMessages("be helpful", msgs)

	if out[0].Role != "system" || out[0].Content != "be helpful" {
		t.Fatalf("expected leading system message, got %+v", out[0])
	}
	if out[1].Role != "assistant" || len(out[1].ToolCalls) != 1 {
		t.Fatalf("expected assistant message with one tool call, got %+v", out[1])
	}
	if out[1].ToolCalls[0].Function.Name != "get_weather" {
		t.Fatalf("unexpected tool call: %+v", out[1].ToolCalls[0])
	}
	if out[2].Role != "tool" || out[2].ToolCallID != "toolu_1" || out[2].Content != "72F" {
		t.Fatalf("expected tool-result message, got %+v", out[2])
	}
}

func TestBuildOpenAITools_MapsInputSchemaToParameters(t *testing.T) {
	defs := []core.ToolDefinition{
		{Name: "search", Description: "search the web", InputSchema: map[string]any{"type": "object"}},
	}
	tools := BuildOpenAITools(defs)
	if len(tools) != 1 || tools[0].Type != "function" || tools[0].Function.Name != "search" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestMapOpenAIFinishReason(t *testing.T) {
	cases := map[string]core.StopReason{
		"stop":           core.StopEndTurn,
		"length":         core.StopMaxTokens,
		"tool_calls":     core.StopToolUse,
		"content_filter": core.StopSequence,
	}
	for in, want := range cases {
		if got := MapOpenAIFinishReason(in); got != want {
			t.Errorf("MapOpenAIFinishReason(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestBuildGeminiContents_SystemBecomesLeadingUserTurn(t *testing.T) {
	out := BuildGeminiContents("rules here", []core.Message{{Role: core.RoleUser, Text: "hi"}})
	if len(out) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(out))
	}
	if out[0].Role != "user" || out[0].Parts[0].Text != "[System Instructions]\nrules here" {
		t.Fatalf("unexpected leading content: %+v", out[0])
	}
	if out[1].Role != "user" || out[1].Parts[0].Text != "hi" {
		t.Fatalf("unexpected message content: %+v", out[1])
	}
}

func TestBuildGeminiContents_AssistantMapsToModel(t *testing.T) {
	out := BuildGeminiContents("", []core.Message{{Role: core.RoleAssistant, Text: "hi"}})
	if out[0].Role != "model" {
		t.Fatalf("expected role model, got %s", out[0].Role)
	}
}

func TestSanitizeGeminiToolName(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"get_weather", "get_weather", true},
		{"get-weather!!", "get_weather_", true},
		{"123tool", "tool_123tool", true},
		{"!!!", "", false},
	}
	for _, c := range cases {
		got, ok := SanitizeGeminiToolName(c.in)
		if ok != c.ok {
			t.Errorf("SanitizeGeminiToolName(%q) ok = %v, want %v", c.in, ok, c.ok)
			continue
		}
		if ok && got != c.want {
			t.Errorf("SanitizeGeminiToolName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSanitizeGeminiSchema_StripsUnsupportedKeys(t *testing.T) {
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "pattern": "^[a-z]+$"},
		},
	}
	out := SanitizeGeminiSchema(schema)
	if _, ok := out["additionalProperties"]; ok {
		t.Fatalf("expected additionalProperties stripped, got %+v", out)
	}
	props := out["properties"].(map[string]any)
	name := props["name"].(map[string]any)
	if _, ok := name["pattern"]; ok {
		t.Fatalf("expected nested pattern stripped, got %+v", name)
	}
}

func TestClampGeminiGenerationParams(t *testing.T) {
	mt, temp := ClampGeminiGenerationParams(20000, 3.5)
	if mt != 8192 || temp != 2 {
		t.Fatalf("expected clamp to (8192, 2), got (%d, %f)", mt, temp)
	}
}

func TestMapGeminiFinishReason(t *testing.T) {
	if got := MapGeminiFinishReason("MAX_TOKENS"); got != core.StopMaxTokens {
		t.Fatalf("got %s", got)
	}
	if got := MapGeminiFinishReason("SAFETY"); got != core.StopSequence {
		t.Fatalf("got %s", got)
	}
}

func TestToEnvelope_TextAndToolUse(t *testing.T) {
	rr := core.RawResponse{
		Content: "hello",
		ToolCalls: []core.RawToolCall{
			{CallID: "call_1", Name: "search", Args: json.RawMessage(`{"q":"go"}`)},
		},
		FinishReason: "tool_calls",
		Usage:        core.Usage{InputTokens: 10, OutputTokens: 5},
	}
	env, warnings := ToEnvelope(rr, core.ProtocolOpenAI)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if len(env.Blocks) != 2 {
		t.Fatalf("expected text + tool_use blocks, got %+v", env.Blocks)
	}
	if env.StopReason != core.StopToolUse {
		t.Fatalf("expected tool_use stop reason, got %s", env.StopReason)
	}
}

func TestToEnvelope_UnparseableArgsKeepsToolWithWarning(t *testing.T) {
	rr := core.RawResponse{
		ToolCalls: []core.RawToolCall{
			{CallID: "call_1", Name: "search", Args: json.RawMessage(`not json`)},
		},
		FinishReason: "tool_calls",
	}
	env, warnings := ToEnvelope(rr, core.ProtocolOpenAI)
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %+v", warnings)
	}
	if string(env.Blocks[0].ToolInput) != "{}" {
		t.Fatalf("expected empty-object fallback input, got %s", env.Blocks[0].ToolInput)
	}
}

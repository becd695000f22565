package respipe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anyllm/broker/internal/compat"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/transform"
)

// preprocessingStage implements spec.md §4.6's preprocessing step: repair
// the raw upstream body shape, then detect tool calls embedded in plain
// text (LM Studio channel markers, then the general sliding-window scan).
func preprocessingStage(_ context.Context, item *WorkItem) error {
	if item.Raw == nil {
		return fmt.Errorf("respipe: nil raw response")
	}
	item.Raw = compat.FixMissingChoices(item.Raw, false)
	item.Raw = compat.FixIncompleteChoices(item.Raw)

	choices, _ := item.Raw["choices"].([]any)
	if len(choices) == 0 {
		return nil
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return nil
	}
	content, _ := message["content"].(string)
	if content == "" {
		return nil
	}

	cleaned, lmCalls := compat.ExtractLMStudioToolCalls(content)
	cleaned, textCalls := compat.ExtractTextEmbeddedToolCalls(cleaned)
	calls := append(lmCalls, textCalls...)
	if len(calls) == 0 {
		return nil
	}

	item.extracted = append(item.extracted, calls...)
	item.hadToolCalls = true
	message["content"] = cleaned
	choice["message"] = message
	choices[0] = choice
	item.Raw["choices"] = choices
	choice["finish_reason"] = "tool_calls"
	return nil
}

// streamingStage is the envelope-pipeline's placeholder for spec.md §4.6's
// streaming step: true chunk-by-chunk reshaping happens in
// internal/coordinator against the live SSE stream, which runs
// ExtractTextEmbeddedToolCalls over accumulated text deltas as they
// arrive. Run's snapshot-level view only ever sees the final assembled
// body, so there is nothing further to do here for a non-streaming item.
func streamingStage(_ context.Context, item *WorkItem) error {
	return nil
}

// transformationStage implements spec.md §4.6's transformation step:
// Gemini/OpenAI → Anthropic, via internal/transform.ToEnvelope.
func transformationStage(_ context.Context, item *WorkItem) error {
	choices, _ := item.Raw["choices"].([]any)
	if len(choices) == 0 {
		return fmt.Errorf("respipe: no choices to transform")
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)

	content, _ := message["content"].(string)
	finishReason, _ := choice["finish_reason"].(string)

	rr := core.RawResponse{
		Content:      content,
		FinishReason: finishReason,
		Raw:          item.Raw,
	}
	if wireCalls, ok := message["tool_calls"].([]any); ok {
		for _, wc := range wireCalls {
			wcMap, ok := wc.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := wcMap["function"].(map[string]any)
			name, _ := fn["name"].(string)
			id, _ := wcMap["id"].(string)
			var args json.RawMessage
			switch v := fn["arguments"].(type) {
			case string:
				args = json.RawMessage(v)
			default:
				if b, err := json.Marshal(v); err == nil {
					args = b
				}
			}
			rr.ToolCalls = append(rr.ToolCalls, core.RawToolCall{CallID: id, Name: name, Args: args})
		}
	}
	for _, ec := range item.extracted {
		rr.ToolCalls = append(rr.ToolCalls, core.RawToolCall{Name: ec.Name, Args: ec.Args})
	}
	if len(rr.ToolCalls) > 0 && rr.FinishReason == "" {
		rr.FinishReason = "tool_calls"
	}
	rr.Usage = extractUsage(item.Raw, item.Protocol)

	item.rawResp = rr
	env, warnings := transform.ToEnvelope(rr, item.Protocol)
	item.Envelope = env
	item.Warnings = append(item.Warnings, warnings...)
	return nil
}

// extractUsage reads token accounting out of the raw body, in whichever
// shape the protocol's upstream reports it: OpenAI-wire's flat "usage"
// object, or Gemini's "usageMetadata".
func extractUsage(raw map[string]any, protocol core.Protocol) core.Usage {
	if protocol == core.ProtocolGemini {
		usage, _ := raw["usageMetadata"].(map[string]any)
		return core.Usage{
			InputTokens:  usageIntField(usage, "promptTokenCount"),
			OutputTokens: usageIntField(usage, "candidatesTokenCount"),
			TotalTokens:  usageIntField(usage, "totalTokenCount"),
		}
	}
	usage, _ := raw["usage"].(map[string]any)
	return core.Usage{
		InputTokens:  usageIntField(usage, "prompt_tokens"),
		OutputTokens: usageIntField(usage, "completion_tokens"),
		TotalTokens:  usageIntField(usage, "total_tokens"),
	}
}

func usageIntField(m map[string]any, key string) int {
	v, ok := m[key].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

// postprocessingStage implements spec.md §4.6's postprocessing step and
// spec.md §4.4.2's finish-reason override: if any tool_use block survived
// everything above, stop_reason is forced to tool_use.
func postprocessingStage(_ context.Context, item *WorkItem) error {
	for _, b := range item.Envelope.Blocks {
		if b.Kind == core.BlockToolUse {
			item.Envelope.StopReason = core.StopToolUse
			break
		}
	}
	return nil
}

package compat

// FixMissingChoices implements spec.md §4.4.2's missing-choices fix: when
// an OpenAI-protocol upstream returns a body without "choices", synthesize
// one from whichever of the alternate content paths is present, and a
// finish_reason from whichever alternate field is present (defaulting to
// "tool_calls" if hadToolCalls, else "stop").
func FixMissingChoices(raw map[string]any, hadToolCalls bool) map[string]any {
	if _, ok := raw["choices"]; ok {
		return raw
	}

	content := firstPresent(raw,
		[]string{"content"},
		[]string{"message"},
		[]string{"text"},
		[]string{"response"},
		[]string{"output"},
		[]string{"result", "content"},
		[]string{"data", "content"},
	)

	finish := firstString(raw, "finish_reason", "stop_reason", "finishReason", "status")
	if finish == "" {
		if fr := dig(raw, "choices", "0", "finish_reason"); fr != nil {
			finish, _ = fr.(string)
		}
	}
	if finish == "" {
		if hadToolCalls {
			finish = "tool_calls"
		} else {
			finish = "stop"
		}
	}

	msg := map[string]any{"role": "assistant", "content": content}
	if hadToolCalls {
		msg["content"] = nil
	}

	raw["choices"] = []any{
		map[string]any{
			"message":       msg,
			"finish_reason": finish,
		},
	}
	return raw
}

// firstPresent walks a list of candidate key paths and returns the first
// one found in raw, via dig.
func firstPresent(raw map[string]any, paths ...[]string) any {
	for _, p := range paths {
		if v := dig(raw, p...); v != nil {
			return v
		}
	}
	return nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// dig walks nested map[string]any/[]any by successive keys. Numeric path
// segments index into a slice.
func dig(v any, path ...string) any {
	cur := v
	for _, key := range path {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[key]
			if !ok {
				return nil
			}
			cur = next
		case []any:
			idx, ok := atoi(key)
			if !ok || idx < 0 || idx >= len(c) {
				return nil
			}
			cur = c[idx]
		default:
			return nil
		}
	}
	return cur
}

func atoi(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// FixIncompleteChoices implements spec.md §4.4.2's incomplete-choices fix:
// wrap any choice entry missing a "message" field.
func FixIncompleteChoices(raw map[string]any) map[string]any {
	choices, ok := raw["choices"].([]any)
	if !ok {
		return raw
	}
	for i, c := range choices {
		entry, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if _, hasMessage := entry["message"]; hasMessage {
			continue
		}
		entry["message"] = map[string]any{"role": "assistant", "content": nil}
		choices[i] = entry
	}
	raw["choices"] = choices
	return raw
}

// ForceToolUseFinishReason implements spec.md §4.4.2's finish-reason
// override: if any tool_use/tool_calls is present after all prior repair
// steps, the finish_reason on the first choice is forced to "tool_calls"
// ("tool_use" for the Anthropic-shaped envelope, enforced separately by
// internal/transform.ToEnvelope's caller).
func ForceToolUseFinishReason(raw map[string]any, hasToolUse bool) map[string]any {
	if !hasToolUse {
		return raw
	}
	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return raw
	}
	entry, ok := choices[0].(map[string]any)
	if !ok {
		return raw
	}
	entry["finish_reason"] = "tool_calls"
	choices[0] = entry
	raw["choices"] = choices
	return raw
}

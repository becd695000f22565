package compat

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// ExtractedToolCall is a tool invocation recovered from provider text that
// never used the structured tool_calls/tool_use channel.
type ExtractedToolCall struct {
	Name string
	Args json.RawMessage
}

var lmStudioMarker = regexp.MustCompile(`<\|start\|>assistant<\|channel\|>commentary to=functions\.([A-Za-z0-9_]+)[^<]*<\|constrain\|>[^<]*<\|message\|>`)

// ExtractLMStudioToolCalls implements spec.md §4.4.2's LM Studio extraction:
// content matching LM Studio's channel-marker syntax is peeled off and
// re-expressed as a tool call; any remaining text is kept.
func ExtractLMStudioToolCalls(content string) (cleaned string, calls []ExtractedToolCall) {
	cleaned = content
	for {
		loc := lmStudioMarker.FindStringSubmatchIndex(cleaned)
		if loc == nil {
			return cleaned, calls
		}
		name := cleaned[loc[2]:loc[3]]
		jsonStart := loc[1]
		argsStr, end, ok := findBalancedJSON(cleaned, jsonStart)
		if !ok {
			// Malformed marker with no recoverable JSON body; drop the
			// marker text and keep scanning the remainder.
			cleaned = cleaned[:loc[0]] + cleaned[loc[1]:]
			continue
		}
		calls = append(calls, ExtractedToolCall{Name: name, Args: json.RawMessage(argsStr)})
		cleaned = cleaned[:loc[0]] + cleaned[end:]
	}
}

const (
	slidingWindowSize    = 500
	slidingWindowOverlap = 100
)

var (
	patToolCallColon  = regexp.MustCompile(`Tool call:\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	patTypeToolUse    = regexp.MustCompile(`\{\s*"type"\s*:\s*"tool_use"`)
	patDirectCall     = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\(\{`)
	patFunctionCall   = regexp.MustCompile(`"function_call"\s*:\s*`)
	directCallExclude = map[string]bool{
		"console": true, "json": true, "object": true,
		"array": true, "string": true, "math": true, "date": true,
	}
)

type foundCall struct {
	start, end int
	call       ExtractedToolCall
}

// ExtractTextEmbeddedToolCalls implements spec.md §4.4.2's text-embedded
// tool-call extraction: a sliding window (500 code units, 100 overlap)
// scanned left to right for four patterns, with overlapping captures
// deduplicated by start offset.
func ExtractTextEmbeddedToolCalls(text string) (cleaned string, calls []ExtractedToolCall) {
	seen := map[int]bool{}
	var found []foundCall

	for start := 0; start < len(text); start += slidingWindowSize - slidingWindowOverlap {
		end := start + slidingWindowSize
		if end > len(text) {
			end = len(text)
		}
		window := text[start:end]

		for _, loc := range patToolCallColon.FindAllStringSubmatchIndex(window, -1) {
			abs := start + loc[0]
			if seen[abs] {
				continue
			}
			name := window[loc[2]:loc[3]]
			braceStart := start + loc[1] // position right after "("
			braceStart = findFirstBrace(text, braceStart)
			if braceStart < 0 {
				continue
			}
			args, argEnd, ok := findBalancedJSON(text, braceStart)
			if !ok {
				continue
			}
			callEnd := argEnd
			if callEnd < len(text) && text[callEnd] == ')' {
				callEnd++
			}
			seen[abs] = true
			found = append(found, foundCall{start: abs, end: callEnd, call: ExtractedToolCall{Name: name, Args: json.RawMessage(args)}})
		}

		for _, loc := range patTypeToolUse.FindAllStringIndex(window, -1) {
			abs := start + loc[0]
			if seen[abs] {
				continue
			}
			args, argEnd, ok := findBalancedJSON(text, abs)
			if !ok {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(args), &obj); err != nil {
				continue
			}
			name, _ := obj["name"].(string)
			inputJSON := "{}"
			if input, ok := obj["input"]; ok {
				if b, err := json.Marshal(input); err == nil {
					inputJSON = string(b)
				}
			}
			seen[abs] = true
			found = append(found, foundCall{start: abs, end: argEnd, call: ExtractedToolCall{Name: name, Args: json.RawMessage(inputJSON)}})
		}

		for _, loc := range patDirectCall.FindAllStringSubmatchIndex(window, -1) {
			abs := start + loc[0]
			if seen[abs] {
				continue
			}
			name := window[loc[2]:loc[3]]
			if directCallExclude[strings.ToLower(name)] {
				continue
			}
			braceStart := start + loc[1] - 1 // loc[1] is just past "{"; back up to include it
			args, argEnd, ok := findBalancedJSON(text, braceStart)
			if !ok {
				continue
			}
			callEnd := argEnd
			if callEnd < len(text) && text[callEnd] == ')' {
				callEnd++
			}
			seen[abs] = true
			found = append(found, foundCall{start: abs, end: callEnd, call: ExtractedToolCall{Name: name, Args: json.RawMessage(args)}})
		}

		for _, loc := range patFunctionCall.FindAllStringIndex(window, -1) {
			abs := start + loc[0]
			if seen[abs] {
				continue
			}
			braceStart := findFirstBrace(text, start+loc[1])
			if braceStart < 0 {
				continue
			}
			args, argEnd, ok := findBalancedJSON(text, braceStart)
			if !ok {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(args), &obj); err != nil {
				continue
			}
			name, _ := obj["name"].(string)
			seen[abs] = true
			found = append(found, foundCall{start: abs, end: argEnd, call: ExtractedToolCall{Name: name, Args: json.RawMessage(args)}})
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })

	var b strings.Builder
	prev := 0
	for _, f := range found {
		if f.start < prev {
			continue // overlapped with a previously emitted span
		}
		b.WriteString(text[prev:f.start])
		prev = f.end
		calls = append(calls, f.call)
	}
	b.WriteString(text[prev:])
	return b.String(), calls
}

func findFirstBrace(s string, from int) int {
	idx := strings.IndexByte(s[from:], '{')
	if idx < 0 {
		return -1
	}
	return from + idx
}

// findBalancedJSON scans a brace-balanced, string-aware JSON object
// starting at s[start] (which must be '{'), returning the substring and
// the index just past its closing brace.
func findBalancedJSON(s string, start int) (string, int, bool) {
	if start < 0 || start >= len(s) || s[start] != '{' {
		return "", 0, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], i + 1, true
			}
		}
	}
	return "", 0, false
}

package transform

import (
	"encoding/json"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"github.com/anyllm/broker/internal/core"
)

// GeminiContent is one entry of a generateContent "contents" array.
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is a single content part: exactly one field is populated.
type GeminiPart struct {
	Text             string                `json:"text,omitempty"`
	FunctionCall     *GeminiFunctionCall   `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionReply  `json:"functionResponse,omitempty"`
}

// GeminiFunctionCall mirrors a model-issued function call part.
type GeminiFunctionCall struct {
	Name string `json:"name"`
	Args any    `json:"args,omitempty"`
}

// GeminiFunctionReply mirrors a tool-result function response part.
type GeminiFunctionReply struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

// GeminiTool wraps a set of function declarations.
type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDecl `json:"functionDeclarations"`
}

// GeminiFunctionDecl is the {name, description, parameters} tool schema.
// Parameters is a *genai.Schema rather than a bare map: the genai SDK's
// Schema struct is the target shape Gemini's function-calling dialect
// actually accepts (Type/Properties/Items/Required, no arbitrary
// JSON-Schema keywords), so building one directly rules out re-emitting a
// keyword SanitizeGeminiSchema missed.
type GeminiFunctionDecl struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Parameters  *genai.Schema `json:"parameters,omitempty"`
}

// BuildGeminiContents implements spec.md §4.3's Anthropic→Gemini message
// rules: user→user, assistant→model, and the system prompt collapses into
// a leading user turn prefixed with "[System Instructions]".
func BuildGeminiContents(system string, msgs []core.Message) []GeminiContent {
	out := make([]GeminiContent, 0, len(msgs)+1)
	if system != "" {
		out = append(out, GeminiContent{
			Role:  "user",
			Parts: []GeminiPart{{Text: "[System Instructions]\n" + system}},
		})
	}
	for _, m := range msgs {
		role := "user"
		if m.Role == core.RoleAssistant {
			role = "model"
		}

		if !m.HasBlocks() {
			if m.Text == "" {
				continue
			}
			out = append(out, GeminiContent{Role: role, Parts: []GeminiPart{{Text: m.Text}}})
			continue
		}

		var parts []GeminiPart
		toolResponse := false
		for _, b := range m.Blocks {
			switch b.Kind {
			case core.BlockText:
				if b.Text != "" {
					parts = append(parts, GeminiPart{Text: b.Text})
				}
			case core.BlockToolUse:
				var args any
				if len(b.ToolInput) > 0 {
					_ = json.Unmarshal(b.ToolInput, &args)
				}
				parts = append(parts, GeminiPart{FunctionCall: &GeminiFunctionCall{Name: b.ToolName, Args: args}})
			case core.BlockToolResult:
				toolResponse = true
				parts = append(parts, GeminiPart{FunctionResponse: &GeminiFunctionReply{
					Name:     b.ToolResultID,
					Response: map[string]any{"result": b.ToolResultContent},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		if toolResponse {
			role = "function"
		}
		out = append(out, GeminiContent{Role: role, Parts: parts})
	}
	return out
}

// BuildGeminiTools implements spec.md §4.3's tool-definition mapping,
// sanitizing names and stripping unsupported JSON-Schema keywords.
func BuildGeminiTools(defs []core.ToolDefinition) []GeminiTool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]GeminiFunctionDecl, 0, len(defs))
	for _, d := range defs {
		name, ok := SanitizeGeminiToolName(d.Name)
		if !ok {
			continue
		}
		decls = append(decls, GeminiFunctionDecl{
			Name:        name,
			Description: d.Description,
			Parameters:  toGenaiSchema(SanitizeGeminiSchema(d.InputSchema)),
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []GeminiTool{{FunctionDeclarations: decls}}
}

var geminiNameRe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SanitizeGeminiToolName implements spec.md §4.3's tool-name sanitization:
// non-matching characters become "_", runs collapse, and a name whose first
// character isn't a letter gets a "tool_" prefix. If the name is still
// invalid after that (e.g. empty), ok is false and the caller must drop the
// tool.
func SanitizeGeminiToolName(name string) (string, bool) {
	valid := regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)
	if valid.MatchString(name) {
		return name, true
	}
	cleaned := geminiNameRe.ReplaceAllString(name, "_")
	if cleaned == "" || strings.Trim(cleaned, "_") == "" {
		return "", false
	}
	if !('A' <= cleaned[0] && cleaned[0] <= 'Z' || 'a' <= cleaned[0] && cleaned[0] <= 'z') {
		cleaned = "tool_" + cleaned
	}
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	if valid.MatchString(cleaned) {
		return cleaned, true
	}
	return "", false
}

var geminiUnsupportedSchemaKeys = []string{
	"additionalProperties", "pattern", "minLength", "maxLength", "format",
	"const", "enum", "anyOf", "oneOf", "allOf", "not",
}

// SanitizeGeminiSchema recursively strips JSON-Schema keywords Gemini's
// function-calling dialect doesn't support (spec.md §4.3).
func SanitizeGeminiSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		skip := false
		for _, bad := range geminiUnsupportedSchemaKeys {
			if k == bad {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		switch vv := v.(type) {
		case map[string]any:
			out[k] = SanitizeGeminiSchema(vv)
		case []any:
			out[k] = sanitizeGeminiSchemaList(vv)
		default:
			out[k] = v
		}
	}
	return out
}

// toGenaiSchema converts an already-sanitized JSON-Schema map into the
// genai SDK's Schema type. schema is expected to have already passed
// through SanitizeGeminiSchema, so only the keywords Gemini's dialect
// understands remain.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		out.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				out.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = toGenaiSchema(items)
	}
	return out
}

func sanitizeGeminiSchemaList(list []any) []any {
	out := make([]any, len(list))
	for i, item := range list {
		if m, ok := item.(map[string]any); ok {
			out[i] = SanitizeGeminiSchema(m)
		} else {
			out[i] = item
		}
	}
	return out
}

// ClampGeminiGenerationParams implements spec.md §4.3's generation-config
// clamping: max_tokens ≤ 8192, temperature in [0, 2].
func ClampGeminiGenerationParams(maxTokens int, temperature float32) (int, float32) {
	if maxTokens > 8192 {
		maxTokens = 8192
	}
	if temperature < 0 {
		temperature = 0
	}
	if temperature > 2 {
		temperature = 2
	}
	return maxTokens, temperature
}

// MapGeminiFinishReason implements spec.md §4.3's Gemini→Anthropic
// finish-reason mapping.
func MapGeminiFinishReason(reason string) core.StopReason {
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS":
		return core.StopMaxTokens
	case "SAFETY", "RECITATION":
		return core.StopSequence
	case "STOP", "OTHER", "":
		return core.StopEndTurn
	default:
		return core.StopEndTurn
	}
}

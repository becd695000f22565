// Package compat implements the Compatibility Stage (spec.md §4.4): one
// profile per (provider, model) class, adapting requests before they reach
// an OpenAI-compatible upstream and repairing responses that arrive in a
// form looser than the OpenAI wire spec promises.
package compat

// Profile names the per-(provider,model) adaptation rules applied on the
// request path (spec.md §4.4.1).
type Profile struct {
	Name string

	DefaultTemperature float32
	DefaultMaxTokens   int
	DefaultStream      bool

	// ForceSystemName gives system messages an explicit name:"system" field
	// (Qwen3-Coder requires this).
	ForceSystemName bool

	// SynthesizePrompt additionally builds a flattened "prompt" field for
	// endpoints that ignore "messages" (ModelScope and other loosely
	// OpenAI-compatible backends).
	SynthesizePrompt bool

	// GeminiBackend marks an OpenAI-protocol provider id that is secretly
	// backed by a Gemini model, so tool names need §4.3's sanitization even
	// though the wire protocol is OpenAI's.
	GeminiBackend bool
}

// ProfileFor resolves a compatibility-profile id (core.RoutingDecision's
// CompatibilityProfile field) to its adaptation rules. Unknown ids fall
// back to the universal profile — no profile-specific defaults, no prompt
// synthesis.
func ProfileFor(id string) Profile {
	switch id {
	case "glm":
		return Profile{Name: "glm", DefaultTemperature: 0.8}
	case "qwen3-coder":
		return Profile{Name: "qwen3-coder", DefaultTemperature: 0.7, ForceSystemName: true}
	case "modelscope":
		return Profile{
			Name:               "modelscope",
			DefaultTemperature: 0.7,
			DefaultMaxTokens:   4096,
			DefaultStream:      true,
			SynthesizePrompt:   true,
		}
	case "gemini-openai", "aistudio-openai":
		// Gemini served through an OpenAI-compatible facade (spec.md §6).
		return Profile{Name: id, GeminiBackend: true}
	default:
		return Profile{Name: "generic"}
	}
}

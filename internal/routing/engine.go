// Package routing implements the Routing Engine (spec.md §4.1): it
// classifies an inbound Request into one of four categories and resolves
// that category to a (provider, model) pair via the configured mapping.
// The decision is produced once per request and never mutated afterwards.
package routing

import (
	"sync"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/rcerrors"
)

// Engine is the Routing Engine. It owns the runtime disabled-provider set
// (spec.md §7's temporarilyDisableProvider) and per-category/per-provider
// counters (spec.md §4.1). Safe for concurrent use.
type Engine struct {
	models          map[string]config.ModelConfig
	byProviderModel map[string]config.ModelConfig
	router          config.RouterConfig

	mu             sync.Mutex
	disabled       map[string]bool
	categoryCounts map[core.Category]int
	providerCounts map[string]int
}

// New builds an Engine from a loaded config snapshot.
func New(cfg *config.LLMConfig) *Engine {
	byProviderModel := make(map[string]config.ModelConfig, len(cfg.Models))
	for _, mc := range cfg.Models {
		byProviderModel[providerModelKey(mc.Provider, mc.Model)] = mc
	}
	return &Engine{
		models:          cfg.Models,
		byProviderModel: byProviderModel,
		router:          cfg.Router,
		disabled:        make(map[string]bool),
		categoryCounts:  make(map[core.Category]int),
		providerCounts:  make(map[string]int),
	}
}

func providerModelKey(provider, model string) string { return provider + "\x00" + model }

// Route classifies req and resolves it to a RoutingDecision. It is a pure
// function of (req, the engine's immutable config snapshot, and the current
// disabled-provider set) — see invariant 6 in spec.md §8.
func (e *Engine) Route(req core.Request) (core.RoutingDecision, error) {
	category, err := classify(req, e.router)
	if err != nil {
		return core.RoutingDecision{}, err
	}
	return e.ResolveCategory(category)
}

// ResolveCategory resolves an already-classified category to a
// RoutingDecision, the way Route does after classify runs. The token
// preprocessor's reroute strategy (spec.md §4.2) calls this directly with
// RoutingDecision.EffectiveCategory() once it decides a request no longer
// fits its originally-classified category, so the coordinator can re-derive
// the provider/model/client the rerouted category actually points at.
func (e *Engine) ResolveCategory(category core.Category) (core.RoutingDecision, error) {
	modelKey, ok := e.router.Categories[string(category)]
	if !ok || modelKey == "" {
		return core.RoutingDecision{}, rcerrors.New(rcerrors.CodeNoRoutingConfig, rcerrors.ErrNoRoutingConfig, "", "", "", "routing", "no routing config for category "+string(category))
	}
	mc, ok := e.models[modelKey]
	if !ok {
		return core.RoutingDecision{}, rcerrors.New(rcerrors.CodeNoRoutingConfig, rcerrors.ErrNoRoutingConfig, "", "", "", "routing", "no model config for key "+modelKey)
	}

	e.mu.Lock()
	disabled := e.disabled[mc.Provider] || mc.Disabled
	if !disabled {
		e.categoryCounts[category]++
		e.providerCounts[mc.Provider]++
	}
	e.mu.Unlock()

	if disabled {
		return core.RoutingDecision{}, rcerrors.New(rcerrors.CodeNoProviderAvailable, rcerrors.ErrNoProviderAvailable, mc.Provider, mc.Model, "", "routing", "provider temporarily disabled: "+mc.Provider)
	}

	decision := core.RoutingDecision{
		Category:             category,
		Provider:             mc.Provider,
		UpstreamModel:        mc.Model,
		UpstreamEndpoint:     mc.Endpoint,
		AuthReference:        authReference(mc),
		Protocol:             protocolFor(mc.Provider),
		CompatibilityProfile: compatibilityProfileFor(mc),
	}
	return decision, nil
}

// ResolveExplicit resolves a caller-named (provider, model) pair directly,
// bypassing category classification entirely. internal/httpfront's
// pass-through proxy route (/v1/proxy/:provider/:model) names the upstream
// explicitly in the URL, so there is no request content to classify.
func (e *Engine) ResolveExplicit(provider, model string) (core.RoutingDecision, error) {
	mc, ok := e.byProviderModel[providerModelKey(provider, model)]
	if !ok {
		return core.RoutingDecision{}, rcerrors.New(rcerrors.CodeNoRoutingConfig, rcerrors.ErrNoRoutingConfig, provider, model, "", "routing", "no model config for "+provider+"/"+model)
	}

	e.mu.Lock()
	disabled := e.disabled[mc.Provider] || mc.Disabled
	if !disabled {
		e.providerCounts[mc.Provider]++
	}
	e.mu.Unlock()

	if disabled {
		return core.RoutingDecision{}, rcerrors.New(rcerrors.CodeNoProviderAvailable, rcerrors.ErrNoProviderAvailable, mc.Provider, mc.Model, "", "routing", "provider temporarily disabled: "+mc.Provider)
	}

	return core.RoutingDecision{
		Category:             core.CategoryDefault,
		Provider:             mc.Provider,
		UpstreamModel:        mc.Model,
		UpstreamEndpoint:     mc.Endpoint,
		AuthReference:        authReference(mc),
		Protocol:             protocolFor(mc.Provider),
		CompatibilityProfile: compatibilityProfileFor(mc),
	}, nil
}

func authReference(mc config.ModelConfig) string {
	if mc.AuthFileName != "" {
		return mc.AuthFileName
	}
	return mc.Provider
}

func protocolFor(provider string) core.Protocol {
	switch provider {
	case "gemini":
		return core.ProtocolGemini
	default:
		// openai, qwen, lmstudio, modelscope, glm are all OpenAI-wire.
		return core.ProtocolOpenAI
	}
}

func compatibilityProfileFor(mc config.ModelConfig) string {
	if mc.CompatibilityProfile != "" {
		return mc.CompatibilityProfile
	}
	return mc.Provider
}

// classify implements the strict-order category signals of spec.md §4.1.
func classify(req core.Request, router config.RouterConfig) (core.Category, error) {
	if explicit, ok := req.Metadata["category"]; ok {
		s, _ := explicit.(string)
		switch core.Category(s) {
		case core.CategoryDefault, core.CategoryLongContext, core.CategoryBackground, core.CategoryThinking:
			return core.Category(s), nil
		default:
			return "", rcerrors.New(rcerrors.CodeUnknownCategory, rcerrors.ErrUnknownCategory, "", "", "", "routing", "unknown category: "+s)
		}
	}

	if thinking, ok := req.Metadata["thinking"]; ok {
		if b, _ := thinking.(bool); b {
			return core.CategoryThinking, nil
		}
	}

	threshold := router.LongContextCharThreshold
	if threshold <= 0 {
		threshold = 50000
	}
	if totalChars(req) >= threshold {
		return core.CategoryLongContext, nil
	}

	return core.CategoryDefault, nil
}

func totalChars(req core.Request) int {
	total := len(req.System)
	for _, m := range req.Messages {
		total += len(m.Text)
		for _, b := range m.Blocks {
			total += len(b.Text) + len(b.ToolResultContent) + len(b.ToolInput)
		}
	}
	return total
}

// TemporarilyDisableProvider removes provider from routing until a matching
// EnableProvider call. This is a runtime operation; the engine itself never
// calls it on individual upstream failures (spec.md §7).
func (e *Engine) TemporarilyDisableProvider(provider string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled[provider] = true
}

// EnableProvider re-admits a previously disabled provider.
func (e *Engine) EnableProvider(provider string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.disabled, provider)
}

// IsDisabled reports whether provider is currently excluded from routing.
func (e *Engine) IsDisabled(provider string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled[provider]
}

// Counts returns snapshots of the per-category and per-provider counters
// accumulated since the engine was created.
func (e *Engine) Counts() (category map[core.Category]int, provider map[string]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	category = make(map[core.Category]int, len(e.categoryCounts))
	for k, v := range e.categoryCounts {
		category[k] = v
	}
	provider = make(map[string]int, len(e.providerCounts))
	for k, v := range e.providerCounts {
		provider[k] = v
	}
	return category, provider
}

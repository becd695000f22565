package routing

import (
	"strings"
	"testing"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/rcerrors"
)

func testConfig() *config.LLMConfig {
	return &config.LLMConfig{
		Models: map[string]config.ModelConfig{
			"default-model": {Provider: "openai", Model: "gpt-4o"},
			"long-model":    {Provider: "shuaihong-openai", Model: "gemini-2-pro"},
			"bg-model":      {Provider: "openai", Model: "gpt-4o-mini"},
			"think-model":   {Provider: "gemini", Model: "gemini-2-flash-thinking"},
		},
		Router: config.RouterConfig{
			Categories: map[string]string{
				"default":     "default-model",
				"longcontext": "long-model",
				"background":  "bg-model",
				"thinking":    "think-model",
			},
			LongContextCharThreshold: 50000,
		},
	}
}

// S1 — Long-context reroute (spec.md §8).
func TestRoute_LongContextScenario(t *testing.T) {
	e := New(testConfig())
	req := core.Request{
		Messages: []core.Message{{Role: core.RoleUser, Text: strings.Repeat("x", 60000)}},
	}
	d, err := e.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Category != core.CategoryLongContext {
		t.Fatalf("category = %s, want longcontext", d.Category)
	}
	if d.Provider != "shuaihong-openai" || d.UpstreamModel != "gemini-2-pro" {
		t.Fatalf("got provider=%s model=%s", d.Provider, d.UpstreamModel)
	}
}

func TestRoute_DefaultOnEmptyMessages(t *testing.T) {
	e := New(testConfig())
	d, err := e.Route(core.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Category != core.CategoryDefault {
		t.Fatalf("category = %s, want default", d.Category)
	}
}

func TestRoute_ExplicitCategory(t *testing.T) {
	e := New(testConfig())
	req := core.Request{Metadata: map[string]any{"category": "thinking"}}
	d, err := e.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Category != core.CategoryThinking {
		t.Fatalf("category = %s, want thinking", d.Category)
	}
}

func TestRoute_UnknownExplicitCategory(t *testing.T) {
	e := New(testConfig())
	req := core.Request{Metadata: map[string]any{"category": "bogus"}}
	_, err := e.Route(req)
	if !isCode(err, rcerrors.CodeUnknownCategory) {
		t.Fatalf("expected unknown-category error, got %v", err)
	}
}

func TestRoute_ThinkingSignal(t *testing.T) {
	e := New(testConfig())
	req := core.Request{Metadata: map[string]any{"thinking": true}}
	d, err := e.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Category != core.CategoryThinking {
		t.Fatalf("category = %s, want thinking", d.Category)
	}
}

func TestRoute_NoRoutingConfigForCategory(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Router.Categories, "background")
	e := New(cfg)
	req := core.Request{Metadata: map[string]any{"category": "background"}}
	_, err := e.Route(req)
	if !isCode(err, rcerrors.CodeNoRoutingConfig) {
		t.Fatalf("expected no-routing-config error, got %v", err)
	}
}

func TestRoute_DisabledProviderFailsClosed(t *testing.T) {
	e := New(testConfig())
	e.TemporarilyDisableProvider("openai")
	_, err := e.Route(core.Request{})
	if !isCode(err, rcerrors.CodeNoProviderAvailable) {
		t.Fatalf("expected no-provider-available error, got %v", err)
	}
	e.EnableProvider("openai")
	if _, err := e.Route(core.Request{}); err != nil {
		t.Fatalf("expected success after re-enable, got %v", err)
	}
}

// Invariant 6: routing determinism.
func TestRoute_Deterministic(t *testing.T) {
	e := New(testConfig())
	req := core.Request{Messages: []core.Message{{Role: core.RoleUser, Text: "hi"}}}
	d1, err1 := e.Route(req)
	d2, err2 := e.Route(req)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	if d1 != d2 {
		t.Fatalf("routing decisions differ: %+v vs %+v", d1, d2)
	}
}

func TestCounts(t *testing.T) {
	e := New(testConfig())
	e.Route(core.Request{})
	e.Route(core.Request{})
	cats, provs := e.Counts()
	if cats[core.CategoryDefault] != 2 {
		t.Fatalf("category count = %d, want 2", cats[core.CategoryDefault])
	}
	if provs["openai"] != 2 {
		t.Fatalf("provider count = %d, want 2", provs["openai"])
	}
}

func isCode(err error, code rcerrors.Code) bool {
	re, ok := err.(*rcerrors.RouterError)
	return ok && re.Code == code
}

package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/respipe"
	"github.com/anyllm/broker/internal/routing"
	"github.com/anyllm/broker/internal/tokenbudget"
)

func testLLMConfig(endpoint string) *config.LLMConfig {
	return &config.LLMConfig{
		Models: map[string]config.ModelConfig{
			"default-model": {Provider: "openai", Model: "gpt-4o", APIKey: "k", Endpoint: endpoint, MaxOutputTokens: 4096},
		},
		Router: config.RouterConfig{
			Categories: map[string]string{"default": "default-model"},
		},
	}
}

func newTestCoordinator(t *testing.T, endpoint string) *Coordinator {
	t.Helper()
	cfg := testLLMConfig(endpoint)
	pipeline, err := respipe.New(config.CacheConfig{}, nil)
	if err != nil {
		t.Fatalf("respipe.New: %v", err)
	}
	return New(cfg, routing.New(cfg), tokenbudget.New(cfg.Router), pipeline, nil, nil, nil)
}

func TestExecute_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{
					"message":       map[string]any{"content": "hello there"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	defer srv.Close()

	co := newTestCoordinator(t, srv.URL)
	res, err := co.Execute(context.Background(), core.Request{
		Messages: []core.Message{{Role: core.RoleUser, Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Envelope.Blocks) != 1 || res.Envelope.Blocks[0].Text != "hello there" {
		t.Fatalf("unexpected blocks: %+v", res.Envelope.Blocks)
	}
	if res.Envelope.Usage.TotalTokens != 5 {
		t.Fatalf("expected usage total 5, got %d", res.Envelope.Usage.TotalTokens)
	}
	if res.Envelope.Model != "gpt-4o" {
		t.Fatalf("expected model gpt-4o, got %s", res.Envelope.Model)
	}
	if res.RequestID == "" {
		t.Fatal("expected a request id")
	}
}

func TestExecute_EmptyMessages_ReturnsValidationError(t *testing.T) {
	co := newTestCoordinator(t, "http://unused.invalid")
	_, err := co.Execute(context.Background(), core.Request{})
	if err == nil {
		t.Fatal("expected validation error for empty messages")
	}
}

func TestExecute_NoRoutingConfig_ReturnsError(t *testing.T) {
	cfg := testLLMConfig("http://unused.invalid")
	cfg.Router.Categories = map[string]string{}
	pipeline, _ := respipe.New(config.CacheConfig{}, nil)
	co := New(cfg, routing.New(cfg), tokenbudget.New(cfg.Router), pipeline, nil, nil, nil)

	_, err := co.Execute(context.Background(), core.Request{Messages: []core.Message{{Role: core.RoleUser, Text: "hi"}}})
	if err == nil {
		t.Fatal("expected routing error when no category mapping exists")
	}
}

func TestExecute_UpstreamHTTPError_Propagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	co := newTestCoordinator(t, srv.URL)
	_, err := co.Execute(context.Background(), core.Request{
		Messages: []core.Message{{Role: core.RoleUser, Text: "hi"}},
	})
	if err == nil {
		t.Fatal("expected upstream error to propagate")
	}
}

// TestExecute_Reroute_DispatchesToLongContextProvider guards against the
// reroute strategy stamping RoutingDecision.RedirectedCategory but the
// coordinator still dispatching to the pre-reroute provider: the default
// server below would 500 on any request, so a passing Execute call here
// only happens if the longcontext server actually received it.
func TestExecute_Reroute_DispatchesToLongContextProvider(t *testing.T) {
	defaultSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer defaultSrv.Close()

	longCtxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": "from longcontext"}, "finish_reason": "stop"},
			},
		})
	}))
	defer longCtxSrv.Close()

	cfg := &config.LLMConfig{
		Models: map[string]config.ModelConfig{
			"default-model":     {Provider: "openai", Model: "gpt-4o", APIKey: "k", Endpoint: defaultSrv.URL, MaxOutputTokens: 4096},
			"longcontext-model": {Provider: "openai", Model: "gpt-4o-longcontext", APIKey: "k", Endpoint: longCtxSrv.URL, MaxOutputTokens: 4096},
		},
		Router: config.RouterConfig{
			Categories:            map[string]string{"default": "default-model", "longcontext": "longcontext-model"},
			TokenBudgetRatio:      0.95,
			RerouteTokenThreshold: 1,
		},
	}
	pipeline, err := respipe.New(config.CacheConfig{}, nil)
	if err != nil {
		t.Fatalf("respipe.New: %v", err)
	}
	co := New(cfg, routing.New(cfg), tokenbudget.New(cfg.Router), pipeline, nil, nil, nil)

	res, err := co.Execute(context.Background(), core.Request{
		Messages: []core.Message{{Role: core.RoleUser, Text: "this request estimates well over the reroute threshold of one token"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Provider != "openai" || res.Decision.UpstreamModel != "gpt-4o-longcontext" {
		t.Fatalf("expected dispatch to rerouted longcontext model, got provider=%s model=%s", res.Decision.Provider, res.Decision.UpstreamModel)
	}
	if len(res.Envelope.Blocks) != 1 || res.Envelope.Blocks[0].Text != "from longcontext" {
		t.Fatalf("expected response body from the longcontext server, got %+v", res.Envelope.Blocks)
	}
}

func TestExecute_ToolCallResponse_ForcesToolUseStopReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"tool_calls": []any{
							map[string]any{
								"id":       "call_1",
								"type":     "function",
								"function": map[string]any{"name": "get_weather", "arguments": `{"city":"Boston"}`},
							},
						},
					},
					"finish_reason": "tool_calls",
				},
			},
		})
	}))
	defer srv.Close()

	co := newTestCoordinator(t, srv.URL)
	res, err := co.Execute(context.Background(), core.Request{
		Messages: []core.Message{{Role: core.RoleUser, Text: "weather?"}},
		Tools:    []core.ToolDefinition{{Name: "get_weather", InputSchema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Envelope.StopReason != core.StopToolUse {
		t.Fatalf("expected tool_use stop reason, got %s", res.Envelope.StopReason)
	}
}

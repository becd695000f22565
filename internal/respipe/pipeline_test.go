package respipe

import (
	"context"
	"log/slog"
	"testing"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
)

func rawChoice(content, finishReason string) map[string]any {
	return map[string]any{
		"choices": []any{
			map[string]any{
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": finishReason,
			},
		},
	}
}

func TestRun_HappyPath_PlainText(t *testing.T) {
	p, err := New(config.CacheConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	item := &WorkItem{
		Raw:      rawChoice("hello there", "stop"),
		Protocol: core.ProtocolOpenAI,
	}
	samples := p.Run(context.Background(), item)
	if len(samples) != 4 {
		t.Fatalf("expected 4 stage samples, got %d", len(samples))
	}
	if len(item.Envelope.Blocks) != 1 || item.Envelope.Blocks[0].Kind != core.BlockText {
		t.Fatalf("expected one text block, got %+v", item.Envelope.Blocks)
	}
	if item.Envelope.StopReason != core.StopEndTurn {
		t.Fatalf("expected end_turn, got %s", item.Envelope.StopReason)
	}
}

func TestRun_TextEmbeddedToolCall_ForcesToolUseStopReason(t *testing.T) {
	p, err := New(config.CacheConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	content := `Sure, let me help.
<|tool_call|>
{"name": "get_weather", "arguments": {"city": "Boston"}}
`
	item := &WorkItem{
		Raw:      rawChoice(content, "stop"),
		Protocol: core.ProtocolOpenAI,
	}
	p.Run(context.Background(), item)

	var sawToolUse bool
	for _, b := range item.Envelope.Blocks {
		if b.Kind == core.BlockToolUse {
			sawToolUse = true
		}
	}
	if !sawToolUse {
		t.Fatalf("expected a tool_use block to be recovered, got %+v", item.Envelope.Blocks)
	}
	if item.Envelope.StopReason != core.StopToolUse {
		t.Fatalf("expected stop_reason forced to tool_use, got %s", item.Envelope.StopReason)
	}
}

func TestRun_StageFailure_PassesThroughUnchanged(t *testing.T) {
	p, err := New(config.CacheConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// An empty "choices" array: FixMissingChoices leaves a present key
	// alone, so transformationStage has nothing to build an envelope from
	// and returns an error; Run must log it and leave item.Envelope
	// zero-valued rather than panicking or aborting the remaining stages.
	item := &WorkItem{
		Raw:      map[string]any{"choices": []any{}},
		Protocol: core.ProtocolOpenAI,
	}
	samples := p.Run(context.Background(), item)
	if len(samples) != 4 {
		t.Fatalf("expected all 4 stages to run even after a failure, got %d", len(samples))
	}
	if len(item.Envelope.Blocks) != 0 {
		t.Fatalf("expected untouched zero-value envelope, got %+v", item.Envelope)
	}
}

func TestRun_NilRaw_DoesNotPanic(t *testing.T) {
	p, err := New(config.CacheConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	item := &WorkItem{Protocol: core.ProtocolOpenAI}
	p.Run(context.Background(), item)
}

func TestCache_DisabledByDefault(t *testing.T) {
	p, err := New(config.CacheConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.CachePut("req-1", core.ResponseEnvelope{Model: "m"})
	if _, ok := p.CacheGet("req-1"); ok {
		t.Fatalf("expected cache to stay disabled when cfg.Enabled is false")
	}
}

func TestCache_StoresAndRetrieves(t *testing.T) {
	p, err := New(config.CacheConfig{Enabled: true, Capacity: 10}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env := core.ResponseEnvelope{Model: "m", StopReason: core.StopEndTurn}
	p.CachePut("req-1", env)
	got, ok := p.CacheGet("req-1")
	if !ok || got.Model != "m" {
		t.Fatalf("expected cached envelope to round-trip, got %+v ok=%v", got, ok)
	}
}

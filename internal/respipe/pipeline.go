// Package respipe implements the Response Pipeline (spec.md §4.6): four
// ordered stages, each pure on its input, assembling a raw upstream
// response into the Anthropic-shaped core.ResponseEnvelope. A stage that
// fails never aborts the pipeline — it logs and the prior state passes
// through to the next stage unchanged.
package respipe

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/anyllm/broker/internal/compat"
	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/transform"
)

// WorkItem threads response state through the four stages: it starts as a
// decoded-but-unrepaired upstream body and ends with Envelope populated.
type WorkItem struct {
	Raw      map[string]any
	Protocol core.Protocol
	Stream   bool

	rawResp       core.RawResponse
	extracted     []compat.ExtractedToolCall
	hadToolCalls  bool
	Envelope      core.ResponseEnvelope
	Warnings      []transform.Warning
}

// Stage is one pipeline step. It mutates item in place; an error leaves
// the pipeline's prior snapshot untouched for the next stage.
type Stage func(ctx context.Context, item *WorkItem) error

// StageSample records one stage's elapsed time (spec.md §4.6).
type StageSample struct {
	Name    string
	Elapsed time.Duration
}

// Pipeline runs the four Response Pipeline stages in order.
type Pipeline struct {
	logger *slog.Logger
	cache  *lru.Cache[string, core.ResponseEnvelope]
	stages []namedStage
}

type namedStage struct {
	name string
	fn   Stage
}

// New builds a Pipeline with the standard stage order: preprocessing,
// streaming (conditional), transformation, postprocessing. cfg toggles and
// sizes the optional bounded response cache (spec.md §5).
func New(cfg config.CacheConfig, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{logger: logger}
	p.stages = []namedStage{
		{"preprocessing", preprocessingStage},
		{"streaming", streamingStage},
		{"transformation", transformationStage},
		{"postprocessing", postprocessingStage},
	}
	if cfg.Enabled {
		capacity := cfg.Capacity
		if capacity <= 0 {
			capacity = 1000
		}
		cache, err := lru.New[string, core.ResponseEnvelope](capacity)
		if err != nil {
			return nil, err
		}
		p.cache = cache
	}
	return p, nil
}

// Run executes all four stages against item and returns per-stage timing
// samples. Stage errors are logged, never returned — the pipeline always
// produces a best-effort envelope.
func (p *Pipeline) Run(ctx context.Context, item *WorkItem) []StageSample {
	samples := make([]StageSample, 0, len(p.stages))
	for _, s := range p.stages {
		start := time.Now()
		if err := s.fn(ctx, item); err != nil && p.logger != nil {
			p.logger.Warn("response pipeline stage failed; passing input through unchanged",
				slog.String("stage", s.name), slog.Any("error", err))
		}
		samples = append(samples, StageSample{Name: s.name, Elapsed: time.Since(start)})
	}
	return samples
}

// CacheGet returns a previously cached envelope for requestID, if caching
// is enabled and populated. A lookup does not refresh the entry, so at
// capacity entries are evicted in the order they were added.
func (p *Pipeline) CacheGet(requestID string) (core.ResponseEnvelope, bool) {
	if p.cache == nil {
		return core.ResponseEnvelope{}, false
	}
	return p.cache.Peek(requestID)
}

// CachePut stores env under requestID when caching is enabled.
func (p *Pipeline) CachePut(requestID string, env core.ResponseEnvelope) {
	if p.cache == nil {
		return
	}
	p.cache.Add(requestID, env)
}

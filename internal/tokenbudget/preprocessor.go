// Package tokenbudget implements the Token Preprocessor (spec.md §4.2): it
// estimates the request size, and — only when the estimate exceeds the
// model's budget — applies reroute, truncate, and (as an out-of-scope
// shell) compress strategies in ascending priority order until the estimate
// fits, or until strategies are exhausted.
package tokenbudget

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/pkoukk/tiktoken-go"
)

var (
	tikOnce sync.Once
	tikEnc  *tiktoken.Tiktoken
)

// tikEncoding lazily loads the cl100k_base encoding once per process. A
// load failure (e.g. no network access to fetch the BPE ranks file, or an
// air-gapped deployment) leaves tikEnc nil and every estimate falls back to
// the spec's cheap len/4 heuristic, keeping invariant 4 true either way.
func tikEncoding() *tiktoken.Tiktoken {
	tikOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tikEnc = enc
		}
	})
	return tikEnc
}

func estimateString(s string) int {
	if s == "" {
		return 0
	}
	if enc := tikEncoding(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

// EstimateTokens sums the estimate across every message content plus the
// serialized tool definitions (spec.md §4.2).
func EstimateTokens(req core.Request) int {
	total := estimateString(req.System)
	for _, m := range req.Messages {
		total += estimateString(m.Text)
		for _, b := range m.Blocks {
			total += estimateString(b.Text)
			total += estimateString(b.ToolResultContent)
			total += estimateString(string(b.ToolInput))
		}
	}
	for _, t := range req.Tools {
		if b, err := json.Marshal(t); err == nil {
			total += estimateString(string(b))
		}
	}
	return total
}

// Preprocessor applies the strategy ladder described in spec.md §4.2.
type Preprocessor struct {
	cfg config.RouterConfig
}

// New builds a Preprocessor from the router config section.
func New(cfg config.RouterConfig) *Preprocessor {
	return &Preprocessor{cfg: cfg}
}

// Apply rewrites req (and, for the reroute strategy, decision) until the
// estimate fits within maxTokens*ratio, or strategies are exhausted. It is
// idempotent: a request already under budget is returned unchanged with no
// applied strategies.
func (p *Preprocessor) Apply(req core.Request, decision core.RoutingDecision, maxTokens int) (core.Request, core.RoutingDecision, []core.AppliedStrategy) {
	applied := make([]core.AppliedStrategy, 0)
	if maxTokens <= 0 {
		return req, decision, applied
	}

	ratio := p.cfg.TokenBudgetRatio
	if ratio <= 0 {
		ratio = 0.95
	}
	budget := float64(maxTokens) * ratio

	usage := EstimateTokens(req)
	if float64(usage) <= budget {
		return req, decision, applied
	}

	// 1. reroute
	if p.cfg.RerouteTokenThreshold > 0 && usage >= p.cfg.RerouteTokenThreshold {
		decision.RedirectedCategory = core.CategoryLongContext
		applied = append(applied, core.AppliedStrategy{
			Name:   "reroute",
			Detail: fmt.Sprintf("estimate=%d threshold=%d", usage, p.cfg.RerouteTokenThreshold),
		})
		return req, decision, applied
	}

	// 2. truncate
	keepLastN := p.cfg.TruncateKeepLastN
	if keepLastN <= 0 {
		keepLastN = 2
	}
	truncated, didTruncate := truncateMessages(req, keepLastN)
	if didTruncate {
		applied = append(applied, core.AppliedStrategy{
			Name:   "truncate",
			Detail: fmt.Sprintf("kept system + last %d messages", keepLastN),
		})
	}
	usage = EstimateTokens(truncated)
	if float64(usage) <= budget {
		return truncated, decision, applied
	}

	// Still over budget: stub tool definitions as a second truncate pass.
	if len(truncated.Tools) > 0 {
		truncated.Tools = stubTools(truncated.Tools)
		applied = append(applied, core.AppliedStrategy{
			Name:   "truncate",
			Detail: "replaced tool definitions with clipped stubs",
		})
		usage = EstimateTokens(truncated)
		if float64(usage) <= budget {
			return truncated, decision, applied
		}
	}

	// 3. compress: out-of-scope shell. A real deployment wires an external
	// compressor here; this implementation only records that the strategy
	// ladder was exhausted without one.
	applied = append(applied, core.AppliedStrategy{
		Name:   "compress",
		Detail: "no external compressor configured; request left as last truncated",
	})
	return truncated, decision, applied
}

// truncateMessages preserves all system-role messages and the last keepN
// non-system messages, dropping older ones from the middle of the
// conversation.
func truncateMessages(req core.Request, keepN int) (core.Request, bool) {
	var sys, rest []core.Message
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem {
			sys = append(sys, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) <= keepN {
		return req, false
	}
	kept := rest[len(rest)-keepN:]
	out := req
	out.Messages = append(append([]core.Message{}, sys...), kept...)
	return out, true
}

// stubTools clips tool descriptions and reduces every parameter's schema to
// a plain string type, matching spec.md §4.2's "name + clipped description
// + parameters reduced to {string,string,…}".
func stubTools(tools []core.ToolDefinition) []core.ToolDefinition {
	out := make([]core.ToolDefinition, len(tools))
	for i, t := range tools {
		desc := t.Description
		if len(desc) > 80 {
			desc = desc[:80]
		}
		props := map[string]any{}
		if orig, ok := t.InputSchema["properties"].(map[string]any); ok {
			for name := range orig {
				props[name] = map[string]any{"type": "string"}
			}
		}
		out[i] = core.ToolDefinition{
			Name:        t.Name,
			Description: desc,
			InputSchema: map[string]any{"type": "object", "properties": props},
		}
	}
	return out
}

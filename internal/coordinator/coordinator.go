// Package coordinator implements the Pipeline Coordinator (spec.md §4.7):
// it owns request-context creation and wires the Routing Engine, Token
// Preprocessor, Compatibility Stage, Upstream Client, and Response
// Pipeline into one per-request flow, non-streaming and streaming alike.
package coordinator

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anyllm/broker/internal/compat"
	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/creds"
	"github.com/anyllm/broker/internal/providers"
	"github.com/anyllm/broker/internal/rcerrors"
	"github.com/anyllm/broker/internal/respipe"
	"github.com/anyllm/broker/internal/routing"
	"github.com/anyllm/broker/internal/tokenbudget"
)

// Result is the outcome of one Execute call: the normalized envelope plus
// the observability trail spec.md §5 asks for (applied token-budget
// strategies, per-stage response-pipeline timings).
type Result struct {
	RequestID string
	Decision  core.RoutingDecision
	Envelope  core.ResponseEnvelope
	Applied   []core.AppliedStrategy
	Samples   []respipe.StageSample
	Warnings  []string
}

// Coordinator is safe for concurrent use; it caches one provider client per
// (provider, model) pair the way the teacher's router cached one per
// provider (internal/providers/factory.go's NewProviderClient is not cheap
// to call per-request — it builds an http.Client-bound adapter).
type Coordinator struct {
	router     *routing.Engine
	prep       *tokenbudget.Preprocessor
	pipeline   *respipe.Pipeline
	credStore  *creds.Store
	httpClient *http.Client
	logger     *slog.Logger

	modelsByKey map[string]config.ModelConfig

	mu      sync.Mutex
	clients map[string]core.RawClient
}

// New builds a Coordinator. credStore may be nil when no model configured
// routes to the qwen provider.
func New(cfg *config.LLMConfig, router *routing.Engine, prep *tokenbudget.Preprocessor, pipeline *respipe.Pipeline, credStore *creds.Store, hc *http.Client, logger *slog.Logger) *Coordinator {
	byKey := make(map[string]config.ModelConfig, len(cfg.Models))
	for _, mc := range cfg.Models {
		byKey[modelKey(mc.Provider, mc.Model)] = mc
	}
	if hc == nil {
		hc = &http.Client{Timeout: 120 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		router:      router,
		prep:        prep,
		pipeline:    pipeline,
		credStore:   credStore,
		httpClient:  hc,
		logger:      logger,
		modelsByKey: byKey,
		clients:     make(map[string]core.RawClient),
	}
}

func modelKey(provider, model string) string { return provider + "\x00" + model }

// modelConfigFor recovers the full ModelConfig (API key, endpoint,
// timeouts) a RoutingDecision was produced from. RoutingDecision itself
// never carries secrets, so the coordinator keeps its own lookup back to
// the config snapshot it was built from.
func (c *Coordinator) modelConfigFor(d core.RoutingDecision) config.ModelConfig {
	if mc, ok := c.modelsByKey[modelKey(d.Provider, d.UpstreamModel)]; ok {
		return mc
	}
	return config.ModelConfig{
		Provider:             d.Provider,
		Model:                d.UpstreamModel,
		Endpoint:             d.UpstreamEndpoint,
		AuthFileName:         d.AuthReference,
		CompatibilityProfile: d.CompatibilityProfile,
	}
}

func (c *Coordinator) clientFor(mc config.ModelConfig) (core.RawClient, error) {
	key := modelKey(mc.Provider, mc.Model)

	c.mu.Lock()
	if cl, ok := c.clients[key]; ok {
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	cl, err := providers.NewProviderClient(mc, c.httpClient, c.logger, c.credStore)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.clients[key] = cl
	c.mu.Unlock()
	return cl, nil
}

func validateRequest(req core.Request) error {
	if len(req.Messages) == 0 {
		return rcerrors.New(rcerrors.CodeValidation, rcerrors.ErrValidation, "", "", "", "validation", "request must contain at least one message")
	}
	return nil
}

func boundedInt(requested, max int) int {
	if max <= 0 {
		return requested
	}
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

func callParamsFor(req core.Request, decision core.RoutingDecision, mc config.ModelConfig) core.CallParams {
	return core.CallParams{
		Model:                decision.UpstreamModel,
		Messages:             req.Messages,
		System:               req.System,
		ToolDefs:             req.Tools,
		MaxTokens:            boundedInt(req.MaxTokens, mc.MaxOutputTokens),
		Temperature:          req.Temperature,
		TopP:                 req.TopP,
		Stream:               req.Stream,
		CompatibilityProfile: decision.CompatibilityProfile,
	}
}

// prepared holds everything routing+preprocessing resolved, shared by
// Execute and ExecuteStream so the two paths can never disagree on how a
// request got routed.
type prepared struct {
	requestID string
	rctx      *core.RequestContext
	req       core.Request
	decision  core.RoutingDecision
	mc        config.ModelConfig
	applied   []core.AppliedStrategy
	client    core.RawClient
}

func (c *Coordinator) prepare(req core.Request) (prepared, error) {
	return c.prepareWith(req, func() (core.RoutingDecision, error) { return c.router.Route(req) })
}

// prepareDirect resolves req against an explicit (provider, model) pair
// instead of routing it through category classification — see
// Coordinator.ExecuteDirect.
func (c *Coordinator) prepareDirect(req core.Request, provider, model string) (prepared, error) {
	return c.prepareWith(req, func() (core.RoutingDecision, error) { return c.router.ResolveExplicit(provider, model) })
}

func (c *Coordinator) prepareWith(req core.Request, resolve func() (core.RoutingDecision, error)) (prepared, error) {
	requestID := uuid.NewString()

	if err := validateRequest(req); err != nil {
		return prepared{requestID: requestID}, err
	}

	decision, err := resolve()
	if err != nil {
		return prepared{requestID: requestID}, err
	}
	rctx := core.NewRequestContext(requestID, time.Now(), decision)
	rctx.SetStage("token_preprocessor")

	mc := c.modelConfigFor(decision)
	adaptedReq, adaptedDecision, applied := c.prep.Apply(req, decision, mc.ContextWindow)

	if adaptedDecision.RedirectedCategory != "" && adaptedDecision.RedirectedCategory != adaptedDecision.Category {
		rerouted, err := c.router.ResolveCategory(adaptedDecision.EffectiveCategory())
		if err != nil {
			return prepared{requestID: requestID, decision: adaptedDecision, applied: applied}, err
		}
		adaptedDecision.Provider = rerouted.Provider
		adaptedDecision.UpstreamModel = rerouted.UpstreamModel
		adaptedDecision.UpstreamEndpoint = rerouted.UpstreamEndpoint
		adaptedDecision.AuthReference = rerouted.AuthReference
		adaptedDecision.Protocol = rerouted.Protocol
		adaptedDecision.CompatibilityProfile = rerouted.CompatibilityProfile
		mc = c.modelConfigFor(adaptedDecision)
	}

	client, err := c.clientFor(mc)
	if err != nil {
		return prepared{requestID: requestID, decision: adaptedDecision, applied: applied}, err
	}

	return prepared{
		requestID: requestID,
		rctx:      rctx,
		req:       adaptedReq,
		decision:  adaptedDecision,
		mc:        mc,
		applied:   applied,
		client:    client,
	}, nil
}

// Execute runs the full non-streaming request (spec.md §4.7): route,
// apply the token budget, dispatch to the upstream client, then run the
// Response Pipeline over the decoded body.
func (c *Coordinator) Execute(ctx context.Context, req core.Request) (Result, error) {
	p, err := c.prepare(req)
	if err != nil {
		return Result{RequestID: p.requestID, Decision: p.decision, Applied: p.applied}, err
	}
	return c.runExecute(ctx, p)
}

// ExecuteDirect runs the same non-streaming flow as Execute, but against an
// explicit (provider, model) pair instead of one resolved by the Routing
// Engine's category classification. internal/httpfront's pass-through proxy
// route (/v1/proxy/:provider/:model) names the upstream directly in the URL
// path, so there's no request content for the Routing Engine to classify.
func (c *Coordinator) ExecuteDirect(ctx context.Context, req core.Request, provider, model string) (Result, error) {
	p, err := c.prepareDirect(req, provider, model)
	if err != nil {
		return Result{RequestID: p.requestID, Decision: p.decision, Applied: p.applied}, err
	}
	return c.runExecute(ctx, p)
}

func (c *Coordinator) runExecute(ctx context.Context, p prepared) (Result, error) {
	requestID, adaptedReq, adaptedDecision, mc, client, applied := p.requestID, p.req, p.decision, p.mc, p.client, p.applied
	p.rctx.SetStage("upstream")

	callCtx, cancel := context.WithTimeout(ctx, mc.RequestTimeout())
	defer cancel()

	params := callParamsFor(adaptedReq, adaptedDecision, mc)

	callStart := time.Now()
	rawResp, callErr := client.Call(callCtx, params)
	latency := time.Since(callStart)

	c.logger.Info("llm call",
		slog.String("request_id", requestID),
		slog.String("provider", adaptedDecision.Provider),
		slog.String("model", adaptedDecision.UpstreamModel),
		slog.Duration("latency", latency),
		slog.Bool("error", callErr != nil),
	)

	if callErr != nil {
		return Result{RequestID: requestID, Decision: adaptedDecision, Applied: applied},
			rcerrors.New(rcerrors.CodeUpstreamError, rcerrors.ErrUpstream, adaptedDecision.Provider, adaptedDecision.UpstreamModel, requestID, "upstream", callErr.Error())
	}

	if kind := compat.ClassifyAbnormal(rawResp.Raw, 0, nil); kind != compat.AbnormalNone {
		return Result{RequestID: requestID, Decision: adaptedDecision, Applied: applied},
			rcerrors.New(rcerrors.CodeAbnormalResponse, rcerrors.ErrAbnormalResponse, adaptedDecision.Provider, adaptedDecision.UpstreamModel, requestID, "response_pipeline", string(kind))
	}

	p.rctx.SetStage("response_pipeline")
	item := &respipe.WorkItem{Raw: rawResp.Raw, Protocol: adaptedDecision.Protocol, Stream: false}
	samples := c.pipeline.Run(callCtx, item)
	item.Envelope.Model = adaptedDecision.UpstreamModel

	warnings := make([]string, 0, len(item.Warnings))
	for _, w := range item.Warnings {
		warnings = append(warnings, w.Message)
	}

	return Result{
		RequestID: requestID,
		Decision:  adaptedDecision,
		Envelope:  item.Envelope,
		Applied:   applied,
		Samples:   samples,
		Warnings:  warnings,
	}, nil
}

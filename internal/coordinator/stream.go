package coordinator

import (
	"context"
	"strings"

	"github.com/anyllm/broker/internal/compat"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/respipe"
	"github.com/anyllm/broker/internal/transform"
)

// StreamEvent is one unit the coordinator's streaming caller (internal/httpfront's
// SSE writer) re-emits to the client. ContentDelta events carry text as it
// arrives; the final event has Done set and Envelope populated with the
// fully reshaped response, the same shape Execute returns for a
// non-streaming call.
type StreamEvent struct {
	ContentDelta string
	Done         bool
	Envelope     core.ResponseEnvelope
}

// toolAcc accumulates one structured tool call's streamed fragments: a
// provider sends id/name only on the first delta, further ArgsDelta
// fragments on later ones (spec.md §4.7).
type toolAcc struct {
	id   string
	name string
	args strings.Builder
}

// ExecuteStream runs the streaming counterpart of Execute (spec.md §4.7):
// content deltas are forwarded to emit as they arrive off the wire, while
// tool-call fragments and raw text are accumulated so the terminal event can
// carry a fully reshaped envelope, including stop_reason's tool_use override
// and any text-embedded tool calls discovered only once the stream closes.
// When the resolved upstream client doesn't implement core.StreamClient,
// ExecuteStream makes the non-streaming call, runs the Response Pipeline,
// and emits one ContentDelta event per non-empty text block followed by a
// single terminal event.
func (c *Coordinator) ExecuteStream(ctx context.Context, req core.Request, emit func(StreamEvent) error) (Result, error) {
	req.Stream = true
	p, err := c.prepare(req)
	if err != nil {
		return Result{RequestID: p.requestID, Decision: p.decision, Applied: p.applied}, err
	}
	return c.runExecuteStream(ctx, p, emit)
}

// ExecuteStreamDirect is ExecuteStream's counterpart to ExecuteDirect: it
// dispatches to an explicit (provider, model) pair instead of routing req
// through category classification, for internal/httpfront's pass-through
// proxy route.
func (c *Coordinator) ExecuteStreamDirect(ctx context.Context, req core.Request, provider, model string, emit func(StreamEvent) error) (Result, error) {
	req.Stream = true
	p, err := c.prepareDirect(req, provider, model)
	if err != nil {
		return Result{RequestID: p.requestID, Decision: p.decision, Applied: p.applied}, err
	}
	return c.runExecuteStream(ctx, p, emit)
}

func (c *Coordinator) runExecuteStream(ctx context.Context, p prepared, emit func(StreamEvent) error) (Result, error) {
	sc, ok := p.client.(core.StreamClient)
	if !ok {
		return c.executeStreamFallback(ctx, p, emit)
	}

	requestID, adaptedReq, adaptedDecision, mc, applied := p.requestID, p.req, p.decision, p.mc, p.applied
	p.rctx.SetStage("upstream")

	callCtx, cancel := context.WithTimeout(ctx, mc.RequestTimeout())
	defer cancel()

	params := callParamsFor(adaptedReq, adaptedDecision, mc)

	var textBuf strings.Builder
	var tools []*toolAcc
	var finishReason string
	var usage core.Usage

	streamErr := sc.CallStream(callCtx, params, func(chunk core.StreamChunk) error {
		if chunk.Done {
			return nil
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.ContentDelta != "" {
			textBuf.WriteString(chunk.ContentDelta)
			if err := emit(StreamEvent{ContentDelta: chunk.ContentDelta}); err != nil {
				return err
			}
		}
		if chunk.ToolCallID != "" || chunk.ToolName != "" {
			tools = append(tools, &toolAcc{id: chunk.ToolCallID, name: chunk.ToolName})
		}
		if chunk.ArgsDelta != "" && len(tools) > 0 {
			tools[len(tools)-1].args.WriteString(chunk.ArgsDelta)
		}
		return nil
	})

	c.logger.Info("llm stream",
		"request_id", requestID,
		"provider", adaptedDecision.Provider,
		"model", adaptedDecision.UpstreamModel,
		"error", streamErr != nil,
	)

	if streamErr != nil {
		return Result{RequestID: requestID, Decision: adaptedDecision, Applied: applied}, streamErr
	}

	p.rctx.SetStage("response_pipeline")
	env := buildStreamEnvelope(textBuf.String(), tools, finishReason, usage, adaptedDecision.Protocol)
	env.Model = adaptedDecision.UpstreamModel

	if err := emit(StreamEvent{Done: true, Envelope: env}); err != nil {
		return Result{RequestID: requestID, Decision: adaptedDecision, Applied: applied}, err
	}

	return Result{RequestID: requestID, Decision: adaptedDecision, Envelope: env, Applied: applied}, nil
}

// executeStreamFallback runs the already-prepared request through the
// non-streaming upstream call and synthesizes one terminal StreamEvent, for
// upstream clients that don't implement core.StreamClient.
func (c *Coordinator) executeStreamFallback(ctx context.Context, p prepared, emit func(StreamEvent) error) (Result, error) {
	requestID, adaptedReq, adaptedDecision, mc, client, applied := p.requestID, p.req, p.decision, p.mc, p.client, p.applied
	p.rctx.SetStage("upstream")

	callCtx, cancel := context.WithTimeout(ctx, mc.RequestTimeout())
	defer cancel()

	params := callParamsFor(adaptedReq, adaptedDecision, mc)
	rawResp, callErr := client.Call(callCtx, params)
	if callErr != nil {
		return Result{RequestID: requestID, Decision: adaptedDecision, Applied: applied}, callErr
	}

	p.rctx.SetStage("response_pipeline")
	item := &respipe.WorkItem{Raw: rawResp.Raw, Protocol: adaptedDecision.Protocol, Stream: false}
	c.pipeline.Run(callCtx, item)
	item.Envelope.Model = adaptedDecision.UpstreamModel

	for _, b := range item.Envelope.Blocks {
		if b.Kind == core.BlockText && b.Text != "" {
			if err := emit(StreamEvent{ContentDelta: b.Text}); err != nil {
				return Result{RequestID: requestID, Decision: adaptedDecision, Applied: applied}, err
			}
		}
	}
	if err := emit(StreamEvent{Done: true, Envelope: item.Envelope}); err != nil {
		return Result{RequestID: requestID, Decision: adaptedDecision, Applied: applied}, err
	}

	return Result{RequestID: requestID, Decision: adaptedDecision, Envelope: item.Envelope, Applied: applied}, nil
}

// buildStreamEnvelope reshapes an accumulated stream into the same
// core.ResponseEnvelope shape the non-streaming Response Pipeline produces:
// structured tool-call accumulators become tool_use blocks, the leftover
// text is scanned once more for text-embedded tool calls (LM Studio channel
// markers, then the general sliding-window form), and stop_reason is forced
// to tool_use when any tool call survived either path.
func buildStreamEnvelope(text string, tools []*toolAcc, finishReason string, usage core.Usage, protocol core.Protocol) core.ResponseEnvelope {
	cleaned, lmCalls := compat.ExtractLMStudioToolCalls(text)
	cleaned, textCalls := compat.ExtractTextEmbeddedToolCalls(cleaned)

	rr := core.RawResponse{Content: cleaned, FinishReason: finishReason, Usage: usage}
	for _, t := range tools {
		rr.ToolCalls = append(rr.ToolCalls, core.RawToolCall{CallID: t.id, Name: t.name, Args: []byte(t.args.String())})
	}
	for _, ec := range append(lmCalls, textCalls...) {
		rr.ToolCalls = append(rr.ToolCalls, core.RawToolCall{Name: ec.Name, Args: ec.Args})
	}
	if len(rr.ToolCalls) > 0 && rr.FinishReason == "" {
		rr.FinishReason = "tool_calls"
	}

	env, _ := transform.ToEnvelope(rr, protocol)
	for _, b := range env.Blocks {
		if b.Kind == core.BlockToolUse {
			env.StopReason = core.StopToolUse
			break
		}
	}
	return env
}

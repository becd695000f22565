// Package openai implements the OpenAI-wire upstream client (spec.md §4.7,
// §6): chat completions in, core.RawResponse out. It is reused with a
// different base URL and source tag by every other OpenAI-wire provider —
// LM Studio, ModelScope, and GLM — since they all speak the same protocol.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/anyllm/broker/internal/compat"
	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/providers/httpdecode"
	"github.com/anyllm/broker/internal/providers/retry"
	"github.com/anyllm/broker/internal/providers/sse"
	"github.com/anyllm/broker/internal/rcerrors"
	"github.com/anyllm/broker/internal/transform"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client speaks the OpenAI chat-completions wire format over HTTPS.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	source     string // attribution tag for rcerrors/retry, e.g. "openai", "lmstudio"
}

// New builds a Client for literal OpenAI, or any OpenAI-wire endpoint when
// mc.Endpoint overrides the default base URL.
func New(mc config.ModelConfig, hc *http.Client, logger *slog.Logger) *Client {
	baseURL := mc.Endpoint
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{apiKey: mc.APIKey, baseURL: baseURL, httpClient: hc, logger: logger, source: "openai"}
}

// NewWithSource is New with an explicit attribution tag, for the thin
// OpenAI-wire variants (internal/providers/lmstudio, .../modelscope) that
// want their own name in logs and UpstreamHTTPError.Source.
func NewWithSource(mc config.ModelConfig, hc *http.Client, logger *slog.Logger, source string) *Client {
	c := New(mc, hc, logger)
	c.source = source
	return c
}

type chatRequest struct {
	Model       string                    `json:"model"`
	Messages    []transform.OpenAIMessage `json:"messages"`
	Tools       []transform.OpenAITool    `json:"tools,omitempty"`
	MaxTokens   int                       `json:"max_tokens,omitempty"`
	Temperature float32                   `json:"temperature,omitempty"`
	TopP        float32                   `json:"top_p,omitempty"`
	Stream      bool                      `json:"stream,omitempty"`
	Prompt      string                    `json:"prompt,omitempty"`
}

// buildPayload runs the Compatibility Stage's request-direction adaptation
// (spec.md §4.4.1) over the translated messages/tools before marshaling:
// profile defaults, Qwen3-Coder's system name, ModelScope's prompt
// synthesis, and Gemini-backend tool-name sanitization.
func (c *Client) buildPayload(params core.CallParams, stream bool) chatRequest {
	messages := transform.BuildOpenAIMessages(params.System, params.Messages)
	var tools []transform.OpenAITool
	if len(params.ToolDefs) > 0 {
		tools = transform.BuildOpenAITools(params.ToolDefs)
	}

	adapted := compat.AdaptRequest(compat.ProfileFor(params.CompatibilityProfile), params.Model, messages, tools, params.MaxTokens, params.Temperature, stream)

	return chatRequest{
		Model:       adapted.Model,
		Messages:    adapted.Messages,
		Tools:       adapted.Tools,
		MaxTokens:   adapted.MaxTokens,
		Temperature: adapted.Temperature,
		TopP:        params.TopP,
		Stream:      adapted.Stream,
		Prompt:      adapted.Prompt,
	}
}

// Call sends params as an OpenAI chat-completions request and returns the
// decoded body, mostly untransformed: only the shape of a successful
// choice is read here (content, tool_calls, finish_reason, usage). Any
// further repair (missing choices, embedded tool calls, finish-reason
// overrides) is the Compatibility Stage's job (internal/compat), run later
// in the Response Pipeline — this client's Raw field carries the full
// decoded body forward for that.
func (c *Client) Call(ctx context.Context, params core.CallParams) (core.RawResponse, error) {
	payload := c.buildPayload(params, false)

	body, err := json.Marshal(payload)
	if err != nil {
		return core.RawResponse{}, fmt.Errorf("%s: marshal payload: %w", c.source, err)
	}

	var raw map[string]any
	err = retry.WithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		bodyReader, err := httpdecode.Reader(resp)
		if err != nil {
			return err
		}
		respBody, err := io.ReadAll(bodyReader)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return &rcerrors.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody), Source: c.source, RetryAfter: resp.Header.Get("Retry-After")}
		}
		return json.Unmarshal(respBody, &raw)
	})
	if err != nil {
		return core.RawResponse{}, err
	}

	return toRawResponse(raw), nil
}

// CallStream issues the same request with stream:true and feeds each
// decoded chunk to emit as it arrives off the wire (spec.md §4.7). OpenAI
// streams tool-call arguments incrementally: only the first delta for a
// given call carries ToolCallID/ToolName, later deltas for the same call
// carry an empty ToolCallID and an ArgsDelta fragment — stitching those
// together is the stream consumer's job (internal/coordinator), not this
// client's.
func (c *Client) CallStream(ctx context.Context, params core.CallParams, emit func(core.StreamChunk) error) error {
	payload := c.buildPayload(params, true)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", c.source, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &rcerrors.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody), Source: c.source, RetryAfter: resp.Header.Get("Retry-After")}
	}

	bodyReader, err := httpdecode.Reader(resp)
	if err != nil {
		return err
	}
	err = sse.Each(bodyReader, func(data string) error {
		var chunk map[string]any
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("discarding unparseable stream chunk", "source", c.source, "error", err)
			return nil
		}
		return emit(decodeStreamChunk(chunk))
	})
	if err != nil {
		return err
	}
	return emit(core.StreamChunk{Done: true})
}

func decodeStreamChunk(chunk map[string]any) core.StreamChunk {
	var sc core.StreamChunk
	choices, _ := chunk["choices"].([]any)
	if len(choices) > 0 {
		choice, _ := choices[0].(map[string]any)
		sc.FinishReason, _ = choice["finish_reason"].(string)
		delta, _ := choice["delta"].(map[string]any)
		if content, ok := delta["content"].(string); ok {
			sc.ContentDelta = content
		}
		if toolCalls, ok := delta["tool_calls"].([]any); ok && len(toolCalls) > 0 {
			tc, _ := toolCalls[0].(map[string]any)
			sc.ToolCallID, _ = tc["id"].(string)
			if fn, ok := tc["function"].(map[string]any); ok {
				sc.ToolName, _ = fn["name"].(string)
				sc.ArgsDelta, _ = fn["arguments"].(string)
			}
		}
	}
	if usage, ok := chunk["usage"].(map[string]any); ok {
		sc.Usage = &core.Usage{
			InputTokens:  intField(usage, "prompt_tokens"),
			OutputTokens: intField(usage, "completion_tokens"),
			TotalTokens:  intField(usage, "total_tokens"),
		}
	}
	return sc
}

func toRawResponse(raw map[string]any) core.RawResponse {
	out := core.RawResponse{Raw: raw}
	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		return out
	}
	choice, _ := choices[0].(map[string]any)
	out.FinishReason, _ = choice["finish_reason"].(string)

	message, _ := choice["message"].(map[string]any)
	if content, ok := message["content"].(string); ok {
		out.Content = content
	}
	if toolCalls, ok := message["tool_calls"].([]any); ok {
		for _, tc := range toolCalls {
			tcMap, ok := tc.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tcMap["function"].(map[string]any)
			name, _ := fn["name"].(string)
			id, _ := tcMap["id"].(string)
			args, _ := fn["arguments"].(string)
			out.ToolCalls = append(out.ToolCalls, core.RawToolCall{CallID: id, Name: name, Args: json.RawMessage(args)})
		}
	}

	if usage, ok := raw["usage"].(map[string]any); ok {
		out.Usage = core.Usage{
			InputTokens:  intField(usage, "prompt_tokens"),
			OutputTokens: intField(usage, "completion_tokens"),
			TotalTokens:  intField(usage, "total_tokens"),
		}
	}
	return out
}

func intField(m map[string]any, key string) int {
	v, ok := m[key].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

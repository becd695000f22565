// Package gemini implements the Gemini generateContent upstream client
// (spec.md §4.7, §6).
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/providers/httpdecode"
	"github.com/anyllm/broker/internal/providers/retry"
	"github.com/anyllm/broker/internal/providers/sse"
	"github.com/anyllm/broker/internal/rcerrors"
	"github.com/anyllm/broker/internal/transform"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client speaks the Gemini generateContent wire format.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	model      string
}

// New builds a Client for mc.Model, reading mc.Endpoint as a base-URL
// override (e.g. an AI Studio OpenAI-compat proxy — see internal/compat's
// Gemini-backend profile flag, which keeps this client unused in that
// case in favor of the OpenAI-wire client).
func New(mc config.ModelConfig, hc *http.Client, logger *slog.Logger) *Client {
	baseURL := mc.Endpoint
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{apiKey: mc.APIKey, baseURL: baseURL, httpClient: hc, logger: logger, model: mc.Model}
}

type generateRequest struct {
	Contents          []transform.GeminiContent `json:"contents"`
	Tools             []transform.GeminiTool    `json:"tools,omitempty"`
	ToolConfig        map[string]any            `json:"toolConfig,omitempty"`
	GenerationConfig  map[string]any            `json:"generationConfig,omitempty"`
	SystemInstruction map[string]any            `json:"systemInstruction,omitempty"`
}

func (c *Client) buildPayload(params core.CallParams) generateRequest {
	maxTokens, temperature := transform.ClampGeminiGenerationParams(params.MaxTokens, params.Temperature)

	payload := generateRequest{
		Contents:         transform.BuildGeminiContents("", params.Messages),
		GenerationConfig: map[string]any{},
	}
	if params.System != "" {
		payload.SystemInstruction = map[string]any{"parts": []map[string]any{{"text": params.System}}}
	}
	if maxTokens > 0 {
		payload.GenerationConfig["maxOutputTokens"] = maxTokens
	}
	if temperature > 0 {
		payload.GenerationConfig["temperature"] = temperature
	}
	if params.TopP > 0 {
		payload.GenerationConfig["topP"] = params.TopP
	}
	if len(params.ToolDefs) > 0 {
		payload.Tools = transform.BuildGeminiTools(params.ToolDefs)
		payload.ToolConfig = map[string]any{
			"functionCallingConfig": map[string]any{"mode": toolCallingMode(payload.Contents)},
		}
	}
	return payload
}

// Call sends params as a Gemini generateContent request. Like the OpenAI
// client, it does not itself repair the response shape or classify
// abnormal bodies — it hands the fully-decoded body to the Response
// Pipeline (internal/respipe) via RawResponse.Raw.
func (c *Client) Call(ctx context.Context, params core.CallParams) (core.RawResponse, error) {
	payload := c.buildPayload(params)

	body, err := json.Marshal(payload)
	if err != nil {
		return core.RawResponse{}, fmt.Errorf("gemini: marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	var raw map[string]any
	err = retry.WithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
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
			return &rcerrors.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody), Source: "gemini", RetryAfter: resp.Header.Get("Retry-After")}
		}
		return json.Unmarshal(respBody, &raw)
	})
	if err != nil {
		return core.RawResponse{}, err
	}

	return toRawResponse(raw), nil
}

// CallStream uses streamGenerateContent?alt=sse, whose data: payloads are
// each a complete GenerateContentResponse — unlike OpenAI's incremental
// deltas there is no cross-chunk stitching to do; toRawResponse's
// part-decoding logic is reused per chunk.
func (c *Client) CallStream(ctx context.Context, params core.CallParams, emit func(core.StreamChunk) error) error {
	payload := c.buildPayload(params)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gemini: marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.model, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &rcerrors.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody), Source: "gemini", RetryAfter: resp.Header.Get("Retry-After")}
	}

	bodyReader, err := httpdecode.Reader(resp)
	if err != nil {
		return err
	}
	err = sse.Each(bodyReader, func(data string) error {
		var raw map[string]any
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			c.logger.Warn("discarding unparseable gemini stream chunk", "error", err)
			return nil
		}
		rr := toRawResponse(raw)
		sc := core.StreamChunk{ContentDelta: rr.Content, FinishReason: rr.FinishReason}
		if rr.Usage.TotalTokens > 0 {
			u := rr.Usage
			sc.Usage = &u
		}
		if err := emit(sc); err != nil {
			return err
		}
		for _, tc := range rr.ToolCalls {
			if err := emit(core.StreamChunk{ToolCallID: tc.CallID, ToolName: tc.Name, ArgsDelta: string(tc.Args)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return emit(core.StreamChunk{Done: true})
}

// toolCallingMode mirrors the teacher's heuristic: force a tool call (ANY)
// on the opening turn, but fall back to AUTO once the conversation already
// contains a functionResponse, so the model may choose to finalize instead
// of looping forever.
func toolCallingMode(contents []transform.GeminiContent) string {
	for _, c := range contents {
		for _, p := range c.Parts {
			if p.FunctionResponse != nil {
				return "AUTO"
			}
		}
	}
	return "ANY"
}

func toRawResponse(raw map[string]any) core.RawResponse {
	out := core.RawResponse{Raw: raw}
	candidates, _ := raw["candidates"].([]any)
	if len(candidates) == 0 {
		return out
	}
	candidate, _ := candidates[0].(map[string]any)
	out.FinishReason, _ = candidate["finishReason"].(string)

	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	var textAcc string
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok && text != "" {
			if textAcc == "" {
				textAcc = text
			} else {
				textAcc += "\n" + text
			}
			continue
		}
		if fc, ok := part["functionCall"].(map[string]any); ok {
			name, _ := fc["name"].(string)
			var args json.RawMessage
			if a, ok := fc["args"]; ok {
				if b, err := json.Marshal(a); err == nil {
					args = b
				}
			}
			out.ToolCalls = append(out.ToolCalls, core.RawToolCall{Name: name, Args: args})
		}
	}
	out.Content = textAcc

	if usage, ok := raw["usageMetadata"].(map[string]any); ok {
		out.Usage = core.Usage{
			InputTokens:  intField(usage, "promptTokenCount"),
			OutputTokens: intField(usage, "candidatesTokenCount"),
			TotalTokens:  intField(usage, "totalTokenCount"),
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

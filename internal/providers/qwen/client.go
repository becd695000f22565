// Package qwen implements the Qwen OAuth2-authenticated, OpenAI-wire
// upstream client (spec.md §4.5, §6): it resolves a bearer token through
// internal/creds before every call and targets the resource-url-derived
// base the credential record carries.
package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/anyllm/broker/internal/compat"
	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/creds"
	"github.com/anyllm/broker/internal/providers/httpdecode"
	"github.com/anyllm/broker/internal/providers/retry"
	"github.com/anyllm/broker/internal/providers/sse"
	"github.com/anyllm/broker/internal/rcerrors"
	"github.com/anyllm/broker/internal/transform"
)

const (
	defaultBaseURL = "https://portal.qwen.ai/v1"
	tokenURL       = "https://chat.qwen.ai/api/v1/oauth2/token"
	clientID       = "f0304373b74a44d2b584a3fb70ca9e56"
)

// headerTransport decorates every outbound request (both the refresh POST
// and the chat-completions call) with the fixed Qwen headers spec.md §6
// names; these mimic the google-api-nodejs-client user agent the reference
// CLI sends, which the Qwen portal backend keys its compatibility behavior
// on.
type headerTransport struct {
	base http.RoundTripper
}

// NewCredentialHTTPClient wraps hc with the Qwen header transport, for
// wiring internal/creds.NewWithClient so the refresh POST carries the same
// headers as the chat-completions call.
func NewCredentialHTTPClient(hc *http.Client) *http.Client {
	var transport http.RoundTripper
	var timeout time.Duration
	if hc != nil {
		transport = hc.Transport
		timeout = hc.Timeout
	}
	return &http.Client{Timeout: timeout, Transport: &headerTransport{base: transport}}
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", "google-api-nodejs-client/9.15.1")
	req.Header.Set("X-Goog-Api-Client", "gl-node/22.17.0")
	req.Header.Set("Client-Metadata", "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI")
	req.Header.Set("Accept", "application/json")
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Client is the Qwen OAuth2 upstream client.
type Client struct {
	authFileName string
	store        *creds.Store
	oauthCfg     oauth2.Config
	httpClient   *http.Client
	logger       *slog.Logger
}

// New builds a Client for mc.AuthFileName, sharing store across every Qwen
// account so refreshes for the same auth file coalesce (spec.md §4.5).
func New(mc config.ModelConfig, store *creds.Store, hc *http.Client, logger *slog.Logger) *Client {
	return &Client{
		authFileName: mc.AuthFileName,
		store:        store,
		oauthCfg:     oauth2.Config{ClientID: clientID, Endpoint: oauth2.Endpoint{TokenURL: tokenURL}},
		httpClient:   NewCredentialHTTPClient(hc),
		logger:       logger,
	}
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

// buildPayload applies the same Compatibility Stage request-direction
// adaptation the openai client runs (spec.md §4.4.1); Qwen3-Coder's own
// profile (ForceSystemName) is the one most relevant here.
func buildPayload(params core.CallParams, stream bool) chatRequest {
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

func resolveBaseURL(resourceURL string) string {
	if resourceURL == "" {
		return defaultBaseURL
	}
	return fmt.Sprintf("https://%s/v1", resourceURL)
}

// Call resolves a valid access token via internal/creds, then issues an
// OpenAI-wire chat-completions request against the account's
// resource-url-derived base.
func (c *Client) Call(ctx context.Context, params core.CallParams) (core.RawResponse, error) {
	rec, err := c.store.GetValid(ctx, c.authFileName, c.oauthCfg)
	if err != nil {
		return core.RawResponse{}, err
	}

	baseURL := resolveBaseURL(rec.ResourceURL)
	payload := buildPayload(params, false)
	body, err := json.Marshal(payload)
	if err != nil {
		return core.RawResponse{}, fmt.Errorf("qwen: marshal payload: %w", err)
	}

	var raw map[string]any
	err = retry.WithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+rec.AccessToken)
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
			return &rcerrors.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody), Source: "qwen", RetryAfter: resp.Header.Get("Retry-After")}
		}
		return json.Unmarshal(respBody, &raw)
	})
	if err != nil {
		return core.RawResponse{}, err
	}
	return toRawResponse(raw), nil
}

// CallStream is CallStream's openai-wire counterpart, resolving a fresh
// token the same way Call does before opening the SSE body.
func (c *Client) CallStream(ctx context.Context, params core.CallParams, emit func(core.StreamChunk) error) error {
	rec, err := c.store.GetValid(ctx, c.authFileName, c.oauthCfg)
	if err != nil {
		return err
	}
	baseURL := resolveBaseURL(rec.ResourceURL)
	payload := buildPayload(params, true)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("qwen: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+rec.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &rcerrors.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody), Source: "qwen", RetryAfter: resp.Header.Get("Retry-After")}
	}

	bodyReader, err := httpdecode.Reader(resp)
	if err != nil {
		return err
	}
	err = sse.Each(bodyReader, func(data string) error {
		var chunk map[string]any
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("discarding unparseable qwen stream chunk", "error", err)
			return nil
		}
		return emit(decodeOpenAIWireChunk(chunk))
	})
	if err != nil {
		return err
	}
	return emit(core.StreamChunk{Done: true})
}

func decodeOpenAIWireChunk(chunk map[string]any) core.StreamChunk {
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

// Package modelscope is a thin OpenAI-wire variant for ModelScope and GLM
// endpoints (SPEC_FULL.md §4.8): same transport and wire shape as
// internal/providers/openai, parameterized by base URL and an attribution
// tag distinguishing the two in logs and UpstreamHTTPError.Source.
package modelscope

import (
	"log/slog"
	"net/http"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/providers/openai"
)

const defaultBaseURL = "https://api-inference.modelscope.cn/v1"

// New builds an OpenAI-wire client for ModelScope, or for GLM when
// mc.Provider is "glm" (both speak the same chat-completions shape; only
// the base URL and the Compatibility Stage's profile default differ — see
// internal/compat.ProfileFor).
func New(mc config.ModelConfig, hc *http.Client, logger *slog.Logger) *openai.Client {
	source := "modelscope"
	if mc.Provider == "glm" {
		source = "glm"
	}
	if mc.Endpoint == "" {
		mc.Endpoint = defaultBaseURL
	}
	return openai.NewWithSource(mc, hc, logger, source)
}

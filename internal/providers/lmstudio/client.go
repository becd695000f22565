// Package lmstudio is a thin OpenAI-wire variant for local LM Studio
// servers (SPEC_FULL.md §4.8): same transport and wire shape as
// internal/providers/openai, parameterized by a local base URL and no
// API key requirement.
package lmstudio

import (
	"log/slog"
	"net/http"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/providers/openai"
)

const defaultBaseURL = "http://localhost:1234/v1"

// New builds an OpenAI-wire client targeting a local LM Studio server.
// LM Studio doesn't require an API key; mc.Endpoint overrides the default
// loopback base for a non-default port or a remote LM Studio install.
func New(mc config.ModelConfig, hc *http.Client, logger *slog.Logger) *openai.Client {
	if mc.Endpoint == "" {
		mc.Endpoint = defaultBaseURL
	}
	return openai.NewWithSource(mc, hc, logger, "lmstudio")
}

// Package providers dispatches a routing decision's provider id to a
// concrete core.RawClient (SPEC_FULL.md §4.8): openai, gemini, qwen,
// lmstudio, modelscope, and glm.
package providers

import (
	"log/slog"
	"net/http"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/creds"
	"github.com/anyllm/broker/internal/providers/gemini"
	"github.com/anyllm/broker/internal/providers/lmstudio"
	"github.com/anyllm/broker/internal/providers/modelscope"
	"github.com/anyllm/broker/internal/providers/openai"
	"github.com/anyllm/broker/internal/providers/qwen"
	"github.com/anyllm/broker/internal/rcerrors"
)

// NewProviderClient builds the upstream client for mc.Provider. credStore
// is only used by the qwen provider; callers not routing any Qwen models
// may pass nil.
func NewProviderClient(mc config.ModelConfig, hc *http.Client, logger *slog.Logger, credStore *creds.Store) (core.RawClient, error) {
	switch mc.Provider {
	case "openai":
		return openai.New(mc, hc, logger), nil
	case "gemini":
		return gemini.New(mc, hc, logger), nil
	case "qwen":
		if credStore == nil {
			return nil, rcerrors.New(rcerrors.CodeNoProviderAvailable, rcerrors.ErrNoProviderAvailable, mc.Provider, mc.Model, "", "providers", "qwen provider configured without a credential store")
		}
		return qwen.New(mc, credStore, hc, logger), nil
	case "lmstudio":
		return lmstudio.New(mc, hc, logger), nil
	case "modelscope", "glm":
		return modelscope.New(mc, hc, logger), nil
	default:
		return nil, rcerrors.New(rcerrors.CodeNoProviderAvailable, rcerrors.ErrUnknownProvider, mc.Provider, mc.Model, "", "providers", "unknown provider: "+mc.Provider)
	}
}

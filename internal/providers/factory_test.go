package providers

import (
	"net/http"
	"testing"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/creds"
)

func TestNewProviderClient_DispatchesKnownProviders(t *testing.T) {
	store := creds.New(config.AuthConfig{Dir: t.TempDir()})
	cases := []string{"openai", "gemini", "qwen", "lmstudio", "modelscope", "glm"}
	for _, provider := range cases {
		t.Run(provider, func(t *testing.T) {
			c, err := NewProviderClient(config.ModelConfig{Provider: provider, Model: "m"}, &http.Client{}, nil, store)
			if err != nil {
				t.Fatalf("unexpected error for provider %s: %v", provider, err)
			}
			if c == nil {
				t.Fatalf("expected a client for provider %s", provider)
			}
		})
	}
}

func TestNewProviderClient_QwenWithoutStore(t *testing.T) {
	_, err := NewProviderClient(config.ModelConfig{Provider: "qwen", Model: "m"}, &http.Client{}, nil, nil)
	if err == nil {
		t.Fatal("expected error when qwen is routed without a credential store")
	}
}

func TestNewProviderClient_UnknownProvider(t *testing.T) {
	_, err := NewProviderClient(config.ModelConfig{Provider: "does-not-exist", Model: "m"}, &http.Client{}, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

// Package config loads the router's configuration from a YAML file plus
// environment overrides, using koanf the same way the teacher repo's
// internal/config/loader.go does. The schema is expanded with the routing
// table, per-provider retry/timeout knobs, and the on-disk locations
// described in spec.md §6.
package config

import (
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LLMConfig is the root config structure.
type LLMConfig struct {
	Models map[string]ModelConfig `koanf:"models"`
	Router RouterConfig           `koanf:"router"`
	Auth   AuthConfig             `koanf:"auth"`
	Log    LogConfig              `koanf:"log"`
	Cache  CacheConfig            `koanf:"cache"`
	Server ServerConfig           `koanf:"server"`
}

// ServerConfig configures the HTTP front's listening address (spec.md §6;
// the inbound HTTP surface is out-of-core, but something has to bind a
// port for cmd/router to be runnable end-to-end).
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"` // default 8787
}

// ModelConfig defines a single model entry in config.
type ModelConfig struct {
	Provider                 string `koanf:"provider"`
	Model                    string `koanf:"model"`
	APIKey                   string `koanf:"api_key"`
	ResourceURL              string `koanf:"resource_url"`
	AuthFileName             string `koanf:"auth_file_name"` // Qwen OAuth2 credential file key
	Endpoint                 string `koanf:"endpoint"`        // override for ModelScope/LM Studio/self-hosted bases
	CompatibilityProfile     string `koanf:"compatibility_profile"`
	WebVariant               string `koanf:"web_variant"`
	SupportsWebSearch        bool   `koanf:"supports_web_search"`
	SupportsTools            bool   `koanf:"supports_tools"`
	SupportsStructuredOutput bool   `koanf:"supports_structured_output"`
	ContextWindow            int    `koanf:"context_window"`
	MaxOutputTokens          int    `koanf:"max_output_tokens"`
	RequestTimeoutSeconds    int    `koanf:"request_timeout_seconds"` // 0 -> default (120s, spec.md §5)
	Disabled                 bool   `koanf:"disabled"`
}

// RequestTimeout returns the configured per-provider deadline, or the
// spec.md §5 default of 120s.
func (m ModelConfig) RequestTimeout() time.Duration {
	if m.RequestTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(m.RequestTimeoutSeconds) * time.Second
}

// CategoryRoute is the (provider, model) pair a routing category maps to.
type CategoryRoute struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
}

// RouterConfig configures the Routing Engine and Token Preprocessor.
type RouterConfig struct {
	// Categories maps a routing category name (default/longcontext/
	// background/thinking) to the model-config key it selects.
	Categories map[string]string `koanf:"categories"`

	LongContextCharThreshold int     `koanf:"longcontext_char_threshold"` // default 50000
	TokenBudgetRatio         float64 `koanf:"token_budget_ratio"`         // default 0.95
	RerouteTokenThreshold    int     `koanf:"reroute_token_threshold"`
	TruncateKeepLastN        int     `koanf:"truncate_keep_last_n"` // default 2
	MaxToolTurns             int     `koanf:"max_tool_turns"`
	MaxRetries               int     `koanf:"max_retries"` // default 3
}

// AuthConfig locates the Qwen OAuth2 credential directory (spec.md §6).
type AuthConfig struct {
	Dir string `koanf:"dir"` // default "$HOME/.route-claudecode/auth"
}

// LogConfig locates and ages out the rotating log directory (spec.md §6).
type LogConfig struct {
	Dir              string `koanf:"dir"`
	RotateMinutes    int    `koanf:"rotate_minutes"`    // default 5
	RetentionDays    int    `koanf:"retention_days"`    // default 7
}

// CacheConfig toggles the optional response-pipeline cache (spec.md §5).
type CacheConfig struct {
	Enabled  bool `koanf:"enabled"`
	Capacity int  `koanf:"capacity"` // default 1000
}

var (
	loadOnce sync.Once
	loaded   *LLMConfig
	loadErr  error
)

// Load loads configuration from path or default locations. Load is safe for
// repeated calls.
//
// Priority:
// 1. LLM_CONFIG_PATH if set
// 2. ./config.yaml
func Load() (*LLMConfig, error) {
	loadOnce.Do(func() {
		k := koanf.New(".")

		path := os.Getenv("LLM_CONFIG_PATH")
		if path == "" {
			path = "config.yaml"
		}

		if err := k.Load(kfile.Provider(path), yaml.Parser()); err != nil {
			loadErr = err
			return
		}

		// Environment overrides: LLM__MODELS__gpt4o__api_key=...
		// Double underscore splits levels.
		if err := k.Load(kenv.Provider("LLM__", "__", func(s string) string {
			return strings.ToLower(s)
		}), nil); err != nil {
			loadErr = err
			return
		}

		var cfg LLMConfig
		if err := k.Unmarshal("llm", &cfg); err != nil {
			loadErr = err
			return
		}

		resolveEnvVars(&cfg)
		applyDefaults(&cfg)

		loaded = &cfg
	})
	return loaded, loadErr
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// resolveEnvVars resolves ${VAR} patterns in config string fields.
func resolveEnvVars(cfg *LLMConfig) {
	for key, model := range cfg.Models {
		model.APIKey = resolveEnvString(model.APIKey)
		model.Provider = resolveEnvString(model.Provider)
		model.Model = resolveEnvString(model.Model)
		model.ResourceURL = resolveEnvString(model.ResourceURL)
		model.Endpoint = resolveEnvString(model.Endpoint)
		cfg.Models[key] = model
	}
	cfg.Auth.Dir = resolveEnvString(cfg.Auth.Dir)
	cfg.Log.Dir = resolveEnvString(cfg.Log.Dir)
}

// resolveEnvString replaces ${VAR} with environment variable values.
func resolveEnvString(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1] // Remove ${ and }
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return match // Return original if env var not found
	})
}

// applyDefaults fills in the constants spec.md hard-codes as defaults so a
// minimal config.yaml (just `models:` and `router.categories:`) is enough
// to boot.
func applyDefaults(cfg *LLMConfig) {
	if cfg.Router.LongContextCharThreshold <= 0 {
		cfg.Router.LongContextCharThreshold = 50000
	}
	if cfg.Router.TokenBudgetRatio <= 0 {
		cfg.Router.TokenBudgetRatio = 0.95
	}
	if cfg.Router.TruncateKeepLastN <= 0 {
		cfg.Router.TruncateKeepLastN = 2
	}
	if cfg.Router.MaxToolTurns <= 0 {
		cfg.Router.MaxToolTurns = 5
	}
	if cfg.Router.MaxRetries <= 0 {
		cfg.Router.MaxRetries = 3
	}
	if cfg.Auth.Dir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.Auth.Dir = home + "/.route-claudecode/auth"
		}
	}
	if cfg.Log.RotateMinutes <= 0 {
		cfg.Log.RotateMinutes = 5
	}
	if cfg.Log.RetentionDays <= 0 {
		cfg.Log.RetentionDays = 7
	}
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = 1000
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
}

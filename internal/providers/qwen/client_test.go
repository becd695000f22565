package qwen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/creds"
)

func writeAuthFile(t *testing.T, dir, name string, accessToken, resourceURL string, expiresIn time.Duration) {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"access_token":  accessToken,
		"refresh_token": "refresh-1",
		"resource_url":  resourceURL,
		"expiry_date":   time.Now().Add(expiresIn).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCall_UsesResourceURLDerivedBase(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{
					"message":       map[string]any{"content": "ok"},
					"finish_reason": "stop",
				},
			},
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	host := srv.URL[len("https://"):]
	writeAuthFile(t, dir, "qwen-1", "tok-1", host, time.Hour)

	store := creds.New(config.AuthConfig{Dir: dir})
	c := New(config.ModelConfig{AuthFileName: "qwen-1"}, store, srv.Client(), nil)

	rr, err := c.Call(context.Background(), core.CallParams{Model: "qwen3-coder", Messages: []core.Message{{Role: core.RoleUser, Text: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rr.Content != "ok" {
		t.Fatalf("expected content ok, got %q", rr.Content)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("expected bearer token forwarded, got %q", gotAuth)
	}
	if gotUA != "google-api-nodejs-client/9.15.1" {
		t.Fatalf("expected spec.md §6 user agent, got %q", gotUA)
	}
}

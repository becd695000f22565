package creds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/rcerrors"
)

func writeAuthFile(t *testing.T, dir, name string, fr fileRecord) {
	t.Helper()
	b, err := json.Marshal(fr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	s := New(config.AuthConfig{Dir: t.TempDir()})
	_, err := s.Load("nope")
	if err == nil {
		t.Fatalf("expected error for missing auth file")
	}
}

func TestGetValid_ReturnsCachedWhenNotExpired(t *testing.T) {
	dir := t.TempDir()
	writeAuthFile(t, dir, "qwen", fileRecord{
		AccessToken:  "tok",
		RefreshToken: "refresh",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	})
	s := New(config.AuthConfig{Dir: dir})
	rec, err := s.GetValid(context.Background(), "qwen", oauth2.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.AccessToken != "tok" {
		t.Fatalf("expected cached token, got %+v", rec)
	}
}

func TestGetValid_RefreshesExpiredCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeAuthFile(t, dir, "qwen", fileRecord{
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiryDate:   time.Now().Add(-time.Hour).UnixMilli(),
	})
	s := New(config.AuthConfig{Dir: dir})
	oauthCfg := oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}

	rec, err := s.GetValid(context.Background(), "qwen", oauthCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.AccessToken != "new-token" {
		t.Fatalf("expected refreshed token, got %+v", rec)
	}

	// Persisted atomically: reload from disk bypassing the cache.
	b, err := os.ReadFile(filepath.Join(dir, "qwen.json"))
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	var fr fileRecord
	if err := json.Unmarshal(b, &fr); err != nil {
		t.Fatalf("decode persisted file: %v", err)
	}
	if fr.AccessToken != "new-token" {
		t.Fatalf("expected persisted new token, got %+v", fr)
	}
}

func TestGetValid_InvalidGrant_FailsPermanentlyAndEvicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "Token has been expired or revoked.",
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeAuthFile(t, dir, "qwen", fileRecord{
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiryDate:   time.Now().Add(-time.Hour).UnixMilli(),
	})
	s := New(config.AuthConfig{Dir: dir})
	oauthCfg := oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}

	_, err := s.GetValid(context.Background(), "qwen", oauthCfg)
	if err == nil {
		t.Fatal("expected invalid_grant refresh to fail")
	}
	if !errors.Is(err, rcerrors.ErrRefreshTokenExpired) {
		t.Fatalf("expected refresh-token-expired, got %v", err)
	}

	s.mu.Lock()
	_, cached := s.cache["qwen"]
	s.mu.Unlock()
	if cached {
		t.Fatal("expected permanently-failed credential to be evicted from the cache")
	}
}

func TestGetValid_TransientRefreshFailure_DoesNotEvict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream blip"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeAuthFile(t, dir, "qwen", fileRecord{
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiryDate:   time.Now().Add(-time.Hour).UnixMilli(),
	})
	s := New(config.AuthConfig{Dir: dir})
	oauthCfg := oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}

	_, err := s.GetValid(context.Background(), "qwen", oauthCfg)
	if err == nil {
		t.Fatal("expected transient refresh failure to return an error")
	}
	if !errors.Is(err, rcerrors.ErrRefreshFailed) {
		t.Fatalf("expected refresh-failed, got %v", err)
	}

	s.mu.Lock()
	_, cached := s.cache["qwen"]
	s.mu.Unlock()
	if !cached {
		t.Fatal("expected transient refresh failure to leave the cached record in place")
	}
}

func TestGetValid_ConcurrentRefreshesCoalesce(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-token",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeAuthFile(t, dir, "qwen", fileRecord{
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiryDate:   time.Now().Add(-time.Hour).UnixMilli(),
	})
	s := New(config.AuthConfig{Dir: dir})
	oauthCfg := oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			s.GetValid(context.Background(), "qwen", oauthCfg)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	if hits != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", hits)
	}
}

func TestGetValid_CanceledCallerDoesNotAbortSharedRefresh(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-token",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeAuthFile(t, dir, "qwen", fileRecord{
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiryDate:   time.Now().Add(-time.Hour).UnixMilli(),
	})
	s := New(config.AuthConfig{Dir: dir})
	oauthCfg := oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan struct{})
	go func() {
		s.GetValid(context.Background(), "qwen", oauthCfg)
		close(waiterDone)
	}()

	go func() {
		<-started
		cancel()
	}()
	_, err := s.GetValid(ctx, "qwen", oauthCfg)
	if err == nil {
		t.Fatalf("expected canceled caller to get an error")
	}

	select {
	case <-waiterDone:
	case <-time.After(time.Second):
		t.Fatalf("expected other waiter's refresh to still complete")
	}
}

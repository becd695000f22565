// Package creds implements the Credential Store (spec.md §4.5), focused on
// Qwen's OAuth2 device-flow credentials: on-disk JSON records under the
// configured auth directory, refreshed just-in-time with single-flight
// coalescing so concurrent requests sharing one account never issue two
// refresh calls for the same file.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/core"
	"github.com/anyllm/broker/internal/rcerrors"
)

// expirySkew is how far ahead of the real expiry a credential is treated as
// expired, per spec.md §4.5.
const expirySkew = 30 * time.Second

// fileRecord is the on-disk shape of a Qwen credential file, matching the
// route-claudecode auth-file layout this router's on-disk format descends
// from (spec.md §6).
type fileRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ResourceURL  string    `json:"resource_url,omitempty"`
	ExpiryDate   int64     `json:"expiry_date"` // unix millis, route-claudecode convention
	AccountIndex int       `json:"account_index,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

func (f fileRecord) toRecord() core.CredentialRecord {
	return core.CredentialRecord{
		AccessToken:  f.AccessToken,
		RefreshToken: f.RefreshToken,
		ResourceURL:  f.ResourceURL,
		ExpiresAt:    time.UnixMilli(f.ExpiryDate),
		AccountIndex: f.AccountIndex,
		CreatedAt:    f.CreatedAt,
	}
}

func fromRecord(r core.CredentialRecord) fileRecord {
	return fileRecord{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ResourceURL:  r.ResourceURL,
		ExpiryDate:   r.ExpiresAt.UnixMilli(),
		AccountIndex: r.AccountIndex,
		CreatedAt:    r.CreatedAt,
	}
}

// Store loads and refreshes Qwen OAuth2 credential files. Safe for
// concurrent use.
type Store struct {
	dir        string
	httpClient *http.Client
	group      singleflight.Group

	mu    sync.Mutex
	cache map[string]core.CredentialRecord
}

// New builds a Store rooted at cfg.Dir, refreshing over http.DefaultClient.
func New(cfg config.AuthConfig) *Store {
	return NewWithClient(cfg, http.DefaultClient)
}

// NewWithClient is New with an explicit HTTP client for the refresh POST —
// used to inject the Qwen-specific headers spec.md §6 requires (a fixed
// User-Agent and client-metadata), which oauth2.Config's refresh transport
// can't be told to add directly. The client rides along via the
// golang.org/x/oauth2 "use this http.Client" context key, set in refresh.
func NewWithClient(cfg config.AuthConfig, hc *http.Client) *Store {
	return &Store{
		dir:        cfg.Dir,
		httpClient: hc,
		cache:      make(map[string]core.CredentialRecord),
	}
}

func (s *Store) path(authFileName string) string {
	return filepath.Join(s.dir, authFileName+".json")
}

// Load reads a credential file from disk, bypassing the in-memory cache.
func (s *Store) Load(authFileName string) (core.CredentialRecord, error) {
	b, err := os.ReadFile(s.path(authFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return core.CredentialRecord{}, rcerrors.New(rcerrors.CodeAuthError, rcerrors.ErrAuthFileMissing, "", "", "", "creds", authFileName)
		}
		return core.CredentialRecord{}, fmt.Errorf("read auth file %s: %w", authFileName, err)
	}
	var fr fileRecord
	if err := json.Unmarshal(b, &fr); err != nil {
		return core.CredentialRecord{}, fmt.Errorf("decode auth file %s: %w", authFileName, err)
	}
	rec := fr.toRecord()

	s.mu.Lock()
	s.cache[authFileName] = rec
	s.mu.Unlock()
	return rec, nil
}

// GetValid returns a credential record for authFileName, refreshing it
// first if it is within expirySkew of expiry. Concurrent callers for the
// same authFileName share one refresh call (spec.md §5): if ctx is
// canceled, this call returns early via ctx.Err(), but the refresh itself
// keeps running in the background so other waiters on the same key still
// get the shared result.
func (s *Store) GetValid(ctx context.Context, authFileName string, oauthCfg oauth2.Config) (core.CredentialRecord, error) {
	rec, err := s.current(authFileName)
	if err != nil {
		return core.CredentialRecord{}, err
	}
	if !rec.Expired(expirySkew, time.Now()) {
		return rec, nil
	}

	type result struct {
		rec core.CredentialRecord
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err, _ := s.group.Do(authFileName, func() (any, error) {
			return s.refresh(context.Background(), authFileName, oauthCfg)
		})
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{rec: v.(core.CredentialRecord)}
	}()

	select {
	case <-ctx.Done():
		return core.CredentialRecord{}, ctx.Err()
	case r := <-ch:
		return r.rec, r.err
	}
}

func (s *Store) current(authFileName string) (core.CredentialRecord, error) {
	s.mu.Lock()
	rec, ok := s.cache[authFileName]
	s.mu.Unlock()
	if ok {
		return rec, nil
	}
	return s.Load(authFileName)
}

// refresh exchanges the stored refresh token for a new access token and
// persists the result atomically. Runs with the caller-supplied ctx, which
// GetValid deliberately detaches from any individual request's context.
func (s *Store) refresh(ctx context.Context, authFileName string, oauthCfg oauth2.Config) (core.CredentialRecord, error) {
	rec, err := s.current(authFileName)
	if err != nil {
		return core.CredentialRecord{}, err
	}
	if rec.RefreshToken == "" {
		return core.CredentialRecord{}, rcerrors.New(rcerrors.CodeAuthError, rcerrors.ErrRefreshTokenExpired, "", "", "", "creds", authFileName)
	}

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	src := oauthCfg.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if isPermanentRefreshFailure(err) {
			s.evict(authFileName)
			return core.CredentialRecord{}, rcerrors.New(rcerrors.CodeAuthError, rcerrors.ErrRefreshTokenExpired, "", "", "", "creds", err.Error())
		}
		return core.CredentialRecord{}, rcerrors.New(rcerrors.CodeAuthError, rcerrors.ErrRefreshFailed, "", "", "", "creds", err.Error())
	}

	rec.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		rec.ExpiresAt = tok.Expiry
	}

	if err := s.persist(authFileName, rec); err != nil {
		return core.CredentialRecord{}, err
	}

	s.mu.Lock()
	s.cache[authFileName] = rec
	s.mu.Unlock()
	return rec, nil
}

// isPermanentRefreshFailure reports whether err is a 400/invalid_grant
// response from the token endpoint (spec.md §4.5/§7): the refresh token
// itself is dead and retrying won't help, as opposed to a transient
// network/5xx failure that's worth surfacing as refresh-failed and retrying
// later.
func isPermanentRefreshFailure(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusBadRequest {
		return true
	}
	return retrieveErr.ErrorCode == "invalid_grant"
}

// evict removes a permanently-failed credential from the cache, forcing the
// next GetValid to reload (and fail on) the stale file from disk rather
// than keep serving the dead refresh token out of memory.
func (s *Store) evict(authFileName string) {
	s.mu.Lock()
	delete(s.cache, authFileName)
	s.mu.Unlock()
}

// persist writes rec to disk atomically: write to a temp file in the same
// directory, then rename over the destination, so a reader never observes
// a partially-written credential file.
func (s *Store) persist(authFileName string, rec core.CredentialRecord) error {
	path := s.path(authFileName)
	b, err := json.MarshalIndent(fromRecord(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth file %s: %w", authFileName, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".auth-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp auth file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp auth file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp auth file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename auth file %s: %w", authFileName, err)
	}
	return nil
}

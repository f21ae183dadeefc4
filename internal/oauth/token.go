// Package oauth provides a cached OAuth2 access token source for the
// Microsoft identity platform, used by the SMTP XOAUTH2 login and by the
// Graph provider.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenExpiryBuffer is the time before actual expiry when we consider a token expired.
// This prevents using a token that is about to expire during a request.
const tokenExpiryBuffer = 5 * time.Minute

// Grant types supported by TokenSource.
const (
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// Scopes used by the providers.
const (
	GraphScope = "https://graph.microsoft.com/.default"
	SMTPScope  = "https://outlook.office.com/SMTP.Send offline_access"
)

// ErrIncompleteCredentials is returned by New when a required field is empty.
var ErrIncompleteCredentials = errors.New("oauth: incomplete credentials")

// MicrosoftTokenURL returns the v2.0 token endpoint for tenant. An empty
// tenant maps to "common".
func MicrosoftTokenURL(tenant string) string {
	if tenant == "" {
		tenant = "common"
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(tenant))
}

// Config describes how to obtain tokens.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Scope is optional for the refresh-token grant.
	Scope string
	// RefreshToken selects the refresh-token grant when set; otherwise the
	// client-credentials grant is used.
	RefreshToken string
}

// TokenSource manages OAuth2 access tokens with thread-safe caching and
// automatic refresh before expiration.
type TokenSource struct {
	mu           sync.Mutex
	cfg          Config
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	httpClient   *http.Client
	now          func() time.Time
}

// New creates a token source. A nil httpClient uses a client with a 30s timeout.
func New(cfg Config, httpClient *http.Client) (*TokenSource, error) {
	if cfg.TokenURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrIncompleteCredentials
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenSource{
		cfg:          cfg,
		refreshToken: cfg.RefreshToken,
		httpClient:   httpClient,
		now:          time.Now,
	}, nil
}

// Grant returns the grant type used by this source.
func (ts *TokenSource) Grant() string {
	if ts.cfg.RefreshToken != "" {
		return GrantRefreshToken
	}
	return GrantClientCredentials
}

// Token returns a valid access token, refreshing it if necessary.
// This method is safe for concurrent use.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.accessToken != "" && ts.now().Before(ts.expiresAt) {
		return ts.accessToken, nil
	}

	return ts.refresh(ctx)
}

// ForceRefresh discards the current token and acquires a new one.
// This is used when the server rejects a token as invalid.
func (ts *TokenSource) ForceRefresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.accessToken = ""
	ts.expiresAt = time.Time{}

	return ts.refresh(ctx)
}

// refresh acquires a new token from the OAuth2 token endpoint.
// The caller must hold ts.mu.
func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	data := url.Values{
		"client_id":     {ts.cfg.ClientID},
		"client_secret": {ts.cfg.ClientSecret},
	}
	if ts.refreshToken != "" {
		data.Set("grant_type", GrantRefreshToken)
		data.Set("refresh_token", ts.refreshToken)
	} else {
		data.Set("grant_type", GrantClientCredentials)
	}
	if ts.cfg.Scope != "" {
		data.Set("scope", ts.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	// Microsoft rotates refresh tokens; keep the newest one.
	if tokenResp.RefreshToken != "" && ts.refreshToken != "" {
		ts.refreshToken = tokenResp.RefreshToken
	}

	ts.accessToken = tokenResp.AccessToken
	ts.expiresAt = ts.now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - tokenExpiryBuffer)

	return ts.accessToken, nil
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Package graph delivers mail through the Microsoft Graph sendMail endpoint.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/oauth"
	"github.com/shineum/contact-relay/internal/provider"
)

const (
	apiBase     = "https://graph.microsoft.com/v1.0"
	httpTimeout = 30 * time.Second
	maxErrBody  = 64 << 10
)

// Config holds the app registration and the mailbox to send as.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
	Logger       *slog.Logger
}

// GraphProvider sends as Sender using an application token
// (client-credentials grant).
type GraphProvider struct {
	sendURL string
	client  *http.Client
	tokens  *oauth.TokenSource
	backoff provider.Backoff
	logger  *slog.Logger
}

// New creates a GraphProvider. The sender and all three credentials are required.
func New(cfg Config) (*GraphProvider, error) {
	sendURL := apiBase + "/users/" + url.PathEscape(cfg.Sender) + "/sendMail"
	return newWithOverrides(cfg, sendURL, oauth.MicrosoftTokenURL(cfg.TenantID), &http.Client{Timeout: httpTimeout})
}

func newWithOverrides(cfg Config, sendURL, tokenURL string, client *http.Client) (*GraphProvider, error) {
	if cfg.Sender == "" {
		return nil, errors.New("graph: sender is required")
	}
	tokens, err := oauth.New(oauth.Config{
		TokenURL:     tokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        oauth.GraphScope,
	}, client)
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphProvider{
		sendURL: sendURL,
		client:  client,
		tokens:  tokens,
		backoff: provider.DefaultBackoff,
		logger:  logger.With("provider", "msgraph"),
	}, nil
}

// Name returns the provider name.
func (g *GraphProvider) Name() string { return "msgraph" }

// Send posts msg to sendMail. 5xx and transport failures back off and retry,
// 429 waits for Retry-After, and the first 401 forces a new token.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Email) error {
	payload, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("graph: encoding request: %w", err)
	}

	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= g.backoff.Retries+1; attempt++ {
		lastErr = g.post(ctx, payload)
		if lastErr == nil {
			return nil
		}

		wait, err := g.plan(ctx, lastErr, attempt, &refreshed)
		if err != nil {
			return err
		}
		if attempt > g.backoff.Retries {
			break
		}
		if wait > 0 {
			g.logger.Info("retrying sendMail", "attempt", attempt, "delay", wait, "error", lastErr)
			if err := provider.Wait(ctx, wait); err != nil {
				return fmt.Errorf("graph: waiting to retry: %w", err)
			}
		}
	}
	return fmt.Errorf("graph: giving up after %d retries: %w", g.backoff.Retries, lastErr)
}

// plan decides what follows a failed attempt: a delay before trying again,
// or the error that ends the send.
func (g *GraphProvider) plan(ctx context.Context, err error, attempt int, refreshed *bool) (time.Duration, error) {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return 0, err
	}
	switch {
	case apiErr.Status == http.StatusUnauthorized && !*refreshed:
		*refreshed = true
		g.logger.Info("access token rejected, refreshing")
		if _, err := g.tokens.ForceRefresh(ctx); err != nil {
			return 0, fmt.Errorf("graph: refreshing token: %w", err)
		}
		return 0, nil
	case apiErr.Status == http.StatusTooManyRequests:
		return g.retryAfterDelay(apiErr.RetryAfter, attempt), nil
	case apiErr.Retryable:
		return g.backoff.Delay(attempt), nil
	}
	return 0, apiErr
}

func (g *GraphProvider) post(ctx context.Context, payload []byte) error {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("graph: access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("graph: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apiError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	message := string(body)
	var decoded graphErrorResponse
	if json.Unmarshal(body, &decoded) == nil && decoded.Error.Message != "" {
		message = decoded.Error.Message
	}
	return classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// apiError is a non-2xx sendMail response.
type apiError struct {
	Status     int
	Message    string
	RetryAfter string
	Retryable  bool
}

func (e *apiError) Error() string {
	return fmt.Sprintf("graph: HTTP %d: %s", e.Status, e.Message)
}

// classifyError marks 401, 429 and 5xx retryable. Everything else, including
// 400 and 403, is final.
func classifyError(status int, message, retryAfter string) *apiError {
	return &apiError{
		Status:     status,
		Message:    message,
		RetryAfter: retryAfter,
		Retryable: status == http.StatusUnauthorized ||
			status == http.StatusTooManyRequests ||
			status >= 500,
	}
}

// retryAfterDelay honours a Retry-After given in seconds and otherwise
// backs off.
func (g *GraphProvider) retryAfterDelay(header string, attempt int) time.Duration {
	if s, err := strconv.Atoi(header); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	return g.backoff.Delay(attempt)
}

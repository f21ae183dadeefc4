package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shineum/contact-relay/internal/config"
	"github.com/shineum/contact-relay/internal/oauth"
	"github.com/shineum/contact-relay/internal/provider"
	"github.com/shineum/contact-relay/internal/ratelimit"
)

func TestSelectProvider(t *testing.T) {
	t.Parallel()

	smtpCreds := config.SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "user@example.com", Password: "secret"}
	graphCreds := config.GraphConfig{TenantID: "tid", ClientID: "cid", ClientSecret: "cs", Sender: "noreply@example.com"}

	tests := []struct {
		name    string
		cfg     config.Config
		want    string
		wantErr error
	}{
		{"auto without credentials", config.Config{Provider: config.ProviderAuto}, "stdout", nil},
		{"explicit stdout", config.Config{Provider: config.ProviderStdout, SMTP: smtpCreds}, "stdout", nil},
		{"auto prefers smtp", config.Config{Provider: config.ProviderAuto, SMTP: smtpCreds, Graph: graphCreds}, "smtp", nil},
		{"auto falls back to graph", config.Config{Provider: config.ProviderAuto, Graph: graphCreds}, "msgraph", nil},
		{"explicit graph", config.Config{Provider: config.ProviderGraph, SMTP: smtpCreds, Graph: graphCreds}, "msgraph", nil},
		{
			"smtp with oauth",
			config.Config{
				Provider: config.ProviderSMTP,
				SMTP:     config.SMTPConfig{Host: "smtp.office365.com", Port: 587, Username: "user@example.com"},
				OAuth:    config.OAuthConfig{TenantID: "common", ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt"},
			},
			"smtp", nil,
		},
		{"explicit smtp incomplete", config.Config{Provider: config.ProviderSMTP}, "", provider.ErrNotConfigured},
		{"explicit graph incomplete", config.Config{Provider: config.ProviderGraph}, "", provider.ErrNotConfigured},
		{"explicit ses incomplete", config.Config{Provider: config.ProviderSES}, "", provider.ErrNotConfigured},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := selectProvider(context.Background(), &tt.cfg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got error %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := p.Name(); got != tt.want {
				t.Errorf("provider: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewLimiter_Memory(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{RateLimit: config.RateLimitConfig{
		Max:     2,
		Window:  time.Minute,
		Sweep:   time.Minute,
		Backend: config.BackendMemory,
	}}
	limiter := newLimiter(ctx, cfg, nil)
	if _, ok := limiter.(*ratelimit.MemoryStore); !ok {
		t.Fatalf("limiter: got %T, want *ratelimit.MemoryStore", limiter)
	}

	for i, want := range []bool{true, true, false} {
		d, err := limiter.Check(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if d.Allowed != want {
			t.Errorf("Check %d: allowed %v, want %v", i, d.Allowed, want)
		}
	}
}

func TestSMTPOAuthConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		OAuth: config.OAuthConfig{TenantID: "contoso", ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt"},
	}
	got := smtpOAuthConfig(cfg)

	if got.Scope != oauth.SMTPScope {
		t.Errorf("Scope: got %q, want %q", got.Scope, oauth.SMTPScope)
	}
	if want := oauth.MicrosoftTokenURL("contoso"); got.TokenURL != want {
		t.Errorf("TokenURL: got %q, want %q", got.TokenURL, want)
	}
	if got.RefreshToken != "rt" || got.ClientID != "cid" || got.ClientSecret != "cs" {
		t.Errorf("credentials not carried over: %+v", got)
	}
}

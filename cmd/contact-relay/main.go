// Package main is the entry point for the contact form relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/shineum/contact-relay/internal/api"
	"github.com/shineum/contact-relay/internal/config"
	"github.com/shineum/contact-relay/internal/dispatch"
	"github.com/shineum/contact-relay/internal/logo"
	"github.com/shineum/contact-relay/internal/oauth"
	"github.com/shineum/contact-relay/internal/provider"
	"github.com/shineum/contact-relay/internal/provider/graph"
	"github.com/shineum/contact-relay/internal/provider/ses"
	"github.com/shineum/contact-relay/internal/provider/smtp"
	"github.com/shineum/contact-relay/internal/provider/stdout"
	"github.com/shineum/contact-relay/internal/ratelimit"
	"github.com/shineum/contact-relay/internal/render"
	"github.com/shineum/contact-relay/internal/site"
	relaytls "github.com/shineum/contact-relay/internal/tls"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// A missing .env file is normal in production.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("contact-relay stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RateLimit.Backend == config.BackendRedis || cfg.RateLimit.Stats {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis not reachable, limiter will fail open until it is", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	limiter := newLimiter(ctx, cfg, rdb)

	var stats ratelimit.StatsStore
	if cfg.RateLimit.Stats {
		stats = ratelimit.NewRedisStatsStore(rdb,
			ratelimit.WithStatsPrefix(cfg.Redis.Prefix+":stats"),
			ratelimit.WithStatsTrackKeys(true),
		)
	}

	renderer := render.New(render.DefaultBrand)
	logoLoader := logo.New(logo.Config{
		Paths:     []string{cfg.Logo.Path},
		URL:       cfg.Logo.URL,
		ContentID: renderer.Brand().LogoCID,
		Logger:    slog.Default().With("component", "logo"),
	})

	dispatcher := &dispatch.Dispatcher{
		Provider:     prov,
		Renderer:     renderer,
		Logo:         logoLoader,
		From:         cfg.Mail.From,
		FromName:     cfg.Mail.FromName,
		ContactEmail: cfg.Mail.ContactEmail,
		Timeout:      cfg.Mail.SendTimeout,
	}

	routes, err := site.LoadRoutes(cfg.Site.RoutesFile)
	if err != nil {
		return fmt.Errorf("loading SEO routes: %w", err)
	}

	handler := api.New(api.Options{
		Dispatcher:     dispatcher,
		Limiter:        limiter,
		Stats:          stats,
		KeyFunc:        ratelimit.ClientKey(cfg.RateLimit.TrustRemoteAddr),
		Site:           site.New(cfg.Site.StaticDir, routes, nil),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Production:     cfg.Production(),
	})

	tlsConfig, err := relaytls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.SelfSigned)
	if err != nil {
		return fmt.Errorf("setting up TLS: %w", err)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("0.0.0.0", cfg.Port),
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("starting contact-relay",
		"addr", srv.Addr,
		"env", cfg.Env,
		"provider", prov.Name(),
		"delivers", provider.Delivers(prov),
		"rate_limit_backend", cfg.RateLimit.Backend,
		"tls", tlsConfig != nil,
		"static_dir", cfg.Site.StaticDir,
	)

	errCh := make(chan error, 1)
	go func() {
		if tlsConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func newLimiter(ctx context.Context, cfg *config.Config, rdb *redis.Client) ratelimit.Limiter {
	opts := ratelimit.Options{
		MaxRequests: cfg.RateLimit.Max,
		Window:      cfg.RateLimit.Window,
	}
	if cfg.RateLimit.Backend == config.BackendRedis {
		return ratelimit.NewRedisStore(rdb, opts,
			ratelimit.WithKeyPrefix(cfg.Redis.Prefix+":ratelimit"),
		)
	}
	mem := ratelimit.NewMemoryStore(opts)
	mem.StartJanitor(ctx, cfg.RateLimit.Sweep)
	return mem
}

// selectProvider picks the mail transport. PROVIDER=auto tries SMTP, Graph
// and SES in that order and falls back to printing messages to stdout. An
// explicit choice with incomplete credentials is an error.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		if !cfg.SMTPConfigured() {
			return nil, fmt.Errorf("smtp: SMTP_USER with SMTP_PASS or OAuth credentials required: %w", provider.ErrNotConfigured)
		}
		return newSMTP(cfg)

	case config.ProviderGraph:
		if !cfg.GraphConfigured() {
			return nil, fmt.Errorf("graph: GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER required: %w", provider.ErrNotConfigured)
		}
		return newGraph(cfg)

	case config.ProviderSES:
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("ses: SES_REGION and SES_SENDER required: %w", provider.ErrNotConfigured)
		}
		return newSES(ctx, cfg)

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil
	}

	switch {
	case cfg.SMTPConfigured():
		return newSMTP(cfg)
	case cfg.GraphConfigured():
		return newGraph(cfg)
	case cfg.SESConfigured():
		return newSES(ctx, cfg)
	}
	slog.Warn("no mail transport configured, emails will be printed instead of sent")
	return stdout.New(), nil
}

func newSMTP(cfg *config.Config) (provider.Provider, error) {
	smtpCfg := smtp.Config{
		Host:         cfg.SMTP.Host,
		Port:         cfg.SMTP.Port,
		Username:     cfg.SMTP.Username,
		VerifyTLS:    cfg.Production(),
		MaxPerMinute: cfg.SMTP.MaxPerMinute,
	}

	auth := "plain"
	if cfg.OAuthConfigured() {
		tokens, err := oauth.New(smtpOAuthConfig(cfg), nil)
		if err != nil {
			return nil, fmt.Errorf("smtp oauth: %w", err)
		}
		smtpCfg.Tokens = tokens
		auth = smtp.XOAuth2
	} else {
		smtpCfg.Password = cfg.SMTP.Password
	}

	p, err := smtp.New(smtpCfg)
	if err != nil {
		return nil, err
	}
	slog.Info("using SMTP provider",
		"host", cfg.SMTP.Host,
		"port", cfg.SMTP.Port,
		"user", cfg.SMTP.Username,
		"auth", auth,
	)
	return p, nil
}

// smtpOAuthConfig describes the delegated refresh-token grant used for
// XOAUTH2 submission to Microsoft 365.
func smtpOAuthConfig(cfg *config.Config) oauth.Config {
	return oauth.Config{
		TokenURL:     oauth.MicrosoftTokenURL(cfg.OAuth.TenantID),
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Scope:        oauth.SMTPScope,
		RefreshToken: cfg.OAuth.RefreshToken,
	}
}

func newGraph(cfg *config.Config) (provider.Provider, error) {
	p, err := graph.New(graph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
	return p, nil
}

func newSES(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	p, err := ses.New(ctx, ses.SESProviderConfig{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("ses: %w", err)
	}
	slog.Info("using AWS SES provider", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
	return p, nil
}

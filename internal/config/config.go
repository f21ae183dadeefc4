// Package config provides environment-variable-first configuration loading
// with an optional YAML file as the base layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in PROVIDER.
const (
	ProviderAuto   = "auto"
	ProviderSMTP   = "smtp"
	ProviderGraph  = "graph"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

// Rate limit backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const (
	defaultFrom         = "noreply@areebb.com"
	defaultContactEmail = "info@areebb.com"
)

// Config holds the complete application configuration.
type Config struct {
	Env       string          `yaml:"env"`
	Port      string          `yaml:"port"`
	Provider  string          `yaml:"provider"`
	Mail      MailConfig      `yaml:"mail"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Graph     GraphConfig     `yaml:"graph"`
	SES       SESConfig       `yaml:"ses"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	Logo      LogoConfig      `yaml:"logo"`
	Site      SiteConfig      `yaml:"site"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MailConfig holds the addresses used by both emails.
type MailConfig struct {
	From         string        `yaml:"from"`
	FromName     string        `yaml:"from_name"`
	ContactEmail string        `yaml:"contact_email"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
}

// SMTPConfig holds the outbound relay settings.
type SMTPConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxPerMinute int    `yaml:"max_per_minute"`
}

// OAuthConfig holds the delegated credentials for SMTP XOAUTH2.
type OAuthConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// CORSConfig lists the origins allowed in production.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig configures the submission gate.
type RateLimitConfig struct {
	Max             int           `yaml:"max"`
	Window          time.Duration `yaml:"window"`
	Sweep           time.Duration `yaml:"sweep"`
	Backend         string        `yaml:"backend"`
	TrustRemoteAddr bool          `yaml:"trust_remote_addr"`
	Stats           bool          `yaml:"stats"`
}

// RedisConfig holds the shared limiter store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LogoConfig locates the inline email logo.
type LogoConfig struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

// SiteConfig locates the built frontend.
type SiteConfig struct {
	StaticDir  string `yaml:"static_dir"`
	RoutesFile string `yaml:"routes_file"`
}

// TLSConfig holds TLS certificate file paths for the HTTP listener.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	cfg.finalize()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvVars()
	cfg.finalize()

	return cfg, nil
}

// Production reports whether the process runs with production semantics.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// OAuthConfigured returns true if the delegated OAuth2 credentials are complete.
func (c *Config) OAuthConfigured() bool {
	return c.OAuth.ClientID != "" &&
		c.OAuth.ClientSecret != "" &&
		c.OAuth.RefreshToken != ""
}

// SMTPConfigured returns true if a user is set together with a password or
// complete OAuth2 credentials.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Username != "" && (c.SMTP.Password != "" || c.OAuthConfigured())
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the region and sender are set. Credentials
// may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderAuto, ProviderSMTP, ProviderGraph, ProviderSES, ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Port))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("rate_limit.max must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.RateLimit.Sweep <= 0 {
		errs = append(errs, errors.New("rate_limit.sweep must be positive"))
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis rate limit backend requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend))
	}
	if c.RateLimit.Stats && c.Redis.Addr == "" {
		errs = append(errs, errors.New("rate limit stats require REDIS_ADDR"))
	}
	if c.Mail.SendTimeout <= 0 {
		errs = append(errs, errors.New("send timeout must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	c.Env = "development"
	c.Port = "5000"
	c.Provider = ProviderAuto
	c.Mail.FromName = "Areeb"
	c.Mail.ContactEmail = defaultContactEmail
	c.Mail.SendTimeout = 10 * time.Second
	c.SMTP.Host = "smtp.office365.com"
	c.SMTP.Port = 587
	c.SMTP.MaxPerMinute = 30
	c.OAuth.TenantID = "common"
	c.RateLimit.Max = 5
	c.RateLimit.Window = 15 * time.Minute
	c.RateLimit.Sweep = 5 * time.Minute
	c.RateLimit.Backend = BackendMemory
	c.Redis.Prefix = "contact-relay"
	c.Logo.Path = "dist/public/assets/logo.png"
	c.Site.StaticDir = "dist/public"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("NODE_ENV"); v != "" {
		c.Env = strings.ToLower(v)
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Env = strings.ToLower(v)
	}
	setString(&c.Port, "PORT")
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setString(&c.SMTP.Username, "SMTP_USER")
	setString(&c.SMTP.Password, "SMTP_PASS")
	setInt(&c.SMTP.MaxPerMinute, "SMTP_MAX_PER_MINUTE")
	setString(&c.Mail.From, "SMTP_FROM")
	setString(&c.Mail.FromName, "SMTP_FROM_NAME")
	setString(&c.Mail.ContactEmail, "CONTACT_EMAIL")
	setDuration(&c.Mail.SendTimeout, "SEND_TIMEOUT")

	setString(&c.OAuth.TenantID, "OAUTH_TENANT_ID")
	setString(&c.OAuth.ClientID, "OAUTH_CLIENT_ID")
	setString(&c.OAuth.ClientSecret, "OAUTH_CLIENT_SECRET")
	setString(&c.OAuth.RefreshToken, "OAUTH_REFRESH_TOKEN")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.CORS.AllowedOrigins = splitList(v)
	}

	setInt(&c.RateLimit.Max, "RATE_LIMIT_MAX")
	setDuration(&c.RateLimit.Window, "RATE_LIMIT_WINDOW")
	setDuration(&c.RateLimit.Sweep, "RATE_LIMIT_SWEEP")
	if v := os.Getenv("RATE_LIMIT_BACKEND"); v != "" {
		c.RateLimit.Backend = strings.ToLower(v)
	}
	setBool(&c.RateLimit.TrustRemoteAddr, "RATE_LIMIT_TRUST_REMOTE_ADDR")
	setBool(&c.RateLimit.Stats, "RATE_LIMIT_STATS")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Redis.Prefix, "REDIS_PREFIX")

	setString(&c.Logo.Path, "LOGO_PATH")
	setString(&c.Logo.URL, "LOGO_URL")

	setString(&c.Site.StaticDir, "STATIC_DIR")
	setString(&c.Site.RoutesFile, "SEO_ROUTES_FILE")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")
	setBool(&c.TLS.SelfSigned, "TLS_SELF_SIGNED")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// finalize fills values derived from other settings.
func (c *Config) finalize() {
	if c.Provider == "" {
		c.Provider = ProviderAuto
	}
	if c.Provider == "msgraph" {
		c.Provider = ProviderGraph
	}
	if c.Mail.From == "" {
		c.Mail.From = c.SMTP.Username
	}
	if c.Mail.From == "" {
		c.Mail.From = defaultFrom
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setDuration accepts Go durations ("90s") and bare milliseconds ("900000").
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package smtp implements a Provider that submits mail to an SMTP relay such
// as Microsoft 365, authenticating with PLAIN or XOAUTH2.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"golang.org/x/time/rate"

	"github.com/shineum/contact-relay/internal/compose"
	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/oauth"
	tlsconf "github.com/shineum/contact-relay/internal/tls"
)

// DefaultMaxPerMinute matches the Microsoft 365 submission limit.
const DefaultMaxPerMinute = 30

const (
	defaultPort        = 587
	implicitTLSPort    = 465
	defaultDialTimeout = 30 * time.Second
)

// ErrTLSUnavailable is returned when the STARTTLS upgrade cannot be
// negotiated.
var ErrTLSUnavailable = errors.New("smtp: STARTTLS unavailable")

// Config holds the relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// Tokens switches authentication to XOAUTH2.
	Tokens *oauth.TokenSource

	// RequireTLS upgrades with STARTTLS on ports other than 587 and 465.
	// Without it those ports speak plaintext.
	RequireTLS bool
	VerifyTLS  bool

	MaxPerMinute int
	DialTimeout  time.Duration
	Logger       *slog.Logger
}

// Provider delivers mail over SMTP. One connection is opened per message.
type Provider struct {
	cfg     Config
	addr    string
	tls     *tls.Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Username != "" && cfg.Password == "" && cfg.Tokens == nil {
		return nil, errors.New("smtp: password or OAuth2 credentials are required")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = DefaultMaxPerMinute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Provider{
		cfg:     cfg,
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tls:     tlsconf.ClientConfig(cfg.Host, cfg.VerifyTLS),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxPerMinute)), cfg.MaxPerMinute),
		logger:  cfg.Logger,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Send waits for a throttle slot, then submits msg. An XOAUTH2 rejection is
// retried once with a freshly issued token.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("smtp: throttled: %w", err)
	}

	raw, err := compose.Build(msg)
	if err != nil {
		return err
	}

	err = p.deliver(ctx, msg, raw)
	var authErr *authError
	if err != nil && p.cfg.Tokens != nil && errors.As(err, &authErr) {
		p.logger.Info("smtp authentication rejected, refreshing token")
		if _, refreshErr := p.cfg.Tokens.ForceRefresh(ctx); refreshErr != nil {
			return fmt.Errorf("smtp: token refresh failed: %w", refreshErr)
		}
		err = p.deliver(ctx, msg, raw)
	}
	if err != nil {
		return err
	}

	p.logger.Debug("email submitted",
		"message_id", msg.MessageID,
		"recipients", len(msg.Recipients()),
	)
	return nil
}

func (p *Provider) deliver(ctx context.Context, msg *email.Email, raw []byte) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("smtp: connect %s: %w", p.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	c, err := p.client(conn)
	if err != nil {
		return err
	}
	defer c.Close()

	if p.cfg.Username != "" {
		client, err := p.authClient(ctx)
		if err != nil {
			return err
		}
		if err := c.Auth(client); err != nil {
			return &authError{err: err}
		}
	}

	if err := c.Mail(msg.From, nil); err != nil {
		return fmt.Errorf("smtp: MAIL FROM: %w", err)
	}
	for _, rcpt := range msg.Recipients() {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("smtp: RCPT TO <%s>: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp: DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("smtp: write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: message rejected: %w", err)
	}

	if err := c.Quit(); err != nil {
		p.logger.Debug("smtp QUIT failed", "error", err)
	}
	return nil
}

// startTLS reports whether the session must be upgraded before AUTH.
func (p *Provider) startTLS() bool {
	switch p.cfg.Port {
	case implicitTLSPort:
		return false
	case defaultPort:
		return true
	}
	return p.cfg.RequireTLS
}

// client greets the server on conn, upgrading with STARTTLS when required.
func (p *Provider) client(conn net.Conn) (*gosmtp.Client, error) {
	if p.startTLS() {
		c, err := gosmtp.NewClientStartTLS(conn, p.tls)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSUnavailable, err)
		}
		return c, nil
	}

	c := gosmtp.NewClient(conn)
	if err := c.Hello("localhost"); err != nil {
		c.Close()
		return nil, fmt.Errorf("smtp: EHLO: %w", err)
	}
	return c, nil
}

func (p *Provider) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	if p.cfg.Port == implicitTLSPort {
		td := &tls.Dialer{NetDialer: dialer, Config: p.tls}
		return td.DialContext(ctx, "tcp", p.addr)
	}
	return dialer.DialContext(ctx, "tcp", p.addr)
}

func (p *Provider) authClient(ctx context.Context) (sasl.Client, error) {
	if p.cfg.Tokens == nil {
		return sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password), nil
	}
	token, err := p.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("smtp: access token: %w", err)
	}
	return newXOAuth2Client(p.cfg.Username, token), nil
}

type authError struct {
	err error
}

func (e *authError) Error() string { return "smtp: authentication failed: " + e.err.Error() }

func (e *authError) Unwrap() error { return e.err }

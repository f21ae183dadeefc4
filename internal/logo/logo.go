// Package logo loads the company logo embedded inline in outgoing emails.
package logo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shineum/contact-relay/internal/email"
)

// maxLogoSize bounds a fetched logo.
const maxLogoSize = 2 << 20

const (
	defaultTimeout    = 5 * time.Second
	defaultRetryAfter = time.Minute
)

// Defaults for the attachment built from the logo bytes.
const (
	DefaultFilename    = "areeb-logo.png"
	DefaultContentType = "image/png"
)

// Config describes where to find the logo.
type Config struct {
	// Paths are tried in order; the first readable file wins.
	Paths []string
	// URL is fetched when no path is readable.
	URL         string
	ContentID   string
	Filename    string
	ContentType string
	// Timeout bounds one lookup, independent of any caller.
	Timeout time.Duration
	// RetryAfter is how long a failed lookup is remembered.
	RetryAfter time.Duration
	Logger     *slog.Logger
}

// Loader resolves the logo in the background and caches the first
// successful result. Concurrent callers share one lookup, and a failure is
// not retried until RetryAfter has passed.
type Loader struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	cached   *email.Attachment
	retryAt  time.Time
	inflight chan struct{}
}

// New creates a Loader.
func New(cfg Config) *Loader {
	if cfg.Filename == "" {
		cfg.Filename = DefaultFilename
	}
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = defaultRetryAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loader{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

// Attachment returns the logo as an inline attachment, or nil when the logo
// is unavailable or not resolved before ctx ends. Emails are then sent
// without the image.
func (l *Loader) Attachment(ctx context.Context) *email.Attachment {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	if l.cached != nil || time.Now().Before(l.retryAt) {
		att := l.cached
		l.mu.Unlock()
		return att
	}
	if l.inflight == nil {
		l.inflight = make(chan struct{})
		go l.resolve(l.inflight)
	}
	done := l.inflight
	l.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn("email logo not ready, sending without it", "error", ctx.Err())
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cached
}

// resolve runs one lookup and records its outcome before closing done.
func (l *Loader) resolve(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Timeout)
	defer cancel()

	content, err := l.load(ctx)

	l.mu.Lock()
	defer close(done)
	defer l.mu.Unlock()

	l.inflight = nil
	if err != nil {
		l.logger.Warn("email logo unavailable", "error", err, "retry_after", l.cfg.RetryAfter)
		l.retryAt = time.Now().Add(l.cfg.RetryAfter)
		return
	}
	l.cached = &email.Attachment{
		Filename:    l.cfg.Filename,
		ContentType: l.cfg.ContentType,
		Content:     content,
		ContentID:   l.cfg.ContentID,
	}
}

func (l *Loader) load(ctx context.Context) ([]byte, error) {
	for _, p := range l.cfg.Paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		l.logger.Debug("logo path not readable", "path", p, "error", err)
	}

	if l.cfg.URL == "" {
		return nil, fmt.Errorf("no readable logo in %v and no logo URL", l.cfg.Paths)
	}
	return l.fetch(ctx)
}

func (l *Loader) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create logo request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("logo URL returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLogoSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read logo: %w", err)
	}
	if len(data) > maxLogoSize {
		return nil, fmt.Errorf("logo exceeds %d bytes", maxLogoSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("logo URL returned an empty body")
	}
	return data, nil
}

package logo

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

func TestAttachment_FirstReadablePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	second := filepath.Join(dir, "logo.png")
	if err := os.WriteFile(second, pngBytes, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(Config{
		Paths:     []string{filepath.Join(dir, "missing.png"), second},
		ContentID: "areeb-logo",
	})

	att := l.Attachment(context.Background())
	if att == nil {
		t.Fatal("expected attachment, got nil")
	}
	if !bytes.Equal(att.Content, pngBytes) {
		t.Errorf("Content: got %q, want %q", att.Content, pngBytes)
	}
	if att.ContentID != "areeb-logo" {
		t.Errorf("ContentID: got %q, want %q", att.ContentID, "areeb-logo")
	}
	if att.Filename != DefaultFilename {
		t.Errorf("Filename: got %q, want %q", att.Filename, DefaultFilename)
	}
	if att.ContentType != DefaultContentType {
		t.Errorf("ContentType: got %q, want %q", att.ContentType, DefaultContentType)
	}
}

func TestAttachment_FetchesURLOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer srv.Close()

	l := New(Config{URL: srv.URL + "/logo.png", ContentID: "cid"})
	for i := 0; i < 3; i++ {
		if att := l.Attachment(context.Background()); att == nil {
			t.Fatalf("call %d: expected attachment", i)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("fetches: got %d, want 1", got)
	}
}

func TestAttachment_Unavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"nothing configured", Config{}},
		{"missing file", Config{Paths: []string{filepath.Join(t.TempDir(), "nope.png")}}},
		{"404 url", Config{URL: srv.URL}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if att := New(tt.cfg).Attachment(context.Background()); att != nil {
				t.Errorf("expected nil, got %+v", att)
			}
		})
	}
}

func TestAttachment_NilLoader(t *testing.T) {
	t.Parallel()

	var l *Loader
	if att := l.Attachment(context.Background()); att != nil {
		t.Errorf("expected nil, got %+v", att)
	}
}

func TestAttachment_RemembersFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	l := New(Config{
		URL:    srv.URL,
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})
	for i := 0; i < 3; i++ {
		if att := l.Attachment(context.Background()); att != nil {
			t.Fatalf("call %d: expected nil, got %+v", i, att)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("fetches: got %d, want 1", got)
	}
	if !strings.Contains(logs.String(), "email logo unavailable") {
		t.Errorf("expected failure on the injected logger, got %q", logs.String())
	}
}

func TestAttachment_RetriesAfterFailureWindow(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		w.Write(pngBytes)
	}))
	defer srv.Close()

	l := New(Config{URL: srv.URL, RetryAfter: 20 * time.Millisecond})
	if att := l.Attachment(context.Background()); att != nil {
		t.Fatalf("first call: expected nil, got %+v", att)
	}
	time.Sleep(50 * time.Millisecond)
	if att := l.Attachment(context.Background()); att == nil {
		t.Fatal("second call: expected attachment after the failure window")
	}
}

func TestAttachment_HangingURLSharedAndBounded(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	l := New(Config{URL: srv.URL, Timeout: 5 * time.Second})

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			if att := l.Attachment(ctx); att != nil {
				t.Errorf("expected nil, got %+v", att)
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("callers waited %v, want bounded by their contexts", elapsed)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("fetches: got %d, want 1", got)
	}
}

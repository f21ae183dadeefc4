package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/contact-relay/internal/contact"
	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/logo"
	"github.com/shineum/contact-relay/internal/provider/stdout"
	"github.com/shineum/contact-relay/internal/render"
)

// recordingProvider records every message and fails sends to addresses
// listed in failFor.
type recordingProvider struct {
	mu      sync.Mutex
	sent    []*email.Email
	failFor map[string]error
	block   bool
}

func (p *recordingProvider) Send(ctx context.Context, msg *email.Email) error {
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	if err, ok := p.failFor[msg.To[0]]; ok {
		return err
	}
	return nil
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) byRecipient(addr string) *email.Email {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.sent {
		if m.To[0] == addr {
			return m
		}
	}
	return nil
}

var submission = contact.Submission{
	Name:    "Jane <b>Doe</b>",
	Email:   "jane@example.com",
	Phone:   "+962 7 9000 0000",
	Subject: "Partnership",
	Message: "Hello\nthere",
}

func newDispatcher(p *recordingProvider) *Dispatcher {
	return &Dispatcher{
		Provider:     p,
		Renderer:     render.New(render.DefaultBrand),
		From:         "noreply@areebb.com",
		FromName:     "Areeb",
		ContactEmail: "info@areebb.com",
		Timeout:      time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:          func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) },
	}
}

func TestDispatch_SendsTwoEmails(t *testing.T) {
	t.Parallel()

	p := &recordingProvider{}
	d := newDispatcher(p)

	res, err := d.Dispatch(context.Background(), submission)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Delivered {
		t.Error("Delivered: got false, want true")
	}
	if res.ConfirmationErr != nil {
		t.Errorf("ConfirmationErr: got %v, want nil", res.ConfirmationErr)
	}
	if len(p.sent) != 2 {
		t.Fatalf("sends: got %d, want 2", len(p.sent))
	}

	notification := p.byRecipient("info@areebb.com")
	if notification == nil {
		t.Fatal("no notification sent to the company inbox")
	}
	if notification.ReplyTo != "jane@example.com" {
		t.Errorf("notification ReplyTo: got %q, want %q", notification.ReplyTo, "jane@example.com")
	}
	if notification.Subject != "New Contact Form Submission - Partnership" {
		t.Errorf("notification Subject: got %q", notification.Subject)
	}
	if notification.From != "noreply@areebb.com" || notification.FromName != "Areeb" {
		t.Errorf("notification From: got %q <%s>", notification.FromName, notification.From)
	}
	if !strings.Contains(notification.TextBody, "3/5/2024, 2:07:09 PM") {
		t.Errorf("notification should carry the submission time:\n%s", notification.TextBody)
	}
	if strings.Contains(notification.HtmlBody, "<b>Doe</b>") {
		t.Error("notification HTML contains unescaped markup")
	}

	confirmation := p.byRecipient("jane@example.com")
	if confirmation == nil {
		t.Fatal("no confirmation sent to the submitter")
	}
	if confirmation.ReplyTo != "" {
		t.Errorf("confirmation ReplyTo: got %q, want empty", confirmation.ReplyTo)
	}
	if confirmation.Subject != "Thank you for contacting Areeb - Partnership" {
		t.Errorf("confirmation Subject: got %q", confirmation.Subject)
	}
}

func TestDispatch_ConfirmationFailureTolerated(t *testing.T) {
	t.Parallel()

	boom := errors.New("mailbox unavailable")
	p := &recordingProvider{failFor: map[string]error{"jane@example.com": boom}}
	d := newDispatcher(p)

	res, err := d.Dispatch(context.Background(), submission)
	if err != nil {
		t.Fatalf("confirmation failure must not fail the dispatch, got %v", err)
	}
	if !errors.Is(res.ConfirmationErr, boom) {
		t.Errorf("ConfirmationErr: got %v, want %v", res.ConfirmationErr, boom)
	}
	if len(p.sent) != 2 {
		t.Errorf("sends: got %d, want 2", len(p.sent))
	}
}

func TestDispatch_NotificationFailureIsFatal(t *testing.T) {
	t.Parallel()

	boom := errors.New("relay refused")
	p := &recordingProvider{failFor: map[string]error{"info@areebb.com": boom}}
	d := newDispatcher(p)

	_, err := d.Dispatch(context.Background(), submission)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if len(p.sent) != 2 {
		t.Errorf("confirmation should still be attempted: sends got %d, want 2", len(p.sent))
	}
}

func TestDispatch_Timeout(t *testing.T) {
	t.Parallel()

	p := &recordingProvider{block: true}
	d := newDispatcher(p)
	d.Timeout = 20 * time.Millisecond

	start := time.Now()
	_, err := d.Dispatch(context.Background(), submission)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dispatch took %v, want bounded by the send timeout", elapsed)
	}
}

func TestDispatch_NoOpTransport(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newDispatcher(&recordingProvider{})
	d.Provider = stdout.NewWithWriter(&out, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := d.Dispatch(context.Background(), submission)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Delivered {
		t.Error("Delivered: got true, want false for the stdout transport")
	}
	if strings.Count(out.String(), "========================================\n") != 4 {
		t.Errorf("expected both emails to be printed, got:\n%s", out.String())
	}
}

func TestDispatch_InlineLogo(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logo.png")
	if err := os.WriteFile(path, []byte("\x89PNG"), 0o600); err != nil {
		t.Fatal(err)
	}

	p := &recordingProvider{}
	d := newDispatcher(p)
	d.Logo = logo.New(logo.Config{Paths: []string{path}, ContentID: render.DefaultBrand.LogoCID})

	if _, err := d.Dispatch(context.Background(), submission); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, msg := range p.sent {
		if len(msg.Attachments) != 1 || msg.Attachments[0].ContentID != "areeb-logo" {
			t.Errorf("%s: expected inline logo attachment, got %+v", msg.To[0], msg.Attachments)
		}
		if !strings.Contains(msg.HtmlBody, "cid:areeb-logo") {
			t.Errorf("%s: HTML body should reference the inline logo", msg.To[0])
		}
	}
}

func TestDispatch_SlowLogoBoundedBySendTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := &recordingProvider{}
	d := newDispatcher(p)
	d.Timeout = 200 * time.Millisecond
	d.Logo = logo.New(logo.Config{
		URL:       srv.URL + "/logo.png",
		ContentID: render.DefaultBrand.LogoCID,
		Timeout:   5 * time.Second,
		Logger:    d.Logger,
	})

	start := time.Now()
	if _, err := d.Dispatch(context.Background(), submission); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dispatch took %v, want bounded by the send timeout", elapsed)
	}
	if len(p.sent) != 2 {
		t.Fatalf("sends: got %d, want 2", len(p.sent))
	}
	for _, msg := range p.sent {
		if len(msg.Attachments) != 0 {
			t.Errorf("%s: expected no logo attachment, got %d", msg.To[0], len(msg.Attachments))
		}
		if strings.Contains(msg.HtmlBody, "cid:areeb-logo") {
			t.Errorf("%s: HTML body should not reference a missing logo", msg.To[0])
		}
	}
}

func TestSendNotification_RequiresContactEmail(t *testing.T) {
	t.Parallel()

	p := &recordingProvider{}
	d := newDispatcher(p)
	d.ContactEmail = ""

	if err := d.SendNotification(context.Background(), submission); err == nil {
		t.Fatal("expected error without a contact address")
	}
	if len(p.sent) != 0 {
		t.Errorf("sends: got %d, want 0", len(p.sent))
	}
}

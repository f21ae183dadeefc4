package stdout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/provider"
)

func newTestProvider(out *bytes.Buffer, logs *bytes.Buffer) *Provider {
	return NewWithWriter(out, slog.New(slog.NewJSONHandler(logs, nil)))
}

func TestSend_Notification(t *testing.T) {
	t.Parallel()

	var out, logs bytes.Buffer
	p := newTestProvider(&out, &logs)

	msg := &email.Email{
		From:     "noreply@areebb.com",
		FromName: "Areeb",
		To:       []string{"info@areebb.com"},
		ReplyTo:  "jane@example.com",
		Subject:  "New Contact Form Submission - Hello",
		TextBody: "From: Jane",
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := out.String()
	for _, want := range []string{
		`From: "Areeb" <noreply@areebb.com>`,
		"To: info@areebb.com",
		"Reply-To: jane@example.com",
		"Subject: New Contact Form Submission - Hello",
		"From: Jane",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(output, "Cc:") {
		t.Error("output should not contain Cc line when there are no Cc recipients")
	}
	if !strings.HasPrefix(output, "========================================\n") {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, "========================================\n") {
		t.Error("output should end with separator line")
	}

	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, logs.String())
	}
	if entry["subject"] != msg.Subject {
		t.Errorf("logged subject: got %v, want %q", entry["subject"], msg.Subject)
	}
	if entry["reply_to"] != "jane@example.com" {
		t.Errorf("logged reply_to: got %v", entry["reply_to"])
	}
}

func TestSend_HTMLFallbackAndInlineAttachment(t *testing.T) {
	t.Parallel()

	var out, logs bytes.Buffer
	p := newTestProvider(&out, &logs)

	msg := &email.Email{
		From:     "noreply@areebb.com",
		To:       []string{"jane@example.com"},
		Subject:  "Thanks",
		HtmlBody: "<p>Dear Jane</p>",
		Attachments: []email.Attachment{
			{Filename: "areeb-logo.png", ContentType: "image/png", Content: make([]byte, 46080), ContentID: "areeb-logo"},
			{Filename: "report.pdf", ContentType: "application/pdf", Content: make([]byte, 1258291)},
		},
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := out.String()
	if !strings.Contains(output, "<p>Dear Jane</p>") {
		t.Error("output should fall back to HTML body")
	}
	if !strings.Contains(output, "areeb-logo.png (45.0 KB) inline cid:areeb-logo") {
		t.Errorf("output missing inline attachment summary: %s", output)
	}
	if !strings.Contains(output, "report.pdf (1.2 MB)") {
		t.Errorf("output missing attachment summary: %s", output)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestSend_WriteErrorStillSucceeds(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	p := NewWithWriter(failingWriter{}, slog.New(slog.NewJSONHandler(&logs, nil)))

	err := p.Send(context.Background(), &email.Email{To: []string{"a@example.com"}, Subject: "x"})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if !strings.Contains(logs.String(), "failed to print email") {
		t.Error("expected write failure to be logged")
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New().Name(); got != "stdout" {
		t.Errorf("Name(): got %q, want %q", got, "stdout")
	}
}

func TestDelivers(t *testing.T) {
	t.Parallel()
	if provider.Delivers(New()) {
		t.Error("stdout provider must report that it does not deliver")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{46080, "45.0 KB"},
		{1048576, "1.0 MB"},
		{1258291, "1.2 MB"},
	}

	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

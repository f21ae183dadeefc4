// Package compose serializes an email.Email into an RFC 5322 message.
//
// The layout is the one mail clients render best for branded mail:
//
//	multipart/mixed
//	├── multipart/related
//	│   ├── multipart/alternative (text/plain, text/html)
//	│   └── inline parts referenced by Content-ID
//	└── regular attachments
//
// Levels with a single child are collapsed.
package compose

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/shineum/contact-relay/internal/email"
)

// Build renders msg, stamping the current time as its Date.
func Build(msg *email.Email) ([]byte, error) {
	return BuildAt(msg, time.Now())
}

// BuildAt renders msg with the given Date. If msg.MessageID is empty a new
// one is generated and stored back on msg so providers can log it.
func BuildAt(msg *email.Email, date time.Time) ([]byte, error) {
	if msg.From == "" {
		return nil, fmt.Errorf("compose: missing From address")
	}
	if len(msg.Recipients()) == 0 {
		return nil, fmt.Errorf("compose: no recipients")
	}

	if msg.MessageID == "" {
		msg.MessageID = NewMessageID(msg.From)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: SanitizeHeader(msg.FromName), Address: SanitizeHeader(msg.From)}})
	h.SetAddressList("To", addressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", addressList(msg.Cc))
	}
	if msg.ReplyTo != "" {
		h.SetAddressList("Reply-To", addressList([]string{msg.ReplyTo}))
	}
	h.SetSubject(SanitizeHeader(msg.Subject))
	h.SetMessageID(strings.Trim(msg.MessageID, "<>"))

	var inline, regular []email.Attachment
	for _, att := range msg.Attachments {
		if att.Inline() {
			inline = append(inline, att)
		} else {
			regular = append(regular, att)
		}
	}

	var buf bytes.Buffer
	switch {
	case len(regular) > 0:
		h.SetContentType("multipart/mixed", nil)
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return nil, fmt.Errorf("compose: create writer: %w", err)
		}
		if err := writeRelated(w, msg, inline); err != nil {
			return nil, err
		}
		for _, att := range regular {
			if err := writeAttachment(w, att); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compose: close message: %w", err)
		}
	case len(inline) > 0:
		h.SetContentType("multipart/related", map[string]string{"type": "multipart/alternative"})
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return nil, fmt.Errorf("compose: create writer: %w", err)
		}
		if err := fillRelated(w, msg, inline); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compose: close message: %w", err)
		}
	default:
		if err := writeBody(&buf, h.Header, msg); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// writeRelated adds the body (plus inline parts) as one child of parent.
func writeRelated(parent *message.Writer, msg *email.Email, inline []email.Attachment) error {
	if len(inline) == 0 {
		return writeBodyPart(parent, msg)
	}

	var h message.Header
	h.SetContentType("multipart/related", map[string]string{"type": "multipart/alternative"})
	w, err := parent.CreatePart(h)
	if err != nil {
		return fmt.Errorf("compose: create related part: %w", err)
	}
	if err := fillRelated(w, msg, inline); err != nil {
		return err
	}
	return w.Close()
}

func fillRelated(w *message.Writer, msg *email.Email, inline []email.Attachment) error {
	if err := writeBodyPart(w, msg); err != nil {
		return err
	}
	for _, att := range inline {
		if err := writeInline(w, att); err != nil {
			return err
		}
	}
	return nil
}

// writeBody writes a message whose root entity is the body itself.
func writeBody(out io.Writer, root message.Header, msg *email.Email) error {
	switch {
	case msg.TextBody != "" && msg.HtmlBody != "":
		root.SetContentType("multipart/alternative", nil)
		w, err := message.CreateWriter(out, root)
		if err != nil {
			return fmt.Errorf("compose: create writer: %w", err)
		}
		if err := writeAlternatives(w, msg); err != nil {
			return err
		}
		return w.Close()
	default:
		setTextHeader(&root, msg)
		w, err := message.CreateWriter(out, root)
		if err != nil {
			return fmt.Errorf("compose: create writer: %w", err)
		}
		if _, err := io.WriteString(w, singleBody(msg)); err != nil {
			return fmt.Errorf("compose: write body: %w", err)
		}
		return w.Close()
	}
}

// writeBodyPart writes the text/html body as a child part of parent.
func writeBodyPart(parent *message.Writer, msg *email.Email) error {
	if msg.TextBody != "" && msg.HtmlBody != "" {
		var h message.Header
		h.SetContentType("multipart/alternative", nil)
		w, err := parent.CreatePart(h)
		if err != nil {
			return fmt.Errorf("compose: create alternative part: %w", err)
		}
		if err := writeAlternatives(w, msg); err != nil {
			return err
		}
		return w.Close()
	}

	var h message.Header
	setTextHeader(&h, msg)
	return writePart(parent, h, []byte(singleBody(msg)))
}

func writeAlternatives(w *message.Writer, msg *email.Email) error {
	var text message.Header
	text.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	text.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(w, text, []byte(msg.TextBody)); err != nil {
		return err
	}

	var html message.Header
	html.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	html.Set("Content-Transfer-Encoding", "quoted-printable")
	return writePart(w, html, []byte(msg.HtmlBody))
}

func setTextHeader(h *message.Header, msg *email.Email) {
	mediaType := "text/plain"
	if msg.TextBody == "" && msg.HtmlBody != "" {
		mediaType = "text/html"
	}
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
}

func singleBody(msg *email.Email) string {
	if msg.TextBody != "" {
		return msg.TextBody
	}
	return msg.HtmlBody
}

func writeInline(parent *message.Writer, att email.Attachment) error {
	var h message.Header
	h.SetContentType(contentType(att), map[string]string{"name": att.Filename})
	h.SetContentDisposition("inline", map[string]string{"filename": att.Filename})
	h.Set("Content-ID", "<"+SanitizeHeader(att.ContentID)+">")
	h.Set("Content-Transfer-Encoding", "base64")
	return writePart(parent, h, att.Content)
}

func writeAttachment(parent *message.Writer, att email.Attachment) error {
	var h mail.AttachmentHeader
	h.SetContentType(contentType(att), nil)
	h.SetFilename(att.Filename)
	h.Set("Content-Transfer-Encoding", "base64")
	return writePart(parent, h.Header, att.Content)
}

func writePart(parent *message.Writer, h message.Header, body []byte) error {
	w, err := parent.CreatePart(h)
	if err != nil {
		return fmt.Errorf("compose: create part: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("compose: write part: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("compose: close part: %w", err)
	}
	return nil
}

func contentType(att email.Attachment) string {
	if att.ContentType == "" {
		return "application/octet-stream"
	}
	return att.ContentType
}

func addressList(addrs []string) []*mail.Address {
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, &mail.Address{Address: SanitizeHeader(a)})
	}
	return list
}

// NewMessageID returns a unique message identifier (without angle brackets)
// in the domain of the sender address.
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = strings.Trim(from[i+1:], "<> ")
	}
	return uuid.NewString() + "@" + domain
}

// SanitizeHeader strips CR and LF so a value cannot start a new header line.
func SanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}

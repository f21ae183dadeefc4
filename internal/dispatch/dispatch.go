// Package dispatch turns an accepted contact submission into the two outbound
// emails and hands them to the configured provider.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/contact-relay/internal/contact"
	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/logo"
	"github.com/shineum/contact-relay/internal/provider"
	"github.com/shineum/contact-relay/internal/render"
)

// DefaultTimeout bounds each individual send and the wait for the logo.
const DefaultTimeout = 10 * time.Second

// Dispatcher sends the notification and confirmation emails.
type Dispatcher struct {
	Provider provider.Provider
	Renderer *render.Renderer
	// Logo is optional; a nil loader sends both emails without the image.
	Logo *logo.Loader

	From         string
	FromName     string
	ContactEmail string
	Timeout      time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Result describes the outcome of Dispatch when the notification went out.
type Result struct {
	// Delivered is false when the provider only logs messages.
	Delivered bool
	// ConfirmationErr is the swallowed confirmation failure, if any.
	ConfirmationErr error
}

// Dispatch sends both emails concurrently and waits for both. A notification
// failure is returned; a confirmation failure is logged and reported only in
// the Result. The logo is resolved once for both messages.
func (d *Dispatcher) Dispatch(ctx context.Context, s contact.Submission) (Result, error) {
	att := d.attachment(ctx)

	var wg sync.WaitGroup
	var notifyErr, confirmErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		notifyErr = d.notify(ctx, s, att)
	}()
	go func() {
		defer wg.Done()
		confirmErr = d.confirm(ctx, s, att)
	}()
	wg.Wait()

	if confirmErr != nil {
		d.logger().Error("failed to send confirmation email",
			"provider", d.Provider.Name(),
			"error", confirmErr,
		)
	}
	if notifyErr != nil {
		d.logger().Error("failed to send notification email",
			"provider", d.Provider.Name(),
			"error", notifyErr,
		)
		return Result{ConfirmationErr: confirmErr}, notifyErr
	}

	return Result{
		Delivered:       provider.Delivers(d.Provider),
		ConfirmationErr: confirmErr,
	}, nil
}

// SendNotification emails the company inbox. Replies go to the submitter.
func (d *Dispatcher) SendNotification(ctx context.Context, s contact.Submission) error {
	if d.ContactEmail == "" {
		return errNoContactEmail
	}
	return d.notify(ctx, s, d.attachment(ctx))
}

// SendConfirmation emails the submitter. It carries no Reply-To.
func (d *Dispatcher) SendConfirmation(ctx context.Context, s contact.Submission) error {
	return d.confirm(ctx, s, d.attachment(ctx))
}

var errNoContactEmail = errors.New("dispatch: no contact address configured")

func (d *Dispatcher) notify(ctx context.Context, s contact.Submission, att *email.Attachment) error {
	if d.ContactEmail == "" {
		return errNoContactEmail
	}
	r := d.Renderer.Notification(s, d.now(), att != nil)

	msg := d.message(r, att)
	msg.To = []string{d.ContactEmail}
	msg.ReplyTo = s.Email

	return d.send(ctx, "notification", msg)
}

func (d *Dispatcher) confirm(ctx context.Context, s contact.Submission, att *email.Attachment) error {
	r := d.Renderer.Confirmation(s, att != nil)

	msg := d.message(r, att)
	msg.To = []string{s.Email}

	return d.send(ctx, "confirmation", msg)
}

// attachment waits for the logo no longer than one send timeout. Emails go
// out without the image when it is not ready by then.
func (d *Dispatcher) attachment(ctx context.Context) *email.Attachment {
	if d.Logo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	return d.Logo.Attachment(ctx)
}

func (d *Dispatcher) message(r render.Rendered, att *email.Attachment) *email.Email {
	msg := &email.Email{
		From:     d.From,
		FromName: d.FromName,
		Subject:  r.Subject,
		TextBody: r.Text,
		HtmlBody: r.HTML,
	}
	if att != nil {
		msg.Attachments = []email.Attachment{*att}
	}
	return msg
}

func (d *Dispatcher) send(ctx context.Context, kind string, msg *email.Email) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	start := time.Now()
	if err := d.Provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}

	d.logger().Info("email sent",
		"kind", kind,
		"provider", d.Provider.Name(),
		"to", msg.To,
		"message_id", msg.MessageID,
		"duration", time.Since(start),
	)
	return nil
}

func (d *Dispatcher) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

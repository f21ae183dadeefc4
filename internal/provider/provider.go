// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/contact-relay/internal/email"
)

// ErrNotConfigured is returned when a provider is selected explicitly but its
// credentials are incomplete.
var ErrNotConfigured = errors.New("provider not configured")

// Provider is the interface that email delivery backends must implement.
// Each provider handles the actual sending of composed messages to the
// target service (SMTP relay, AWS SES, Microsoft Graph, or stdout).
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Discarder is implemented by providers that accept messages without
// delivering them anywhere.
type Discarder interface {
	Discards() bool
}

// Delivers reports whether messages sent through p actually leave the process.
func Delivers(p Provider) bool {
	if d, ok := p.(Discarder); ok {
		return !d.Discards()
	}
	return true
}

// Package ses delivers mail through the AWS SES v2 SendEmail API.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/contact-relay/internal/compose"
	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/provider"
)

const charset = "UTF-8"

// SESProviderConfig holds the region, optional static credentials and the
// verified sender identity.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SendEmailAPI is the subset of the SES v2 client used here.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends as a verified SES identity.
type SESProvider struct {
	sender  string
	client  SendEmailAPI
	backoff provider.Backoff
	logger  *slog.Logger
}

// New loads the AWS configuration for cfg.Region. Static keys are used when
// both are set; otherwise the default credential chain applies.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ses: loading AWS config: %w", err)
	}
	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider around an existing client.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender:  sender,
		client:  client,
		backoff: provider.DefaultBackoff,
		logger:  slog.Default().With("provider", "ses"),
	}
}

// Name returns the provider name.
func (s *SESProvider) Name() string { return "ses" }

// Send delivers msg. Messages carrying attachments, the inline logo among
// them, go out as raw MIME; the rest use SES simple content.
func (s *SESProvider) Send(ctx context.Context, msg *email.Email) error {
	input, err := s.input(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= s.backoff.Retries; attempt++ {
		if attempt > 0 {
			if err := provider.Wait(ctx, s.backoff.Delay(attempt)); err != nil {
				return fmt.Errorf("ses: waiting to retry: %w", err)
			}
		}
		if _, lastErr = s.client.SendEmail(ctx, input); lastErr == nil {
			return nil
		}
		s.logger.Warn("SendEmail failed", "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("ses: SendEmail failed after %d retries: %w", s.backoff.Retries, lastErr)
}

func (s *SESProvider) input(msg *email.Email) (*sesv2.SendEmailInput, error) {
	if len(msg.Attachments) == 0 {
		return buildSimpleInput(s.sender, msg), nil
	}

	out := *msg
	out.From = s.sender
	raw, err := compose.Build(&out)
	if err != nil {
		return nil, fmt.Errorf("ses: composing raw message: %w", err)
	}
	return &sesv2.SendEmailInput{
		Destination: destination(msg),
		Content:     &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
	}, nil
}

func buildSimpleInput(sender string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}
	if msg.HtmlBody != "" {
		body.Html = content(msg.HtmlBody)
	}
	if msg.TextBody != "" {
		body.Text = content(msg.TextBody)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(mailbox(msg.FromName, sender)),
		Destination:      destination(msg),
		Content: &types.EmailContent{Simple: &types.Message{
			Subject: content(compose.SanitizeHeader(msg.Subject)),
			Body:    body,
		}},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	return input
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

func content(data string) *types.Content {
	return &types.Content{Data: aws.String(data), Charset: aws.String(charset)}
}

// mailbox formats name and addr as an RFC 5322 mailbox.
func mailbox(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

// Package email defines the outbound email data model shared by the renderer,
// the MIME composer and every delivery provider.
package email

// Email represents an outbound message with all its components.
type Email struct {
	From        string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	MessageID   string
}

// Attachment represents a file attached to an email message. When ContentID
// is set the part is sent inline and may be referenced from the HTML body as
// "cid:<ContentID>".
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	ContentID   string
}

// Inline reports whether the attachment is meant to be embedded in the HTML body.
func (a Attachment) Inline() bool {
	return a.ContentID != ""
}

// HasInline reports whether any attachment is inline.
func (e *Email) HasInline() bool {
	for _, att := range e.Attachments {
		if att.Inline() {
			return true
		}
	}
	return false
}

// Recipients returns every envelope recipient (To, Cc and Bcc).
func (e *Email) Recipients() []string {
	rcpts := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	rcpts = append(rcpts, e.To...)
	rcpts = append(rcpts, e.Cc...)
	rcpts = append(rcpts, e.Bcc...)
	return rcpts
}

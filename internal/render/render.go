// Package render produces the subject, plain-text and HTML bodies of the two
// contact-form emails. Rendering is pure: no I/O, no clock reads, no transport
// knowledge. Every submitter-supplied value is HTML-escaped in the HTML body.
package render

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/shineum/contact-relay/internal/contact"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Brand carries the company-specific strings baked into both emails.
type Brand struct {
	Company   string
	Signature string
	LogoCID   string
}

// DefaultBrand is the production branding.
var DefaultBrand = Brand{
	Company:   "Areeb",
	Signature: "Areeb Company",
	LogoCID:   "areeb-logo",
}

// TimestampLayout formats the submission time shown in the notification.
const TimestampLayout = "1/2/2006, 3:04:05 PM"

// Rendered is a fully rendered email body set.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

// Renderer renders notification and confirmation emails for a Brand.
type Renderer struct {
	brand Brand
	html  *template.Template
	text  *texttemplate.Template
}

type view struct {
	Brand     Brand
	S         contact.Submission
	Submitted string
	Logo      bool
}

// New parses the embedded templates. It panics only if the embedded
// templates are malformed, which the package tests catch.
func New(brand Brand) *Renderer {
	if brand.Company == "" {
		brand = DefaultBrand
	}
	if brand.Signature == "" {
		brand.Signature = brand.Company + " Company"
	}
	if brand.LogoCID == "" {
		brand.LogoCID = DefaultBrand.LogoCID
	}

	html := template.Must(template.New("html").
		Funcs(template.FuncMap{"nl2br": nl2br}).
		ParseFS(templateFS, "templates/*.html.tmpl"))
	text := texttemplate.Must(texttemplate.New("text").
		ParseFS(templateFS, "templates/*.txt.tmpl"))

	return &Renderer{brand: brand, html: html, text: text}
}

// Brand returns the branding used by r.
func (r *Renderer) Brand() Brand {
	return r.brand
}

// Notification renders the message sent to the company inbox. submitted is the
// time shown in the footer; withLogo adds the inline logo reference.
func (r *Renderer) Notification(s contact.Submission, submitted time.Time, withLogo bool) Rendered {
	v := view{
		Brand:     r.brand,
		S:         s,
		Submitted: submitted.Format(TimestampLayout),
		Logo:      withLogo,
	}
	return Rendered{
		Subject: "New Contact Form Submission - " + oneLine(s.Subject),
		Text:    r.execText("notification.txt.tmpl", v),
		HTML:    r.execHTML("notification.html.tmpl", v),
	}
}

// Confirmation renders the acknowledgement sent back to the submitter.
func (r *Renderer) Confirmation(s contact.Submission, withLogo bool) Rendered {
	v := view{Brand: r.brand, S: s, Logo: withLogo}
	return Rendered{
		Subject: "Thank you for contacting " + r.brand.Company + " - " + oneLine(s.Subject),
		Text:    r.execText("confirmation.txt.tmpl", v),
		HTML:    r.execHTML("confirmation.html.tmpl", v),
	}
}

// The templates only reference fields of view, so execution cannot fail once
// parsing succeeded; a failure here is a programming error.
func (r *Renderer) execHTML(name string, v view) string {
	var buf bytes.Buffer
	if err := r.html.ExecuteTemplate(&buf, name, v); err != nil {
		panic("render: " + err.Error())
	}
	return buf.String()
}

func (r *Renderer) execText(name string, v view) string {
	var buf bytes.Buffer
	if err := r.text.ExecuteTemplate(&buf, name, v); err != nil {
		panic("render: " + err.Error())
	}
	return buf.String()
}

// nl2br escapes s and turns line breaks into <br>.
func nl2br(s string) template.HTML {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return template.HTML(strings.ReplaceAll(template.HTMLEscapeString(s), "\n", "<br>"))
}

// oneLine folds line breaks so the value is safe inside a header.
func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
}

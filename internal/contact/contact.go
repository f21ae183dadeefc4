// Package contact defines the contact-form submission and its validation
// rules. The rules are the single source of truth for both the browser form
// and the server; the server-side check is authoritative.
package contact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// DefaultBodyLimit caps the JSON body accepted by Decode (1 MB).
const DefaultBodyLimit = 1 << 20

// Field limits, counted in Unicode code points.
const (
	MaxNameLength    = 100
	MaxSubjectLength = 200
	MaxMessageLength = 2000
)

// ErrInvalidForm is returned when the request body is not a JSON object with
// string fields.
var ErrInvalidForm = errors.New("Invalid form data")

// Submission is a single contact-form submission. It is transient and never
// persisted.
type Submission struct {
	Name    string `json:"name" validate:"required,max=100"`
	Email   string `json:"email" validate:"required,email,mailbox"`
	Phone   string `json:"phone,omitempty"`
	Subject string `json:"subject" validate:"required,max=200"`
	Message string `json:"message" validate:"required,max=2000"`
}

// FieldError describes one violated constraint.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationError lists every violated constraint in field order.
type ValidationError struct {
	Fields []FieldError
}

// Error returns the message of the first violated constraint.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrInvalidForm.Error()
	}
	return e.Fields[0].Message
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// mailboxPattern is the address grammar the contact form enforces: an
// unquoted local part, a dotted domain and a letter TLD.
var mailboxPattern = regexp.MustCompile(`(?i)^[a-z0-9_'+.-]*[a-z0-9_+-]@([a-z0-9][a-z0-9-]*\.)+[a-z]{2,}$`)

// validMailbox backs the "mailbox" tag. It narrows the RFC 5322 "email" rule
// so the address is safe to use as a recipient and Reply-To.
func validMailbox(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	local, _, _ := strings.Cut(addr, "@")
	if strings.HasPrefix(local, ".") || strings.Contains(local, "..") {
		return false
	}
	return mailboxPattern.MatchString(addr)
}

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate.RegisterValidation("mailbox", validMailbox)
	})
	return validate
}

// Validate checks s against the submission schema. It has no side effects and
// returns s unchanged on success. Failures are reported as *ValidationError.
func Validate(s Submission) (Submission, error) {
	err := validatorInstance().Struct(s)
	if err == nil {
		return s, nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Submission{}, fmt.Errorf("validate submission: %w", err)
	}

	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: messageFor(fe.Field(), fe.Tag(), fe.Param()),
		})
	}
	return Submission{}, out
}

// messageFor maps a failed rule to the message shown to the visitor.
func messageFor(field, tag, param string) string {
	if field == "email" {
		return "Invalid email address"
	}

	label := strings.ToUpper(field[:1]) + field[1:]
	switch tag {
	case "required":
		return label + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", label, param)
	default:
		return fmt.Sprintf("%s is invalid", label)
	}
}

// Decode reads a JSON submission from r. Bodies larger than limit bytes,
// malformed JSON and non-string field values all yield ErrInvalidForm.
// Unknown fields are ignored.
func Decode(r io.Reader, limit int64) (Submission, error) {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	if int64(len(data)) > limit {
		return Submission{}, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidForm, limit)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Submission{}, ErrInvalidForm
	}

	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	return s, nil
}

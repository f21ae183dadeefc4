// Package api exposes the contact endpoint and mounts the static site.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/contact-relay/internal/contact"
	"github.com/shineum/contact-relay/internal/dispatch"
	"github.com/shineum/contact-relay/internal/ratelimit"
)

// Response messages.
const (
	MsgSuccess          = "Thank you for your message. We'll get back to you soon!"
	MsgSendFailed       = "Failed to send message. Please try again later."
	MsgMethodNotAllowed = "Method not allowed"
	MsgNotFound         = "Not found"
	MsgInternal         = "Internal Server Error"
	MsgAPIWorking       = "API is working!"
)

// timestampLayout is ISO 8601 with milliseconds in UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Dispatcher sends the emails for an accepted submission.
type Dispatcher interface {
	Dispatch(ctx context.Context, s contact.Submission) (dispatch.Result, error)
}

// Options wires the server's collaborators.
type Options struct {
	Dispatcher Dispatcher
	Limiter    ratelimit.Limiter
	// Stats is optional.
	Stats   ratelimit.StatsStore
	KeyFunc ratelimit.KeyFunc
	// Site serves every path outside /api/, /health and /ready. Optional.
	Site http.Handler

	AllowedOrigins   []string
	Production       bool
	BodyLimit        int64
	RateLimitMessage string

	Logger *slog.Logger
	Now    func() time.Time
}

// Envelope is the uniform JSON response body.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Server routes requests. It implements http.Handler.
type Server struct {
	opts    Options
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
	origins map[string]bool
}

// New builds a Server. Dispatcher and Limiter are required.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = ratelimit.ClientKey(false)
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = contact.DefaultBodyLimit
	}
	if opts.RateLimitMessage == "" {
		opts.RateLimitMessage = ratelimit.DefaultMessage
	}

	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		origins: make(map[string]bool, len(opts.AllowedOrigins)),
	}
	for _, o := range opts.AllowedOrigins {
		s.origins[strings.TrimRight(o, "/")] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/contact", s.handleContact)
	mux.HandleFunc("/api/test", s.handleTest)
	mux.HandleFunc("/api/", s.handleNotFound)
	s.mux = mux

	s.handler = s.logRequests(s.recoverPanics(s.cors(s.securityHeaders(http.HandlerFunc(s.route)))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if strings.HasPrefix(path, "/api/") || path == "/api" {
		s.mux.ServeHTTP(w, r)
		return
	}
	if path == "/health" {
		s.respondText(w, http.StatusOK, "ok")
		return
	}
	if path == "/ready" {
		s.respondText(w, http.StatusOK, "ready")
		return
	}
	if s.opts.Site == nil {
		http.NotFound(w, r)
		return
	}
	s.opts.Site.ServeHTTP(w, r)
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		s.respondError(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed)
		return
	}

	key := s.opts.KeyFunc(r)
	dec, err := s.opts.Limiter.Check(r.Context(), key)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
		dec = ratelimit.Decision{Allowed: true}
	}
	s.recordStats(r, key, dec.Allowed)
	if !dec.Allowed {
		retry := dec.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		s.respondJSON(w, http.StatusTooManyRequests, Envelope{
			Message: s.opts.RateLimitMessage,
			Data:    map[string]int{"retryAfter": retry},
		})
		return
	}

	sub, err := contact.Decode(r.Body, s.opts.BodyLimit)
	if err == nil {
		sub, err = contact.Validate(sub)
	}
	if err != nil {
		s.respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	res, err := s.opts.Dispatcher.Dispatch(r.Context(), sub)
	if err != nil {
		s.logger.Error("contact dispatch failed", "error", err)
		s.respondError(w, http.StatusBadRequest, s.dispatchMessage(err))
		return
	}

	s.respondJSON(w, http.StatusOK, Envelope{
		Success: true,
		Message: MsgSuccess,
		Data:    map[string]bool{"delivered": res.Delivered},
	})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.respondError(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed)
		return
	}
	s.respondJSON(w, http.StatusOK, Envelope{
		Success: true,
		Message: MsgAPIWorking,
		Data:    map[string]string{"timestamp": s.opts.Now().UTC().Format(timestampLayout)},
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	s.respondError(w, http.StatusNotFound, MsgNotFound)
}

func (s *Server) recordStats(r *http.Request, key string, allowed bool) {
	if s.opts.Stats == nil {
		return
	}
	err := s.opts.Stats.Record(r.Context(), ratelimit.StatsEvent{
		Key:     key,
		Allowed: allowed,
		Method:  r.Method,
		Path:    r.URL.Path,
		At:      s.opts.Now(),
	})
	if err != nil {
		s.logger.Debug("rate limit stats not recorded", "error", err)
	}
}

// validationMessage surfaces the first violated constraint, or the generic
// form error for undecodable bodies.
func validationMessage(err error) string {
	var verr *contact.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	return contact.ErrInvalidForm.Error()
}

func (s *Server) dispatchMessage(err error) string {
	if s.opts.Production || err.Error() == "" {
		return MsgSendFailed
	}
	return err.Error()
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, Envelope{Success: false, Message: message})
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

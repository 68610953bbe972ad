package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/curetrials/trialchat"
	"github.com/curetrials/trialchat/internal/chat"
	"github.com/google/uuid"
)

// Sessions resolves the chat session behind a browser surface. A surface whose authenticated user
// changed gets a fresh session.
type Sessions interface {
	Session(id, userID string) *chat.Session
	Lookup(id string) (*chat.Session, bool)
	Close()
}

// Config tunes the HTTP surface.
type Config struct {
	// UserHeader names the request header the auth proxy sets to the authenticated user id. Requests
	// without it are anonymous.
	UserHeader string

	// SecureCookie marks the surface cookie as HTTPS-only.
	SecureCookie bool
}

// Main serves the chat page and its JSON and SSE endpoints on top of the per-surface chat sessions.
type Main struct {
	events    *Events
	templates *template.Template
	renderer  renderer

	sessions Sessions
	cfg      Config

	logger *slog.Logger
}

const (
	sessionCookieName = "trialchat_session"
	defaultUserHeader = "X-User-Id"

	errLoggerKey = "error"
)

// NewMain creates a new Main with the given session registry and event publisher, the same publisher the
// sessions report their changes to. It parses the required HTML templates from the embedded filesystem.
func NewMain(events *Events, sessions Sessions, cfg Config, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		trialchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	if cfg.UserHeader == "" {
		cfg.UserHeader = defaultUserHeader
	}
	logger = logger.With(slog.String("module", "main"))

	return Main{
		events:    events,
		templates: tmpl,
		renderer:  newRenderer(logger),
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// HandleSSE subscribes the page to the events of its session.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.events.ServeHTTP(w, r)
}

// Shutdown cancels the background work of all sessions and waits for it, then tells every connected
// page to close its event stream.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.Close()
	return m.events.Shutdown(ctx)
}

// surfaceID returns the chat surface of the request, assigning a new one through a cookie on first visit.
func (m Main) surfaceID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(30 * 24 * time.Hour),
	})
	return id
}

func (m Main) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(m.cfg.UserHeader))
}

// session returns the session of the request, creating it when needed.
func (m Main) session(w http.ResponseWriter, r *http.Request) *chat.Session {
	return m.sessions.Session(m.surfaceID(w, r), m.userID(r))
}

// existingSession returns the session of the request only if the surface already has one for the same
// user. Read-only endpoints use it so stray requests do not create sessions.
func (m Main) existingSession(r *http.Request) (*chat.Session, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}
	s, ok := m.sessions.Lookup(c.Value)
	if !ok || s.UserID() != m.userID(r) {
		return nil, false
	}
	return s, true
}

// userSession returns the session of an authenticated request. Anonymous requests get a 401 and no
// session.
func (m Main) userSession(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	if m.userID(r) == "" {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return nil, false
	}
	return m.session(w, r), true
}

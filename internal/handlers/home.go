package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/curetrials/trialchat/internal/chat"
	"github.com/curetrials/trialchat/internal/models"
)

type conversation struct {
	ID    string
	Title string

	Active bool
}

type homePageData struct {
	SessionID             string
	UserID                string
	CurrentConversationID string
	InFlight              bool

	Turns         []turnView
	Conversations []conversation
	Locations     locationsView

	Notice string
}

// HandleHome renders the chat page. The query parameters act as a deep link: "conversation" opens a
// saved conversation, otherwise "q" is submitted once as if the user had typed it.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := m.session(w, r)

	status := http.StatusOK
	var notice string

	link := chat.DeepLink{
		Query:          r.URL.Query().Get("q"),
		ConversationID: r.URL.Query().Get("conversation"),
	}
	if _, err := s.AutoSubmit(r.Context(), link); err != nil {
		switch {
		case errors.Is(err, chat.ErrUnauthenticated):
			status, notice = http.StatusUnauthorized, "Sign in to open saved conversations."
		case errors.Is(err, chat.ErrNotFound):
			status, notice = http.StatusNotFound, "That conversation could not be found."
		default:
			m.logger.Error("Failed to apply deep link",
				slog.String("conversationID", link.ConversationID),
				slog.String(errLoggerKey, err.Error()))
			status, notice = http.StatusInternalServerError, "That conversation could not be loaded."
		}
	}

	var convs []conversation
	if s.UserID() != "" {
		stored, err := s.Conversations(r.Context())
		if err != nil {
			m.logger.Error("Failed to get conversations",
				slog.String("userID", s.UserID()),
				slog.String(errLoggerKey, err.Error()))
		}
		convs = conversationList(stored, s.ConversationID())
	}

	turnID, locs := s.LatestLocations()
	data := homePageData{
		SessionID:             s.ID(),
		UserID:                s.UserID(),
		CurrentConversationID: s.ConversationID(),
		InFlight:              s.InFlight(),
		Turns:                 m.renderer.turns(s.Turns()),
		Conversations:         convs,
		Locations:             locationsView{TurnID: turnID, Locations: locs},
		Notice:                notice,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
	}
}

func conversationList(stored []models.Conversation, activeID string) []conversation {
	convs := make([]conversation, len(stored))
	for i, c := range stored {
		convs[i] = conversation{
			ID:     c.ID,
			Title:  c.Title,
			Active: c.ID == activeID,
		}
	}
	return convs
}

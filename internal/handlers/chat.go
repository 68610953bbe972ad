package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/curetrials/trialchat/internal/chat"
	"github.com/curetrials/trialchat/internal/models"
)

type chatRequest struct {
	Message      string `json:"message"`
	ExternalData bool   `json:"external_data"`
}

type chatResponse struct {
	Accepted bool       `json:"accepted"`
	Turns    []turnView `json:"turns"`
}

type turnsResponse struct {
	Turns          []turnView    `json:"turns"`
	Locations      locationsView `json:"locations"`
	ConversationID string        `json:"conversationId,omitempty"`
	InFlight       bool          `json:"inFlight"`
}

// HandleChat submits a user message to the session of the requesting surface. It accepts either form data
// or a JSON body with a "message" field and an optional "external_data" flag.
//
// The answer is produced in the background and delivered through the session's event stream; the response
// only carries the turn list right after submission. A message sent while the previous one is still being
// answered is not accepted and leaves the turn list unchanged.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := parseChatRequest(r)
	if err != nil {
		m.logger.Error("Invalid chat request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	s := m.session(w, r)
	_, accepted := s.Submit(req.Message, chat.Options{ExternalData: req.ExternalData})
	if !accepted {
		m.logger.Debug("Message not accepted", slog.String("session", s.ID()))
	}

	m.writeJSON(w, http.StatusOK, chatResponse{
		Accepted: accepted,
		Turns:    m.renderer.turns(s.Turns()),
	})
}

func parseChatRequest(r *http.Request) (chatRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return chatRequest{}, err
		}
		return req, nil
	}

	// Unchecked boxes are not sent at all; a checked one sends "on" unless it has a value.
	externalData, err := strconv.ParseBool(r.FormValue("external_data"))
	if err != nil {
		externalData = r.FormValue("external_data") == "on"
	}
	return chatRequest{
		Message:      r.FormValue("message"),
		ExternalData: externalData,
	}, nil
}

// HandleTurns returns the current turn list of the surface along with the locations of the latest
// answer, so a reloaded page can catch up before subscribing to events.
func (m Main) HandleTurns(w http.ResponseWriter, r *http.Request) {
	s, ok := m.existingSession(r)
	if !ok {
		m.writeJSON(w, http.StatusOK, turnsResponse{Turns: []turnView{}})
		return
	}
	turnID, locs := s.LatestLocations()

	m.writeJSON(w, http.StatusOK, turnsResponse{
		Turns:          m.renderer.turns(s.Turns()),
		Locations:      locationsView{TurnID: turnID, Locations: locs},
		ConversationID: s.ConversationID(),
		InFlight:       s.InFlight(),
	})
}

// HandleConversations lists the saved conversations of the authenticated user.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	s, ok := m.userSession(w, r)
	if !ok {
		return
	}
	convs, err := s.Conversations(r.Context())
	if err != nil {
		m.conversationError(w, "", err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	m.writeJSON(w, http.StatusOK, convs)
}

// HandleConversationMessages returns the stored messages of one of the user's conversations.
func (m Main) HandleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := m.userSession(w, r)
	if !ok {
		return
	}
	msgs, err := s.Messages(r.Context(), id)
	if err != nil {
		m.conversationError(w, id, err)
		return
	}
	if msgs == nil {
		msgs = []models.StoredMessage{}
	}
	m.writeJSON(w, http.StatusOK, msgs)
}

// HandleDeleteConversation deletes one of the user's conversations.
func (m Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := m.userSession(w, r)
	if !ok {
		return
	}
	if err := s.DeleteConversation(r.Context(), id); err != nil {
		m.conversationError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) conversationError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		http.Error(w, "Authentication required", http.StatusUnauthorized)
	case errors.Is(err, chat.ErrNotFound):
		http.Error(w, "Conversation not found", http.StatusNotFound)
	default:
		m.logger.Error("Conversation request failed",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

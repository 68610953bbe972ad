package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Conversation represents a persisted chat thread owned by an authenticated user. It provides basic
// identification and labeling capabilities for listing past conversations.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StoredMessage is the durable form of a Turn. Assistant metadata (sources, confidence, counts) is kept
// in the Metadata blob so the row layout stays the same for both roles.
type StoredMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// TurnMetadata is the metadata blob persisted alongside assistant messages.
type TurnMetadata struct {
	Sources        []Source   `json:"sources,omitempty"`
	Confidence     Confidence `json:"confidence,omitempty"`
	TotalResults   int        `json:"total_results,omitempty"`
	ProcessingTime float64    `json:"processing_time,omitempty"`

	TrialLocations json.RawMessage `json:"trial_locations,omitempty"`
}

// ErrTurnNotTerminal is returned when a turn that is still being generated is about to be stored.
var ErrTurnNotTerminal = errors.New("turn is still generating")

// StoredFromTurn converts a terminal turn into its stored form.
func StoredFromTurn(conversationID string, t Turn) (StoredMessage, error) {
	if !t.Terminal() {
		return StoredMessage{}, ErrTurnNotTerminal
	}
	msg := StoredMessage{
		ID:             t.ID,
		ConversationID: conversationID,
		Role:           t.Role,
		Content:        t.Content,
		CreatedAt:      t.Timestamp,
	}
	if t.Role != RoleAssistant {
		return msg, nil
	}

	meta, err := json.Marshal(TurnMetadata{
		Sources:        t.Sources,
		Confidence:     t.Confidence,
		TotalResults:   t.TotalResults,
		ProcessingTime: t.ProcessingTime,
		TrialLocations: t.TrialLocations,
	})
	if err != nil {
		return StoredMessage{}, fmt.Errorf("failed to marshal turn metadata: %w", err)
	}
	msg.Metadata = meta
	return msg, nil
}

// TurnFromStored restores a finalized turn from its stored form. Malformed metadata is ignored and
// yields a turn without citations.
func TurnFromStored(m StoredMessage) Turn {
	t := Turn{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
	if m.Role != RoleAssistant || len(m.Metadata) == 0 {
		return t
	}

	var meta TurnMetadata
	if err := json.Unmarshal(m.Metadata, &meta); err != nil {
		return t
	}
	t.Sources = meta.Sources
	t.Confidence = meta.Confidence
	t.TotalResults = meta.TotalResults
	t.ProcessingTime = meta.ProcessingTime
	t.TrialLocations = meta.TrialLocations
	return t
}

// ErrNotFound is returned by stores when a conversation does not exist.
var ErrNotFound = errors.New("not found")

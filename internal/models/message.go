package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Turn represents one user or assistant message unit in a chat session. An assistant turn starts as a
// generating placeholder and is mutated by its stable ID until it reaches a terminal state: finalized
// (Content present, IsGenerating false) or error (Confidence is ConfidenceError).
type Turn struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content,omitempty"`
	IsGenerating bool      `json:"isGenerating,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	// Sources, Confidence, TotalResults and ProcessingTime are only ever set on assistant turns.
	Sources        []Source   `json:"sources,omitempty"`
	Confidence     Confidence `json:"confidence,omitempty"`
	TotalResults   int        `json:"totalResults,omitempty"`
	ProcessingTime float64    `json:"processingTimeSeconds,omitempty"`

	// TrialLocations is the backend's own location payload for the answer, kept verbatim.
	TrialLocations json.RawMessage `json:"trialLocations,omitempty"`
}

// Source is a single citation attached to an assistant answer.
type Source struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Relevance string `json:"relevance"`
}

// Role represents the role of a turn participant.
type Role string

// Confidence is the coarse quality label the search backend attaches to an answer.
type Confidence string

// StreamingState describes how a turn should be rendered.
type StreamingState string

const (
	// RoleUser represents a user turn. A turn with this role only carries Content.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant turn.
	RoleAssistant Role = "assistant"

	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceError  Confidence = "error"

	StreamingStateLoading   StreamingState = "loading"
	StreamingStateStreaming StreamingState = "streaming"
	StreamingStateEnded     StreamingState = "ended"
	StreamingStateError     StreamingState = "error"
)

// NewUserTurn creates a finalized user turn for the given input.
func NewUserTurn(content string) Turn {
	return Turn{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewPlaceholderTurn creates an empty, generating assistant turn.
func NewPlaceholderTurn() Turn {
	return Turn{
		ID:           uuid.New().String(),
		Role:         RoleAssistant,
		IsGenerating: true,
		Timestamp:    time.Now(),
	}
}

// State reports the rendering state of the turn.
func (t Turn) State() StreamingState {
	switch {
	case t.Confidence == ConfidenceError:
		return StreamingStateError
	case !t.IsGenerating:
		return StreamingStateEnded
	case t.Content == "":
		return StreamingStateLoading
	default:
		return StreamingStateStreaming
	}
}

// Terminal reports whether the turn will not be mutated anymore.
func (t Turn) Terminal() bool {
	return !t.IsGenerating
}

// ApplyResult copies search metadata onto an assistant turn. Content is left untouched so the
// presenter can build it up.
func (t Turn) ApplyResult(res SearchResult) Turn {
	t.Sources = res.Sources
	t.Confidence = res.Confidence
	t.TotalResults = res.TotalResults
	t.ProcessingTime = res.ProcessingTime
	t.TrialLocations = res.TrialLocations
	return t
}

// Fail turns an assistant turn into its error terminal state.
func (t Turn) Fail(msg string) Turn {
	t.Content = "Error: " + msg + ". Please try again."
	t.Confidence = ConfidenceError
	t.IsGenerating = false
	return t
}

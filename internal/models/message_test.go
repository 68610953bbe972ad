package models_test

import (
	"encoding/json"
	"testing"

	"github.com/curetrials/trialchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnState(t *testing.T) {
	placeholder := models.NewPlaceholderTurn()
	assert.Equal(t, models.StreamingStateLoading, placeholder.State())
	assert.False(t, placeholder.Terminal())

	placeholder.Content = "Trial"
	assert.Equal(t, models.StreamingStateStreaming, placeholder.State())

	failed := placeholder.Fail("network error")
	assert.Equal(t, models.StreamingStateError, failed.State())
	assert.Equal(t, "Error: network error. Please try again.", failed.Content)
	assert.True(t, failed.Terminal())

	assert.True(t, models.NewUserTurn("hello").Terminal())
}

func TestStoredFromTurnRejectsGeneratingTurn(t *testing.T) {
	_, err := models.StoredFromTurn("conv-1", models.NewPlaceholderTurn())
	assert.ErrorIs(t, err, models.ErrTurnNotTerminal)
}

func TestStoredTurnKeepsAnswerMetadata(t *testing.T) {
	trialLocations := json.RawMessage(`[{"facility":"MGH","city":"Boston"}]`)

	turn := models.NewPlaceholderTurn().ApplyResult(models.SearchResult{
		Confidence:     models.ConfidenceHigh,
		TotalResults:   3,
		ProcessingTime: 1.5,
		Sources:        []models.Source{{Type: "Trial", ID: "NCT001", Relevance: "0.87"}},
		TrialLocations: trialLocations,
	})
	turn.Content = "Trial A is recruiting."
	turn.IsGenerating = false

	msg, err := models.StoredFromTurn("conv-1", turn)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", msg.ConversationID)

	restored := models.TurnFromStored(msg)
	assert.Equal(t, turn.Sources, restored.Sources)
	assert.Equal(t, models.ConfidenceHigh, restored.Confidence)
	assert.Equal(t, 3, restored.TotalResults)
	assert.Equal(t, 1.5, restored.ProcessingTime)
	assert.JSONEq(t, string(trialLocations), string(restored.TrialLocations))
	assert.Equal(t, models.StreamingStateEnded, restored.State())
}

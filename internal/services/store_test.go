package services_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/curetrials/trialchat/internal/models"
	"github.com/curetrials/trialchat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conversationStore interface {
	AddConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	Conversations(ctx context.Context, ownerID string) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AddMessage(ctx context.Context, conversationID string, msg models.StoredMessage) (models.StoredMessage, error)
	Messages(ctx context.Context, conversationID string) ([]models.StoredMessage, error)
	Close() error
}

func stores(t *testing.T) map[string]func(t *testing.T) conversationStore {
	t.Helper()
	return map[string]func(t *testing.T) conversationStore{
		"bolt": func(t *testing.T) conversationStore {
			db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return db
		},
		"sqlite": func(t *testing.T) conversationStore {
			db, err := services.NewSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return db
		},
	}
}

func TestStoreConversationLifecycle(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)

			conv, err := st.AddConversation(ctx, models.Conversation{OwnerID: "alice", Title: "Breast cancer trials"})
			require.NoError(t, err)
			require.NotEmpty(t, conv.ID)
			assert.False(t, conv.CreatedAt.IsZero())

			got, err := st.Conversation(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, "alice", got.OwnerID)
			assert.Equal(t, "Breast cancer trials", got.Title)

			_, err = st.Conversation(ctx, "missing")
			assert.ErrorIs(t, err, models.ErrNotFound)

			require.NoError(t, st.DeleteConversation(ctx, conv.ID))
			_, err = st.Conversation(ctx, conv.ID)
			assert.ErrorIs(t, err, models.ErrNotFound)
			assert.ErrorIs(t, st.DeleteConversation(ctx, conv.ID), models.ErrNotFound)

			_, err = st.Messages(ctx, conv.ID)
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestStoreMessagesKeepOrder(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)

			conv, err := st.AddConversation(ctx, models.Conversation{OwnerID: "alice"})
			require.NoError(t, err)

			assistant, err := models.StoredFromTurn(conv.ID, models.Turn{
				ID:         "a",
				Role:       models.RoleAssistant,
				Content:    "Trial A is recruiting.",
				Timestamp:  time.Now(),
				Confidence: models.ConfidenceHigh,
				Sources:    []models.Source{{Type: "Trial", ID: "NCT001", Relevance: "high"}},
			})
			require.NoError(t, err)

			// More than nine messages so lexical key order would differ from insertion order.
			var want []string
			for i := range 11 {
				msg := models.StoredMessage{ID: string(rune('a' + i)), Role: models.RoleUser, Content: "q"}
				if i == 10 {
					msg = assistant
				}
				_, err := st.AddMessage(ctx, conv.ID, msg)
				require.NoError(t, err)
				want = append(want, msg.ID)
			}

			msgs, err := st.Messages(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 11)
			var got []string
			for _, m := range msgs {
				got = append(got, m.ID)
				assert.Equal(t, conv.ID, m.ConversationID)
			}
			assert.Equal(t, want, got)

			last := msgs[10]
			assert.Equal(t, models.RoleAssistant, last.Role)
			assert.JSONEq(t, string(assistant.Metadata), string(last.Metadata))

			restored := models.TurnFromStored(last)
			assert.Equal(t, models.ConfidenceHigh, restored.Confidence)
			assert.Equal(t, "NCT001", restored.Sources[0].ID)
			assert.Nil(t, msgs[0].Metadata)
		})
	}
}

func TestStoreAddMessageToMissingConversation(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := open(t).AddMessage(context.Background(), "missing", models.StoredMessage{ID: "m", Role: models.RoleUser})
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestStoreConversationsByOwner(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)

			older, err := st.AddConversation(ctx, models.Conversation{OwnerID: "alice", Title: "older"})
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
			newer, err := st.AddConversation(ctx, models.Conversation{OwnerID: "alice", Title: "newer"})
			require.NoError(t, err)
			_, err = st.AddConversation(ctx, models.Conversation{OwnerID: "bob", Title: "other"})
			require.NoError(t, err)

			convs, err := st.Conversations(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, convs, 2)
			assert.Equal(t, newer.ID, convs[0].ID)
			assert.Equal(t, older.ID, convs[1].ID)

			// A new message moves the conversation to the top.
			time.Sleep(2 * time.Millisecond)
			_, err = st.AddMessage(ctx, older.ID, models.StoredMessage{ID: "m", Role: models.RoleUser, Content: "again"})
			require.NoError(t, err)

			convs, err = st.Conversations(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, convs, 2)
			assert.Equal(t, older.ID, convs[0].ID)

			convs, err = st.Conversations(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, convs)
		})
	}
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/curetrials/trialchat/internal/models"
	"github.com/lithammer/shortuuid/v4"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the conversation store using a BoltDB backend. Conversations live in a single
// bucket; every conversation gets its own message bucket whose keys are zero-padded sequence numbers,
// so a cursor walk returns messages in insertion order.
type BoltDB struct {
	db *bolt.DB
}

var conversationsBucket = []byte("conversations")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file lock.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// AddConversation stores a new conversation and creates its message bucket. A short UUID is assigned
// when the conversation has no ID yet.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) (models.Conversation, error) {
	if conv.ID == "" {
		conv.ID = shortuuid.New()
	}
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(conversationsBucket)

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bk.Put([]byte(conv.ID), v)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// Conversation retrieves a single conversation, or models.ErrNotFound.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return models.ErrNotFound
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		return nil
	})
	return conv, err
}

// Conversations retrieves the owner's conversations, most recently updated first.
func (b BoltDB) Conversations(_ context.Context, ownerID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.OwnerID == ownerID {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return convs, nil
}

// DeleteConversation removes a conversation together with its messages. Deleting a missing
// conversation returns models.ErrNotFound.
func (b BoltDB) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(conversationsBucket)
		if bk.Get([]byte(id)) == nil {
			return models.ErrNotFound
		}
		if err := tx.DeleteBucket(messageBucketName(id)); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return bk.Delete([]byte(id))
	})
}

// AddMessage appends a message to the conversation and bumps the conversation's UpdatedAt.
func (b BoltDB) AddMessage(
	_ context.Context,
	conversationID string,
	msg models.StoredMessage,
) (models.StoredMessage, error) {
	msg.ConversationID = conversationID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		convs := tx.Bucket(conversationsBucket)
		cv := convs.Get([]byte(conversationID))
		if cv == nil {
			return models.ErrNotFound
		}

		mb := tx.Bucket(messageBucketName(conversationID))
		if mb == nil {
			return models.ErrNotFound
		}

		seq, err := mb.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := mb.Put(sequenceKey(seq), v); err != nil {
			return err
		}

		var conv models.Conversation
		if err := json.Unmarshal(cv, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		conv.UpdatedAt = time.Now()
		cv, err = json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return convs.Put([]byte(conversationID), cv)
	})
	if err != nil {
		return models.StoredMessage{}, err
	}
	return msg, nil
}

// Messages retrieves all messages of the conversation in their stored order.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.StoredMessage, error) {
	var messages []models.StoredMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(messageBucketName(conversationID))
		if mb == nil {
			return models.ErrNotFound
		}

		return mb.ForEach(func(_, v []byte) error {
			var message models.StoredMessage
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

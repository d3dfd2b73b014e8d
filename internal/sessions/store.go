// Package sessions persists conversations and their message logs.
//
// Three Store implementations ship: in-memory for tests and ephemeral
// runs, SQLite for single-user desktop installs, and Postgres for
// shared deployments. AsyncPersister wraps any Store with a
// write-behind queue so the streaming path never blocks on the
// database.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("sessions: not found")

// Store persists conversations and messages. Save operations are
// upserts keyed by ID so streaming placeholders can be written once
// on creation and again after finalization.
type Store interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, projectID string) ([]*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	SaveMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)

	// DeleteConversationsBefore removes conversations not updated since
	// cutoff, along with their messages. Returns the number of
	// conversations removed.
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

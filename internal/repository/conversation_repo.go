// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/convokeeper/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AppRepository stores host application credentials.
type AppRepository interface {
	// Upsert inserts an app or replaces its signature hash.
	Upsert(ctx context.Context, a *model.App) error
	// GetByKey loads an app by key.
	GetByKey(ctx context.Context, key string) (*model.App, error)
}

// ConversationRepository provides access to conversations and their identity bindings.
type ConversationRepository interface {
	// Create inserts a new conversation.
	Create(ctx context.Context, c *model.Conversation) error
	// Get loads a conversation by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	// GetBySubject loads the conversation an app bound to subject.
	GetBySubject(ctx context.Context, appKey, subject string) (*model.Conversation, error)
	// GetByLegacyToken loads the conversation migrated from a legacy token.
	GetByLegacyToken(ctx context.Context, appKey, token string) (*model.Conversation, error)
	// BindSubject sets the subject of an anonymous conversation.
	BindSubject(ctx context.Context, id uuid.UUID, subject string) error
}

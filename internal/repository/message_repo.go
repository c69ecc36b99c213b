package repository

import (
	"context"

	"github.com/and161185/convokeeper/internal/model"
	"github.com/gofrs/uuid/v5"
)

// MessageRepository records client payloads and the messages they carry.
type MessageRepository interface {
	// AppendPayload stores p once per nonce and applies its effect in the same
	// transaction: profile kinds update the conversation, msg (when non-nil) is inserted.
	// It reports false when the nonce was already recorded.
	AppendPayload(ctx context.Context, p *model.StoredPayload, msg *model.StoredMessage) (bool, error)
	// GetMessageByNonce loads a message by its client nonce.
	GetMessageByNonce(ctx context.Context, conversationID uuid.UUID, nonce string) (*model.StoredMessage, error)
	// InsertMessage stores a backend-authored message.
	InsertMessage(ctx context.Context, msg *model.StoredMessage) error
	// ListMessagesAfter returns up to limit messages following the message with
	// nonce after, or from the start when after is empty.
	ListMessagesAfter(ctx context.Context, conversationID uuid.UUID, after string, limit int) ([]model.StoredMessage, error)
}

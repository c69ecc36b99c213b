package gateway

import (
	"encoding/json"

	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/manifest"
	"github.com/and161185/convokeeper/internal/messages"
)

// ConversationRequest creates a conversation from the current aggregate.
type ConversationRequest struct {
	AppRelease conversation.AppRelease `json:"app_release"`
	Person     conversation.Person     `json:"person"`
	Device     conversation.Device     `json:"device"`
}

// ConversationResponse carries credentials of a created or resumed conversation.
// Subject and EncryptionKey are set only for logged-in sessions.
type ConversationResponse struct {
	ID            string `json:"id"`
	Token         string `json:"token"`
	Subject       string `json:"subject,omitempty"`
	EncryptionKey []byte `json:"encryption_key,omitempty"`
}

// LegacyExchangeRequest trades a legacy token for conversation credentials.
type LegacyExchangeRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	LegacyToken    string `json:"legacy_token"`
}

// SessionRequest names the conversation a session call applies to.
type SessionRequest struct {
	ConversationID string `json:"conversation_id"`
}

// PayloadRequest delivers one queued payload.
type PayloadRequest struct {
	ConversationID string                `json:"conversation_id"`
	Nonce          string                `json:"nonce"`
	Kind           string                `json:"kind"`
	Body           json.RawMessage       `json:"body"`
	Attachments    []messages.Attachment `json:"attachments,omitempty"`
}

// PayloadResponse acknowledges a payload. MessageID is set for message payloads.
type PayloadResponse struct {
	MessageID string `json:"message_id,omitempty"`
}

// MessageBody is the body of a message payload.
type MessageBody struct {
	Body       string         `json:"body,omitempty"`
	CustomData map[string]any `json:"custom_data,omitempty"`
	Automated  bool           `json:"automated,omitempty"`
	Hidden     bool           `json:"hidden,omitempty"`
}

// EventBody is the body of an engagement event payload.
type EventBody struct {
	Label         string `json:"label"`
	InteractionID string `json:"interaction_id,omitempty"`
}

// MessagesRequest pages through messages after a cursor.
type MessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	After          string `json:"after,omitempty"`
	PageSize       int    `json:"page_size,omitempty"`
}

// MessagesResponse is one page of messages.
type MessagesResponse struct {
	Messages []messages.Message `json:"messages"`
	EndsWith string             `json:"ends_with,omitempty"`
	HasMore  bool               `json:"has_more"`
}

// ManifestRequest asks for the engagement manifest in a locale.
type ManifestRequest struct {
	ConversationID string `json:"conversation_id"`
	Locale         string `json:"locale,omitempty"`
}

// ManifestResponse wraps the engagement manifest.
type ManifestResponse struct {
	Manifest manifest.Manifest `json:"manifest"`
}

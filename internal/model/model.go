// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// App is a registered host application. The signature is never stored in plaintext.
type App struct {
	Key       string // PK
	SigHash   []byte // Argon2id(signature, Salt)
	Salt      []byte
	CreatedAt time.Time
}

// Profile is the client-reported state of a conversation, kept as opaque JSON.
type Profile struct {
	AppRelease json.RawMessage
	Person     json.RawMessage
	Device     json.RawMessage
}

// Conversation is one SDK installation's thread with the backend.
type Conversation struct {
	ID          uuid.UUID // PK
	AppKey      string    // FK -> apps.key
	Subject     string    // empty until a logged-in session binds it
	LegacyToken string    // set for conversations migrated from legacy credentials
	Profile     Profile
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session is what the client receives after creating or resuming a conversation.
type Session struct {
	ConversationID uuid.UUID
	Token          string
	Subject        string // logged-in sessions only
	EncryptionKey  []byte // logged-in sessions only
}

// Caller is the authenticated conversation of a request.
type Caller struct {
	ConversationID uuid.UUID
	Subject        string
}

// StoredPayload is one accepted client payload. (ConversationID, Nonce) is unique.
type StoredPayload struct {
	ConversationID uuid.UUID
	Nonce          string
	Kind           string
	Body           json.RawMessage
	ReceivedAt     time.Time
}

// StoredMessage is a message persisted on the backend, ordered by Seq within a conversation.
type StoredMessage struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Nonce          string
	Seq            int64
	Body           string
	CustomData     json.RawMessage
	Attachments    json.RawMessage
	SenderID       string // empty for messages authored by the conversation's device
	SenderName     string
	Automated      bool
	Hidden         bool
	SentAt         time.Time
}

// Inbound reports whether the message was authored on the backend side.
func (m StoredMessage) Inbound() bool { return m.SenderID != "" }

// MessagePage is one page of messages after a cursor.
type MessagePage struct {
	Messages []StoredMessage
	HasMore  bool
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/manifest"
	"github.com/and161185/convokeeper/internal/model"
	"github.com/and161185/convokeeper/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// MessageService accepts client payloads and serves messages and the engagement manifest.
type MessageService interface {
	// AppendPayload applies one payload once per nonce and returns the message id for message payloads.
	AppendPayload(ctx context.Context, c model.Caller, p model.StoredPayload, msg *model.StoredMessage) (string, error)
	// ListMessages returns the page of messages after the message with nonce after.
	ListMessages(ctx context.Context, c model.Caller, after string, pageSize int) (model.MessagePage, error)
	// Manifest returns the engagement manifest for locale.
	Manifest(ctx context.Context, c model.Caller, locale string) (manifest.Manifest, error)
}

// Payload kinds the backend accepts through AppendPayload.
var payloadKinds = map[string]bool{
	"person":      true,
	"device":      true,
	"app_release": true,
	"event":       true,
	"message":     true,
}

type MessageServiceImpl struct {
	repo           repository.MessageRepository
	manifests      map[string]manifest.Manifest
	maxPage        int
	maxAttachments int
	now            func() time.Time
}

// NewMessageService constructs MessageService. manifests is keyed by locale; the ""
// entry is the fallback. maxPage bounds ListMessages; maxAttachments bounds the
// encoded attachment size of one message in bytes.
func NewMessageService(repo repository.MessageRepository, manifests map[string]manifest.Manifest, maxPage, maxAttachments int) *MessageServiceImpl {
	if maxPage <= 0 {
		maxPage = 50
	}
	if maxAttachments <= 0 {
		maxAttachments = 16 << 20
	}
	return &MessageServiceImpl{repo: repo, manifests: manifests, maxPage: maxPage, maxAttachments: maxAttachments, now: time.Now}
}

// AppendPayload validates p and delegates the idempotent write to the repository.
// Validation rules:
// - nonce not empty
// - kind is one of the accepted payload kinds
// - message payloads carry a message, other kinds do not
func (s *MessageServiceImpl) AppendPayload(ctx context.Context, c model.Caller, p model.StoredPayload, msg *model.StoredMessage) (string, error) {
	if c.ConversationID == uuid.Nil {
		return "", errors.New("validation: empty conversation id")
	}
	if p.Nonce == "" {
		return "", fmt.Errorf("%w: empty nonce", errs.ErrRejected)
	}
	if !payloadKinds[p.Kind] {
		return "", fmt.Errorf("%w: unknown payload kind %q", errs.ErrRejected, p.Kind)
	}
	if (p.Kind == "message") != (msg != nil) {
		return "", fmt.Errorf("%w: %s payload body", errs.ErrRejected, p.Kind)
	}
	now := s.now()
	p.ConversationID = c.ConversationID
	p.ReceivedAt = now

	if msg != nil {
		if len(msg.Attachments) > s.maxAttachments {
			return "", fmt.Errorf("%w: attachments exceed %d bytes", errs.ErrRejected, s.maxAttachments)
		}
		id, err := uuid.NewV4()
		if err != nil {
			return "", err
		}
		msg.ID, msg.ConversationID, msg.Nonce, msg.SentAt = id, c.ConversationID, p.Nonce, now
		msg.SenderID, msg.SenderName = "", ""
	}

	inserted, err := s.repo.AppendPayload(ctx, &p, msg)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", nil
	}
	if inserted {
		return msg.ID.String(), nil
	}
	prev, err := s.repo.GetMessageByNonce(ctx, c.ConversationID, p.Nonce)
	if err != nil {
		return "", err
	}
	return prev.ID.String(), nil
}

// ListMessages clamps pageSize to [1, maxPage] and reports whether more messages follow.
func (s *MessageServiceImpl) ListMessages(ctx context.Context, c model.Caller, after string, pageSize int) (model.MessagePage, error) {
	if pageSize <= 0 || pageSize > s.maxPage {
		pageSize = s.maxPage
	}
	rows, err := s.repo.ListMessagesAfter(ctx, c.ConversationID, after, pageSize+1)
	if err != nil {
		return model.MessagePage{}, err
	}
	page := model.MessagePage{Messages: rows}
	if len(rows) > pageSize {
		page.Messages, page.HasMore = rows[:pageSize], true
	}
	return page, nil
}

// Manifest returns the manifest of locale, falling back to the default one and then
// to an empty manifest.
func (s *MessageServiceImpl) Manifest(_ context.Context, _ model.Caller, locale string) (manifest.Manifest, error) {
	if m, ok := s.manifests[locale]; ok {
		return m, nil
	}
	if m, ok := s.manifests[""]; ok {
		return m, nil
	}
	return manifest.Manifest{Targets: map[string][]manifest.Target{}}, nil
}

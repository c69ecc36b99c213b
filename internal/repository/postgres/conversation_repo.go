package postgres

import (
	"context"

	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ConversationRepo implements ConversationRepository using PostgreSQL.
type ConversationRepo struct{ db *DB }

// NewConversationRepo constructs a conversation repository.
func NewConversationRepo(db *DB) *ConversationRepo { return &ConversationRepo{db: db} }

const selectConversation = `
SELECT id, app_key, COALESCE(subject, ''), COALESCE(legacy_token, ''),
       app_release, person, device, created_at, updated_at
FROM conversations`

// Create inserts a new conversation row.
func (r *ConversationRepo) Create(ctx context.Context, c *model.Conversation) error {
	const q = `
INSERT INTO conversations (id, app_key, subject, legacy_token, app_release, person, device)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Pool.Exec(ctx, q, c.ID, c.AppKey, nullIfEmpty(c.Subject), nullIfEmpty(c.LegacyToken),
		jsonOrNull(c.Profile.AppRelease), jsonOrNull(c.Profile.Person), jsonOrNull(c.Profile.Device))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects a conversation by ID.
func (r *ConversationRepo) Get(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	return scanConversation(r.db.Pool.QueryRow(ctx, selectConversation+` WHERE id=$1`, id))
}

// GetBySubject selects the conversation an app bound to subject.
func (r *ConversationRepo) GetBySubject(ctx context.Context, appKey, subject string) (*model.Conversation, error) {
	return scanConversation(r.db.Pool.QueryRow(ctx, selectConversation+` WHERE app_key=$1 AND subject=$2`, appKey, subject))
}

// GetByLegacyToken selects the conversation migrated from token.
func (r *ConversationRepo) GetByLegacyToken(ctx context.Context, appKey, token string) (*model.Conversation, error) {
	return scanConversation(r.db.Pool.QueryRow(ctx, selectConversation+` WHERE app_key=$1 AND legacy_token=$2`, appKey, token))
}

// BindSubject sets subject on a conversation that has none.
// A subject already bound to another conversation of the app yields ErrAlreadyExists.
func (r *ConversationRepo) BindSubject(ctx context.Context, id uuid.UUID, subject string) error {
	const q = `UPDATE conversations SET subject=$2, updated_at=now() WHERE id=$1 AND subject IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id, subject)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrConflict
	}
	return nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.AppKey, &c.Subject, &c.LegacyToken,
		&c.Profile.AppRelease, &c.Profile.Person, &c.Profile.Device, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

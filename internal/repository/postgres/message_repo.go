package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/convokeeper/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// profileColumns maps profile payload kinds to the conversation column they replace.
var profileColumns = map[string]string{
	"app_release": "app_release",
	"person":      "person",
	"device":      "device",
}

const insertMessage = `
INSERT INTO messages (id, conversation_id, nonce, body, custom_data, attachments,
                      sender_id, sender_name, automated, hidden, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING seq`

const selectMessage = `
SELECT id, conversation_id, nonce, seq, body, custom_data, attachments,
       sender_id, sender_name, automated, hidden, sent_at
FROM messages`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AppendPayload records p and applies its effect atomically.
func (r *MessageRepo) AppendPayload(ctx context.Context, p *model.StoredPayload, msg *model.StoredMessage) (inserted bool, err error) {
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		const ins = `
INSERT INTO payloads (conversation_id, nonce, kind, body) VALUES ($1, $2, $3, $4)
ON CONFLICT (conversation_id, nonce) DO NOTHING`
		tag, err := tx.Exec(ctx, ins, p.ConversationID, p.Nonce, p.Kind, jsonOrNull(p.Body))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true

		if col, ok := profileColumns[p.Kind]; ok {
			upd := fmt.Sprintf(`UPDATE conversations SET %s=$2, updated_at=now() WHERE id=$1`, col)
			if _, err := tx.Exec(ctx, upd, p.ConversationID, jsonOrNull(p.Body)); err != nil {
				return err
			}
		}
		if msg != nil {
			return insertMessageRow(ctx, tx, msg)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// InsertMessage stores a backend-authored message.
func (r *MessageRepo) InsertMessage(ctx context.Context, msg *model.StoredMessage) error {
	return insertMessageRow(ctx, r.db.Pool, msg)
}

// GetMessageByNonce selects a message by conversation and nonce.
func (r *MessageRepo) GetMessageByNonce(ctx context.Context, conversationID uuid.UUID, nonce string) (*model.StoredMessage, error) {
	m, err := scanMessage(r.db.Pool.QueryRow(ctx, selectMessage+` WHERE conversation_id=$1 AND nonce=$2`, conversationID, nonce))
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListMessagesAfter selects up to limit messages ordered by seq after the cursor message.
// An unknown cursor lists from the start.
func (r *MessageRepo) ListMessagesAfter(ctx context.Context, conversationID uuid.UUID, after string, limit int) ([]model.StoredMessage, error) {
	const q = selectMessage + `
WHERE conversation_id=$1
  AND seq > COALESCE((SELECT seq FROM messages WHERE conversation_id=$1 AND nonce=$2), 0)
ORDER BY seq
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, conversationID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.StoredMessage, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func insertMessageRow(ctx context.Context, q querier, m *model.StoredMessage) error {
	return q.QueryRow(ctx, insertMessage, m.ID, m.ConversationID, m.Nonce, m.Body,
		jsonOrNull(m.CustomData), jsonOrNull(m.Attachments),
		m.SenderID, m.SenderName, m.Automated, m.Hidden, m.SentAt).Scan(&m.Seq)
}

func scanMessage(row pgx.Row) (model.StoredMessage, error) {
	var m model.StoredMessage
	err := row.Scan(&m.ID, &m.ConversationID, &m.Nonce, &m.Seq, &m.Body, &m.CustomData, &m.Attachments,
		&m.SenderID, &m.SenderName, &m.Automated, &m.Hidden, &m.SentAt)
	return m, err
}

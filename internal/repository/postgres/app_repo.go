package postgres

import (
	"context"

	"github.com/and161185/convokeeper/internal/model"
)

// AppRepo implements AppRepository using PostgreSQL.
type AppRepo struct{ db *DB }

// NewAppRepo constructs an app repository.
func NewAppRepo(db *DB) *AppRepo { return &AppRepo{db: db} }

// Upsert inserts an app or replaces its signature hash and salt.
func (r *AppRepo) Upsert(ctx context.Context, a *model.App) error {
	const q = `
INSERT INTO apps (key, sig_hash, salt) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET sig_hash = EXCLUDED.sig_hash, salt = EXCLUDED.salt`
	_, err := r.db.Pool.Exec(ctx, q, a.Key, a.SigHash, a.Salt)
	return err
}

// GetByKey selects an app by key.
func (r *AppRepo) GetByKey(ctx context.Context, key string) (*model.App, error) {
	const q = `SELECT key, sig_hash, salt, created_at FROM apps WHERE key=$1`
	var a model.App
	if err := r.db.Pool.QueryRow(ctx, q, key).Scan(&a.Key, &a.SigHash, &a.Salt, &a.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// Package service contains the application services of the reference backend.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	pkgcrypto "github.com/and161185/convokeeper/internal/crypto"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/model"
	"github.com/and161185/convokeeper/internal/repository"
	"github.com/patrickmn/go-cache"
)

// AppService registers host applications and checks the credentials they sign requests with.
type AppService interface {
	// Register stores (or rotates) the signature of an app.
	Register(ctx context.Context, key, signature string) error
	// Verify reports errs.ErrUnauthorized unless signature belongs to key.
	Verify(ctx context.Context, key, signature string) error
}

type AppServiceImpl struct {
	apps     repository.AppRepository
	verified *cache.Cache
}

// verifiedTTL bounds how long a successful verification skips the signature hash.
const verifiedTTL = 5 * time.Minute

// NewAppService constructs AppService.
func NewAppService(apps repository.AppRepository) *AppServiceImpl {
	return &AppServiceImpl{apps: apps, verified: cache.New(verifiedTTL, 2*verifiedTTL)}
}

// Register hashes signature with a fresh salt and upserts the app.
func (s *AppServiceImpl) Register(ctx context.Context, key, signature string) error {
	if key == "" || signature == "" {
		return errors.New("validation: empty app key/signature")
	}
	salt, err := pkgcrypto.NewSalt()
	if err != nil {
		return err
	}
	hash, err := pkgcrypto.HashSignature(signature, salt)
	if err != nil {
		return err
	}
	app := &model.App{Key: key, SigHash: hash, Salt: salt}
	if err := s.apps.Upsert(ctx, app); err != nil {
		return err
	}
	s.verified.Flush()
	return nil
}

// Verify checks signature against the stored hash. Successful pairs are remembered.
func (s *AppServiceImpl) Verify(ctx context.Context, key, signature string) error {
	if key == "" || signature == "" {
		return errs.ErrUnauthorized
	}
	memo := verifiedKey(key, signature)
	if _, ok := s.verified.Get(memo); ok {
		return nil
	}
	app, err := s.apps.GetByKey(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if !pkgcrypto.VerifySignature(signature, app.Salt, app.SigHash) {
		return errs.ErrUnauthorized
	}
	s.verified.SetDefault(memo, struct{}{})
	return nil
}

func verifiedKey(key, signature string) string {
	h := sha256.Sum256([]byte(signature))
	return key + ":" + hex.EncodeToString(h[:])
}

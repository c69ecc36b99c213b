package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/convokeeper/internal/auth"
	"github.com/and161185/convokeeper/internal/crypto/recordcrypto"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/limiter"
	"github.com/and161185/convokeeper/internal/model"
	"github.com/and161185/convokeeper/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// ConversationService creates conversations and manages the sessions bound to them.
type ConversationService interface {
	// Create registers an anonymous conversation.
	Create(ctx context.Context, appKey string, p model.Profile) (model.Session, error)
	// CreateLoggedIn registers (or finds) the conversation of the subject of userJWT.
	CreateLoggedIn(ctx context.Context, appKey, userJWT string, p model.Profile) (model.Session, error)
	// ExchangeLegacy trades a legacy token for a conversation token.
	ExchangeLegacy(ctx context.Context, appKey, conversationID, legacyToken string) (model.Session, error)
	// Resume logs the subject of userJWT in to an existing conversation, rate limited by (conversation, ip).
	Resume(ctx context.Context, appKey, conversationID, userJWT, ip string) (model.Session, error)
	// EndSession records that a logged-in caller logged out.
	EndSession(ctx context.Context, c model.Caller) error
	// Authorize resolves the caller of a request from its conversation id and bearer token.
	Authorize(ctx context.Context, appKey, conversationID, token string) (model.Caller, error)
}

// Welcome configures the automated message every new conversation starts with.
// An empty Body disables it.
type Welcome struct {
	Body       string
	SenderID   string
	SenderName string
}

type ConversationServiceImpl struct {
	convs     repository.ConversationRepository
	msgs      repository.MessageRepository
	tokens    *auth.Signer
	users     *auth.Signer
	keySecret []byte
	lim       limiter.Limiter
	welcome   Welcome
	log       *zap.Logger
	now       func() time.Time
}

// NewConversationService constructs ConversationService. tokens issues conversation
// tokens; users verifies the host application's user JWTs; keySecret seeds the
// per-subject encryption keys.
func NewConversationService(
	convs repository.ConversationRepository,
	msgs repository.MessageRepository,
	tokens, users *auth.Signer,
	keySecret []byte,
	lim limiter.Limiter,
	welcome Welcome,
	log *zap.Logger,
) *ConversationServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationServiceImpl{
		convs: convs, msgs: msgs, tokens: tokens, users: users, keySecret: keySecret,
		lim: lim, welcome: welcome, log: log, now: time.Now,
	}
}

// Create inserts an anonymous conversation and issues its token.
func (s *ConversationServiceImpl) Create(ctx context.Context, appKey string, p model.Profile) (model.Session, error) {
	c, err := s.create(ctx, uuid.Nil, appKey, "", "", p)
	if err != nil {
		return model.Session{}, err
	}
	return s.anonymousSession(c.ID)
}

// CreateLoggedIn returns the conversation bound to the JWT subject, creating it on first use.
func (s *ConversationServiceImpl) CreateLoggedIn(ctx context.Context, appKey, userJWT string, p model.Profile) (model.Session, error) {
	claims, err := s.users.Verify(userJWT, "")
	if err != nil {
		return model.Session{}, err
	}
	c, err := s.convs.GetBySubject(ctx, appKey, claims.Subject)
	if errors.Is(err, errs.ErrNotFound) {
		c, err = s.create(ctx, uuid.Nil, appKey, claims.Subject, "", p)
		if errors.Is(err, errs.ErrAlreadyExists) {
			c, err = s.convs.GetBySubject(ctx, appKey, claims.Subject)
		}
	}
	if err != nil {
		return model.Session{}, err
	}
	return s.loggedInSession(c, userJWT)
}

// ExchangeLegacy finds the conversation migrated from legacyToken. A token seen for
// the first time is migrated into a new conversation, keeping conversationID when given.
func (s *ConversationServiceImpl) ExchangeLegacy(ctx context.Context, appKey, conversationID, legacyToken string) (model.Session, error) {
	if legacyToken == "" {
		return model.Session{}, fmt.Errorf("%w: empty legacy token", errs.ErrRejected)
	}
	c, err := s.convs.GetByLegacyToken(ctx, appKey, legacyToken)
	if errors.Is(err, errs.ErrNotFound) {
		id := uuid.Nil
		if conversationID != "" {
			if id, err = uuid.FromString(conversationID); err != nil {
				return model.Session{}, fmt.Errorf("%w: bad conversation id", errs.ErrRejected)
			}
		}
		c, err = s.create(ctx, id, appKey, "", legacyToken, model.Profile{})
		if err == nil {
			s.log.Info("legacy conversation migrated", zap.String("id", c.ID.String()))
		}
	}
	if err != nil {
		return model.Session{}, err
	}
	return s.anonymousSession(c.ID)
}

// Resume binds an anonymous conversation to the JWT subject, or checks the subject of a
// bound one. Failed attempts count towards a lockout of (conversation, ip).
func (s *ConversationServiceImpl) Resume(ctx context.Context, appKey, conversationID, userJWT, ip string) (model.Session, error) {
	c, err := s.lookup(ctx, appKey, conversationID)
	if err != nil {
		return model.Session{}, err
	}
	principal := c.ID.String()
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, principal, ipHash)
	if err != nil {
		return model.Session{}, err
	}
	if !allowed {
		return model.Session{}, errs.ErrRateLimited
	}

	claims, err := s.users.Verify(userJWT, "")
	if err == nil && c.Subject != "" && c.Subject != claims.Subject {
		err = errs.ErrUnauthorized
	}
	if err != nil {
		if blocked, _, ferr := s.lim.Failure(ctx, principal, ipHash); ferr == nil && blocked {
			s.log.Warn("session login blocked", zap.String("id", principal))
			return model.Session{}, errs.ErrRateLimited
		}
		return model.Session{}, errs.ErrUnauthorized
	}

	if c.Subject == "" {
		if err := s.convs.BindSubject(ctx, c.ID, claims.Subject); err != nil {
			return model.Session{}, err
		}
		c.Subject = claims.Subject
	}
	_ = s.lim.Success(ctx, principal, ipHash)
	return s.loggedInSession(c, userJWT)
}

// EndSession accepts the logout of a logged-in caller.
func (s *ConversationServiceImpl) EndSession(_ context.Context, c model.Caller) error {
	if c.Subject == "" {
		return fmt.Errorf("%w: conversation is not logged in", errs.ErrRejected)
	}
	s.log.Info("session ended", zap.String("id", c.ConversationID.String()))
	return nil
}

// Authorize accepts either the conversation's own token or a user JWT whose subject
// the conversation is bound to.
func (s *ConversationServiceImpl) Authorize(ctx context.Context, appKey, conversationID, token string) (model.Caller, error) {
	if token == "" {
		return model.Caller{}, errs.ErrUnauthorized
	}
	c, err := s.lookup(ctx, appKey, conversationID)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Caller{}, errs.ErrUnauthorized
	}
	if err != nil {
		return model.Caller{}, err
	}
	caller := model.Caller{ConversationID: c.ID, Subject: c.Subject}
	if claims, err := s.tokens.Verify(token, auth.KindConversation); err == nil {
		if claims.Subject != c.ID.String() {
			return model.Caller{}, errs.ErrUnauthorized
		}
		return caller, nil
	}
	claims, err := s.users.Verify(token, "")
	if err != nil || c.Subject == "" || claims.Subject != c.Subject {
		return model.Caller{}, errs.ErrUnauthorized
	}
	return caller, nil
}

func (s *ConversationServiceImpl) lookup(ctx context.Context, appKey, conversationID string) (*model.Conversation, error) {
	id, err := uuid.FromString(conversationID)
	if err != nil {
		return nil, errs.ErrNotFound
	}
	c, err := s.convs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.AppKey != appKey {
		return nil, errs.ErrNotFound
	}
	return c, nil
}

func (s *ConversationServiceImpl) create(ctx context.Context, id uuid.UUID, appKey, subject, legacy string, p model.Profile) (*model.Conversation, error) {
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV4(); err != nil {
			return nil, err
		}
	}
	now := s.now()
	c := &model.Conversation{
		ID: id, AppKey: appKey, Subject: subject, LegacyToken: legacy,
		Profile: p, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.convs.Create(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("conversation created", zap.String("id", id.String()), zap.Bool("logged_in", subject != ""))
	if err := s.postWelcome(ctx, c.ID); err != nil {
		s.log.Warn("welcome message", zap.String("id", id.String()), zap.Error(err))
	}
	return c, nil
}

func (s *ConversationServiceImpl) postWelcome(ctx context.Context, id uuid.UUID) error {
	if s.welcome.Body == "" {
		return nil
	}
	msgID, err := uuid.NewV4()
	if err != nil {
		return err
	}
	return s.msgs.InsertMessage(ctx, &model.StoredMessage{
		ID:             msgID,
		ConversationID: id,
		Nonce:          "welcome-" + id.String(),
		Body:           s.welcome.Body,
		SenderID:       s.welcome.SenderID,
		SenderName:     s.welcome.SenderName,
		Automated:      true,
		SentAt:         s.now(),
	})
}

func (s *ConversationServiceImpl) anonymousSession(id uuid.UUID) (model.Session, error) {
	tok, _, err := s.tokens.Issue(auth.KindConversation, id.String())
	if err != nil {
		return model.Session{}, err
	}
	return model.Session{ConversationID: id, Token: tok}, nil
}

func (s *ConversationServiceImpl) loggedInSession(c *model.Conversation, userJWT string) (model.Session, error) {
	key, err := recordcrypto.DeriveRecordKey(s.keySecret, "identity:"+c.AppKey+":"+c.Subject)
	if err != nil {
		return model.Session{}, err
	}
	if len(key) > recordcrypto.KeyLen {
		key = key[:recordcrypto.KeyLen]
	}
	return model.Session{ConversationID: c.ID, Token: userJWT, Subject: c.Subject, EncryptionKey: key}, nil
}

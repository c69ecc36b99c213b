package backend

import (
	"context"
	"fmt"

	"github.com/and161185/convokeeper/internal/apiclient"
	"github.com/and161185/convokeeper/internal/auth"
	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/gateway"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/and161185/convokeeper/internal/payload"
	"github.com/and161185/convokeeper/internal/roster"
	"go.uber.org/zap"
)

// Register records the app credentials and makes sure a conversation exists.
// When protected storage is unavailable it waits until it becomes available.
func (b *Backend) Register(ctx context.Context, app conversation.AppCredentials) (ConnectionType, error) {
	if err := app.Validate(); err != nil {
		return "", err
	}
	err := b.do(ctx, func(context.Context) error {
		if b.app != nil && *b.app != app {
			return fmt.Errorf("register: %w: app credentials differ", errs.ErrConflict)
		}
		b.setApp(app)
		if !b.available && b.ready.kind != ready {
			b.ready = readiness{kind: pending, app: app}
			b.log.Info("registration deferred until protected storage is available")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return call(ctx, b, true, func(ctx context.Context) (ConnectionType, error) {
		ct, err := b.completeRegister(ctx, "")
		if err != nil {
			return "", b.fail("register", err)
		}
		b.emitState()
		return ct, nil
	})
}

// RegisterLegacy is Register for an installation that still holds a legacy
// token: a placeholder identity exchanges it instead of creating a conversation.
func (b *Backend) RegisterLegacy(ctx context.Context, app conversation.AppCredentials, legacyToken string) (ConnectionType, error) {
	if err := app.Validate(); err != nil {
		return "", err
	}
	if err := b.do(ctx, func(context.Context) error {
		if b.app != nil && *b.app != app {
			return fmt.Errorf("register: %w: app credentials differ", errs.ErrConflict)
		}
		b.setApp(app)
		return nil
	}); err != nil {
		return "", err
	}
	return call(ctx, b, true, func(ctx context.Context) (ConnectionType, error) {
		ct, err := b.completeRegister(ctx, legacyToken)
		if err != nil {
			return "", b.fail("register legacy", err)
		}
		b.emitState()
		return ct, nil
	})
}

func (b *Backend) setApp(app conversation.AppCredentials) {
	b.app = &app
	b.api = apiclient.New(b.cfg.Transport, app)
	if b.conv.AppCredentials == nil {
		a := app
		b.conv.AppCredentials = &a
		b.convDirty = true
	}
}

func (b *Backend) completeRegister(ctx context.Context, legacyToken string) (ConnectionType, error) {
	if err := b.ensureLoaded(); err != nil {
		return "", err
	}
	if b.roster.Active == nil {
		b.ready = readiness{kind: ready}
		return ConnectionCached, nil
	}
	switch st := b.roster.Active.State.(type) {
	case roster.Anonymous, roster.LoggedIn:
		b.ready = readiness{kind: ready}
		return ConnectionCached, nil
	case roster.Placeholder:
		if legacyToken != "" {
			next, err := b.roster.BeginLegacy(legacyToken)
			if err != nil {
				return "", err
			}
			return b.exchangeLegacy(ctx, next, legacyToken)
		}
		next, err := b.roster.BeginAnonymous()
		if err != nil {
			return "", err
		}
		return b.createAnonymous(ctx, next)
	case roster.AnonymousPending:
		return b.createAnonymous(ctx, b.roster)
	case roster.LegacyPending:
		return b.exchangeLegacy(ctx, b.roster, st.LegacyToken)
	}
	return "", fmt.Errorf("register: %w: active identity is %s", errs.ErrUnexpectedState, b.roster.ActiveKind())
}

// createAnonymous posts the conversation and commits the roster only on success.
func (b *Backend) createAnonymous(ctx context.Context, pendingRoster roster.Roster) (ConnectionType, error) {
	resp, err := b.api.CreateConversation(ctx, b.conversationRequest())
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	next, err := pendingRoster.RegisterAnonymous(resp.ID, resp.Token)
	if err != nil {
		return "", err
	}
	if err := b.commitRoster(next); err != nil {
		return "", err
	}
	b.adoptCredentials(roster.Credentials{ID: resp.ID, Token: resp.Token}, true)
	b.ready = readiness{kind: ready}
	b.log.Info("conversation registered", zap.String("id", resp.ID))
	return ConnectionNew, nil
}

func (b *Backend) exchangeLegacy(ctx context.Context, pendingRoster roster.Roster, legacyToken string) (ConnectionType, error) {
	resp, err := b.api.ExchangeLegacyToken(ctx, gateway.LegacyExchangeRequest{LegacyToken: legacyToken})
	if err != nil {
		return "", fmt.Errorf("exchange legacy token: %w", err)
	}
	next, err := pendingRoster.RegisterLegacy(resp.ID, resp.Token)
	if err != nil {
		return "", err
	}
	if err := b.commitRoster(next); err != nil {
		return "", err
	}
	b.adoptCredentials(roster.Credentials{ID: resp.ID, Token: resp.Token}, false)
	b.ready = readiness{kind: ready}
	b.log.Info("legacy conversation migrated", zap.String("id", resp.ID))
	return ConnectionNew, nil
}

// LogIn binds the device to the subject of token.
func (b *Backend) LogIn(ctx context.Context, token string) error {
	subject, err := auth.SubjectFromToken(token)
	if err != nil {
		return fmt.Errorf("log in: %w", err)
	}
	return b.doStored(ctx, func(ctx context.Context) error {
		if err := b.logIn(ctx, subject, token); err != nil {
			return b.fail("log in", err)
		}
		b.log.Info("logged in", zap.String("subject", subject))
		b.emitState()
		return nil
	})
}

func (b *Backend) logIn(ctx context.Context, subject, token string) error {
	if b.api == nil {
		return errs.ErrMissingAppCredentials
	}
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	switch b.roster.ActiveKind() {
	case roster.KindAnonymous:
		return b.logInFromAnonymous(ctx, subject, token)
	case "":
		if _, ok := b.roster.FindLoggedOut(subject); ok {
			return b.logInFromLoggedOut(ctx, subject, token)
		}
		return b.createLoggedIn(ctx, subject, token)
	case roster.KindLoggedIn:
		return fmt.Errorf("log in: %w", errs.ErrAlreadyLoggedIn)
	}
	return fmt.Errorf("log in: %w: active identity is %s", errs.ErrNotRegistered, b.roster.ActiveKind())
}

// logInFromAnonymous keeps the conversation and its directory and re-encrypts
// its records with the identity key.
func (b *Backend) logInFromAnonymous(ctx context.Context, subject, token string) error {
	creds, _ := b.roster.Active.Credentials()
	resp, err := b.api.ResumeSession(ctx, creds.ID, token)
	if err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	if err := checkSession(resp, subject); err != nil {
		return err
	}
	next, err := b.roster.LogInFromAnonymous(subject, token, resp.EncryptionKey)
	if err != nil {
		return err
	}
	if err := b.saveAll(true); err != nil {
		return err
	}
	prev := b.identity
	if err := prev.rekey(resp.EncryptionKey); err != nil {
		return err
	}
	if err := b.commitRoster(next); err != nil {
		if rerr := openIdentity(b.cfg.ContainerDir, *next.Active).rekey(nil); rerr != nil {
			b.log.Error("restore plaintext records", zap.Error(rerr))
		}
		return err
	}
	b.openStore(*b.roster.Active)
	b.adoptCredentials(roster.Credentials{ID: creds.ID, Token: token}, false)
	return b.saveAll(true)
}

func (b *Backend) logInFromLoggedOut(ctx context.Context, subject, token string) error {
	rec, _ := b.roster.FindLoggedOut(subject)
	id, _ := rec.ID()
	resp, err := b.api.ResumeSession(ctx, id, token)
	if err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	if err := checkSession(resp, subject); err != nil {
		return err
	}
	next, err := b.roster.LogInFromLoggedOut(subject, token, resp.EncryptionKey)
	if err != nil {
		return err
	}
	if err := b.commitRoster(next); err != nil {
		return err
	}
	if err := b.switchIdentity(*b.roster.Active); err != nil {
		return err
	}
	return b.saveAll(true)
}

func (b *Backend) createLoggedIn(ctx context.Context, subject, token string) error {
	path, err := b.newID()
	if err != nil {
		return err
	}
	resp, err := b.api.CreateLoggedInConversation(ctx, token, b.conversationRequest())
	if err != nil {
		return fmt.Errorf("create logged in conversation: %w", err)
	}
	if err := checkSession(resp, subject); err != nil {
		return err
	}
	next, err := b.roster.CreateLoggedIn(subject, resp.ID, token, resp.EncryptionKey, path)
	if err != nil {
		return err
	}
	if err := b.commitRoster(next); err != nil {
		return err
	}
	if err := b.switchIdentity(*b.roster.Active); err != nil {
		return err
	}
	b.adoptCredentials(roster.Credentials{ID: resp.ID, Token: token}, true)
	return b.saveAll(true)
}

// LogOut ends the session of the logged-in identity, moves it to the
// logged-out list and empties the attachment cache.
func (b *Backend) LogOut(ctx context.Context) error {
	return b.doStored(ctx, func(ctx context.Context) error {
		if err := b.logOut(ctx); err != nil {
			return b.fail("log out", err)
		}
		b.log.Info("logged out")
		b.emitState()
		return nil
	})
}

func (b *Backend) logOut(ctx context.Context) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	next, err := b.roster.LogOutActive()
	if err != nil {
		return err
	}
	creds, _ := b.roster.Active.Credentials()
	b.endSession(ctx, creds)
	if err := b.saveAll(true); err != nil {
		return err
	}
	if err := b.commitRoster(next); err != nil {
		return err
	}

	cache := b.attachments
	b.resetIdentity()
	b.identity = nil
	b.attachments = nil
	b.ready = readiness{kind: ready}
	if cache != nil {
		if err := cache.EvictCache(); err != nil {
			return fmt.Errorf("log out: %w", err)
		}
	}
	return nil
}

// endSession flushes the queue with a trailing logout payload. Whatever cannot
// be delivered stays in the identity's queue except the logout itself.
func (b *Backend) endSession(ctx context.Context, creds roster.Credentials) {
	p, err := payload.New(payload.KindLogout, creds.ID, gateway.SessionRequest{ConversationID: creds.ID}, b.now())
	if err != nil {
		b.log.Warn("build logout payload", zap.Error(err))
		return
	}
	b.queue.Enqueue(p)
	if b.canSync() {
		if _, err := b.drain(ctx); err != nil {
			b.log.Warn("logout sent while offline", zap.Error(err))
		}
	}
	b.queue.Remove(p.Nonce)
}

// UpdateToken replaces the token of the logged-in identity. The token's
// subject must match the identity.
func (b *Backend) UpdateToken(ctx context.Context, token string) error {
	subject, err := auth.SubjectFromToken(token)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	return b.doStored(ctx, func(context.Context) error {
		if err := b.ensureLoaded(); err != nil {
			return b.fail("update token", err)
		}
		next, err := b.roster.UpdateToken(token, subject)
		if err != nil {
			return b.fail("update token", err)
		}
		if err := b.commitRoster(next); err != nil {
			return err
		}
		creds, _ := next.Active.Credentials()
		b.adoptCredentials(creds, false)
		return nil
	})
}

// Roster returns a copy of the identity roster.
func (b *Backend) Roster(ctx context.Context) (roster.Roster, error) {
	return call(ctx, b, true, func(context.Context) (roster.Roster, error) {
		if err := b.ensureLoaded(); err != nil {
			return roster.Roster{}, err
		}
		return b.roster.Clone(), nil
	})
}

func (b *Backend) commitRoster(next roster.Roster) error {
	if err := next.Validate(); err != nil {
		return err
	}
	prev, prevDirty := b.roster, b.rosterDirty
	b.roster = next
	b.rosterDirty = true
	if err := b.saveAll(false); err != nil {
		b.roster, b.rosterDirty = prev, prevDirty
		return err
	}
	return nil
}

// adoptCredentials writes conversation credentials into the aggregate. When
// synced is set the backend already holds the current aggregate.
func (b *Backend) adoptCredentials(creds roster.Credentials, synced bool) {
	c := creds
	b.conv.ConversationCredentials = &c
	b.convDirty = true
	if synced {
		s := b.conv.Clone()
		b.lastSynced = &s
		b.syncedDirty = true
	}
}

// switchIdentity drops in-memory state of the previous identity and loads rec.
func (b *Backend) switchIdentity(rec roster.Record) error {
	b.resetIdentity()
	b.openStore(rec)
	return b.loadIdentity(rec)
}

func (b *Backend) resetIdentity() {
	b.conv = b.freshConversation()
	b.convDirty = false
	b.lastSynced = nil
	b.syncedDirty = false
	b.identityLoaded = false
	b.messages = messages.NewManager(nil, b.log)
	b.queue = payload.Queue{}
	b.lastFetch = b.now().Add(-b.cfg.MessageFetchInterval)
	b.manifests.Invalidate()
}

func (b *Backend) conversationRequest() gateway.ConversationRequest {
	return gateway.ConversationRequest{
		AppRelease: b.conv.AppRelease,
		Person:     b.conv.Person.Clone(),
		Device:     b.conv.Device.Clone(),
	}
}

func checkSession(resp gateway.ConversationResponse, subject string) error {
	if resp.Subject != "" && resp.Subject != subject {
		return fmt.Errorf("session subject %q: %w", resp.Subject, errs.ErrMismatchedSubClaim)
	}
	if len(resp.EncryptionKey) == 0 {
		return errs.ErrMissingEncryptionKey
	}
	return nil
}

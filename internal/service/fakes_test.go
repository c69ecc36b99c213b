package service

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/limiter"
	"github.com/and161185/convokeeper/internal/model"
	"github.com/and161185/convokeeper/internal/repository"
	"github.com/gofrs/uuid/v5"
)

type fakeApps struct {
	byKey   map[string]model.App
	getErr  error
	gets    int
	upserts int
}

var _ repository.AppRepository = (*fakeApps)(nil)

func (f *fakeApps) Upsert(_ context.Context, a *model.App) error {
	if f.byKey == nil {
		f.byKey = map[string]model.App{}
	}
	f.upserts++
	f.byKey[a.Key] = *a
	return nil
}

func (f *fakeApps) GetByKey(_ context.Context, key string) (*model.App, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.byKey[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

type fakeConvs struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]model.Conversation
	createErr error
}

var _ repository.ConversationRepository = (*fakeConvs)(nil)

func newFakeConvs() *fakeConvs { return &fakeConvs{byID: map[uuid.UUID]model.Conversation{}} }

func (f *fakeConvs) Create(_ context.Context, c *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.byID[c.ID]; ok {
		return errs.ErrAlreadyExists
	}
	for _, o := range f.byID {
		if o.AppKey == c.AppKey && c.Subject != "" && o.Subject == c.Subject {
			return errs.ErrAlreadyExists
		}
	}
	f.byID[c.ID] = *c
	return nil
}

func (f *fakeConvs) Get(_ context.Context, id uuid.UUID) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

func (f *fakeConvs) find(match func(model.Conversation) bool) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if match(c) {
			cp := c
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeConvs) GetBySubject(_ context.Context, appKey, subject string) (*model.Conversation, error) {
	return f.find(func(c model.Conversation) bool { return c.AppKey == appKey && c.Subject == subject })
}

func (f *fakeConvs) GetByLegacyToken(_ context.Context, appKey, token string) (*model.Conversation, error) {
	return f.find(func(c model.Conversation) bool { return c.AppKey == appKey && c.LegacyToken == token })
}

func (f *fakeConvs) BindSubject(_ context.Context, id uuid.UUID, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.Subject != "" {
		return errs.ErrConflict
	}
	for _, o := range f.byID {
		if o.AppKey == c.AppKey && o.Subject == subject {
			return errs.ErrAlreadyExists
		}
	}
	c.Subject = subject
	f.byID[id] = c
	return nil
}

type fakeMsgs struct {
	payloads map[string]model.StoredPayload
	messages []model.StoredMessage
	err      error
}

var _ repository.MessageRepository = (*fakeMsgs)(nil)

func (f *fakeMsgs) AppendPayload(_ context.Context, p *model.StoredPayload, msg *model.StoredMessage) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.payloads == nil {
		f.payloads = map[string]model.StoredPayload{}
	}
	k := p.ConversationID.String() + "/" + p.Nonce
	if _, ok := f.payloads[k]; ok {
		return false, nil
	}
	f.payloads[k] = *p
	if msg != nil {
		_ = f.InsertMessage(context.Background(), msg)
	}
	return true, nil
}

func (f *fakeMsgs) InsertMessage(_ context.Context, msg *model.StoredMessage) error {
	msg.Seq = int64(len(f.messages) + 1)
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeMsgs) GetMessageByNonce(_ context.Context, conv uuid.UUID, nonce string) (*model.StoredMessage, error) {
	for _, m := range f.messages {
		if m.ConversationID == conv && m.Nonce == nonce {
			cp := m
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeMsgs) ListMessagesAfter(_ context.Context, conv uuid.UUID, after string, limit int) ([]model.StoredMessage, error) {
	var from int64
	for _, m := range f.messages {
		if m.ConversationID == conv && m.Nonce == after {
			from = m.Seq
		}
	}
	var out []model.StoredMessage
	for _, m := range f.messages {
		if m.ConversationID == conv && m.Seq > from && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	allowCalls   int
	failureCalls int
	successCalls int
	principals   []string
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(_ context.Context, principal string, _ []byte) (bool, time.Duration, error) {
	l.allowCalls++
	l.principals = append(l.principals, principal)
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return nil
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/and161185/convokeeper/internal/payload"
	"github.com/and161185/convokeeper/internal/roster"
	"go.uber.org/zap"
)

// housekeep saves dirty records, enqueues conversation diffs, drains the
// payload queue and fetches messages when due. It runs on the actor only.
func (b *Backend) housekeep(ctx context.Context, fetch bool) error {
	if !b.available {
		return nil
	}
	if err := b.saveAll(false); err != nil {
		return err
	}
	if b.ready.kind != ready || !b.canSync() {
		return nil
	}
	if _, err := b.syncConversation(); err != nil {
		return err
	}
	var failed error
	if _, err := b.drain(ctx); err != nil {
		failed = err
	}
	if failed == nil && (fetch || b.now().Sub(b.lastFetch) >= b.cfg.MessageFetchInterval) {
		if _, err := b.fetchMessages(ctx); err != nil {
			failed = err
		}
	}
	if err := b.saveAll(false); err != nil {
		return err
	}
	return failed
}

// Flush runs one housekeeping pass now, including a message fetch.
func (b *Backend) Flush(ctx context.Context) error {
	return b.doStored(ctx, func(ctx context.Context) error {
		return b.housekeep(ctx, true)
	})
}

// SyncConversationWithAPI enqueues a payload for every aggregate field that
// changed since it was last synced and returns how many were enqueued.
func (b *Backend) SyncConversationWithAPI(ctx context.Context) (int, error) {
	return call(ctx, b, false, func(context.Context) (int, error) {
		return b.syncConversation()
	})
}

func (b *Backend) syncConversation() (int, error) {
	creds, ok := b.activeCredentials()
	if !ok {
		return 0, nil
	}
	if b.lastSynced == nil {
		b.lastSynced = &conversation.Conversation{}
	}
	synced := b.lastSynced.Clone()
	fields := []struct {
		kind    payload.Kind
		current any
		last    any
		commit  func()
	}{
		{payload.KindAppRelease, b.conv.AppRelease, synced.AppRelease, func() { synced.AppRelease = b.conv.AppRelease }},
		{payload.KindPerson, b.conv.Person, synced.Person, func() { synced.Person = b.conv.Person.Clone() }},
		{payload.KindDevice, b.conv.Device, synced.Device, func() {
			if synced.Device.LocaleRaw != b.conv.Device.LocaleRaw {
				b.manifests.Invalidate()
			}
			synced.Device = b.conv.Device.Clone()
		}},
	}
	n := 0
	for _, f := range fields {
		same, err := sameJSON(f.current, f.last)
		if err != nil {
			return n, err
		}
		if same {
			continue
		}
		p, err := payload.New(f.kind, creds.ID, f.current, b.now())
		if err != nil {
			return n, err
		}
		b.queue.Enqueue(p)
		f.commit()
		n++
	}
	b.lastSynced = &synced
	if n > 0 {
		b.syncedDirty = true
		b.log.Debug("conversation diff enqueued", zap.Int("payloads", n))
	}
	return n, nil
}

// drain sends queued payloads in order and applies the outcome to messages.
func (b *Backend) drain(ctx context.Context) (payload.Result, error) {
	creds, ok := b.activeCredentials()
	if !ok || b.queue.Len() == 0 {
		return payload.Result{}, nil
	}
	res, err := b.queue.Drain(ctx, func(ctx context.Context, p payload.Payload) error {
		if p.Kind == payload.KindMessage {
			b.setMessageStatus(p.Nonce, messages.StatusSending)
		}
		return b.sendPayload(ctx, creds, p)
	})
	for _, p := range res.Sent {
		if p.Kind == payload.KindMessage {
			b.setMessageStatus(p.Nonce, messages.StatusSent)
		}
	}
	for _, p := range res.Rejected {
		b.log.Warn("payload rejected", zap.String("kind", string(p.Kind)), zap.String("nonce", p.Nonce))
		if p.Kind == payload.KindMessage {
			b.setMessageStatus(p.Nonce, messages.StatusFailed)
		}
	}
	if len(res.Sent)+len(res.Rejected) > 0 {
		b.emit(Event{Kind: EventMessagesUpdated, Unread: b.messages.UnreadCount()})
	}
	if err != nil {
		if head, ok := b.queue.Peek(); ok && head.Kind == payload.KindMessage {
			b.setMessageStatus(head.Nonce, messages.StatusQueued)
		}
		return res, b.fail("send payloads", err)
	}
	return res, nil
}

func (b *Backend) setMessageStatus(nonce string, s messages.Status) {
	if err := b.messages.UpdateStatusForNonce(nonce, s); err != nil {
		b.log.Error("update message status", zap.String("nonce", nonce), zap.Error(err))
	}
}

func (b *Backend) sendPayload(ctx context.Context, creds roster.Credentials, p payload.Payload) error {
	if p.Kind == payload.KindLogout {
		return b.api.EndSession(ctx, creds.ID, creds.Token)
	}
	atts, err := b.inlineAttachments(p.Attachments)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrRejected, err)
	}
	p.Attachments = atts
	_, err = b.api.SendPayload(ctx, creds.Token, p)
	return err
}

// inlineAttachments replaces local file storage with the file bytes for upload.
func (b *Backend) inlineAttachments(in []messages.Attachment) ([]messages.Attachment, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]messages.Attachment, len(in))
	for i, a := range in {
		out[i] = a.Clone()
		if b.attachments == nil {
			continue
		}
		path, ok := b.attachments.Path(a)
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("attachment %q: %w", a.Filename, errs.ErrMissingResource)
		}
		if err != nil {
			return nil, err
		}
		out[i].Storage = messages.InMemory{Data: data}
	}
	return out, nil
}

// FetchMessages pulls new messages from the backend now.
func (b *Backend) FetchMessages(ctx context.Context) (bool, error) {
	return call(ctx, b, true, func(ctx context.Context) (bool, error) {
		if !b.canSync() {
			return false, fmt.Errorf("fetch messages: %w", errs.ErrNotRegistered)
		}
		changed, err := b.fetchMessages(ctx)
		if err != nil {
			return changed, err
		}
		return changed, b.saveAll(false)
	})
}

func (b *Backend) fetchMessages(ctx context.Context) (bool, error) {
	creds, ok := b.activeCredentials()
	if !ok {
		return false, nil
	}
	b.lastFetch = b.now()
	cursor, _ := b.messages.LastFetch()
	changed := false
	for i := 0; i < maxMessagePages; i++ {
		page, err := b.api.FetchMessages(ctx, creds.ID, creds.Token, cursor)
		if err != nil {
			return changed, b.fail("fetch messages", err)
		}
		if page.EndsWith != "" {
			cursor = page.EndsWith
		}
		if b.messages.MergeIncoming(page.Messages, cursor) {
			changed = true
		}
		if !page.HasMore {
			break
		}
	}
	if changed {
		b.emit(Event{Kind: EventMessagesUpdated, Unread: b.messages.UnreadCount()})
	}
	return changed, nil
}

func (b *Backend) activeCredentials() (roster.Credentials, bool) {
	if b.api == nil || b.roster.Active == nil {
		return roster.Credentials{}, false
	}
	return b.roster.Active.Credentials()
}

func sameJSON(a, b any) (bool, error) {
	x, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	y, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(x, y), nil
}

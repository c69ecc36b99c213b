package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/convokeeper/internal/attachments"
	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/gateway"
	"github.com/and161185/convokeeper/internal/manifest"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/and161185/convokeeper/internal/payload"
	"go.uber.org/zap"
)

// launchLabel is the event label recorded when an interaction is shown.
const launchLabel = "launch"

// Upload is an attachment to send. Either Data or Path is set.
type Upload struct {
	Filename string
	Data     []byte
	Path     string
}

// Engage counts an invocation of codePoint and returns the interaction the
// evaluator selects for it, if any.
func (b *Backend) Engage(ctx context.Context, codePoint string) (*manifest.Interaction, error) {
	return call(ctx, b, false, func(ctx context.Context) (*manifest.Interaction, error) {
		b.conv.CodePoints.Invoke(codePoint, b.now())
		b.convDirty = true
		b.enqueueEvent(gateway.EventBody{Label: codePoint})

		m, ok := b.manifest(ctx)
		if !ok {
			return nil, nil
		}
		in, err := b.cfg.Evaluator.Evaluate(m, codePoint, b.conv.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("engage %s: %w", codePoint, err)
		}
		if in == nil {
			return nil, nil
		}
		b.conv.Interactions.Invoke(in.ID, b.now())
		b.enqueueEvent(gateway.EventBody{Label: launchLabel, InteractionID: in.ID})
		b.emit(Event{Kind: EventEngaged, Interaction: in})
		b.log.Info("engaged", zap.String("code_point", codePoint), zap.String("interaction", in.ID))
		return in, nil
	})
}

func (b *Backend) enqueueEvent(ev gateway.EventBody) {
	creds, ok := b.activeCredentials()
	if !ok {
		return
	}
	p, err := payload.New(payload.KindEvent, creds.ID, ev, b.now())
	if err != nil {
		b.log.Warn("build event payload", zap.Error(err))
		return
	}
	b.queue.Enqueue(p)
}

// manifest returns the cached manifest for the current locale, fetching it when possible.
func (b *Backend) manifest(ctx context.Context) (manifest.Manifest, bool) {
	locale := b.conv.Device.LocaleRaw
	if m, ok := b.manifests.Get(locale); ok {
		return m, true
	}
	creds, ok := b.activeCredentials()
	if !ok || !b.canSync() {
		return manifest.Manifest{}, false
	}
	m, err := b.api.FetchManifest(ctx, creds.ID, creds.Token, locale)
	if err != nil {
		b.fail("fetch manifest", err)
		return manifest.Manifest{}, false
	}
	b.manifests.Put(locale, m)
	return m, true
}

// SendMessage stores the uploads as drafts, appends a queued message and
// enqueues its payload. Thumbnails for images are produced in the background.
func (b *Backend) SendMessage(ctx context.Context, body string, uploads []Upload) (messages.Message, error) {
	return call(ctx, b, true, func(context.Context) (messages.Message, error) {
		if err := b.ensureLoaded(); err != nil {
			return messages.Message{}, err
		}
		creds, ok := b.activeCredentials()
		if !ok || b.attachments == nil {
			return messages.Message{}, fmt.Errorf("send message: %w", errs.ErrNotRegistered)
		}
		nonce, err := b.newID()
		if err != nil {
			return messages.Message{}, err
		}
		atts := make([]messages.Attachment, 0, len(uploads))
		for _, u := range uploads {
			a, err := b.storeUpload(u)
			if err != nil {
				for _, stored := range atts {
					_ = b.attachments.RemoveSaved(stored)
				}
				return messages.Message{}, fmt.Errorf("send message: %w", err)
			}
			atts = append(atts, a)
		}

		msg := b.messages.AddQueued(messages.Message{Body: body, Attachments: atts}, nonce)
		p, err := payload.NewWithNonce(payload.KindMessage, nonce, creds.ID, gateway.MessageBody{Body: body}, b.now())
		if err != nil {
			return messages.Message{}, err
		}
		p.Attachments = atts
		b.queue.Enqueue(p)
		b.thumbnails(nonce, atts)
		return msg, nil
	})
}

func (b *Backend) storeUpload(u Upload) (messages.Attachment, error) {
	if u.Data != nil {
		return b.attachments.NewAttachment(u.Data, u.Filename)
	}
	rel, err := b.attachments.StoreFile(u.Path, u.Filename)
	if err != nil {
		return messages.Attachment{}, err
	}
	a := messages.Attachment{Filename: u.Filename, Storage: messages.Saved{Path: rel}}
	if a.Filename == "" {
		a.Filename = filepath.Base(rel)
	}
	if p, ok := b.attachments.Path(a); ok {
		if ct, err := attachments.DetectFileContentType(p); err == nil {
			a.ContentType = ct
		}
	}
	return a, nil
}

// thumbnails scales image attachments off the actor and stores the result
// when done. Failures are ignored.
func (b *Backend) thumbnails(nonce string, atts []messages.Attachment) {
	for i, a := range atts {
		if !strings.HasPrefix(a.ContentType, "image/") {
			continue
		}
		path, ok := b.attachments.Path(a)
		if !ok {
			continue
		}
		go func(idx int, path string) {
			data, err := os.ReadFile(path)
			if err != nil {
				return
			}
			thumb, err := attachments.Thumbnail(data, attachments.DefaultThumbnailSide)
			if err != nil {
				b.log.Debug("thumbnail skipped", zap.Error(err))
				return
			}
			b.post(func() {
				m, ok := b.messages.Find(nonce)
				if !ok || idx >= len(m.Attachments) {
					return
				}
				att := m.Attachments[idx]
				att.Thumbnail = thumb
				b.messages.SetAttachment(nonce, idx, att)
			})
		}(i, path)
	}
}

// Messages returns the visible message list.
func (b *Backend) Messages(ctx context.Context) ([]messages.Message, error) {
	return call(ctx, b, true, func(context.Context) ([]messages.Message, error) {
		if err := b.ensureLoaded(); err != nil {
			return nil, err
		}
		return b.messages.Messages(), nil
	})
}

// MarkMessageRead marks an inbound message read.
func (b *Backend) MarkMessageRead(ctx context.Context, nonce string) error {
	return b.doStored(ctx, func(context.Context) error {
		if b.messages.MarkRead(nonce) {
			b.emit(Event{Kind: EventMessagesUpdated, Unread: b.messages.UnreadCount()})
		}
		return nil
	})
}

// LoadAttachment makes attachment idx of message nonce available on disk and
// returns its path.
func (b *Backend) LoadAttachment(ctx context.Context, nonce string, idx int) (string, error) {
	return call(ctx, b, true, func(ctx context.Context) (string, error) {
		if b.attachments == nil {
			return "", fmt.Errorf("load attachment: %w", errs.ErrNotRegistered)
		}
		m, ok := b.messages.Find(nonce)
		if !ok || idx < 0 || idx >= len(m.Attachments) {
			return "", fmt.Errorf("attachment %d of %s: %w", idx, nonce, errs.ErrNotFound)
		}
		a := m.Attachments[idx]
		path, st, err := b.attachments.Download(ctx, a)
		if err != nil {
			return "", b.fail("load attachment", err)
		}
		if st.Kind() != a.Storage.Kind() {
			a.Storage = st
			b.messages.SetAttachment(nonce, idx, a)
		}
		return path, nil
	})
}

// Conversation returns a copy of the aggregate.
func (b *Backend) Conversation(ctx context.Context) (conversation.Conversation, error) {
	return call(ctx, b, false, func(context.Context) (conversation.Conversation, error) {
		return b.conv.Clone(), nil
	})
}

// SetPersonName sets the person name; it is synced on the next pass.
func (b *Backend) SetPersonName(ctx context.Context, name string) error {
	return b.mutate(ctx, func(c *conversation.Conversation) error {
		c.Person.Name = name
		return nil
	})
}

// SetPersonEmail sets the person email address.
func (b *Backend) SetPersonEmail(ctx context.Context, email string) error {
	return b.mutate(ctx, func(c *conversation.Conversation) error {
		c.Person.EmailAddress = email
		return nil
	})
}

// SetPersonCustomData sets one person custom data value.
func (b *Backend) SetPersonCustomData(ctx context.Context, key string, v any) error {
	return b.mutate(ctx, func(c *conversation.Conversation) error {
		return c.Person.CustomData.Set(key, v)
	})
}

// SetDeviceCustomData sets one device custom data value.
func (b *Backend) SetDeviceCustomData(ctx context.Context, key string, v any) error {
	return b.mutate(ctx, func(c *conversation.Conversation) error {
		return c.Device.CustomData.Set(key, v)
	})
}

// UpdateEnvironment applies new live descriptors such as a locale change.
func (b *Backend) UpdateEnvironment(ctx context.Context, env conversation.Environment) error {
	return b.mutate(ctx, func(c *conversation.Conversation) error {
		b.cfg.Environment = env
		c.ApplyEnvironment(env)
		return nil
	})
}

func (b *Backend) mutate(ctx context.Context, fn func(*conversation.Conversation) error) error {
	return b.do(ctx, func(context.Context) error {
		if err := fn(&b.conv); err != nil {
			return err
		}
		b.convDirty = true
		return nil
	})
}

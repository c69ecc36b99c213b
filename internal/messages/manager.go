package messages

import (
	"fmt"
	"time"

	"github.com/and161185/convokeeper/internal/store"
	"go.uber.org/zap"
)

// List is the persisted message record of one identity.
type List struct {
	Messages        []Message `json:"messages"`
	Draft           *Message  `json:"draft,omitempty"`
	LastFetchCursor string    `json:"last_fetch_cursor,omitempty"`
	LastFetchDate   time.Time `json:"last_fetch_date,omitempty"`
}

// Codec is the record file descriptor for the message list.
var Codec = store.Codec{Name: "MessageList", Format: 1}

// AttachmentStore is the part of the attachment manager the message list relies on.
type AttachmentStore interface {
	Present(Attachment) bool
	CacheQueued(Attachment) (Storage, error)
}

// Manager owns the in-memory message list. It is not safe for concurrent use.
type Manager struct {
	list        List
	attachments AttachmentStore
	dirty       bool
	now         func() time.Time
	log         *zap.Logger
}

// NewManager constructs an empty manager.
func NewManager(attachments AttachmentStore, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{attachments: attachments, now: time.Now, log: log}
}

// AddQueued appends a local message with status queued and sent date now.
func (m *Manager) AddQueued(msg Message, nonce string) Message {
	msg = msg.Clone()
	msg.Nonce = nonce
	msg.Status = StatusQueued
	msg.SentDate = m.now()
	msg.Sender = nil
	m.list.Messages = append(m.list.Messages, msg)
	Sort(m.list.Messages)
	m.dirty = true
	return msg.Clone()
}

// UpdateStatusForNonce sets the status of the message with nonce. Unknown
// nonces are ignored. Moving to sent promotes saved attachments to the cache;
// when that fails the status is left as it was.
func (m *Manager) UpdateStatusForNonce(nonce string, status Status) error {
	i := m.index(nonce)
	if i < 0 {
		return nil
	}
	msg := &m.list.Messages[i]
	if msg.Status == StatusRead {
		return nil
	}
	if status == StatusSent {
		if err := m.promoteSaved(msg); err != nil {
			return err
		}
	}
	msg.Status = status
	m.dirty = true
	return nil
}

// promoteSaved moves every saved attachment of msg into the cache. Storage is
// updated per attachment so it always matches the files on disk.
func (m *Manager) promoteSaved(msg *Message) error {
	if m.attachments == nil {
		return nil
	}
	for k, a := range msg.Attachments {
		if _, ok := a.Storage.(Saved); !ok {
			continue
		}
		st, err := m.attachments.CacheQueued(a)
		if err != nil {
			return fmt.Errorf("cache attachment %d of %s: %w", k, msg.Nonce, err)
		}
		msg.Attachments[k].Storage = st
		m.dirty = true
	}
	return nil
}

// MergeIncoming reconciles a server batch and records the fetch cursor.
// It reports whether the visible list changed. Local messages the batch
// confirms as sent get their saved attachments promoted like UpdateStatusForNonce.
func (m *Manager) MergeIncoming(incoming []Message, cursor string) bool {
	before := len(m.list.Messages)
	prev := make(map[string]Status, before)
	for _, msg := range m.list.Messages {
		prev[msg.Nonce] = msg.Status
	}
	merged := Merge(m.list.Messages, incoming, m.present)
	for i := range merged {
		msg := &merged[i]
		if msg.Status != StatusSent {
			continue
		}
		if err := m.promoteSaved(msg); err != nil {
			m.log.Error("promote sent attachments", zap.String("nonce", msg.Nonce), zap.Error(err))
			if p, ok := prev[msg.Nonce]; ok && p != StatusSent {
				msg.Status = p
			}
		}
	}
	changed := len(merged) != before || len(incoming) > 0
	m.list.Messages = merged
	if cursor != "" {
		m.list.LastFetchCursor = cursor
	}
	m.list.LastFetchDate = m.now()
	m.dirty = true
	m.log.Debug("messages merged", zap.Int("incoming", len(incoming)), zap.Int("total", len(merged)))
	return changed
}

// Load folds a persisted list under the in-memory one; in-memory values win.
func (m *Manager) Load(persisted List) {
	m.list.Messages = Merge(persisted.Messages, m.list.Messages, m.present)
	if m.list.Draft == nil && persisted.Draft != nil {
		d := persisted.Draft.Clone()
		m.list.Draft = &d
	}
	if m.list.LastFetchCursor == "" {
		m.list.LastFetchCursor = persisted.LastFetchCursor
	}
	if persisted.LastFetchDate.After(m.list.LastFetchDate) {
		m.list.LastFetchDate = persisted.LastFetchDate
	}
}

// MarkRead marks an inbound message read. It reports whether anything changed.
func (m *Manager) MarkRead(nonce string) bool {
	i := m.index(nonce)
	if i < 0 || m.list.Messages[i].Status == StatusRead {
		return false
	}
	m.list.Messages[i].Status = StatusRead
	m.dirty = true
	return true
}

// UnreadCount returns the number of unread inbound messages.
func (m *Manager) UnreadCount() int {
	n := 0
	for _, msg := range m.list.Messages {
		if msg.Status == StatusUnread && !msg.Hidden {
			n++
		}
	}
	return n
}

// SetDraft replaces the draft; nil clears it.
func (m *Manager) SetDraft(d *Message) {
	if d == nil {
		m.list.Draft = nil
	} else {
		c := d.Clone()
		c.Status = StatusDraft
		m.list.Draft = &c
	}
	m.dirty = true
}

// Draft returns a copy of the current draft.
func (m *Manager) Draft() *Message {
	if m.list.Draft == nil {
		return nil
	}
	d := m.list.Draft.Clone()
	return &d
}

// Messages returns a copy of the visible messages.
func (m *Manager) Messages() []Message {
	out := make([]Message, 0, len(m.list.Messages))
	for _, msg := range m.list.Messages {
		if !msg.Hidden {
			out = append(out, msg.Clone())
		}
	}
	return out
}

// Find returns a copy of the message with nonce.
func (m *Manager) Find(nonce string) (Message, bool) {
	if i := m.index(nonce); i >= 0 {
		return m.list.Messages[i].Clone(), true
	}
	return Message{}, false
}

// SetAttachment replaces one attachment of a message, e.g. after a download.
func (m *Manager) SetAttachment(nonce string, idx int, a Attachment) bool {
	i := m.index(nonce)
	if i < 0 || idx < 0 || idx >= len(m.list.Messages[i].Attachments) {
		return false
	}
	m.list.Messages[i].Attachments[idx] = a.Clone()
	m.dirty = true
	return true
}

// List returns a copy of the persisted form.
func (m *Manager) List() List {
	out := List{
		Messages:        make([]Message, 0, len(m.list.Messages)),
		LastFetchCursor: m.list.LastFetchCursor,
		LastFetchDate:   m.list.LastFetchDate,
		Draft:           m.Draft(),
	}
	for _, msg := range m.list.Messages {
		out.Messages = append(out.Messages, msg.Clone())
	}
	return out
}

// LastFetch returns the cursor and time of the last merged server batch.
func (m *Manager) LastFetch() (string, time.Time) {
	return m.list.LastFetchCursor, m.list.LastFetchDate
}

// Dirty reports whether the list changed since MarkSaved.
func (m *Manager) Dirty() bool { return m.dirty }

// MarkSaved clears the dirty flag.
func (m *Manager) MarkSaved() { m.dirty = false }

// Reset drops every message, e.g. after log out.
func (m *Manager) Reset() {
	m.list = List{}
	m.dirty = false
}

func (m *Manager) present(a Attachment) bool {
	if m.attachments == nil {
		return false
	}
	return m.attachments.Present(a)
}

func (m *Manager) index(nonce string) int {
	for i := range m.list.Messages {
		if m.list.Messages[i].Nonce == nonce {
			return i
		}
	}
	return -1
}

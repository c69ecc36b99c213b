package messages

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAttachments struct {
	present  map[string]bool
	cached   []Attachment
	cacheErr error
	failPath string
}

func (f *fakeAttachments) Present(a Attachment) bool {
	switch s := a.Storage.(type) {
	case Cached:
		return f.present[s.Path]
	case Saved:
		return f.present[s.Path]
	}
	return false
}

func (f *fakeAttachments) CacheQueued(a Attachment) (Storage, error) {
	if s, ok := a.Storage.(Saved); f.cacheErr != nil && (f.failPath == "" || ok && s.Path == f.failPath) {
		return nil, f.cacheErr
	}
	f.cached = append(f.cached, a)
	if s, ok := a.Storage.(Saved); ok {
		return Cached{Path: s.Path}, nil
	}
	return a.Storage, nil
}

func newTestManager(t *testing.T, fa *fakeAttachments) *Manager {
	t.Helper()
	m := NewManager(fa, zaptest.NewLogger(t))
	m.now = func() time.Time { return base }
	return m
}

func TestManager_AddQueued(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &fakeAttachments{})
	got := m.AddQueued(Message{Body: "hi", Status: StatusDraft, Sender: &Sender{ID: "x"}}, "nonce-1")

	assert.Equal(t, "nonce-1", got.Nonce)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, base, got.SentDate)
	assert.Nil(t, got.Sender)
	assert.True(t, m.Dirty())
	require.Len(t, m.Messages(), 1)

	m.MarkSaved()
	assert.False(t, m.Dirty())
}

func TestManager_UpdateStatusForNonce(t *testing.T) {
	t.Parallel()
	fa := &fakeAttachments{}
	m := newTestManager(t, fa)

	require.NoError(t, m.UpdateStatusForNonce("missing", StatusSent))
	assert.False(t, m.Dirty(), "unknown nonce is a no-op")

	m.AddQueued(Message{Attachments: []Attachment{
		{ContentType: "image/png", Storage: Saved{Path: "d/a.png"}},
		{ContentType: "text/plain", Storage: Remote{URL: "u"}},
	}}, "n1")

	require.NoError(t, m.UpdateStatusForNonce("n1", StatusSending))
	assert.Empty(t, fa.cached)

	require.NoError(t, m.UpdateStatusForNonce("n1", StatusSent))
	got, ok := m.Find("n1")
	require.True(t, ok)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, Cached{Path: "d/a.png"}, got.Attachments[0].Storage)
	assert.Equal(t, Remote{URL: "u"}, got.Attachments[1].Storage)
	assert.Len(t, fa.cached, 1, "only saved attachments move")

	require.NoError(t, m.UpdateStatusForNonce("n1", StatusSent))
	assert.Len(t, fa.cached, 1, "second sent notification does not move files again")
}

func TestManager_UpdateStatusCacheError(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk")
	m := newTestManager(t, &fakeAttachments{cacheErr: boom})
	m.AddQueued(Message{Attachments: []Attachment{{Storage: Saved{Path: "p"}}}}, "n1")
	require.ErrorIs(t, m.UpdateStatusForNonce("n1", StatusSent), boom)
	got, _ := m.Find("n1")
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, Saved{Path: "p"}, got.Attachments[0].Storage)
}

func TestManager_UpdateStatusPartialCacheRetries(t *testing.T) {
	t.Parallel()
	fa := &fakeAttachments{cacheErr: errors.New("disk"), failPath: "b"}
	m := newTestManager(t, fa)
	m.AddQueued(Message{Attachments: []Attachment{
		{Storage: Saved{Path: "a"}},
		{Storage: Saved{Path: "b"}},
	}}, "n1")
	require.NoError(t, m.UpdateStatusForNonce("n1", StatusSending))

	require.Error(t, m.UpdateStatusForNonce("n1", StatusSent))
	got, _ := m.Find("n1")
	assert.Equal(t, StatusSending, got.Status)
	assert.Equal(t, Cached{Path: "a"}, got.Attachments[0].Storage)
	assert.Equal(t, Saved{Path: "b"}, got.Attachments[1].Storage)

	fa.cacheErr = nil
	require.NoError(t, m.UpdateStatusForNonce("n1", StatusSent))
	got, _ = m.Find("n1")
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, Cached{Path: "a"}, got.Attachments[0].Storage)
	assert.Equal(t, Cached{Path: "b"}, got.Attachments[1].Storage)
	assert.Len(t, fa.cached, 2)
}

func TestManager_MergeIncomingSentEchoPromotesAttachments(t *testing.T) {
	t.Parallel()
	fa := &fakeAttachments{present: map[string]bool{"d/a.png": true}}
	m := newTestManager(t, fa)
	m.AddQueued(Message{Body: "out", Attachments: []Attachment{{ContentType: "image/png", Storage: Saved{Path: "d/a.png"}}}}, "n1")

	echo := Message{Nonce: "n1", ServerID: "srv", Body: "out", Status: StatusSent, SentDate: base,
		Attachments: []Attachment{{ContentType: "image/png", Storage: Remote{URL: "https://cdn/a.png"}}}}
	m.MergeIncoming([]Message{echo}, "")
	got, _ := m.Find("n1")
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, Cached{Path: "d/a.png"}, got.Attachments[0].Storage)
	require.Len(t, fa.cached, 1)

	require.NoError(t, m.UpdateStatusForNonce("n1", StatusSent))
	assert.Len(t, fa.cached, 1)
}

func TestManager_MergeIncomingSentEchoKeepsStatusOnCacheError(t *testing.T) {
	t.Parallel()
	fa := &fakeAttachments{cacheErr: errors.New("disk")}
	m := newTestManager(t, fa)
	m.AddQueued(Message{Attachments: []Attachment{{Storage: Saved{Path: "p"}}}}, "n1")

	m.MergeIncoming([]Message{{Nonce: "n1", Status: StatusSent, SentDate: base}}, "")
	got, _ := m.Find("n1")
	assert.Equal(t, StatusQueued, got.Status)

	fa.cacheErr = nil
	require.NoError(t, m.UpdateStatusForNonce("n1", StatusSent))
	got, _ = m.Find("n1")
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, Cached{Path: "p"}, got.Attachments[0].Storage)
}

func TestManager_MergeIncomingAndRead(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &fakeAttachments{})
	m.AddQueued(Message{Body: "out"}, "local")

	in := []Message{
		{Nonce: "s1", Body: "welcome", Sender: &Sender{ID: "agent"}, SentDate: base.Add(-time.Hour), Status: StatusUnread},
		{Nonce: "local", ServerID: "srv", Status: StatusSent, SentDate: base},
	}
	assert.True(t, m.MergeIncoming(in, "cursor-1"))
	assert.Equal(t, 1, m.UnreadCount())

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "s1", msgs[0].Nonce)
	assert.Equal(t, "srv", msgs[1].ServerID)

	assert.True(t, m.MarkRead("s1"))
	assert.False(t, m.MarkRead("s1"))
	assert.Equal(t, 0, m.UnreadCount())

	m.MergeIncoming(in, "")
	got, _ := m.Find("s1")
	assert.Equal(t, StatusRead, got.Status)
	cursor, at := m.LastFetch()
	assert.Equal(t, "cursor-1", cursor)
	assert.Equal(t, base, at)
}

func TestManager_LoadPersisted(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &fakeAttachments{})
	m.AddQueued(Message{Body: "new"}, "mem")
	m.SetDraft(&Message{Body: "draft"})

	persisted := List{
		Messages:        []Message{{Nonce: "old", Body: "old", SentDate: base.Add(-time.Minute), Status: StatusRead}},
		Draft:           &Message{Body: "stale draft"},
		LastFetchCursor: "c9",
		LastFetchDate:   base.Add(-time.Hour),
	}
	m.Load(persisted)

	l := m.List()
	require.Len(t, l.Messages, 2)
	assert.Equal(t, "old", l.Messages[0].Nonce)
	assert.Equal(t, "draft", l.Draft.Body)
	assert.Equal(t, StatusDraft, l.Draft.Status)
	assert.Equal(t, "c9", l.LastFetchCursor)

	m.Reset()
	assert.Empty(t, m.Messages())
	assert.Nil(t, m.Draft())
}

func TestManager_SetAttachment(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &fakeAttachments{})
	m.AddQueued(Message{Attachments: []Attachment{{Storage: Remote{URL: "u"}}}}, "n")
	assert.True(t, m.SetAttachment("n", 0, Attachment{Storage: Cached{Path: "c"}}))
	assert.False(t, m.SetAttachment("n", 3, Attachment{}))
	got, _ := m.Find("n")
	assert.Equal(t, Cached{Path: "c"}, got.Attachments[0].Storage)
}

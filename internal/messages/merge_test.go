package messages

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/and161185/convokeeper/internal/customdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(nonce string, minute int, status Status) Message {
	return Message{Nonce: nonce, SentDate: base.Add(time.Duration(minute) * time.Minute), Status: status}
}

func alwaysPresent(Attachment) bool { return true }

func TestMerge_AddsIncomingOnlyAndSorts(t *testing.T) {
	t.Parallel()
	existing := []Message{msg("b", 2, StatusSent), msg("a", 1, StatusSent)}
	incoming := []Message{msg("c", 0, StatusUnread), msg("d", 2, StatusUnread)}

	got := Merge(existing, incoming, nil)
	nonces := make([]string, 0, len(got))
	for _, m := range got {
		nonces = append(nonces, m.Nonce)
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, nonces)
}

func TestMerge_IncomingWinsOnSetFields(t *testing.T) {
	t.Parallel()
	local := msg("n1", 1, StatusQueued)
	local.Body = "hello"
	local.CustomData = customdata.Map{"a": "local", "keep": true}

	server := Message{Nonce: "n1", ServerID: "srv-1", SentDate: base.Add(5 * time.Minute), Status: StatusSent,
		CustomData: customdata.Map{"a": "server"}}

	got := Merge([]Message{local}, []Message{server}, nil)
	require.Len(t, got, 1)
	m := got[0]
	assert.Equal(t, "srv-1", m.ServerID)
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, base.Add(5*time.Minute), m.SentDate)
	assert.Equal(t, customdata.Map{"a": "server", "keep": true}, m.CustomData)
}

func TestMerge_ReadIsSticky(t *testing.T) {
	t.Parallel()
	for _, st := range []Status{StatusUnread, StatusSent, StatusQueued, StatusFailed, ""} {
		got := Merge([]Message{msg("n", 1, StatusRead)}, []Message{msg("n", 1, st)}, nil)
		assert.Equal(t, StatusRead, got[0].Status, "incoming %q", st)
	}
}

func TestMerge_AttachmentStorageAndThumbnail(t *testing.T) {
	t.Parallel()
	local := msg("n", 1, StatusSent)
	local.Attachments = []Attachment{
		{ContentType: "image/png", Filename: "a.png", Storage: Cached{Path: "n/a.png"}},
		{ContentType: "image/png", Filename: "b.png", Storage: Cached{Path: "n/b.png"}, Thumbnail: []byte{1}},
	}
	server := msg("n", 1, StatusSent)
	server.Attachments = []Attachment{
		{ContentType: "image/png", Storage: Remote{URL: "https://x/a", Size: 10}, Thumbnail: []byte{9}},
		{ContentType: "image/png", Storage: Remote{URL: "https://x/b", Size: 20}},
	}

	presentA := func(a Attachment) bool {
		c, ok := a.Storage.(Cached)
		return ok && c.Path == "n/a.png"
	}
	got := Merge([]Message{local}, []Message{server}, presentA)[0]
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, Cached{Path: "n/a.png"}, got.Attachments[0].Storage)
	assert.Equal(t, "a.png", got.Attachments[0].Filename)
	assert.Equal(t, []byte{9}, got.Attachments[0].Thumbnail)
	assert.Equal(t, Remote{URL: "https://x/b", Size: 20}, got.Attachments[1].Storage)
	assert.Equal(t, []byte{1}, got.Attachments[1].Thumbnail)

	// incoming without attachments keeps the local ones
	bare := msg("n", 1, StatusSent)
	got = Merge([]Message{local}, []Message{bare}, alwaysPresent)[0]
	assert.Len(t, got.Attachments, 2)
}

func randomBatch(rng *rand.Rand, n int) []Message {
	statuses := []Status{StatusQueued, StatusSending, StatusSent, StatusFailed, StatusUnread, StatusRead}
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		m := msg(fmt.Sprintf("n%d", rng.Intn(8)), rng.Intn(5), statuses[rng.Intn(len(statuses))])
		if rng.Intn(2) == 0 {
			m.Body = fmt.Sprintf("body-%d", rng.Intn(3))
		}
		if rng.Intn(3) == 0 {
			m.CustomData = customdata.Map{"k": float64(rng.Intn(3))}
		}
		if rng.Intn(3) == 0 {
			m.Attachments = []Attachment{{ContentType: "text/plain", Storage: Remote{URL: "u", Size: 1}}}
		}
		out = append(out, m)
	}
	return out
}

func TestMerge_Properties(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		a := randomBatch(rng, rng.Intn(6))
		b := randomBatch(rng, rng.Intn(6))

		once := Merge(a, b, alwaysPresent)
		twice := Merge(once, b, alwaysPresent)
		require.Equal(t, once, twice, "merge must be idempotent")

		seen := map[string]bool{}
		for _, m := range once {
			require.False(t, seen[m.Nonce], "duplicate nonce %s", m.Nonce)
			seen[m.Nonce] = true
		}

		readBefore := map[string]bool{}
		for _, m := range a {
			if m.Status == StatusRead {
				readBefore[m.Nonce] = true
			}
		}
		for _, m := range once {
			if readBefore[m.Nonce] {
				require.Equal(t, StatusRead, m.Status)
			}
		}
	}
}

func TestAttachmentJSON_Roundtrip(t *testing.T) {
	t.Parallel()
	in := []Attachment{
		{ContentType: "text/plain", Filename: "a.txt", Storage: InMemory{Data: []byte("hi")}},
		{ContentType: "image/png", Filename: "b.png", Storage: Saved{Path: "x/b.png"}, Thumbnail: []byte{1, 2}},
		{ContentType: "image/png", Storage: Cached{Path: "x/c.png"}},
		{ContentType: "video/mp4", Storage: Remote{URL: "https://example.com/v", Size: 99}},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"kind":"saved"`)

	var out []Attachment
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	var bad Attachment
	require.Error(t, json.Unmarshal([]byte(`{"storage":{"kind":"tape"}}`), &bad))
}

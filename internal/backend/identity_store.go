package backend

import (
	"fmt"
	"path/filepath"

	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/and161185/convokeeper/internal/payload"
	"github.com/and161185/convokeeper/internal/roster"
	"github.com/and161185/convokeeper/internal/store"
)

// identityStore holds the savers scoped to one identity directory.
type identityStore struct {
	dir    string
	key    []byte
	conv   *store.Saver[conversation.Conversation]
	synced *store.Saver[conversation.Conversation]
	msgs   *store.Saver[messages.List]
	queue  *store.Saver[[]payload.Payload]
}

var identityCodecs = []store.Codec{conversation.Codec, conversation.SyncedCodec, messages.Codec, payload.Codec}

func openIdentity(root string, rec roster.Record) *identityStore {
	dir := filepath.Join(root, rec.Path)
	key := rec.EncryptionKey()
	return &identityStore{
		dir:    dir,
		key:    key,
		conv:   store.NewSaver[conversation.Conversation](dir, conversation.Codec, key),
		synced: store.NewSaver[conversation.Conversation](dir, conversation.SyncedCodec, key),
		msgs:   store.NewSaver[messages.List](dir, messages.Codec, key),
		queue:  store.NewSaver[[]payload.Payload](dir, payload.Codec, key),
	}
}

func (s *identityStore) encrypted() bool { return len(s.key) > 0 }

// rekey rewrites every record of the identity under newKey. Either all records
// move to the new mode or none do.
func (s *identityStore) rekey(newKey []byte) error {
	if err := store.RekeyAll(s.dir, identityCodecs, s.key, newKey); err != nil {
		return fmt.Errorf("rekey identity: %w", err)
	}
	return nil
}

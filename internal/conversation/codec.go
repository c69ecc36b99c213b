package conversation

import (
	"encoding/json"

	"github.com/and161185/convokeeper/internal/store"
)

// Codec is the record file descriptor for the aggregate.
var Codec = store.Codec{Name: "Conversation", Format: 2, Upgrade: upgrade}

// SyncedCodec stores the aggregate as the backend last acknowledged it.
var SyncedCodec = store.Codec{Name: "SyncedConversation", Format: 1}

// upgrade lifts format 1, which kept the conversation id and token at the top level.
func upgrade(format int, raw json.RawMessage) (json.RawMessage, error) {
	if format != 1 {
		return raw, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	id, hasID := doc["id"]
	token, hasToken := doc["token"]
	if _, ok := doc["conversation_credentials"]; !ok && hasID && hasToken {
		creds, err := json.Marshal(map[string]json.RawMessage{"id": id, "token": token})
		if err != nil {
			return nil, err
		}
		doc["conversation_credentials"] = creds
	}
	delete(doc, "id")
	delete(doc, "token")
	return json.Marshal(doc)
}

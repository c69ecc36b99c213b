package apiclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/gateway"
	"github.com/and161185/convokeeper/internal/payload"
	"github.com/and161185/convokeeper/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	reqs []transport.Request
	body string
	err  error
}

func (r *recordingTransport) Send(_ context.Context, req transport.Request) (*transport.Response, error) {
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return nil, r.err
	}
	return &transport.Response{Body: []byte(r.body)}, nil
}

var app = conversation.AppCredentials{Key: "k", Signature: "s"}

func TestCreateConversation(t *testing.T) {
	t.Parallel()
	rt := &recordingTransport{body: `{"id":"def456","token":"abc"}`}
	c := New(rt, app)

	resp, err := c.CreateConversation(context.Background(), gateway.ConversationRequest{Person: conversation.Person{Name: "Ann"}})
	require.NoError(t, err)
	assert.Equal(t, "def456", resp.ID)
	assert.Equal(t, "abc", resp.Token)

	require.Len(t, rt.reqs, 1)
	req := rt.reqs[0]
	assert.Equal(t, gateway.EndpointCreateConversation, req.Endpoint)
	assert.Empty(t, req.Token)
	assert.Equal(t, "k", req.AppKey)
	assert.Equal(t, "s", req.AppSignature)

	var sent gateway.ConversationRequest
	require.NoError(t, json.Unmarshal(req.Body, &sent))
	assert.Equal(t, "Ann", sent.Person.Name)
}

func TestResumeSessionCarriesKey(t *testing.T) {
	t.Parallel()
	rt := &recordingTransport{body: `{"id":"def456","token":"jwt","subject":"Barbara","encryption_key":"AAECAwQFBgcICQoLDA0ODw=="}`}
	c := New(rt, app)

	resp, err := c.ResumeSession(context.Background(), "def456", "jwt")
	require.NoError(t, err)
	assert.Equal(t, "Barbara", resp.Subject)
	assert.Len(t, resp.EncryptionKey, 16)
	assert.Equal(t, "jwt", rt.reqs[0].Token)
	assert.JSONEq(t, `{"conversation_id":"def456"}`, string(rt.reqs[0].Body))
}

func TestSendPayload(t *testing.T) {
	t.Parallel()
	rt := &recordingTransport{body: `{"message_id":"m1"}`}
	c := New(rt, app)
	p, err := payload.New(payload.KindMessage, "conv", gateway.MessageBody{Body: "hi"}, time.Now())
	require.NoError(t, err)

	resp, err := c.SendPayload(context.Background(), "tok", p)
	require.NoError(t, err)
	assert.Equal(t, "m1", resp.MessageID)

	var sent gateway.PayloadRequest
	require.NoError(t, json.Unmarshal(rt.reqs[0].Body, &sent))
	assert.Equal(t, p.Nonce, sent.Nonce)
	assert.Equal(t, "message", sent.Kind)
	assert.JSONEq(t, `{"body":"hi"}`, string(sent.Body))
}

func TestFetchMessagesAndManifest(t *testing.T) {
	t.Parallel()
	rt := &recordingTransport{body: `{"messages":[{"nonce":"n1","body":"hello","status":"unread","sent_date":"2024-05-01T00:00:00Z"}],"ends_with":"n1","has_more":false}`}
	c := New(rt, app)

	page, err := c.FetchMessages(context.Background(), "def456", "tok", "n0")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "n1", page.EndsWith)
	assert.JSONEq(t, `{"conversation_id":"def456","after":"n0","page_size":50}`, string(rt.reqs[0].Body))

	rt.body = `{"manifest":{"interactions":[{"id":"i1","type":"Survey"}],"targets":{"launch":[{"interaction_id":"i1"}]},"max_age_seconds":60}}`
	m, err := c.FetchManifest(context.Background(), "def456", "tok", "en_US")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m.MaxAge())
	_, ok := m.Interaction("i1")
	assert.True(t, ok)
}

func TestErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	rt := &recordingTransport{err: errs.ErrUnauthorized}
	c := New(rt, app)
	err := c.EndSession(context.Background(), "id", "tok")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Contains(t, err.Error(), gateway.EndpointEndSession)

	rt.err = nil
	rt.body = "{"
	_, err = c.CreateConversation(context.Background(), gateway.ConversationRequest{})
	require.Error(t, err)
}

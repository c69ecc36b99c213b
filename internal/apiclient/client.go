// Package apiclient exposes the backend endpoints as typed calls on top of a Transport.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/gateway"
	"github.com/and161185/convokeeper/internal/manifest"
	"github.com/and161185/convokeeper/internal/payload"
	"github.com/and161185/convokeeper/internal/transport"
)

// DefaultPageSize bounds one messages page.
const DefaultPageSize = 50

// Client signs every request with the app credentials it was built with.
type Client struct {
	t   transport.Transport
	app conversation.AppCredentials
}

// New constructs a client.
func New(t transport.Transport, app conversation.AppCredentials) *Client {
	return &Client{t: t, app: app}
}

// CreateConversation registers an anonymous conversation.
func (c *Client) CreateConversation(ctx context.Context, req gateway.ConversationRequest) (gateway.ConversationResponse, error) {
	var resp gateway.ConversationResponse
	err := c.call(ctx, gateway.EndpointCreateConversation, "", req, &resp)
	return resp, err
}

// CreateLoggedInConversation registers a conversation bound to the subject of jwt.
func (c *Client) CreateLoggedInConversation(ctx context.Context, jwt string, req gateway.ConversationRequest) (gateway.ConversationResponse, error) {
	var resp gateway.ConversationResponse
	err := c.call(ctx, gateway.EndpointCreateLoggedIn, jwt, req, &resp)
	return resp, err
}

// ExchangeLegacyToken trades a legacy token for conversation credentials.
func (c *Client) ExchangeLegacyToken(ctx context.Context, req gateway.LegacyExchangeRequest) (gateway.ConversationResponse, error) {
	var resp gateway.ConversationResponse
	err := c.call(ctx, gateway.EndpointExchangeLegacy, "", req, &resp)
	return resp, err
}

// ResumeSession binds conversation id to the subject of jwt and returns the
// identity encryption key.
func (c *Client) ResumeSession(ctx context.Context, id, jwt string) (gateway.ConversationResponse, error) {
	var resp gateway.ConversationResponse
	err := c.call(ctx, gateway.EndpointResumeSession, jwt, gateway.SessionRequest{ConversationID: id}, &resp)
	return resp, err
}

// EndSession tells the backend the identity logged out.
func (c *Client) EndSession(ctx context.Context, id, token string) error {
	return c.call(ctx, gateway.EndpointEndSession, token, gateway.SessionRequest{ConversationID: id}, nil)
}

// SendPayload delivers one queued payload.
func (c *Client) SendPayload(ctx context.Context, token string, p payload.Payload) (gateway.PayloadResponse, error) {
	req := gateway.PayloadRequest{
		ConversationID: p.ConversationID,
		Nonce:          p.Nonce,
		Kind:           string(p.Kind),
		Body:           p.Body,
		Attachments:    p.Attachments,
	}
	var resp gateway.PayloadResponse
	err := c.call(ctx, gateway.EndpointPayload, token, req, &resp)
	return resp, err
}

// FetchMessages returns the page of messages after cursor.
func (c *Client) FetchMessages(ctx context.Context, id, token, cursor string) (gateway.MessagesResponse, error) {
	req := gateway.MessagesRequest{ConversationID: id, After: cursor, PageSize: DefaultPageSize}
	var resp gateway.MessagesResponse
	err := c.call(ctx, gateway.EndpointMessages, token, req, &resp)
	return resp, err
}

// FetchManifest returns the engagement manifest for locale.
func (c *Client) FetchManifest(ctx context.Context, id, token, locale string) (manifest.Manifest, error) {
	var resp gateway.ManifestResponse
	err := c.call(ctx, gateway.EndpointManifest, token, gateway.ManifestRequest{ConversationID: id, Locale: locale}, &resp)
	return resp.Manifest, err
}

func (c *Client) call(ctx context.Context, endpoint, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", endpoint, err)
	}
	resp, err := c.t.Send(ctx, transport.Request{
		Endpoint:     endpoint,
		Token:        token,
		AppKey:       c.app.Key,
		AppSignature: c.app.Signature,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	if out == nil || resp == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return nil
}

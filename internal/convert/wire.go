package convert

import (
	"encoding/json"
	"fmt"

	"github.com/and161185/convokeeper/internal/customdata"
	"github.com/and161185/convokeeper/internal/gateway"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/and161185/convokeeper/internal/model"
)

// ToProfile encodes the parts of a conversation request for storage.
func ToProfile(req gateway.ConversationRequest) (model.Profile, error) {
	var (
		p   model.Profile
		err error
	)
	if p.AppRelease, err = json.Marshal(req.AppRelease); err != nil {
		return model.Profile{}, fmt.Errorf("app release: %w", err)
	}
	if p.Person, err = json.Marshal(req.Person); err != nil {
		return model.Profile{}, fmt.Errorf("person: %w", err)
	}
	if p.Device, err = json.Marshal(req.Device); err != nil {
		return model.Profile{}, fmt.Errorf("device: %w", err)
	}
	return p, nil
}

// ToConversationResponse renders session credentials.
func ToConversationResponse(s model.Session) gateway.ConversationResponse {
	return gateway.ConversationResponse{
		ID:            s.ConversationID.String(),
		Token:         s.Token,
		Subject:       s.Subject,
		EncryptionKey: s.EncryptionKey,
	}
}

// FromPayloadRequest splits a payload request into the stored payload and, for
// message payloads, the message it carries.
func FromPayloadRequest(req gateway.PayloadRequest) (model.StoredPayload, *model.StoredMessage, error) {
	p := model.StoredPayload{Nonce: req.Nonce, Kind: req.Kind, Body: req.Body}
	if req.Kind != "message" {
		return p, nil, nil
	}
	var body gateway.MessageBody
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return model.StoredPayload{}, nil, fmt.Errorf("message body: %w", err)
		}
	}
	msg := &model.StoredMessage{Body: body.Body, Automated: body.Automated, Hidden: body.Hidden}
	if len(body.CustomData) > 0 {
		raw, err := json.Marshal(body.CustomData)
		if err != nil {
			return model.StoredPayload{}, nil, fmt.Errorf("custom data: %w", err)
		}
		msg.CustomData = raw
	}
	if len(req.Attachments) > 0 {
		raw, err := json.Marshal(req.Attachments)
		if err != nil {
			return model.StoredPayload{}, nil, fmt.Errorf("attachments: %w", err)
		}
		msg.Attachments = raw
	}
	return p, msg, nil
}

// ToWireMessage renders a stored message the way the client reconciles it: messages
// authored by the conversation come back sent without a sender, backend-authored
// ones arrive unread with their sender.
func ToWireMessage(m model.StoredMessage) (messages.Message, error) {
	out := messages.Message{
		Nonce:     m.Nonce,
		ServerID:  m.ID.String(),
		Body:      m.Body,
		SentDate:  m.SentAt,
		Status:    messages.StatusSent,
		Automated: m.Automated,
		Hidden:    m.Hidden,
	}
	if m.Inbound() {
		out.Sender = &messages.Sender{ID: m.SenderID, Name: m.SenderName}
		out.Status = messages.StatusUnread
	}
	if isJSONValue(m.CustomData) {
		var cd customdata.Map
		if err := json.Unmarshal(m.CustomData, &cd); err != nil {
			return messages.Message{}, fmt.Errorf("message %s custom data: %w", m.Nonce, err)
		}
		out.CustomData = cd
	}
	if isJSONValue(m.Attachments) {
		if err := json.Unmarshal(m.Attachments, &out.Attachments); err != nil {
			return messages.Message{}, fmt.Errorf("message %s attachments: %w", m.Nonce, err)
		}
	}
	return out, nil
}

// ToMessagesResponse renders one page. EndsWith is the last nonce of the page, or
// after when the page is empty.
func ToMessagesResponse(page model.MessagePage, after string) (gateway.MessagesResponse, error) {
	resp := gateway.MessagesResponse{Messages: make([]messages.Message, 0, len(page.Messages)), EndsWith: after, HasMore: page.HasMore}
	for _, m := range page.Messages {
		wm, err := ToWireMessage(m)
		if err != nil {
			return gateway.MessagesResponse{}, err
		}
		resp.Messages = append(resp.Messages, wm)
		resp.EndsWith = m.Nonce
	}
	return resp, nil
}

func isJSONValue(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

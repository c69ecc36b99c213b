// Package payload keeps the ordered queue of outbound requests awaiting backend confirmation.
package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/and161185/convokeeper/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Kind names what a payload updates on the backend.
type Kind string

const (
	KindPerson     Kind = "person"
	KindDevice     Kind = "device"
	KindAppRelease Kind = "app_release"
	KindEvent      Kind = "event"
	KindMessage    Kind = "message"
	KindLogout     Kind = "logout"
)

// Payload is one queued request. Nonce correlates it with a message when Kind is message.
type Payload struct {
	Nonce          string                `json:"nonce"`
	Kind           Kind                  `json:"kind"`
	ConversationID string                `json:"conversation_id"`
	Body           json.RawMessage       `json:"body"`
	Attachments    []messages.Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	Attempts       int                   `json:"attempts,omitempty"`
}

// MaxAttempts bounds how often a payload may fail for a reason that is neither
// transient nor an authorization problem before it is dropped as rejected.
const MaxAttempts = 5

// New encodes body into a payload with a fresh nonce.
func New(kind Kind, conversationID string, body any, now time.Time) (Payload, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Payload{}, err
	}
	return NewWithNonce(kind, id.String(), conversationID, body, now)
}

// NewWithNonce encodes body into a payload with the given nonce.
func NewWithNonce(kind Kind, nonce, conversationID string, body any, now time.Time) (Payload, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Payload{Nonce: nonce, Kind: kind, ConversationID: conversationID, Body: raw, CreatedAt: now}, nil
}

// Codec is the record file descriptor for the queue.
var Codec = store.Codec{Name: "PayloadQueue", Format: 1}

// SendFunc delivers one payload.
type SendFunc func(ctx context.Context, p Payload) error

// Result lists what one drain pass achieved.
type Result struct {
	Sent     []Payload
	Rejected []Payload
}

// Queue is an ordered FIFO of payloads. It is not safe for concurrent use.
type Queue struct {
	items []Payload
	dirty bool
}

// Enqueue appends p; a payload with the same nonce is replaced in place.
func (q *Queue) Enqueue(p Payload) {
	for i := range q.items {
		if q.items[i].Nonce == p.Nonce {
			q.items[i] = p
			q.dirty = true
			return
		}
	}
	q.items = append(q.items, p)
	q.dirty = true
}

// Peek returns the oldest payload.
func (q *Queue) Peek() (Payload, bool) {
	if len(q.items) == 0 {
		return Payload{}, false
	}
	return q.items[0], true
}

// Remove drops the payload with nonce.
func (q *Queue) Remove(nonce string) bool {
	for i := range q.items {
		if q.items[i].Nonce == nonce {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dirty = true
			return true
		}
	}
	return false
}

// Len returns the number of queued payloads.
func (q *Queue) Len() int { return len(q.items) }

// Items returns a copy of the queue in order.
func (q *Queue) Items() []Payload { return append([]Payload(nil), q.items...) }

// Load puts persisted payloads ahead of those queued in memory, skipping known nonces.
func (q *Queue) Load(persisted []Payload) {
	seen := make(map[string]bool, len(q.items))
	for _, p := range q.items {
		seen[p.Nonce] = true
	}
	merged := make([]Payload, 0, len(persisted)+len(q.items))
	for _, p := range persisted {
		if !seen[p.Nonce] {
			merged = append(merged, p)
			seen[p.Nonce] = true
		}
	}
	q.items = append(merged, q.items...)
}

// Clear drops every payload.
func (q *Queue) Clear() {
	if len(q.items) > 0 {
		q.dirty = true
	}
	q.items = nil
}

// Dirty reports whether the queue changed since MarkSaved.
func (q *Queue) Dirty() bool { return q.dirty }

// MarkSaved clears the dirty flag.
func (q *Queue) MarkSaved() { q.dirty = false }

// Drain sends payloads in order until the queue is empty. Payloads the backend
// rejects are dropped and reported; any other failure stops the pass and
// leaves the failing payload at the head. Unclassified failures count against
// the payload, which is dropped as rejected once it reaches MaxAttempts.
func (q *Queue) Drain(ctx context.Context, send SendFunc) (Result, error) {
	var res Result
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, ok := q.Peek()
		if !ok {
			return res, nil
		}
		err := send(ctx, p)
		switch {
		case err == nil:
			q.Remove(p.Nonce)
			res.Sent = append(res.Sent, p)
		case errors.Is(err, errs.ErrRejected):
			q.Remove(p.Nonce)
			res.Rejected = append(res.Rejected, p)
		case retryable(err):
			return res, fmt.Errorf("send %s payload: %w", p.Kind, err)
		default:
			q.items[0].Attempts++
			q.dirty = true
			if q.items[0].Attempts < MaxAttempts {
				return res, fmt.Errorf("send %s payload: %w", p.Kind, err)
			}
			q.Remove(p.Nonce)
			res.Rejected = append(res.Rejected, p)
		}
	}
}

// retryable reports failures that say nothing about the payload itself.
func retryable(err error) bool {
	return errors.Is(err, errs.ErrTransient) ||
		errors.Is(err, errs.ErrUnauthorized) ||
		errors.Is(err, errs.ErrRateLimited) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

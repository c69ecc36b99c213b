// Package messages reconciles the local message list with server-confirmed copies.
package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/and161185/convokeeper/internal/customdata"
)

// Status is the delivery or read state of a message.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusUnread  Status = "unread"
	StatusRead    Status = "read"
)

// Sender identifies the author of an inbound message.
type Sender struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	ProfilePhoto string `json:"profile_photo,omitempty"`
}

// Message is one entry in a conversation. Nonce is assigned by the client and never changes.
type Message struct {
	Nonce       string         `json:"nonce"`
	ServerID    string         `json:"server_id,omitempty"`
	Body        string         `json:"body,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Sender      *Sender        `json:"sender,omitempty"`
	SentDate    time.Time      `json:"sent_date"`
	Status      Status         `json:"status"`
	CustomData  customdata.Map `json:"custom_data,omitempty"`
	Automated   bool           `json:"automated,omitempty"`
	Hidden      bool           `json:"hidden,omitempty"`
}

// Outbound reports whether the message was authored on this device.
func (m Message) Outbound() bool { return m.Sender == nil }

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	if m.Sender != nil {
		s := *m.Sender
		out.Sender = &s
	}
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			out.Attachments[i] = a.Clone()
		}
	}
	out.CustomData = m.CustomData.Clone()
	return out
}

// StorageKind tags where attachment bytes live.
type StorageKind string

const (
	KindInMemory StorageKind = "in_memory"
	KindSaved    StorageKind = "saved"
	KindCached   StorageKind = "cached"
	KindRemote   StorageKind = "remote"
)

// Storage is one attachment storage variant.
type Storage interface {
	Kind() StorageKind
	isStorage()
}

// InMemory holds bytes that were never written to disk.
type InMemory struct{ Data []byte }

// Saved is a draft file relative to the saved root.
type Saved struct{ Path string }

// Cached is an evictable file relative to the cache root.
type Cached struct{ Path string }

// Remote is a server-hosted file.
type Remote struct {
	URL  string
	Size int64
}

func (InMemory) Kind() StorageKind { return KindInMemory }
func (Saved) Kind() StorageKind    { return KindSaved }
func (Cached) Kind() StorageKind   { return KindCached }
func (Remote) Kind() StorageKind   { return KindRemote }

func (InMemory) isStorage() {}
func (Saved) isStorage()    {}
func (Cached) isStorage()   {}
func (Remote) isStorage()   {}

// Attachment is a file attached to a message.
type Attachment struct {
	ContentType string
	Filename    string
	Storage     Storage
	Thumbnail   []byte
}

// Clone returns a deep copy.
func (a Attachment) Clone() Attachment {
	if s, ok := a.Storage.(InMemory); ok {
		a.Storage = InMemory{Data: append([]byte(nil), s.Data...)}
	}
	if a.Thumbnail != nil {
		a.Thumbnail = append([]byte(nil), a.Thumbnail...)
	}
	return a
}

type storageJSON struct {
	Kind StorageKind `json:"kind"`
	Path string      `json:"path,omitempty"`
	URL  string      `json:"url,omitempty"`
	Size int64       `json:"size,omitempty"`
	Data []byte      `json:"data,omitempty"`
}

type attachmentJSON struct {
	ContentType string       `json:"content_type"`
	Filename    string       `json:"filename,omitempty"`
	Storage     *storageJSON `json:"storage,omitempty"`
	Thumbnail   []byte       `json:"thumbnail,omitempty"`
}

// MarshalJSON writes the storage variant as a tagged object.
func (a Attachment) MarshalJSON() ([]byte, error) {
	out := attachmentJSON{ContentType: a.ContentType, Filename: a.Filename, Thumbnail: a.Thumbnail}
	switch s := a.Storage.(type) {
	case nil:
	case InMemory:
		out.Storage = &storageJSON{Kind: KindInMemory, Data: s.Data}
	case Saved:
		out.Storage = &storageJSON{Kind: KindSaved, Path: s.Path}
	case Cached:
		out.Storage = &storageJSON{Kind: KindCached, Path: s.Path}
	case Remote:
		out.Storage = &storageJSON{Kind: KindRemote, URL: s.URL, Size: s.Size}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the tagged storage form.
func (a *Attachment) UnmarshalJSON(b []byte) error {
	var in attachmentJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	a.ContentType, a.Filename, a.Thumbnail, a.Storage = in.ContentType, in.Filename, in.Thumbnail, nil
	if in.Storage == nil {
		return nil
	}
	switch in.Storage.Kind {
	case KindInMemory:
		a.Storage = InMemory{Data: in.Storage.Data}
	case KindSaved:
		a.Storage = Saved{Path: in.Storage.Path}
	case KindCached:
		a.Storage = Cached{Path: in.Storage.Path}
	case KindRemote:
		a.Storage = Remote{URL: in.Storage.URL, Size: in.Storage.Size}
	default:
		return fmt.Errorf("unknown attachment storage %q", in.Storage.Kind)
	}
	return nil
}

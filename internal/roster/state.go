// Package roster models conversation identities and the pure transitions between them.
package roster

import (
	"encoding/json"
	"fmt"
)

// Kind tags an identity state variant.
type Kind string

const (
	KindPlaceholder      Kind = "placeholder"
	KindAnonymousPending Kind = "anonymous_pending"
	KindLegacyPending    Kind = "legacy_pending"
	KindAnonymous        Kind = "anonymous"
	KindLoggedIn         Kind = "logged_in"
	KindLoggedOut        Kind = "logged_out"
)

// State is one identity state variant.
type State interface {
	Kind() Kind
	isState()
}

// Credentials identify a registered conversation to the backend.
type Credentials struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Placeholder is the identity before any backend request was made.
type Placeholder struct{}

// AnonymousPending waits for the create-conversation response.
type AnonymousPending struct{}

// LegacyPending waits for a legacy token exchange.
type LegacyPending struct {
	LegacyToken string
}

// Anonymous is a registered conversation without a user subject. Its files are plaintext.
type Anonymous struct {
	Credentials Credentials
}

// LoggedIn is a conversation bound to a subject. Its files are encrypted with EncryptionKey.
type LoggedIn struct {
	Credentials   Credentials
	Subject       string
	EncryptionKey []byte
}

// LoggedOut is a historical identity kept for a later log in.
type LoggedOut struct {
	ID      string
	Subject string
}

func (Placeholder) Kind() Kind      { return KindPlaceholder }
func (AnonymousPending) Kind() Kind { return KindAnonymousPending }
func (LegacyPending) Kind() Kind    { return KindLegacyPending }
func (Anonymous) Kind() Kind        { return KindAnonymous }
func (LoggedIn) Kind() Kind         { return KindLoggedIn }
func (LoggedOut) Kind() Kind        { return KindLoggedOut }

func (Placeholder) isState()      {}
func (AnonymousPending) isState() {}
func (LegacyPending) isState()    {}
func (Anonymous) isState()        {}
func (LoggedIn) isState()         {}
func (LoggedOut) isState()        {}

// Record is one identity and the directory that scopes its files.
type Record struct {
	State State
	Path  string
}

// ID returns the conversation id for registered and logged-out states.
func (r Record) ID() (string, bool) {
	switch s := r.State.(type) {
	case Anonymous:
		return s.Credentials.ID, true
	case LoggedIn:
		return s.Credentials.ID, true
	case LoggedOut:
		return s.ID, true
	}
	return "", false
}

// Subject returns the user subject for logged-in and logged-out states.
func (r Record) Subject() (string, bool) {
	switch s := r.State.(type) {
	case LoggedIn:
		return s.Subject, true
	case LoggedOut:
		return s.Subject, true
	}
	return "", false
}

// Credentials returns id and token for states that can talk to the backend.
func (r Record) Credentials() (Credentials, bool) {
	switch s := r.State.(type) {
	case Anonymous:
		return s.Credentials, true
	case LoggedIn:
		return s.Credentials, true
	}
	return Credentials{}, false
}

// EncryptionKey returns the identity key; nil unless logged in.
func (r Record) EncryptionKey() []byte {
	if s, ok := r.State.(LoggedIn); ok {
		return s.EncryptionKey
	}
	return nil
}

func (r Record) clone() Record {
	if s, ok := r.State.(LoggedIn); ok {
		s.EncryptionKey = append([]byte(nil), s.EncryptionKey...)
		r.State = s
	}
	return r
}

type recordJSON struct {
	State         Kind   `json:"state"`
	Path          string `json:"path"`
	ID            string `json:"id,omitempty"`
	Token         string `json:"token,omitempty"`
	Subject       string `json:"subject,omitempty"`
	LegacyToken   string `json:"legacy_token,omitempty"`
	EncryptionKey []byte `json:"encryption_key,omitempty"`
}

// MarshalJSON writes the record as a flat object tagged by "state".
func (r Record) MarshalJSON() ([]byte, error) {
	if r.State == nil {
		return nil, fmt.Errorf("record %q: nil state", r.Path)
	}
	out := recordJSON{State: r.State.Kind(), Path: r.Path}
	switch s := r.State.(type) {
	case LegacyPending:
		out.LegacyToken = s.LegacyToken
	case Anonymous:
		out.ID, out.Token = s.Credentials.ID, s.Credentials.Token
	case LoggedIn:
		out.ID, out.Token = s.Credentials.ID, s.Credentials.Token
		out.Subject, out.EncryptionKey = s.Subject, s.EncryptionKey
	case LoggedOut:
		out.ID, out.Subject = s.ID, s.Subject
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat form; unknown state tags are an error.
func (r *Record) UnmarshalJSON(b []byte) error {
	var in recordJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	creds := Credentials{ID: in.ID, Token: in.Token}
	switch in.State {
	case KindPlaceholder:
		r.State = Placeholder{}
	case KindAnonymousPending:
		r.State = AnonymousPending{}
	case KindLegacyPending:
		r.State = LegacyPending{LegacyToken: in.LegacyToken}
	case KindAnonymous:
		r.State = Anonymous{Credentials: creds}
	case KindLoggedIn:
		r.State = LoggedIn{Credentials: creds, Subject: in.Subject, EncryptionKey: in.EncryptionKey}
	case KindLoggedOut:
		r.State = LoggedOut{ID: in.ID, Subject: in.Subject}
	default:
		return fmt.Errorf("unknown identity state %q", in.State)
	}
	r.Path = in.Path
	return nil
}

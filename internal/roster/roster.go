package roster

import (
	"fmt"

	"github.com/and161185/convokeeper/internal/errs"
)

// Roster holds the active identity and the historical logged-out ones.
// Transitions never modify the receiver; they return the next roster.
type Roster struct {
	Active    *Record  `json:"active,omitempty"`
	LoggedOut []Record `json:"logged_out"`
}

// New returns a roster whose active identity is a placeholder stored at path.
func New(path string) Roster {
	return Roster{Active: &Record{State: Placeholder{}, Path: path}, LoggedOut: []Record{}}
}

// Clone returns a deep copy.
func (r Roster) Clone() Roster {
	out := Roster{LoggedOut: make([]Record, 0, len(r.LoggedOut))}
	if r.Active != nil {
		a := r.Active.clone()
		out.Active = &a
	}
	for _, rec := range r.LoggedOut {
		out.LoggedOut = append(out.LoggedOut, rec.clone())
	}
	return out
}

// ActiveKind returns the kind of the active state, or "" when nothing is active.
func (r Roster) ActiveKind() Kind {
	if r.Active == nil || r.Active.State == nil {
		return ""
	}
	return r.Active.State.Kind()
}

// BeginAnonymous moves a placeholder to AnonymousPending.
func (r Roster) BeginAnonymous() (Roster, error) {
	if err := r.requireActive("begin anonymous", KindPlaceholder); err != nil {
		return r, err
	}
	return r.withActiveState(AnonymousPending{}), nil
}

// BeginLegacy moves a placeholder to LegacyPending holding token.
func (r Roster) BeginLegacy(token string) (Roster, error) {
	if err := r.requireActive("begin legacy", KindPlaceholder); err != nil {
		return r, err
	}
	return r.withActiveState(LegacyPending{LegacyToken: token}), nil
}

// RegisterAnonymous completes an anonymous registration.
func (r Roster) RegisterAnonymous(id, token string) (Roster, error) {
	if err := r.requireActive("register anonymous", KindAnonymousPending); err != nil {
		return r, err
	}
	return r.withActiveState(Anonymous{Credentials: Credentials{ID: id, Token: token}}), nil
}

// RegisterLegacy completes a legacy token exchange.
func (r Roster) RegisterLegacy(id, token string) (Roster, error) {
	if err := r.requireActive("register legacy", KindLegacyPending); err != nil {
		return r, err
	}
	return r.withActiveState(Anonymous{Credentials: Credentials{ID: id, Token: token}}), nil
}

// CreateLoggedIn makes a new logged-in identity active. Nothing may be active.
func (r Roster) CreateLoggedIn(subject, id, token string, key []byte, path string) (Roster, error) {
	if r.Active != nil {
		return r, fmt.Errorf("create logged in: %w: active identity is %s", errs.ErrUnexpectedState, r.ActiveKind())
	}
	if err := requireLogin(subject, key); err != nil {
		return r, err
	}
	if _, ok := r.FindLoggedOut(subject); ok {
		return r, fmt.Errorf("create logged in: subject %q is logged out: %w", subject, errs.ErrInternalInconsistency)
	}
	if r.pathUsed(path) {
		return r, fmt.Errorf("create logged in: path %q in use: %w", path, errs.ErrInternalInconsistency)
	}
	next := r.Clone()
	next.Active = &Record{
		State: LoggedIn{Credentials: Credentials{ID: id, Token: token}, Subject: subject, EncryptionKey: cloneKey(key)},
		Path:  path,
	}
	return next, nil
}

// LogInFromAnonymous binds the anonymous conversation to subject, keeping its id and path.
func (r Roster) LogInFromAnonymous(subject, token string, key []byte) (Roster, error) {
	if err := r.requireActive("log in from anonymous", KindAnonymous); err != nil {
		return r, err
	}
	if err := requireLogin(subject, key); err != nil {
		return r, err
	}
	if _, ok := r.FindLoggedOut(subject); ok {
		return r, fmt.Errorf("log in from anonymous: subject %q is logged out: %w", subject, errs.ErrInternalInconsistency)
	}
	anon := r.Active.State.(Anonymous)
	return r.withActiveState(LoggedIn{
		Credentials:   Credentials{ID: anon.Credentials.ID, Token: token},
		Subject:       subject,
		EncryptionKey: cloneKey(key),
	}), nil
}

// LogInFromLoggedOut promotes the logged-out identity of subject back to active.
func (r Roster) LogInFromLoggedOut(subject, token string, key []byte) (Roster, error) {
	if r.Active != nil {
		return r, fmt.Errorf("log in from logged out: %w: active identity is %s", errs.ErrUnexpectedState, r.ActiveKind())
	}
	if err := requireLogin(subject, key); err != nil {
		return r, err
	}
	idx := r.indexLoggedOut(subject)
	if idx < 0 {
		return r, fmt.Errorf("log in from logged out: subject %q not found: %w", subject, errs.ErrInternalInconsistency)
	}
	next := r.Clone()
	prev := next.LoggedOut[idx]
	out := prev.State.(LoggedOut)
	next.LoggedOut = append(next.LoggedOut[:idx], next.LoggedOut[idx+1:]...)
	next.Active = &Record{
		State: LoggedIn{Credentials: Credentials{ID: out.ID, Token: token}, Subject: subject, EncryptionKey: cloneKey(key)},
		Path:  prev.Path,
	}
	return next, nil
}

// LogOutActive moves the logged-in identity to the logged-out list.
func (r Roster) LogOutActive() (Roster, error) {
	in, ok := r.activeLoggedIn()
	if !ok {
		return r, fmt.Errorf("log out: %w", errs.ErrNotLoggedIn)
	}
	next := r.Clone()
	next.LoggedOut = append(next.LoggedOut, Record{
		State: LoggedOut{ID: in.Credentials.ID, Subject: in.Subject},
		Path:  r.Active.Path,
	})
	next.Active = nil
	return next, nil
}

// UpdateToken replaces the token of the logged-in identity owned by subject.
func (r Roster) UpdateToken(token, subject string) (Roster, error) {
	in, ok := r.activeLoggedIn()
	if !ok {
		return r, fmt.Errorf("update token: %w", errs.ErrNotLoggedIn)
	}
	if subject == "" {
		return r, fmt.Errorf("update token: %w", errs.ErrMissingSubClaim)
	}
	if in.Subject != subject {
		return r, fmt.Errorf("update token: %w", errs.ErrMismatchedSubClaim)
	}
	in.Credentials.Token = token
	in.EncryptionKey = cloneKey(in.EncryptionKey)
	return r.withActiveState(in), nil
}

// FindLoggedOut returns the logged-out record for subject.
func (r Roster) FindLoggedOut(subject string) (Record, bool) {
	if i := r.indexLoggedOut(subject); i >= 0 {
		return r.LoggedOut[i].clone(), true
	}
	return Record{}, false
}

// Validate checks subject exclusivity and path uniqueness across all records.
func (r Roster) Validate() error {
	subjects := map[string]bool{}
	paths := map[string]bool{}
	check := func(rec Record) error {
		if rec.State == nil {
			return fmt.Errorf("roster: nil state: %w", errs.ErrInternalInconsistency)
		}
		if rec.Path == "" {
			return fmt.Errorf("roster: empty path: %w", errs.ErrInternalInconsistency)
		}
		if paths[rec.Path] {
			return fmt.Errorf("roster: path %q reused: %w", rec.Path, errs.ErrInternalInconsistency)
		}
		paths[rec.Path] = true
		if s, ok := rec.Subject(); ok {
			if subjects[s] {
				return fmt.Errorf("roster: subject %q appears twice: %w", s, errs.ErrInternalInconsistency)
			}
			subjects[s] = true
		}
		return nil
	}
	if r.Active != nil {
		if r.ActiveKind() == KindLoggedOut {
			return fmt.Errorf("roster: active identity is logged out: %w", errs.ErrUnexpectedState)
		}
		if err := check(*r.Active); err != nil {
			return err
		}
	}
	for _, rec := range r.LoggedOut {
		if rec.State == nil || rec.State.Kind() != KindLoggedOut {
			return fmt.Errorf("roster: logged out list holds %v: %w", rec.State, errs.ErrUnexpectedState)
		}
		if err := check(rec); err != nil {
			return err
		}
	}
	return nil
}

func (r Roster) requireActive(op string, want Kind) error {
	if r.Active == nil {
		return fmt.Errorf("%s: %w: no active identity", op, errs.ErrUnexpectedState)
	}
	if got := r.ActiveKind(); got != want {
		return fmt.Errorf("%s: %w: have %s, want %s", op, errs.ErrUnexpectedState, got, want)
	}
	return nil
}

func (r Roster) activeLoggedIn() (LoggedIn, bool) {
	if r.Active == nil {
		return LoggedIn{}, false
	}
	in, ok := r.Active.State.(LoggedIn)
	return in, ok
}

func (r Roster) withActiveState(s State) Roster {
	next := r.Clone()
	next.Active.State = s
	return next
}

func (r Roster) indexLoggedOut(subject string) int {
	for i, rec := range r.LoggedOut {
		if s, ok := rec.Subject(); ok && s == subject {
			return i
		}
	}
	return -1
}

func (r Roster) pathUsed(path string) bool {
	if r.Active != nil && r.Active.Path == path {
		return true
	}
	for _, rec := range r.LoggedOut {
		if rec.Path == path {
			return true
		}
	}
	return false
}

func requireLogin(subject string, key []byte) error {
	if subject == "" {
		return errs.ErrMissingSubClaim
	}
	if len(key) == 0 {
		return errs.ErrMissingEncryptionKey
	}
	return nil
}

func cloneKey(k []byte) []byte { return append([]byte(nil), k...) }

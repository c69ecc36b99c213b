// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across SDK and server layers.
var (
	// ErrNotFound indicates the requested entity or record file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInternalInconsistency marks a violated precondition or storage invariant.
	// It is a programmer error: never retried.
	ErrInternalInconsistency = errors.New("internal inconsistency")

	// ErrConflict indicates both sides of a merge carry different credentials.
	ErrConflict = errors.New("consistency conflict")

	// ErrTransient wraps recoverable I/O or network failures.
	ErrTransient = errors.New("transient failure")

	// ErrRejected indicates the backend refused a request permanently.
	ErrRejected = errors.New("rejected")

	// ErrInvalidToken indicates a JWT that cannot be decoded.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity transition failures. Each one also matches ErrInternalInconsistency.
var (
	ErrNotLoggedIn           = inconsistency("not logged in")
	ErrAlreadyLoggedIn       = inconsistency("already logged in")
	ErrMismatchedSubClaim    = inconsistency("mismatched sub claim")
	ErrMissingSubClaim       = inconsistency("missing sub claim")
	ErrMissingEncryptionKey  = inconsistency("missing encryption key")
	ErrMissingResource       = inconsistency("missing local resource")
	ErrNotRegistered         = inconsistency("conversation not registered")
	ErrUnexpectedState       = inconsistency("unexpected identity state")
	ErrStorageUnavailable    = errors.New("protected storage unavailable")
	ErrMissingAppCredentials = errors.New("missing app credentials")
)

type classified struct {
	msg    string
	parent error
}

func (c *classified) Error() string        { return c.msg }
func (c *classified) Is(target error) bool { return target == c.parent }

func inconsistency(msg string) error {
	return &classified{msg: msg, parent: ErrInternalInconsistency}
}

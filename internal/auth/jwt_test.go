package auth

import (
	"testing"
	"time"

	"github.com/and161185/convokeeper/internal/errs"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestSubjectFromToken(t *testing.T) {
	t.Parallel()
	s := NewSigner([]byte("secret"), time.Hour)
	tok, _, err := s.Issue(KindUser, "Barbara")
	require.NoError(t, err)

	sub, err := SubjectFromToken(tok)
	require.NoError(t, err)
	require.Equal(t, "Barbara", sub)

	_, err = SubjectFromToken("not-a-jwt")
	require.ErrorIs(t, err, errs.ErrInvalidToken)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = SubjectFromToken(noSub)
	require.ErrorIs(t, err, errs.ErrMissingSubClaim)
	require.ErrorIs(t, err, errs.ErrInternalInconsistency)
}

func TestSigner_Verify(t *testing.T) {
	t.Parallel()
	s := NewSigner([]byte("secret"), time.Minute)
	tok, exp, err := s.Issue(KindConversation, "conv-1")
	require.NoError(t, err)
	require.False(t, exp.IsZero())

	claims, err := s.Verify(tok, KindConversation)
	require.NoError(t, err)
	require.Equal(t, "conv-1", claims.Subject)

	_, err = s.Verify(tok, KindUser)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = NewSigner([]byte("other"), time.Minute).Verify(tok, "")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	later := NewSigner([]byte("secret"), time.Minute)
	later.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = later.Verify(tok, KindConversation)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	forever := NewSigner([]byte("secret"), 0)
	tok, exp, err = forever.Issue(KindUser, "u")
	require.NoError(t, err)
	require.True(t, exp.IsZero())
	_, err = forever.Verify(tok, KindUser)
	require.NoError(t, err)
}

// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T, now time.Time) *Issuer {
	t.Helper()
	i, err := NewIssuer(testKey, "dirauth", time.Hour)
	require.NoError(t, err)
	i.now = func() time.Time { return now }
	return i
}

func TestNewIssuer_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewIssuer([]byte("short"), "dirauth", time.Hour)
	assert.ErrorIs(t, err, ErrWeakKey)

	_, err = NewIssuer(testKey, "dirauth", 0)
	assert.Error(t, err)

	assert.Len(t, RandomKey(), MinKeyLength)
	assert.NotEqual(t, RandomKey(), RandomKey())
}

func TestIssueVerify(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	i := newTestIssuer(t, now)

	tok, err := i.Issue(Subject{
		Identifier: "jdoe@example.com",
		Principal:  "cn=jdoe,dc=example,dc=com",
		IdentityID: "4f1c",
		Method:     "directory",
	})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt)

	claims, err := i.Verify(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "4f1c", claims.Subject)
	assert.Equal(t, "jdoe@example.com", claims.Identifier)
	assert.Equal(t, "cn=jdoe,dc=example,dc=com", claims.Principal)
	assert.Equal(t, "directory", claims.Method)
	assert.NotEmpty(t, claims.ID)
}

func TestIssue_DirectoryOnlySubject(t *testing.T) {
	t.Parallel()

	i := newTestIssuer(t, time.Now())
	tok, err := i.Issue(Subject{Identifier: "jdoe", Principal: "cn=jdoe", Method: "directory"})
	require.NoError(t, err)

	claims, err := i.Verify(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "cn=jdoe", claims.Subject)
	assert.Empty(t, claims.IdentityID)
}

func TestVerify_Rejects(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	i := newTestIssuer(t, now)
	tok, err := i.Issue(Subject{Identifier: "jdoe", Principal: "cn=jdoe"})
	require.NoError(t, err)

	expired := newTestIssuer(t, now.Add(2*time.Hour))

	other, err := NewIssuer([]byte(strings.Repeat("x", MinKeyLength)), "dirauth", time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewIssuer(testKey, "someone-else", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    "dirauth",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		issuer *Issuer
		token  string
	}{
		{name: "expired", issuer: expired, token: tok.Value},
		{name: "wrong key", issuer: other, token: tok.Value},
		{name: "wrong issuer", issuer: otherIssuer, token: tok.Value},
		{name: "alg none", issuer: i, token: none},
		{name: "garbage", issuer: i, token: "not-a-token"},
		{name: "empty", issuer: i, token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.issuer.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package session issues and verifies the signed tokens handed out after a
// successful login.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinKeyLength is the shortest accepted HMAC key.
const MinKeyLength = 32

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrWeakKey      = fmt.Errorf("signing key must be at least %d bytes", MinKeyLength)
)

// Subject describes who a token is issued for.
type Subject struct {
	Identifier string
	Principal  string // directory DN
	IdentityID string // empty for directory-only logins
	Method     string
}

// Claims are the JWT claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
	Identifier string `json:"idn"`
	Principal  string `json:"dn,omitempty"`
	IdentityID string `json:"iid,omitempty"`
	Method     string `json:"mth"`
}

// Token is a signed session token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer signs tokens with HS256.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(key []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(key) < MinKeyLength {
		return nil, ErrWeakKey
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	return &Issuer{
		key:    append([]byte(nil), key...),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// RandomKey returns a fresh signing key. Tokens signed with it do not
// survive a restart.
func RandomKey() []byte {
	key := make([]byte, MinKeyLength)
	_, _ = rand.Read(key)
	return key
}

// Issue signs a token for s valid for the configured TTL.
func (i *Issuer) Issue(s Subject) (Token, error) {
	now := i.now().Truncate(time.Second)
	expires := now.Add(i.ttl)

	sub := s.IdentityID
	if sub == "" {
		sub = s.Principal
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Identifier: s.Identifier,
		Principal:  s.Principal,
		IdentityID: s.IdentityID,
		Method:     s.Method,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign session token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: expires}, nil
}

// Verify parses a token and checks its signature, issuer and lifetime.
func (i *Issuer) Verify(value string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

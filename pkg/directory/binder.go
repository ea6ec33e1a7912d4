// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/logger"

	"github.com/go-ldap/ldap/v3"
)

// Binder verifies a secret by binding to the directory as the entry. Each
// attempt uses a fresh connection so a user-bound session never returns to
// the search pool.
type Binder struct {
	cfg  Config
	attr string
	dial DialFunc
}

// NewBinder returns a binder that takes the bind identity from attr on the
// record. "dn" binds with the entry's distinguished name.
func NewBinder(cfg Config, attr string, opts ...Option) (*Binder, error) {
	if cfg.URL == "" {
		return nil, errors.New("LDAP server URL is required")
	}
	if attr == "" {
		return nil, errors.New("bind attribute is required")
	}
	cfg = cfg.withDefaults()
	o := buildOptions(cfg, opts)
	return &Binder{cfg: cfg, attr: attr, dial: o.dial}, nil
}

// Bind returns nil when the directory accepts secret for rec,
// ErrInvalidCredentials when it refuses, and ErrUnavailable when it could
// not be asked.
func (b *Binder) Bind(ctx context.Context, rec *Record, secret string) error {
	start := time.Now()
	err := b.bind(ctx, rec, secret)
	observe("bind", err, start)
	return err
}

func (b *Binder) bind(ctx context.Context, rec *Record, secret string) error {
	// An empty password is an unauthenticated bind, which most servers
	// accept.
	if secret == "" {
		return fmt.Errorf("%w: empty secret", ErrInvalidCredentials)
	}
	identity := rec.Get(b.attr)
	if identity == "" {
		return fmt.Errorf("%w: entry has no %s", ErrInvalidCredentials, b.attr)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	conn, err := b.dial(ctx)
	if err != nil {
		DialsTotal.WithLabelValues("error").Inc()
		return unavailable("connect", err)
	}
	DialsTotal.WithLabelValues("ok").Inc()
	defer conn.Close()

	err = do(ctx, conn, func() error {
		return conn.Bind(identity, secret)
	})
	switch {
	case err == nil:
		return nil
	case isTransient(err):
		return unavailable("bind", err)
	case isCredentialRefusal(err):
		return ErrInvalidCredentials
	default:
		code := resultCode(err)
		logger.Ctx(ctx).Warn().
			Uint16("result_code", code).
			Str("result", ldap.LDAPResultCodeMap[code]).
			Msg("directory rejected bind for a reason unrelated to the secret")
		return fmt.Errorf("%w: result code %d", ErrBindRejected, code)
	}
}

// isCredentialRefusal reports whether the server refused the bind because
// of the account or its secret.
func isCredentialRefusal(err error) bool {
	switch resultCode(err) {
	case ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return true
	}
	return false
}

func resultCode(err error) uint16 {
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return ldapErr.ResultCode
	}
	return 0
}

// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory resolves login identifiers against an LDAP directory
// and verifies secrets by binding as the resolved entry.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// searchSizeLimit is two so that a second match is visible and the lookup
// can refuse to guess.
const searchSizeLimit = 2

// Service finds directory entries through a pool of service-bound
// connections.
type Service struct {
	cfg    Config
	scopes ScopeChain
	pool   *pool
}

func NewService(cfg Config, scopes ScopeChain, opts ...Option) (*Service, error) {
	if cfg.URL == "" {
		return nil, errors.New("LDAP server URL is required")
	}
	if cfg.BaseDN == "" {
		return nil, errors.New("LDAP base DN is required")
	}
	cfg = cfg.withDefaults()
	o := buildOptions(cfg, opts)

	return &Service{
		cfg:    cfg,
		scopes: scopes,
		pool:   newPool(o.dial, cfg.PoolSize, cfg.BindDN, cfg.BindPassword),
	}, nil
}

// Find returns the single entry whose attr equals value within the
// configured scopes. Zero matches yield ErrNoMatch, more than one yields
// ErrAmbiguous, and transport failures yield ErrUnavailable.
func (s *Service) Find(ctx context.Context, attr, value string) (*Record, error) {
	start := time.Now()
	rec, err := s.find(ctx, attr, value)
	observe("search", err, start)
	return rec, err
}

func (s *Service) find(ctx context.Context, attr, value string) (*Record, error) {
	if attr == "" || value == "" {
		return nil, ErrNoMatch
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, err := s.pool.get(ctx)
	if err != nil {
		return nil, unavailable("connect", err)
	}

	filter := s.scopes.Apply(Equal{Attribute: attr, Value: value}).String()
	req := ldap.NewSearchRequest(
		s.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		searchSizeLimit,
		int(s.cfg.Timeout/time.Second),
		false,
		filter,
		s.cfg.Attributes,
		nil,
	)

	var result *ldap.SearchResult
	err = do(ctx, conn, func() error {
		var searchErr error
		result, searchErr = conn.Search(req)
		return searchErr
	})

	switch {
	case err == nil:
		s.pool.put(conn)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded):
		s.pool.put(conn)
		return nil, ErrAmbiguous
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		s.pool.put(conn)
		return nil, ErrNoMatch
	default:
		s.pool.discard(conn)
		return nil, unavailable("search", err)
	}

	switch len(result.Entries) {
	case 0:
		return nil, ErrNoMatch
	case 1:
		return recordFromEntry(result.Entries[0]), nil
	default:
		return nil, ErrAmbiguous
	}
}

// Ping checks that the base DN can be read with the service account.
func (s *Service) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.ping(ctx)
	observe("ping", err, start)
	return err
}

func (s *Service) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, err := s.pool.get(ctx)
	if err != nil {
		return unavailable("connect", err)
	}

	req := ldap.NewSearchRequest(
		s.cfg.BaseDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1,
		int(s.cfg.Timeout/time.Second),
		false,
		"(objectClass=*)",
		[]string{"1.1"},
		nil,
	)
	err = do(ctx, conn, func() error {
		_, searchErr := conn.Search(req)
		return searchErr
	})
	if err != nil {
		s.pool.discard(conn)
		return unavailable("ping", err)
	}
	s.pool.put(conn)
	return nil
}

// Scopes returns the scope chain applied to every search.
func (s *Service) Scopes() ScopeChain {
	return s.scopes
}

// Close closes all pooled connections.
func (s *Service) Close() error {
	s.pool.close()
	return nil
}

func (s *Service) String() string {
	return fmt.Sprintf("directory(%s, base=%s)", s.cfg.URL, s.cfg.BaseDN)
}

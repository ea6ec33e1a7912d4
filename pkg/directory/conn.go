// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultPoolSize = 5
)

// Config holds the connection profile of one directory server.
type Config struct {
	URL          string // ldap://host:389 or ldaps://host:636
	BindDN       string // service account; empty means anonymous search
	BindPassword string
	BaseDN       string
	StartTLS     bool
	TLS          *tls.Config
	Timeout      time.Duration
	PoolSize     int

	// Attributes requested on every search. Empty requests all of them.
	Attributes []string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	return c
}

// Conn is the subset of *ldap.Conn used here.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
	IsClosing() bool
}

// DialFunc opens an unbound connection, with TLS already negotiated.
type DialFunc func(ctx context.Context) (Conn, error)

type options struct {
	dial DialFunc
}

type Option func(*options)

// WithDialer replaces the network dialer, mainly for tests.
func WithDialer(d DialFunc) Option {
	return func(o *options) {
		o.dial = d
	}
}

func buildOptions(cfg Config, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dial == nil {
		o.dial = ldapDialer(cfg)
	}
	return o
}

type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

func ldapDialer(cfg Config) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		timeout := cfg.Timeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}

		dialOpts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
		if cfg.TLS != nil {
			dialOpts = append(dialOpts, ldap.DialWithTLSConfig(cfg.TLS))
		}

		conn, err := ldap.DialURL(cfg.URL, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
		}
		conn.SetTimeout(cfg.Timeout)

		if cfg.StartTLS && !strings.HasPrefix(strings.ToLower(cfg.URL), "ldaps://") {
			tlsConfig := cfg.TLS
			if tlsConfig == nil {
				tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
			if err := conn.StartTLS(tlsConfig); err != nil {
				conn.Close()
				return nil, fmt.Errorf("StartTLS failed: %w", err)
			}
		}

		return ldapConn{conn}, nil
	}
}

// do runs fn against conn, closing the connection if ctx ends first so the
// blocked operation returns.
func do(ctx context.Context, conn Conn, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return ctx.Err()
	}
}

// Client-side result codes not exported by go-ldap.
const (
	resultServerDown   uint16 = 81
	resultTimeout      uint16 = 85
	resultConnectError uint16 = 91
)

// isTransient reports whether err means the server could not be reached
// or could not answer, as opposed to an answer we do not like.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var ldapErr *ldap.Error
	if !errors.As(err, &ldapErr) {
		return true
	}
	switch ldapErr.ResultCode {
	case ldap.ErrorNetwork,
		ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultTimeLimitExceeded,
		resultServerDown,
		resultTimeout,
		resultConnectError:
		return true
	}
	return false
}

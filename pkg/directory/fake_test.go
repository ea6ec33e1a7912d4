// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDirectory stands in for an LDAP server. Searches are answered by
// filter string; binds are checked against passwords keyed by bind name.
type fakeDirectory struct {
	mu        sync.Mutex
	byFilter  map[string][]*ldap.Entry
	passwords map[string]string
	searchErr error
	bindErr   error
	dialErr   error
	block     chan struct{} // when set, searches wait for close or conn.Close

	dials   atomic.Int32
	filters []string
	binds   []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		byFilter:  make(map[string][]*ldap.Entry),
		passwords: make(map[string]string),
	}
}

func (d *fakeDirectory) add(filter string, entries ...*ldap.Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byFilter[filter] = append(d.byFilter[filter], entries...)
}

func (d *fakeDirectory) dialer() DialFunc {
	return func(ctx context.Context) (Conn, error) {
		d.dials.Add(1)
		if d.dialErr != nil {
			return nil, d.dialErr
		}
		return &fakeConn{dir: d, closing: make(chan struct{})}, nil
	}
}

func (d *fakeDirectory) seenFilters() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.filters...)
}

func (d *fakeDirectory) seenBinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.binds...)
}

type fakeConn struct {
	dir       *fakeDirectory
	closed    atomic.Bool
	closeOnce sync.Once
	closing   chan struct{}
}

func (c *fakeConn) Bind(username, password string) error {
	c.dir.mu.Lock()
	c.dir.binds = append(c.dir.binds, username)
	want, ok := c.dir.passwords[username]
	bindErr := c.dir.bindErr
	c.dir.mu.Unlock()

	if bindErr != nil {
		return bindErr
	}
	if !ok || want != password {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	return nil
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.dir.mu.Lock()
	c.dir.filters = append(c.dir.filters, req.Filter)
	entries := c.dir.byFilter[req.Filter]
	searchErr := c.dir.searchErr
	block := c.dir.block
	c.dir.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-c.closing:
			return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))
		}
	}
	if searchErr != nil {
		return nil, searchErr
	}
	if req.SizeLimit > 0 && len(entries) > req.SizeLimit {
		return &ldap.SearchResult{Entries: entries[:req.SizeLimit]},
			ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("size limit exceeded"))
	}
	return &ldap.SearchResult{Entries: entries}, nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
	})
	return nil
}

func (c *fakeConn) IsClosing() bool {
	return c.closed.Load()
}

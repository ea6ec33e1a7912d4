// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"fmt"
	"strings"
	"sync"
)

// ScopeFilter restricts which directory entries may be considered at all.
type ScopeFilter interface {
	Filter() Filter
}

// ScopeFunc adapts a function to ScopeFilter.
type ScopeFunc func() Filter

func (f ScopeFunc) Filter() Filter { return f() }

const (
	ScopeUPN = "upn"
	ScopeUID = "uid"
)

var (
	scopesMu sync.RWMutex
	scopes   = map[string]ScopeFilter{
		ScopeUPN: ScopeFunc(func() Filter { return Present{Attribute: "userprincipalname"} }),
		ScopeUID: ScopeFunc(func() Filter { return Present{Attribute: "uid"} }),
	}
)

// RegisterScope adds a named scope. Names are case-insensitive and the
// built-in names cannot be replaced.
func RegisterScope(name string, s ScopeFilter) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || s == nil {
		return fmt.Errorf("%w: empty scope registration", ErrInvalidScope)
	}

	scopesMu.Lock()
	defer scopesMu.Unlock()
	if name == ScopeUPN || name == ScopeUID {
		return fmt.Errorf("%w: %q is built in", ErrInvalidScope, name)
	}
	scopes[name] = s
	return nil
}

// ScopeChain is an ordered, immutable list of scope filters.
type ScopeChain struct {
	names   []string
	filters []Filter
}

// NewScopeChain resolves scope names. Entries wrapped in parentheses are
// treated as raw LDAP filters, which lets operators restrict login to a
// group without registering code.
func NewScopeChain(names []string) (ScopeChain, error) {
	var chain ScopeChain
	seen := make(map[string]bool, len(names))

	scopesMu.RLock()
	defer scopesMu.RUnlock()

	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if strings.HasPrefix(name, "(") {
			if err := ValidateRaw(name); err != nil {
				return ScopeChain{}, fmt.Errorf("%w: %q: %v", ErrInvalidScope, name, err)
			}
			chain.names = append(chain.names, name)
			chain.filters = append(chain.filters, Raw(name))
			continue
		}

		name = strings.ToLower(name)
		s, ok := scopes[name]
		if !ok {
			return ScopeChain{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidScope, raw)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		chain.names = append(chain.names, name)
		chain.filters = append(chain.filters, s.Filter())
	}

	if seen[ScopeUPN] && seen[ScopeUID] {
		return ScopeChain{}, fmt.Errorf("%w: %q and %q are mutually exclusive", ErrInvalidScope, ScopeUPN, ScopeUID)
	}
	return chain, nil
}

// Apply conjoins query with every scope filter. With no scopes the query is
// returned unchanged.
func (c ScopeChain) Apply(query Filter) Filter {
	if len(c.filters) == 0 {
		return query
	}
	out := make(And, 0, len(c.filters)+1)
	out = append(out, c.filters...)
	return append(out, query)
}

func (c ScopeChain) Names() []string {
	return append([]string(nil), c.names...)
}

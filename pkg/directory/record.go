// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Record is a read-only snapshot of one directory entry. Attribute names
// are matched case-insensitively.
type Record struct {
	DN    string
	attrs map[string][]string
}

func NewRecord(dn string, attrs map[string][]string) *Record {
	r := &Record{DN: dn, attrs: make(map[string][]string, len(attrs))}
	for name, values := range attrs {
		key := strings.ToLower(name)
		r.attrs[key] = append(r.attrs[key], values...)
	}
	return r
}

func recordFromEntry(e *ldap.Entry) *Record {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Name] = a.Values
	}
	return NewRecord(e.DN, attrs)
}

func isDNAttribute(name string) bool {
	switch strings.ToLower(name) {
	case "dn", "distinguishedname":
		return true
	}
	return false
}

// Get returns the first value of name, or "" when absent.
func (r *Record) Get(name string) string {
	values := r.Values(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (r *Record) Values(name string) []string {
	if r == nil {
		return nil
	}
	if isDNAttribute(name) {
		if v, ok := r.attrs["distinguishedname"]; ok && len(v) > 0 {
			return slices.Clone(v)
		}
		if r.DN == "" {
			return nil
		}
		return []string{r.DN}
	}
	return slices.Clone(r.attrs[strings.ToLower(name)])
}

// Has reports whether name carries at least one non-empty value.
func (r *Record) Has(name string) bool {
	return r.Get(name) != ""
}

// Attributes returns a copy of every attribute keyed by lower-cased name.
func (r *Record) Attributes() map[string][]string {
	out := make(map[string][]string, len(r.attrs))
	for k, v := range r.attrs {
		out[k] = slices.Clone(v)
	}
	return out
}

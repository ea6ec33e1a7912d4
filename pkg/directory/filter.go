// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Filter is a node of an LDAP search filter. Values are escaped on render,
// so callers never concatenate user input into filter strings.
type Filter interface {
	String() string
}

// Equal matches attr=value exactly.
type Equal struct {
	Attribute string
	Value     string
}

func (f Equal) String() string {
	return "(" + f.Attribute + "=" + ldap.EscapeFilter(f.Value) + ")"
}

// Present matches entries carrying attr.
type Present struct {
	Attribute string
}

func (f Present) String() string {
	return "(" + f.Attribute + "=*)"
}

type And []Filter

func (f And) String() string {
	return compose('&', f)
}

type Or []Filter

func (f Or) String() string {
	return compose('|', f)
}

type Not struct {
	Filter Filter
}

func (f Not) String() string {
	return "(!" + f.Filter.String() + ")"
}

// Raw is an operator-supplied filter that has already been validated with
// ValidateRaw. It is rendered verbatim.
type Raw string

func (f Raw) String() string {
	return string(f)
}

// ValidateRaw checks that s compiles as an LDAP filter.
func ValidateRaw(s string) error {
	_, err := ldap.CompileFilter(s)
	return err
}

func compose(op byte, parts []Filter) string {
	switch len(parts) {
	case 0:
		return "(objectClass=*)"
	case 1:
		return parts[0].String()
	}
	var b strings.Builder
	b.WriteByte('(')
	b.WriteByte(op)
	for _, p := range parts {
		b.WriteString(p.String())
	}
	b.WriteByte(')')
	return b.String()
}

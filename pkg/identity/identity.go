// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity holds the application's own user records and the
// storage contract used to reconcile them with the directory.
package identity

import (
	"maps"
	"strings"
	"time"
)

// LocalIdentity is a user record owned by the application.
type LocalIdentity struct {
	ID           string
	Fields       map[string]string // local field name -> value (email, name, ...)
	PasswordHash string
	DeletedAt    *time.Time // soft delete marker
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (i *LocalIdentity) Field(name string) string {
	if i == nil {
		return ""
	}
	return i.Fields[name]
}

func (i *LocalIdentity) SetField(name, value string) {
	if i.Fields == nil {
		i.Fields = make(map[string]string)
	}
	i.Fields[name] = value
}

// Deleted reports whether the identity has been soft-deleted.
func (i *LocalIdentity) Deleted() bool {
	return i != nil && i.DeletedAt != nil
}

func (i *LocalIdentity) Clone() *LocalIdentity {
	if i == nil {
		return nil
	}
	c := *i
	c.Fields = maps.Clone(i.Fields)
	if i.DeletedAt != nil {
		t := *i.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// NormalizeKey folds a lookup key so that "JDoe@Example.com" and
// "jdoe@example.com" address the same identity.
func NormalizeKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

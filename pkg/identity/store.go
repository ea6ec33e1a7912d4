// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("identity not found")
	ErrAlreadyExists   = errors.New("identity already exists")
	ErrMissingKeyField = errors.New("identity has no value for the key field")
)

// Store persists local identities. Every implementation enforces that the
// key field (usually email) is unique across all identities, including
// soft-deleted ones.
type Store interface {
	// FindByField returns the identity whose field equals value. Lookups on
	// the key field are case-insensitive. Soft-deleted identities are
	// returned; callers decide what to do with them.
	FindByField(ctx context.Context, field, value string) (*LocalIdentity, error)

	// Create inserts a new identity, assigning an ID when empty. Returns
	// ErrAlreadyExists when the key value is taken.
	Create(ctx context.Context, id *LocalIdentity) error

	// Update replaces the stored identity with the same ID.
	Update(ctx context.Context, id *LocalIdentity) error

	Close() error
}

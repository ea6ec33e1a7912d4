// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile keeps local identities in step with the directory
// entries they were imported from.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/LeeDigitalWorks/dirauth/pkg/directory"
	"github.com/LeeDigitalWorks/dirauth/pkg/identity"
	"github.com/LeeDigitalWorks/dirauth/pkg/logger"
)

var ErrNoKey = errors.New("directory entry has no value for the identity key")

// Options configures a Reconciler.
type Options struct {
	// KeyField is the local field that identifies an identity.
	KeyField string

	// KeyAttribute is the directory attribute compared with KeyField.
	KeyAttribute string

	// SyncAttributes maps local fields to directory attributes.
	SyncAttributes map[string]string

	// SyncPasswords stores the hash of the directory secret on every login.
	SyncPasswords bool

	// PasswordsEnabled is false when the store keeps no password at all.
	PasswordsEnabled bool
}

// Reconciler creates or refreshes the local identity for a directory entry.
type Reconciler struct {
	store  identity.Store
	hasher *identity.Hasher
	opts   Options
	fields []string // sorted sync field names
}

func New(store identity.Store, hasher *identity.Hasher, opts Options) *Reconciler {
	opts.SyncAttributes = maps.Clone(opts.SyncAttributes)
	return &Reconciler{
		store:  store,
		hasher: hasher,
		opts:   opts,
		fields: slices.Sorted(maps.Keys(opts.SyncAttributes)),
	}
}

// Key returns the lookup value for rec.
func (r *Reconciler) Key(rec *directory.Record) string {
	return rec.Get(r.opts.KeyAttribute)
}

// Locate returns the local identity for rec without changing anything.
// It returns (nil, nil) when none exists.
func (r *Reconciler) Locate(ctx context.Context, rec *directory.Record) (*identity.LocalIdentity, error) {
	key := r.Key(rec)
	if key == "" {
		return nil, ErrNoKey
	}
	ident, err := r.store.FindByField(ctx, r.opts.KeyField, key)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locate identity: %w", err)
	}
	return ident, nil
}

// Reconcile creates the local identity for rec or refreshes its synced
// fields. secret is the directory-verified password, or "" on the trusted
// path where none is known.
func (r *Reconciler) Reconcile(ctx context.Context, rec *directory.Record, secret string) (*identity.LocalIdentity, error) {
	key := r.Key(rec)
	if key == "" {
		return nil, ErrNoKey
	}

	existing, err := r.store.FindByField(ctx, r.opts.KeyField, key)
	switch {
	case err == nil:
		return r.update(ctx, existing, rec, secret)
	case errors.Is(err, identity.ErrNotFound):
	default:
		return nil, fmt.Errorf("find identity: %w", err)
	}

	created, err := r.create(ctx, key, rec, secret)
	if !errors.Is(err, identity.ErrAlreadyExists) {
		return created, err
	}

	// Another login for the same person created it first.
	logger.Ctx(ctx).Debug().Str("key", key).Msg("identity created concurrently, updating instead")
	existing, err = r.store.FindByField(ctx, r.opts.KeyField, key)
	if err != nil {
		return nil, fmt.Errorf("find identity after create conflict: %w", err)
	}
	return r.update(ctx, existing, rec, secret)
}

func (r *Reconciler) create(ctx context.Context, key string, rec *directory.Record, secret string) (*identity.LocalIdentity, error) {
	ident := &identity.LocalIdentity{Fields: map[string]string{r.opts.KeyField: key}}
	r.applyFields(ident, rec)

	if r.opts.PasswordsEnabled {
		password := identity.RandomSecret()
		if r.opts.SyncPasswords && secret != "" {
			password = secret
		}
		hash, err := r.hasher.Hash(password)
		if err != nil {
			return nil, err
		}
		ident.PasswordHash = hash
	}

	if err := r.store.Create(ctx, ident); err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}
	IdentitiesTotal.WithLabelValues("created").Inc()
	return ident, nil
}

func (r *Reconciler) update(ctx context.Context, ident *identity.LocalIdentity, rec *directory.Record, secret string) (*identity.LocalIdentity, error) {
	changed := r.applyFields(ident, rec)

	if r.opts.PasswordsEnabled && r.opts.SyncPasswords && secret != "" {
		if !r.hasher.Verify(ident.PasswordHash, secret) || r.hasher.NeedsRehash(ident.PasswordHash) {
			hash, err := r.hasher.Hash(secret)
			if err != nil {
				return nil, err
			}
			ident.PasswordHash = hash
			changed = true
		}
	}

	if !changed {
		IdentitiesTotal.WithLabelValues("unchanged").Inc()
		return ident, nil
	}
	if err := r.store.Update(ctx, ident); err != nil {
		return nil, fmt.Errorf("update identity: %w", err)
	}
	IdentitiesTotal.WithLabelValues("updated").Inc()
	return ident, nil
}

// applyFields copies mapped directory values onto ident. Attributes the
// entry lacks leave the local field alone.
func (r *Reconciler) applyFields(ident *identity.LocalIdentity, rec *directory.Record) bool {
	changed := false
	for _, field := range r.fields {
		values := rec.Values(r.opts.SyncAttributes[field])
		if len(values) == 0 {
			continue
		}
		if current, ok := ident.Fields[field]; ok && current == values[0] {
			continue
		}
		ident.SetField(field, values[0])
		changed = true
	}
	return changed
}

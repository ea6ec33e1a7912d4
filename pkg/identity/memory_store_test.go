// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MemoryStore
// =============================================================================

func TestMemoryStore_CreateAndFind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore("email")

	ident := &LocalIdentity{Fields: map[string]string{"email": "JDoe@Example.com", "name": "Jane"}}
	require.NoError(t, store.Create(ctx, ident))
	assert.NotEmpty(t, ident.ID)
	assert.False(t, ident.CreatedAt.IsZero())

	got, err := store.FindByField(ctx, "email", "jdoe@example.com")
	require.NoError(t, err)
	assert.Equal(t, ident.ID, got.ID)
	assert.Equal(t, "Jane", got.Field("name"))

	got, err = store.FindByField(ctx, "name", "Jane")
	require.NoError(t, err)
	assert.Equal(t, ident.ID, got.ID)

	_, err = store.FindByField(ctx, "name", "jane")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.FindByField(ctx, "email", "other@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore("email")

	ident := &LocalIdentity{Fields: map[string]string{"email": "a@example.com"}}
	require.NoError(t, store.Create(ctx, ident))
	ident.Fields["email"] = "mutated@example.com"

	got, err := store.FindByField(ctx, "email", "a@example.com")
	require.NoError(t, err)
	got.Fields["name"] = "changed"

	again, err := store.FindByField(ctx, "email", "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, again.Field("name"))
}

func TestMemoryStore_CreateErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore("email")

	require.NoError(t, store.Create(ctx, &LocalIdentity{Fields: map[string]string{"email": "a@example.com"}}))

	err := store.Create(ctx, &LocalIdentity{Fields: map[string]string{"email": " A@example.com "}})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	err = store.Create(ctx, &LocalIdentity{Fields: map[string]string{"name": "no email"}})
	assert.ErrorIs(t, err, ErrMissingKeyField)
}

func TestMemoryStore_SoftDeletedKeepsKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore("email")

	ident := &LocalIdentity{Fields: map[string]string{"email": "a@example.com"}}
	require.NoError(t, store.Create(ctx, ident))

	now := time.Now()
	ident.DeletedAt = &now
	require.NoError(t, store.Update(ctx, ident))

	got, err := store.FindByField(ctx, "email", "a@example.com")
	require.NoError(t, err)
	assert.True(t, got.Deleted())

	err = store.Create(ctx, &LocalIdentity{Fields: map[string]string{"email": "a@example.com"}})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_Update(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore("email")

	a := &LocalIdentity{Fields: map[string]string{"email": "a@example.com"}}
	b := &LocalIdentity{Fields: map[string]string{"email": "b@example.com"}}
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	created := a.CreatedAt

	a.SetField("name", "Alice")
	a.PasswordHash = "hash"
	require.NoError(t, store.Update(ctx, a))
	assert.Equal(t, created, a.CreatedAt)

	got, err := store.FindByField(ctx, "email", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Field("name"))
	assert.Equal(t, "hash", got.PasswordHash)

	// Re-keying onto another identity's email is refused.
	a.SetField("email", "b@example.com")
	assert.ErrorIs(t, store.Update(ctx, a), ErrAlreadyExists)

	// Re-keying to a free email moves the index.
	a.SetField("email", "alice@example.com")
	require.NoError(t, store.Update(ctx, a))
	_, err = store.FindByField(ctx, "email", "a@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindByField(ctx, "email", "alice@example.com")
	assert.NoError(t, err)

	assert.ErrorIs(t, store.Update(ctx, &LocalIdentity{ID: "missing", Fields: map[string]string{"email": "x@example.com"}}), ErrNotFound)
}

func TestMemoryStore_ConcurrentCreateSameKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore("email")

	var wg sync.WaitGroup
	var created, conflicts atomic.Int32
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Create(ctx, &LocalIdentity{Fields: map[string]string{"email": "race@example.com"}})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrAlreadyExists):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(31), conflicts.Load())
	assert.Equal(t, 1, store.Len())
}

func TestLocalIdentity_Clone(t *testing.T) {
	t.Parallel()

	now := time.Now()
	orig := &LocalIdentity{ID: "1", Fields: map[string]string{"email": "a"}, DeletedAt: &now}
	c := orig.Clone()
	c.Fields["email"] = "b"
	*c.DeletedAt = now.Add(time.Hour)

	assert.Equal(t, "a", orig.Field("email"))
	assert.Equal(t, now, *orig.DeletedAt)

	var nilIdent *LocalIdentity
	assert.Nil(t, nilIdent.Clone())
	assert.False(t, nilIdent.Deleted())
}

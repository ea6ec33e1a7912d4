// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/LeeDigitalWorks/dirauth/pkg/directory"
	"github.com/LeeDigitalWorks/dirauth/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func jdoeRecord(attrs map[string][]string) *directory.Record {
	base := map[string][]string{
		"userPrincipalName": {"jdoe@example.com"},
		"cn":                {"Jane Doe"},
	}
	for k, v := range attrs {
		base[k] = v
	}
	return directory.NewRecord("cn=jdoe,dc=example,dc=com", base)
}

func newReconciler(store identity.Store, sync, passwords bool) *Reconciler {
	return New(store, identity.NewHasher(bcrypt.MinCost), Options{
		KeyField:     "email",
		KeyAttribute: "userprincipalname",
		SyncAttributes: map[string]string{
			"email": "userprincipalname",
			"name":  "cn",
		},
		SyncPasswords:    sync,
		PasswordsEnabled: passwords,
	})
}

// =============================================================================
// Create
// =============================================================================

func TestReconcile_CreateWithSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := identity.NewMemoryStore("email")
	r := newReconciler(store, true, true)
	hasher := identity.NewHasher(bcrypt.MinCost)

	ident, err := r.Reconcile(ctx, jdoeRecord(nil), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "jdoe@example.com", ident.Field("email"))
	assert.Equal(t, "Jane Doe", ident.Field("name"))
	assert.True(t, hasher.Verify(ident.PasswordHash, "s3cret"))
	assert.Equal(t, 1, store.Len())
}

func TestReconcile_CreateWithoutSyncUsesPlaceholder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := identity.NewMemoryStore("email")
	r := newReconciler(store, false, true)
	hasher := identity.NewHasher(bcrypt.MinCost)

	ident, err := r.Reconcile(ctx, jdoeRecord(nil), "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, ident.PasswordHash)
	assert.False(t, hasher.Verify(ident.PasswordHash, "s3cret"))
}

func TestReconcile_PasswordsDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := identity.NewMemoryStore("email")
	r := newReconciler(store, true, false)

	ident, err := r.Reconcile(ctx, jdoeRecord(nil), "s3cret")
	require.NoError(t, err)
	assert.Empty(t, ident.PasswordHash)

	ident, err = r.Reconcile(ctx, jdoeRecord(nil), "other")
	require.NoError(t, err)
	assert.Empty(t, ident.PasswordHash)
}

// =============================================================================
// Update
// =============================================================================

func TestReconcile_SyncOffNeverTouchesHash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := identity.NewMemoryStore("email")
	r := newReconciler(store, false, true)

	first, err := r.Reconcile(ctx, jdoeRecord(nil), "one")
	require.NoError(t, err)
	original := first.PasswordHash

	for _, secret := range []string{"two", "three", ""} {
		_, err := r.Reconcile(ctx, jdoeRecord(map[string][]string{"cn": {"Jane " + secret}}), secret)
		require.NoError(t, err)

		stored, err := store.FindByField(ctx, "email", "jdoe@example.com")
		require.NoError(t, err)
		assert.Equal(t, original, stored.PasswordHash)
	}
}

func TestReconcile_SyncOnTracksLastSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := identity.NewMemoryStore("email")
	r := newReconciler(store, true, true)
	hasher := identity.NewHasher(bcrypt.MinCost)

	for _, secret := range []string{"one", "two", "two", "three"} {
		_, err := r.Reconcile(ctx, jdoeRecord(nil), secret)
		require.NoError(t, err)

		stored, err := store.FindByField(ctx, "email", "jdoe@example.com")
		require.NoError(t, err)
		assert.True(t, hasher.Verify(stored.PasswordHash, secret), "hash should verify %q", secret)
	}
}

func TestReconcile_SyncOnKeepsHashOnTrustedLogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := identity.NewMemoryStore("email")
	r := newReconciler(store, true, true)

	first, err := r.Reconcile(ctx, jdoeRecord(nil), "one")
	require.NoError(t, err)

	second, err := r.Reconcile(ctx, jdoeRecord(nil), "")
	require.NoError(t, err)
	assert.Equal(t, first.PasswordHash, second.PasswordHash)
}

func TestReconcile_UnmappedFieldsUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := identity.NewMemoryStore("email")
	r := newReconciler(store, false, true)

	ident, err := r.Reconcile(ctx, jdoeRecord(nil), "pw")
	require.NoError(t, err)

	ident.SetField("theme", "dark")
	ident.SetField("phone", "+1 555 0100")
	require.NoError(t, store.Update(ctx, ident))

	// cn is missing from this lookup, so name stays as it was.
	rec := directory.NewRecord("cn=jdoe,dc=example,dc=com", map[string][]string{
		"userPrincipalName": {"jdoe@example.com"},
	})
	_, err = r.Reconcile(ctx, rec, "pw")
	require.NoError(t, err)

	stored, err := store.FindByField(ctx, "email", "jdoe@example.com")
	require.NoError(t, err)
	assert.Equal(t, "dark", stored.Field("theme"))
	assert.Equal(t, "+1 555 0100", stored.Field("phone"))
	assert.Equal(t, "Jane Doe", stored.Field("name"))

	// A changed cn is synced.
	_, err = r.Reconcile(ctx, jdoeRecord(map[string][]string{"cn": {"Jane Smith"}}), "pw")
	require.NoError(t, err)
	stored, err = store.FindByField(ctx, "email", "jdoe@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Jane Smith", stored.Field("name"))
	assert.Equal(t, "dark", stored.Field("theme"))
}

// =============================================================================
// Concurrency and races
// =============================================================================

func TestReconcile_ConcurrentFirstLogins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := identity.NewMemoryStore("email")
	r := newReconciler(store, true, true)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(ctx, jdoeRecord(nil), "s3cret")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, store.Len())
}

// racingStore lets another writer win the create between our lookup and
// our insert.
type racingStore struct {
	*identity.MemoryStore
	once sync.Once
}

func (s *racingStore) Create(ctx context.Context, ident *identity.LocalIdentity) error {
	s.once.Do(func() {
		_ = s.MemoryStore.Create(ctx, &identity.LocalIdentity{Fields: map[string]string{
			"email": ident.Field("email"),
			"theme": "light",
		}})
	})
	return s.MemoryStore.Create(ctx, ident)
}

func TestReconcile_CreateConflictBecomesUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &racingStore{MemoryStore: identity.NewMemoryStore("email")}
	r := newReconciler(store, false, true)

	ident, err := r.Reconcile(ctx, jdoeRecord(nil), "pw")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", ident.Field("name"))
	assert.Equal(t, "light", ident.Field("theme"))
	assert.Equal(t, 1, store.Len())
}

// =============================================================================
// Locate
// =============================================================================

func TestLocate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := identity.NewMemoryStore("email")
	r := newReconciler(store, false, true)

	got, err := r.Locate(ctx, jdoeRecord(nil))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, store.Len())

	_, err = r.Reconcile(ctx, jdoeRecord(nil), "pw")
	require.NoError(t, err)

	got, err = r.Locate(ctx, jdoeRecord(map[string][]string{"userPrincipalName": {"JDOE@example.com"}}))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "jdoe@example.com", got.Field("email"))

	_, err = r.Locate(ctx, directory.NewRecord("cn=nokey", nil))
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestReconcile_NoKey(t *testing.T) {
	t.Parallel()

	r := newReconciler(identity.NewMemoryStore("email"), false, true)
	_, err := r.Reconcile(context.Background(), directory.NewRecord("cn=nokey", nil), "pw")
	assert.ErrorIs(t, err, ErrNoKey)
}

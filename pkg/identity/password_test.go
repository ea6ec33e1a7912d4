// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher(t *testing.T) {
	t.Parallel()

	h := NewHasher(bcrypt.MinCost)

	hash, err := h.Hash("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)
	assert.True(t, h.Verify(hash, "correct horse"))
	assert.False(t, h.Verify(hash, "battery staple"))
	assert.False(t, h.Verify("", "correct horse"))
	assert.False(t, h.NeedsRehash(hash))
}

func TestHasher_LongSecrets(t *testing.T) {
	t.Parallel()

	h := NewHasher(bcrypt.MinCost)
	long := strings.Repeat("a", 100)
	longer := strings.Repeat("a", 99) + "b"

	hash, err := h.Hash(long)
	require.NoError(t, err)
	assert.True(t, h.Verify(hash, long))
	// Bytes past 72 still count.
	assert.False(t, h.Verify(hash, longer))
}

func TestHasher_NeedsRehash(t *testing.T) {
	t.Parallel()

	low := NewHasher(bcrypt.MinCost)
	hash, err := low.Hash("pw")
	require.NoError(t, err)

	higher := NewHasher(bcrypt.MinCost + 1)
	assert.True(t, higher.NeedsRehash(hash))
	assert.True(t, higher.NeedsRehash("not-a-bcrypt-hash"))
	assert.True(t, higher.Verify(hash, "pw"))
}

func TestNewHasher_Cost(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultBcryptCost, NewHasher(0).Cost())
	assert.Equal(t, bcrypt.MinCost, NewHasher(1).Cost())
	assert.Equal(t, bcrypt.MaxCost, NewHasher(99).Cost())
}

func TestRandomSecret(t *testing.T) {
	t.Parallel()

	a, b := RandomSecret(), RandomSecret()
	assert.GreaterOrEqual(t, len(a), 16)
	assert.NotEqual(t, a, b)
}

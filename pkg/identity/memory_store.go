// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu       sync.RWMutex
	keyField string
	byID     map[string]*LocalIdentity
	byKey    map[string]string // normalized key -> ID

	now func() time.Time
}

// NewMemoryStore creates a store whose uniqueness constraint is on keyField.
func NewMemoryStore(keyField string) *MemoryStore {
	return &MemoryStore{
		keyField: keyField,
		byID:     make(map[string]*LocalIdentity),
		byKey:    make(map[string]string),
		now:      time.Now,
	}
}

func (s *MemoryStore) FindByField(ctx context.Context, field, value string) (*LocalIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if field == s.keyField {
		id, ok := s.byKey[NormalizeKey(value)]
		if !ok {
			return nil, ErrNotFound
		}
		return s.byID[id].Clone(), nil
	}

	for _, ident := range s.byID {
		if v, ok := ident.Fields[field]; ok && v == value {
			return ident.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Create(ctx context.Context, ident *LocalIdentity) error {
	key := NormalizeKey(ident.Field(s.keyField))
	if key == "" {
		return ErrMissingKeyField
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[key]; exists {
		return ErrAlreadyExists
	}
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if _, exists := s.byID[ident.ID]; exists {
		return ErrAlreadyExists
	}

	now := s.now().UTC()
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = now
	}
	ident.UpdatedAt = now

	s.byID[ident.ID] = ident.Clone()
	s.byKey[key] = ident.ID
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, ident *LocalIdentity) error {
	key := NormalizeKey(ident.Field(s.keyField))
	if key == "" {
		return ErrMissingKeyField
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[ident.ID]
	if !ok {
		return ErrNotFound
	}
	oldKey := NormalizeKey(existing.Field(s.keyField))
	if key != oldKey {
		if _, taken := s.byKey[key]; taken {
			return ErrAlreadyExists
		}
		delete(s.byKey, oldKey)
		s.byKey[key] = ident.ID
	}

	ident.CreatedAt = existing.CreatedAt
	ident.UpdatedAt = s.now().UTC()
	s.byID[ident.ID] = ident.Clone()
	return nil
}

// Len returns the number of stored identities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *MemoryStore) Close() error {
	return nil
}

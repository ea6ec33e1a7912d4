// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"hash/fnv"
	"sync"
)

const numShards = 64

// ShardedMap is a concurrent string-keyed map split across shards so that
// hot keys (per-identifier limiters) do not contend on one lock.
type ShardedMap[V any] struct {
	shards [numShards]shard[V]
}

type shard[V any] struct {
	sync.RWMutex
	m map[string]V
}

func NewShardedMap[V any]() *ShardedMap[V] {
	sm := &ShardedMap[V]{}
	for i := range sm.shards {
		sm.shards[i].m = make(map[string]V)
	}
	return sm
}

func (sm *ShardedMap[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &sm.shards[h.Sum32()%numShards]
}

func (sm *ShardedMap[V]) Load(key string) (V, bool) {
	s := sm.getShard(key)
	s.RLock()
	v, ok := s.m[key]
	s.RUnlock()
	return v, ok
}

// LoadOrCreate returns the value stored under key, calling create to build
// it when absent. create runs under the shard lock at most once per key.
func (sm *ShardedMap[V]) LoadOrCreate(key string, create func() V) V {
	s := sm.getShard(key)

	s.RLock()
	if v, ok := s.m[key]; ok {
		s.RUnlock()
		return v
	}
	s.RUnlock()

	s.Lock()
	defer s.Unlock()
	if v, ok := s.m[key]; ok {
		return v
	}
	v := create()
	s.m[key] = v
	return v
}

func (sm *ShardedMap[V]) Delete(key string) {
	s := sm.getShard(key)
	s.Lock()
	delete(s.m, key)
	s.Unlock()
}

// DeleteIf deletes entries where the predicate returns true and reports how
// many were removed.
func (sm *ShardedMap[V]) DeleteIf(predicate func(key string, value V) bool) int {
	deleted := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.Lock()
		for k, v := range s.m {
			if predicate(k, v) {
				delete(s.m, k)
				deleted++
			}
		}
		s.Unlock()
	}
	return deleted
}

func (sm *ShardedMap[V]) Len() int {
	count := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.RLock()
		count += len(s.m)
		s.RUnlock()
	}
	return count
}

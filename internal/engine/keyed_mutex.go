package engine

import (
	"hash/fnv"
	"sync"
)

const lockShards = 16

// KeyedMutex hands out one mutex per key. Entries are reference counted and
// dropped once nobody holds or waits for them.
type KeyedMutex struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	k := &KeyedMutex{}
	for i := range k.shards {
		k.shards[i].locks = make(map[string]*keyedEntry)
	}
	return k
}

func (k *KeyedMutex) shard(key string) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%lockShards]
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex) Lock(key string) func() {
	s := k.shard(key)
	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &keyedEntry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	n := 0
	for i := range k.shards {
		s := &k.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}

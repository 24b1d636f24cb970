package service

import (
	"hash/fnv"
	"sync"

	"github.com/Rrens/social-inbox/internal/domain"
)

const keyLockShards = 64

// KeyLocker serializes work per conversation key. Entries are reference
// counted and removed once the last holder unlocks.
type KeyLocker struct {
	shards [keyLockShards]keyLockShard
}

type keyLockShard struct {
	mu    sync.Mutex
	locks map[domain.ConversationKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocker creates a new keyed lock set
func NewKeyLocker() *KeyLocker {
	l := &KeyLocker{}
	for i := range l.shards {
		l.shards[i].locks = make(map[domain.ConversationKey]*keyLock)
	}
	return l
}

func (l *KeyLocker) shard(key domain.ConversationKey) *keyLockShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%keyLockShards]
}

// Lock blocks until the key is free and returns the matching unlock func
func (l *KeyLocker) Lock(key domain.ConversationKey) func() {
	s := l.shard(key)

	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()

			s.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(s.locks, key)
			}
			s.mu.Unlock()
		})
	}
}

// Held reports how many callers currently hold or wait for the key
func (l *KeyLocker) Held(key domain.ConversationKey) int {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if kl, ok := s.locks[key]; ok {
		return kl.refs
	}
	return 0
}

// Copyright 2024-2026 Aiku AI

package cloner

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/patrickmn/go-cache"
	"go.mau.fi/util/exsync"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// ReplyIndex maps a source-channel message ID to the ID of its copy in the
// target channel.
type ReplyIndex interface {
	Put(source, target platform.MessageID)
	Get(source platform.MessageID) (platform.MessageID, bool)
	Len() int
}

const (
	ReplyIndexMemory = "memory"
	ReplyIndexLRU    = "lru"
	ReplyIndexTTL    = "ttl"
)

// NewReplyIndex builds a reply index for the given backend. An empty backend
// selects the unbounded in-memory map.
func NewReplyIndex(backend string, maxEntries int, ttl time.Duration) (ReplyIndex, error) {
	switch backend {
	case "", ReplyIndexMemory:
		return NewMemoryReplyIndex(), nil
	case ReplyIndexLRU:
		return NewLRUReplyIndex(maxEntries)
	case ReplyIndexTTL:
		if ttl <= 0 {
			return nil, fmt.Errorf("ttl reply index needs a positive ttl, got %s", ttl)
		}
		return NewTTLReplyIndex(ttl), nil
	default:
		return nil, fmt.Errorf("unknown reply index backend %q", backend)
	}
}

// MemoryReplyIndex never evicts entries.
type MemoryReplyIndex struct {
	m    *exsync.Map[platform.MessageID, platform.MessageID]
	size atomic.Int64
}

func NewMemoryReplyIndex() *MemoryReplyIndex {
	return &MemoryReplyIndex{m: exsync.NewMap[platform.MessageID, platform.MessageID]()}
}

func (r *MemoryReplyIndex) Put(source, target platform.MessageID) {
	if _, replaced := r.m.Swap(source, target); !replaced {
		r.size.Add(1)
	}
}

func (r *MemoryReplyIndex) Get(source platform.MessageID) (platform.MessageID, bool) {
	return r.m.Get(source)
}

func (r *MemoryReplyIndex) Len() int { return int(r.size.Load()) }

// LRUReplyIndex keeps at most a fixed number of entries, dropping the least
// recently used one first.
type LRUReplyIndex struct {
	c *lru.Cache[platform.MessageID, platform.MessageID]
}

func NewLRUReplyIndex(maxEntries int) (*LRUReplyIndex, error) {
	c, err := lru.New[platform.MessageID, platform.MessageID](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru reply index: %w", err)
	}
	return &LRUReplyIndex{c: c}, nil
}

func (r *LRUReplyIndex) Put(source, target platform.MessageID) { r.c.Add(source, target) }

func (r *LRUReplyIndex) Get(source platform.MessageID) (platform.MessageID, bool) {
	return r.c.Get(source)
}

func (r *LRUReplyIndex) Len() int { return r.c.Len() }

// TTLReplyIndex forgets entries a fixed time after they were written.
type TTLReplyIndex struct {
	c   *cache.Cache
	ttl time.Duration
}

func NewTTLReplyIndex(ttl time.Duration) *TTLReplyIndex {
	return &TTLReplyIndex{c: cache.New(ttl, ttl*2), ttl: ttl}
}

func (r *TTLReplyIndex) Put(source, target platform.MessageID) {
	r.c.Set(string(source), target, r.ttl)
}

func (r *TTLReplyIndex) Get(source platform.MessageID) (platform.MessageID, bool) {
	v, ok := r.c.Get(string(source))
	if !ok {
		return "", false
	}
	target, ok := v.(platform.MessageID)
	return target, ok
}

func (r *TTLReplyIndex) Len() int { return r.c.ItemCount() }

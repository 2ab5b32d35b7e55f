package guard

import (
	"strconv"
	"sync"

	"github.com/serialx/hashring"

	"firestige.xyz/flowguard/internal/core"
)

// shard owns one slice of a keyed table. All access to m goes through mu.
type shard[V any] struct {
	mu sync.Mutex
	m  map[core.FlowKey]V
}

// shardSet spreads flow keys over a fixed set of shards with a consistent
// hash ring, so each key always lands on the same lock.
type shardSet[V any] struct {
	ring   *hashring.HashRing
	index  map[string]int
	shards []*shard[V]
}

func newShardSet[V any](n int) *shardSet[V] {
	if n <= 0 {
		n = 1
	}
	nodes := make([]string, n)
	s := &shardSet[V]{
		index:  make(map[string]int, n),
		shards: make([]*shard[V], n),
	}
	for i := 0; i < n; i++ {
		nodes[i] = "shard-" + strconv.Itoa(i)
		s.index[nodes[i]] = i
		s.shards[i] = &shard[V]{m: make(map[core.FlowKey]V)}
	}
	s.ring = hashring.New(nodes)
	return s
}

func (s *shardSet[V]) get(key core.FlowKey) *shard[V] {
	node, ok := s.ring.GetNode(key.String())
	if !ok {
		return s.shards[0]
	}
	return s.shards[s.index[node]]
}

// each calls fn for every shard while holding that shard's lock.
func (s *shardSet[V]) each(fn func(m map[core.FlowKey]V)) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		fn(sh.m)
		sh.mu.Unlock()
	}
}

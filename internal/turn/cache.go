package turn

import (
	"strings"
	"sync"
)

// CachedReply is a previously produced bot turn that can be replayed.
type CachedReply struct {
	BotText  string
	Audio    []byte
	AudioURL string
}

// Cache is a bounded reply cache with insertion-order (FIFO) eviction.
// A zero capacity disables it.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]CachedReply
	order    []string
}

func NewCache(capacity int) *Cache {
	return &Cache{capacity: capacity, entries: make(map[string]CachedReply)}
}

// CacheKey scopes a normalised question to one agent.
func CacheKey(agentID, userText string) string {
	return agentID + "\x00" + NormalizeText(userText)
}

// NormalizeText lowercases text and collapses whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (c *Cache) Get(key string) (CachedReply, bool) {
	if c == nil || c.capacity <= 0 {
		return CachedReply{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	return r, ok
}

// Put stores r under key. Re-putting an existing key replaces the value
// without refreshing its eviction position.
func (c *Cache) Put(key string, r CachedReply) {
	if c == nil || c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.entries[key] = r
		return
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = r
	c.order = append(c.order, key)
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

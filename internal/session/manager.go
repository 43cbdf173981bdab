package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/voicerag/internal/store"
)

// Registry tracks open voice connections and evicts idle ones.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	idleTimeout time.Duration
	onEvict     func(*Connection)
	now         func() time.Time
}

func NewRegistry(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Registry{
		conns:       make(map[string]*Connection),
		idleTimeout: idleTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetEvictHook registers a callback run after an idle connection is closed.
func (r *Registry) SetEvictHook(hook func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = hook
}

// NewClientID returns an id of the form client_<unixms>_<9 base36 chars>.
func NewClientID(now time.Time) string {
	return fmt.Sprintf("client_%d_%s", now.UnixMilli(), store.RandomSuffix(9))
}

// Open registers a new IDLE connection. closer is invoked at most once,
// when the connection is removed or evicted.
func (r *Registry) Open(closer func()) *Connection {
	now := r.now()
	c := newConnection(NewClientID(now), now, closer)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	return c
}

func (r *Registry) Get(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Touch records activity on a connection.
func (r *Registry) Touch(id string) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.touch(r.now())
	return nil
}

// Remove closes and forgets a connection. It reports whether the
// connection was still registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if ok {
		c.close()
	}
	return ok
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictIdle()
			}
		}
	}()
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List snapshots every open connection, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// CloseAll closes every connection, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (r *Registry) evictIdle() []*Connection {
	now := r.now()
	var evicted []*Connection

	r.mu.Lock()
	for id, c := range r.conns {
		if now.Sub(c.LastActivity()) < r.idleTimeout {
			continue
		}
		delete(r.conns, id)
		evicted = append(evicted, c)
	}
	hook := r.onEvict
	r.mu.Unlock()

	for _, c := range evicted {
		if c.close() && hook != nil {
			hook(c)
		}
	}
	return evicted
}

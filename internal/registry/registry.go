// Package registry tracks the backend servers known to the daemon and the
// per-connection activity ledger that scopes aggregation queries. The server
// list is ordered: aggregation fans out over it in registration order and
// addresses result slots by index.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Server identifies one introspection endpoint for aggregation queries.
type Server struct {
	Name     string
	Category string
	Port     uint16
}

type Options struct {
	// TTL is how long a connection may stay idle before the sweeper drops
	// it. Zero means DefaultTTL.
	TTL           time.Duration
	SweepInterval time.Duration
}

type connection struct {
	categories map[string]struct{}
	createdAt  time.Time
	lastSeen   time.Time
}

// ConnectionInfo is a read-only snapshot of one tracked connection.
type ConnectionInfo struct {
	ID         string    `json:"id"`
	Categories []string  `json:"categories"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

type Registry struct {
	mu         sync.RWMutex
	servers    []Server
	byName     map[string]int
	categories map[string]struct{}
	conns      map[string]*connection

	ttl        time.Duration
	sweepEvery time.Duration
}

func New(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		byName:     make(map[string]int),
		categories: make(map[string]struct{}),
		conns:      make(map[string]*connection),
		ttl:        opts.TTL,
		sweepEvery: opts.SweepInterval,
	}
}

// AddServer appends a server to the candidate set. Order of calls is the
// order every aggregation result reports.
func (r *Registry) AddServer(s Server) error {
	if s.Name == "" || s.Category == "" || s.Port == 0 {
		return fmt.Errorf("registry: server needs name, category and port")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[s.Name]; dup {
		return fmt.Errorf("registry: server %s already registered", s.Name)
	}
	r.byName[s.Name] = len(r.servers)
	r.servers = append(r.servers, s)
	r.categories[s.Category] = struct{}{}
	return nil
}

// Servers returns the full candidate set in registration order.
func (r *Registry) Servers() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, len(r.servers))
	copy(out, r.servers)
	return out
}

// NewConnection mints a connection id and begins tracking it.
func (r *Registry) NewConnection() string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = &connection{
		categories: make(map[string]struct{}),
		createdAt:  time.Now(),
		lastSeen:   time.Now(),
	}
	r.mu.Unlock()
	return id
}

// RecordActivity notes that a connection exercised a server category. A
// connection not seen before becomes tracked by its first activity.
func (r *Registry) RecordActivity(id, category string) error {
	if id == "" {
		return fmt.Errorf("registry: empty connection id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.categories[category]; !ok {
		return fmt.Errorf("registry: unknown category %q", category)
	}
	c, ok := r.conns[id]
	if !ok {
		c = &connection{categories: make(map[string]struct{}), createdAt: time.Now()}
		r.conns[id] = c
	}
	c.categories[category] = struct{}{}
	c.lastSeen = time.Now()
	return nil
}

// Touch refreshes a connection's idle clock without recording activity.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		c.lastSeen = time.Now()
	}
	return ok
}

func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// ServersForStats returns the candidate set for a usage-stats query: every
// registered server when the connection is tracked, nothing otherwise.
func (r *Registry) ServersForStats(id string) []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.conns[id]; !ok {
		return []Server{}
	}
	out := make([]Server, len(r.servers))
	copy(out, r.servers)
	return out
}

// ServersForHistory returns only the servers whose category saw activity on
// the connection, in registration order.
func (r *Registry) ServersForHistory(id string) []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return []Server{}
	}
	out := make([]Server, 0, len(r.servers))
	for _, s := range r.servers {
		if _, active := c.categories[s.Category]; active {
			out = append(out, s)
		}
	}
	return out
}

// Connections snapshots every tracked connection, newest last seen first.
func (r *Registry) Connections() []ConnectionInfo {
	r.mu.RLock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for id, c := range r.conns {
		cats := make([]string, 0, len(c.categories))
		for cat := range c.categories {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		out = append(out, ConnectionInfo{ID: id, Categories: cats, CreatedAt: c.createdAt, LastSeen: c.lastSeen})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Sweep drops connections idle longer than the TTL and reports how many.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, c := range r.conns {
		if now.Sub(c.lastSeen) > r.ttl {
			delete(r.conns, id)
			dropped++
		}
	}
	return dropped
}

// Start runs the idle sweeper until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(r.sweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if n := r.Sweep(now); n > 0 {
					slog.Debug("swept idle connections", "dropped", n)
				}
			}
		}
	}()
}

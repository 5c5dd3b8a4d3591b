package usecase

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

// DefaultCacheTTL is how long a discovery result is served before the next
// read triggers a refresh.
const DefaultCacheTTL = 30 * time.Minute

const (
	defaultRefreshTimeout = 2 * time.Minute
	refreshKey            = "refresh"
)

// ToolDiscoverer is the discovery dependency of ToolCache.
type ToolDiscoverer interface {
	DiscoverWithStatus(ctx context.Context, addrs []string) ([]domain.ToolDescriptor, map[string]string, []domain.BackendStatus)
}

// toolSnapshot is never mutated after it is published.
type toolSnapshot struct {
	tools       []domain.ToolDescriptor
	byName      map[string]domain.ToolDescriptor
	backends    []domain.BackendStatus
	refreshedAt time.Time
}

// CacheSnapshot is a point-in-time copy of the cache for reporting.
type CacheSnapshot struct {
	Tools       []domain.ToolDescriptor `json:"tools"`
	Backends    []domain.BackendStatus  `json:"backends"`
	RefreshedAt time.Time               `json:"refreshed_at"`
	Stale       bool                    `json:"stale"`
}

// ToolCacheOption configures a ToolCache.
type ToolCacheOption func(*ToolCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ToolCacheOption {
	return func(c *ToolCache) { c.now = now }
}

// WithCacheBus publishes EventToolsRefreshed after each discovery.
func WithCacheBus(bus domain.EventBus) ToolCacheOption {
	return func(c *ToolCache) { c.bus = bus }
}

// WithCacheAudit records each discovery in the audit journal.
func WithCacheAudit(a domain.AuditLogger) ToolCacheOption {
	return func(c *ToolCache) { c.audit = a }
}

// WithRefreshTimeout bounds one discovery pass.
func WithRefreshTimeout(d time.Duration) ToolCacheOption {
	return func(c *ToolCache) { c.refreshTimeout = d }
}

// ToolCache is the time-windowed tool registry shared by every run.
// It implements domain.ToolRegistry.
type ToolCache struct {
	discoverer     ToolDiscoverer
	addrs          []string
	ttl            time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	bus            domain.EventBus
	audit          domain.AuditLogger

	mu    sync.RWMutex
	snap  *toolSnapshot
	group singleflight.Group
}

// NewToolCache creates an empty cache; the first read runs discovery.
func NewToolCache(d ToolDiscoverer, addrs []string, ttl time.Duration, logger *slog.Logger, opts ...ToolCacheOption) *ToolCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &ToolCache{
		discoverer:     d,
		addrs:          slices.Clone(addrs),
		ttl:            ttl,
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
		logger:         logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get is Tools under the name the rest of the system uses for the cache.
func (c *ToolCache) Get(ctx context.Context, forceRefresh bool) ([]domain.ToolDescriptor, error) {
	return c.Tools(ctx, forceRefresh)
}

// Tools returns the cached descriptors, running discovery first when the
// cache is empty, older than the TTL, or forceRefresh is set. Concurrent
// refreshes collapse into one discovery pass. An empty result is cached
// like any other.
func (c *ToolCache) Tools(ctx context.Context, forceRefresh bool) ([]domain.ToolDescriptor, error) {
	if !forceRefresh {
		if snap := c.fresh(); snap != nil {
			return slices.Clone(snap.tools), nil
		}
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		// The pass outlives any single caller so joiners are not failed
		// by the first caller's cancellation.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		return c.refresh(rctx), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		snap := res.Val.(*toolSnapshot)
		return slices.Clone(snap.tools), nil
	}
}

// Lookup resolves a unique tool name against the current snapshot only.
func (c *ToolCache) Lookup(name string) (domain.ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return domain.ToolDescriptor{}, false
	}
	t, ok := c.snap.byName[name]
	return t, ok
}

// Snapshot reports the current cache contents without refreshing.
func (c *ToolCache) Snapshot() CacheSnapshot {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap == nil {
		return CacheSnapshot{Tools: []domain.ToolDescriptor{}, Stale: true}
	}
	return CacheSnapshot{
		Tools:       slices.Clone(snap.tools),
		Backends:    slices.Clone(snap.backends),
		RefreshedAt: snap.refreshedAt,
		Stale:       c.now().Sub(snap.refreshedAt) >= c.ttl,
	}
}

// Refresh forces a discovery pass; scheduled jobs call it.
func (c *ToolCache) Refresh(ctx context.Context) error {
	_, err := c.Tools(ctx, true)
	return err
}

func (c *ToolCache) fresh() *toolSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil || c.now().Sub(c.snap.refreshedAt) >= c.ttl {
		return nil
	}
	return c.snap
}

func (c *ToolCache) refresh(ctx context.Context) *toolSnapshot {
	start := c.now()
	tools, _, backends := c.discoverer.DiscoverWithStatus(ctx, c.addrs)

	byName := make(map[string]domain.ToolDescriptor, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	if tools == nil {
		tools = []domain.ToolDescriptor{}
	}
	snap := &toolSnapshot{
		tools:       tools,
		byName:      byName,
		backends:    backends,
		refreshedAt: c.now(),
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	healthy := 0
	for _, b := range backends {
		if b.Healthy {
			healthy++
		}
	}
	c.logger.Info("tool cache refreshed",
		"tools", len(tools),
		"backends", len(backends),
		"healthy", healthy,
		"duration", c.now().Sub(start))

	publishEvent(c.bus, ctx, domain.EventToolsRefreshed, "", map[string]int{
		"tools":    len(tools),
		"backends": len(backends),
		"healthy":  healthy,
	})
	if c.audit != nil {
		err := c.audit.Log(ctx, domain.AuditEvent{
			Timestamp: c.now(),
			Type:      domain.AuditDiscovery,
			Outcome:   "ok",
			Detail: map[string]string{
				"tools":    itoa(len(tools)),
				"backends": itoa(len(backends)),
				"healthy":  itoa(healthy),
			},
		})
		if err != nil {
			c.logger.Debug("audit write failed", "type", domain.AuditDiscovery, "error", err)
		}
	}
	return snap
}

var _ domain.ToolRegistry = (*ToolCache)(nil)

package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/dialect"
	"github.com/lumen-bi/lumen-engine/pkg/logging"
	"github.com/lumen-bi/lumen-engine/pkg/models"
)

const (
	DefaultConnectionTTLMinutes = 5
	DefaultCleanupInterval      = 1 * time.Minute
	DefaultConnectTimeout       = 10 * time.Second
	DefaultPoolMaxConns         = 10
	DefaultPoolMinConns         = 1

	healthCheckTimeout = 5 * time.Second
)

// ErrConnectionFailed is returned when a pool cannot be created or probed.
var ErrConnectionFailed = errors.New("datasource connection failed")

// RegistryConfig holds configuration for the connection registry.
type RegistryConfig struct {
	TTLMinutes     int
	PoolMaxConns   int32
	PoolMinConns   int32
	ConnectTimeout time.Duration
}

// openPoolFunc opens a pool for a client config. Swappable in tests.
type openPoolFunc func(ctx context.Context, cc *dialect.ClientConfig, opts PoolOptions) (Pool, error)

// Registry manages at most one live connection pool per datasource, with
// health probing on acquire, TTL-based reaping of idle pools, and per-id
// serialization of pool creation.
type Registry struct {
	mu       sync.RWMutex
	pools    map[uuid.UUID]*managedPool
	ttl      time.Duration
	poolOpts PoolOptions
	connectT time.Duration
	open     openPoolFunc
	stopped  bool
	stopChan chan struct{}
	logger   *zap.Logger
}

// managedPool holds one datasource's pool. The per-entry mutex serializes
// creation and probing for a single datasource without blocking others.
type managedPool struct {
	mu       sync.Mutex
	pool     Pool
	lastUsed time.Time
	removed  bool // set by Invalidate; acquirers holding a stale entry must restart
}

// NewRegistry creates a connection registry with the given configuration.
// Starts a background cleanup goroutine that runs until Shutdown() is called.
func NewRegistry(cfg RegistryConfig, logger *zap.Logger) *Registry {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultConnectionTTLMinutes
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}
	if cfg.PoolMinConns <= 0 {
		cfg.PoolMinConns = DefaultPoolMinConns
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	ttl := time.Duration(cfg.TTLMinutes) * time.Minute
	r := &Registry{
		pools: make(map[uuid.UUID]*managedPool),
		ttl:   ttl,
		poolOpts: PoolOptions{
			MaxConns:    cfg.PoolMaxConns,
			MinConns:    cfg.PoolMinConns,
			MaxIdleTime: ttl,
		},
		connectT: cfg.ConnectTimeout,
		open:     openPool,
		stopChan: make(chan struct{}),
		logger:   logger,
	}

	go r.cleanupExpiredPools()
	return r
}

// Acquire returns the live pool for the datasource, creating one if needed.
// An existing pool is health-probed first; an unhealthy pool is closed and
// replaced. Creation for one datasource never blocks other datasources.
func (r *Registry) Acquire(ctx context.Context, id uuid.UUID, engine string, config map[string]any) (Pool, error) {
	for {
		entry := r.entryFor(id)

		entry.mu.Lock()
		if entry.removed {
			// Lost a race with Invalidate; start over with a fresh entry.
			entry.mu.Unlock()
			continue
		}

		if entry.pool != nil {
			// Single probe: a dead pool is replaced once, never retried in
			// a loop the caller cannot see.
			healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := entry.pool.Ping(healthCtx)
			cancel()

			if err == nil {
				entry.lastUsed = time.Now()
				pool := entry.pool
				entry.mu.Unlock()
				return pool, nil
			}

			r.logger.Warn("datasource pool unhealthy, recreating",
				zap.String("datasourceID", id.String()),
				zap.String("error", logging.SanitizeError(err)),
			)
			entry.pool.Close()
			entry.pool = nil
		}

		pool, err := r.createPool(ctx, id, engine, config)
		if err != nil {
			entry.mu.Unlock()
			return nil, err
		}

		entry.pool = pool
		entry.lastUsed = time.Now()
		entry.mu.Unlock()
		return pool, nil
	}
}

// entryFor returns the managed entry for the datasource, creating it if absent.
func (r *Registry) entryFor(id uuid.UUID) *managedPool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pools[id]
	if !ok {
		entry = &managedPool{}
		r.pools[id] = entry
	}
	return entry
}

// createPool builds the client config and opens a pool. Exactly one connect
// attempt is made; callers decide whether and when to try again.
// Caller holds the entry lock for this datasource.
func (r *Registry) createPool(ctx context.Context, id uuid.UUID, engine string, config map[string]any) (Pool, error) {
	cc, err := dialect.BuildClientConfig(engine, config)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, r.connectT)
	defer cancel()

	pool, err := r.open(connectCtx, cc, r.poolOpts)
	if err != nil {
		r.logger.Error("failed to create datasource pool",
			zap.String("datasourceID", id.String()),
			zap.String("engine", engine),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("%w: %s", ErrConnectionFailed, logging.SanitizeError(err))
	}

	r.logger.Info("created datasource pool",
		zap.String("datasourceID", id.String()),
		zap.String("engine", engine),
	)
	return pool, nil
}

// Invalidate closes and removes the datasource's pool if one exists.
// Safe to call for unknown ids and safe to call repeatedly.
func (r *Registry) Invalidate(id uuid.UUID) {
	r.mu.Lock()
	entry, ok := r.pools[id]
	if ok {
		delete(r.pools, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	entry.removed = true
	if entry.pool != nil {
		entry.pool.Close()
		entry.pool = nil
	}
	entry.mu.Unlock()

	r.logger.Debug("invalidated datasource pool",
		zap.String("datasourceID", id.String()),
	)
}

// TestConnection probes connectivity for the given engine and config without
// registering a pool. Connection failures are reported in the result, not as
// an error; the error return is reserved for invalid input.
func (r *Registry) TestConnection(ctx context.Context, engine string, config map[string]any) (*models.ConnectionTestResult, error) {
	cc, err := dialect.BuildClientConfig(engine, config)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, r.connectT)
	defer cancel()

	start := time.Now()
	pool, err := r.open(connectCtx, cc, PoolOptions{MaxConns: 1, MinConns: 0, MaxIdleTime: r.ttl})
	if err != nil {
		return &models.ConnectionTestResult{
			Success:   false,
			Message:   logging.SanitizeError(err),
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}
	defer pool.Close()

	if err := pool.Ping(connectCtx); err != nil {
		return &models.ConnectionTestResult{
			Success:   false,
			Message:   logging.SanitizeError(err),
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}

	return &models.ConnectionTestResult{
		Success:   true,
		Message:   "connection successful",
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// cleanupExpiredPools runs periodically to remove idle pools.
// Runs in a background goroutine until stopChan is closed.
func (r *Registry) cleanupExpiredPools() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.performCleanup()
		case <-r.stopChan:
			return
		}
	}
}

// performCleanup removes pools that have been idle beyond the TTL. The
// registry lock is only held to snapshot and unlink entries, never while an
// entry lock is taken: an entry stuck in a slow pool creation must not stall
// acquires for unrelated datasources.
func (r *Registry) performCleanup() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	type candidate struct {
		id    uuid.UUID
		entry *managedPool
	}
	snapshot := make([]candidate, 0, len(r.pools))
	for id, entry := range r.pools {
		snapshot = append(snapshot, candidate{id: id, entry: entry})
	}
	r.mu.Unlock()

	now := time.Now()
	reaped := 0

	for _, c := range snapshot {
		c.entry.mu.Lock()
		expired := c.entry.pool != nil && now.Sub(c.entry.lastUsed) > r.ttl
		if !expired && c.entry.pool != nil {
			c.entry.mu.Unlock()
			continue
		}
		c.entry.removed = true
		if c.entry.pool != nil {
			c.entry.pool.Close()
			c.entry.pool = nil
		}
		c.entry.mu.Unlock()

		r.mu.Lock()
		// Racing acquires may have replaced the entry; only unlink ours.
		if cur, ok := r.pools[c.id]; ok && cur == c.entry {
			delete(r.pools, c.id)
		}
		r.mu.Unlock()
		if expired {
			reaped++
		}
	}

	if reaped > 0 {
		r.logger.Info("reaped idle datasource pools",
			zap.Int("count", reaped),
		)
	}
}

// Shutdown closes all pools and stops the cleanup goroutine.
// This method is idempotent and safe to call multiple times.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil
	}

	r.stopped = true
	close(r.stopChan)

	for _, entry := range r.pools {
		entry.mu.Lock()
		entry.removed = true
		if entry.pool != nil {
			entry.pool.Close()
			entry.pool = nil
		}
		entry.mu.Unlock()
	}

	r.pools = make(map[uuid.UUID]*managedPool)
	r.logger.Info("connection registry closed")
	return nil
}

// Stats returns statistics about the registry state. Safe to call concurrently.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	stats := RegistryStats{
		TotalPools:        len(r.pools),
		TTLMinutes:        int(r.ttl.Minutes()),
		PoolsByEngine:     make(map[string]int),
		OldestIdleSeconds: 0,
	}

	for _, entry := range r.pools {
		entry.mu.Lock()
		if entry.pool != nil {
			stats.PoolsByEngine[string(entry.pool.Engine())]++
			idleSeconds := int(now.Sub(entry.lastUsed).Seconds())
			if idleSeconds > stats.OldestIdleSeconds {
				stats.OldestIdleSeconds = idleSeconds
			}
		}
		entry.mu.Unlock()
	}

	return stats
}

// RegistryStats contains statistics about the registry state.
type RegistryStats struct {
	TotalPools        int            `json:"total_pools"`
	TTLMinutes        int            `json:"ttl_minutes"`
	PoolsByEngine     map[string]int `json:"pools_by_engine"`
	OldestIdleSeconds int            `json:"oldest_idle_seconds"`
}

package ingestion

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/clasak/compassiq/internal/repositories"
	"github.com/clasak/compassiq/pkg/fieldmapping"
	"github.com/clasak/compassiq/pkg/metrics"
)

// MappingCache caches compiled field mappings per (tenant, connection, target). Absent and
// invalid mappings are cached as nil so a missing configuration does not hit storage on every
// event.
type MappingCache struct {
	cache   map[string]*cacheEntry
	mu      sync.RWMutex
	repo    repositories.FieldMappingRepo
	logger  ectologger.Logger
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	mapping   *fieldmapping.Mapping
	reason    fieldmapping.SkipReason
	expiresAt time.Time
}

// MappingCacheConfig configures the mapping cache. A zero TTL disables caching.
type MappingCacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

// DefaultMappingCacheConfig returns sensible defaults
func DefaultMappingCacheConfig() MappingCacheConfig {
	return MappingCacheConfig{
		MaxSize: 1000,
		TTL:     time.Minute,
	}
}

// NewMappingCache creates a new mapping cache
func NewMappingCache(repo repositories.FieldMappingRepo, config MappingCacheConfig, logger ectologger.Logger) *MappingCache {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMappingCacheConfig().MaxSize
	}
	return &MappingCache{
		cache:   make(map[string]*cacheEntry),
		repo:    repo,
		logger:  logger,
		maxSize: config.MaxSize,
		ttl:     config.TTL,
		now:     time.Now,
	}
}

func cacheKey(tenantID, connectionID uuid.UUID, target string) string {
	return fmt.Sprintf("%s:%s:%s", tenantID, connectionID, target)
}

// Get returns the compiled active mapping, or nil with the reason no mapping applies.
// Only storage failures are returned as errors.
func (c *MappingCache) Get(ctx context.Context, tenantID, connectionID uuid.UUID, target string) (*fieldmapping.Mapping, fieldmapping.SkipReason, error) {
	key := cacheKey(tenantID, connectionID, target)

	c.mu.RLock()
	entry, exists := c.cache[key]
	c.mu.RUnlock()

	if exists && c.now().Before(entry.expiresAt) {
		metrics.RecordMappingCacheLookup(true)
		return entry.mapping, entry.reason, nil
	}
	metrics.RecordMappingCacheLookup(false)

	entry, err := c.load(ctx, tenantID, connectionID, target)
	if err != nil {
		return nil, fieldmapping.SkipNone, err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		if len(c.cache) >= c.maxSize {
			c.evictHalf()
		}
		c.cache[key] = entry
		c.mu.Unlock()
	}

	return entry.mapping, entry.reason, nil
}

func (c *MappingCache) load(ctx context.Context, tenantID, connectionID uuid.UUID, target string) (*cacheEntry, error) {
	entry := &cacheEntry{expiresAt: c.now().Add(c.ttl)}
	fields := map[string]any{
		"tenant_id":     tenantID,
		"connection_id": connectionID,
		"target":        target,
	}

	fm, err := c.repo.GetActive(ctx, tenantID, connectionID, target)
	switch {
	case repositories.IsNotFound(err):
		entry.reason = fieldmapping.SkipNoMapping
		return entry, nil
	case httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusUnprocessableEntity:
		entry.reason = fieldmapping.SkipInvalidMapping
		return entry, nil
	case err != nil:
		return nil, err
	}

	compiled, err := fieldmapping.CompileFieldMapping(*fm)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(fields).Warn("active field mapping does not compile")
		entry.reason = fieldmapping.SkipInvalidMapping
		return entry, nil
	}

	entry.mapping = compiled
	return entry, nil
}

// evictHalf removes half the cache entries (must be called with lock held)
func (c *MappingCache) evictHalf() {
	count := 0
	target := len(c.cache) / 2
	for key := range c.cache {
		delete(c.cache, key)
		count++
		if count >= target {
			break
		}
	}
}

// Invalidate removes a specific mapping from the cache
func (c *MappingCache) Invalidate(tenantID, connectionID uuid.UUID, target string) {
	c.mu.Lock()
	delete(c.cache, cacheKey(tenantID, connectionID, target))
	c.mu.Unlock()
}

// Len returns the number of cached entries
func (c *MappingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

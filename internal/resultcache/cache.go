// Package resultcache maps (content digest, output format) to a converted
// artifact kept in a cache-owned directory.
//
// The shared index lives in Redis; a small in-process ttlcache tier in front
// of it saves a round trip for repeated lookups. Every failure of either tier
// degrades to a miss on lookup and to a logged no-op on store.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaSui01/convertflow/internal/cache"
	"github.com/BaSui01/convertflow/internal/digest"
	"github.com/BaSui01/convertflow/internal/pool"
	"github.com/BaSui01/convertflow/types"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// Tier labels used for hit/miss metrics.
const (
	TierLocal  = "result_local"
	TierShared = "result_shared"
)

// KV is the shared index. *cache.Manager implements it.
type KV interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Observer receives cache events. *metrics.Collector implements it.
type Observer interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Entry is the published value of a cache key.
type Entry struct {
	Path      string       `json:"path"`
	Format    types.Format `json:"format"`
	Size      int64        `json:"size"`
	StoredAt  time.Time    `json:"stored_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Config configures a Cache.
type Config struct {
	// Dir holds the cached artifacts.
	Dir string
	// KeyPrefix namespaces index keys; defaults to "conversion".
	KeyPrefix string
	// TTL is used when Store is called with a zero ttl.
	TTL time.Duration
	// LocalCapacity bounds the in-process tier; zero disables it.
	LocalCapacity uint64
	// LocalTTL caps how long the in-process tier trusts an entry.
	LocalTTL time.Duration
}

// Cache is the result cache.
type Cache struct {
	kv       KV
	config   Config
	local    *ttlcache.Cache[string, Entry]
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// New creates the cache directory and the cache.
func New(kv KV, config Config, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Dir == "" {
		return nil, errors.New("resultcache: artifact dir is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "conversion"
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.LocalTTL <= 0 {
		config.LocalTTL = 30 * time.Second
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("resultcache: create dir: %w", err)
	}

	c := &Cache{
		kv:     kv,
		config: config,
		logger: logger.With(zap.String("component", "result_cache")),
		now:    time.Now,
	}
	if config.LocalCapacity > 0 {
		c.local = ttlcache.New[string, Entry](
			ttlcache.WithTTL[string, Entry](config.LocalTTL),
			ttlcache.WithCapacity[string, Entry](config.LocalCapacity),
			// 命中不续期，本地层最多比共享层多信任 LocalTTL
			ttlcache.WithDisableTouchOnHit[string, Entry](),
		)
		go c.local.Start()
	}
	return c, nil
}

// WithObserver attaches a metrics observer.
func (c *Cache) WithObserver(o Observer) *Cache {
	c.observer = o
	return c
}

// Dir returns the artifact directory.
func (c *Cache) Dir() string { return c.config.Dir }

// Key is the index key for a digest and output format.
func (c *Cache) Key(d digest.Digest, f types.Format) string {
	return c.config.KeyPrefix + ":" + string(d) + ":" + string(f)
}

// Lookup returns the entry for (d, f) when it is present, unexpired and its
// artifact still exists. Any failure is reported as a miss.
func (c *Cache) Lookup(ctx context.Context, d digest.Digest, f types.Format) (*Entry, bool) {
	key := c.Key(d, f)

	if c.local != nil {
		if item := c.local.Get(key); item != nil {
			entry := item.Value()
			if c.usable(&entry) {
				c.hit(TierLocal)
				return &entry, true
			}
			c.local.Delete(key)
		}
		c.miss(TierLocal)
	}

	var entry Entry
	if err := c.kv.GetJSON(ctx, key, &entry); err != nil {
		if !cache.IsCacheMiss(err) {
			c.logger.Warn("cache lookup failed, treating as miss",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		c.miss(TierShared)
		return nil, false
	}

	if !c.usable(&entry) {
		c.logger.Debug("cache entry unusable",
			zap.String("key", key),
			zap.String("path", entry.Path),
			zap.Time("expires_at", entry.ExpiresAt),
		)
		c.miss(TierShared)
		return nil, false
	}

	c.hit(TierShared)
	c.remember(key, entry)
	return &entry, true
}

// usable checks expiry and that the artifact is on disk with the recorded size.
func (c *Cache) usable(e *Entry) bool {
	if e.Path == "" || !c.now().Before(e.ExpiresAt) {
		return false
	}
	info, err := os.Stat(e.Path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() == e.Size
}

// Store copies the artifact at outputPath into the cache directory and then
// publishes the index entry. The file is complete before the key is visible.
// Errors are logged and returned for the caller's bookkeeping only.
func (c *Cache) Store(ctx context.Context, d digest.Digest, inputPath, outputPath string, f types.Format, ttl time.Duration) (*Entry, error) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	key := c.Key(d, f)
	dst := filepath.Join(c.config.Dir, string(d)+"."+string(f))

	size, err := copyAtomic(outputPath, dst)
	if err != nil {
		c.logger.Warn("failed to copy artifact into cache",
			zap.String("key", key),
			zap.String("input", inputPath),
			zap.Error(err),
		)
		return nil, err
	}

	now := c.now()
	entry := Entry{
		Path:      dst,
		Format:    f,
		Size:      size,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.kv.SetJSON(ctx, key, entry, ttl); err != nil {
		c.logger.Warn("failed to publish cache entry",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, err
	}

	c.remember(key, entry)
	c.logger.Debug("cached conversion result",
		zap.String("key", key),
		zap.Int64("size", size),
		zap.Duration("ttl", ttl),
	)
	return &entry, nil
}

// Invalidate removes the index entry for (d, f). The artifact file is left
// for the janitor.
func (c *Cache) Invalidate(ctx context.Context, d digest.Digest, f types.Format) error {
	key := c.Key(d, f)
	if c.local != nil {
		c.local.Delete(key)
	}
	return c.kv.Delete(ctx, key)
}

// Open opens the artifact of an entry for streaming.
func (c *Cache) Open(e *Entry) (*os.File, error) {
	return os.Open(e.Path)
}

// Close stops the in-process tier.
func (c *Cache) Close() {
	if c.local != nil {
		c.local.Stop()
	}
}

func (c *Cache) remember(key string, e Entry) {
	if c.local == nil {
		return
	}
	ttl := c.config.LocalTTL
	if remaining := e.ExpiresAt.Sub(c.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl > 0 {
		c.local.Set(key, e, ttl)
	}
}

func (c *Cache) hit(tier string) {
	if c.observer != nil {
		c.observer.RecordCacheHit(tier)
	}
}

func (c *Cache) miss(tier string) {
	if c.observer != nil {
		c.observer.RecordCacheMiss(tier)
	}
}

const tmpPrefix = ".tmp-"

// copyAtomic copies src to dst through a temp file in dst's directory and
// renames it into place.
func copyAtomic(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), tmpPrefix+filepath.Base(dst)+"-")
	if err != nil {
		return 0, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := pool.Chunks.Copy(tmp, in)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return 0, fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, fmt.Errorf("publish artifact: %w", err)
	}
	committed = true
	return n, nil
}

func isTempArtifact(name string) bool {
	return strings.HasPrefix(name, tmpPrefix)
}

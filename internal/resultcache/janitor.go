package resultcache

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// tempGrace is how long an unfinished temp artifact may live before the
// janitor treats it as abandoned.
const tempGrace = 15 * time.Minute

// Sweep removes artifacts older than the cache TTL, plus temp files left by
// interrupted stores. An index entry that still points at a removed file is
// seen as a miss by Lookup.
func (c *Cache) Sweep() (int, error) {
	entries, err := os.ReadDir(c.config.Dir)
	if err != nil {
		return 0, err
	}

	now := c.now()
	removed := 0
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		maxAge := c.config.TTL
		if isTempArtifact(de.Name()) {
			maxAge = tempGrace
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		path := filepath.Join(c.config.Dir, de.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove expired artifact", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// RunJanitor sweeps every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep()
			if err != nil {
				c.logger.Warn("cache janitor sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				c.logger.Info("cache janitor removed expired artifacts", zap.Int("removed", n))
			}
		}
	}
}

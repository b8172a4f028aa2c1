package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryLimiter keeps the sliding-window log in process. It is used when no
// shared store is configured, and only limits per instance.
type MemoryLimiter struct {
	config Config
	now    Clock
	logger *zap.Logger

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	stamps   []time.Time
	lastSeen time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(config Config, logger *zap.Logger) *MemoryLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLimiter{
		config:  config,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "rate_limiter")),
		windows: make(map[string]*window),
	}
}

// WithClock overrides the time source.
func (l *MemoryLimiter) WithClock(c Clock) *MemoryLimiter {
	l.now = c
	return l
}

// Admit checks and records one request for clientID.
func (l *MemoryLimiter) Admit(_ context.Context, clientID string) Decision {
	now := l.now()
	cutoff := now.Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[clientID]
	if !ok {
		w = &window{}
		l.windows[clientID] = w
	}
	w.lastSeen = now

	// 时间戳按插入顺序递增，找到第一个仍在窗口内的位置即可
	keep := 0
	for keep < len(w.stamps) && !w.stamps[keep].After(cutoff) {
		keep++
	}
	w.stamps = w.stamps[keep:]

	if len(w.stamps) >= l.config.Requests {
		retry := w.stamps[0].Add(l.config.Window).Sub(now)
		return Decision{Allowed: false, Count: len(w.stamps), Limit: l.config.Requests, RetryAfter: retry}
	}

	w.stamps = append(w.stamps, now)
	return Decision{Allowed: true, Count: len(w.stamps), Limit: l.config.Requests}
}

// Sweep drops windows unused for longer than the window duration.
func (l *MemoryLimiter) Sweep() int {
	cutoff := l.now().Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.windows {
		if !w.lastSeen.After(cutoff) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run sweeps idle windows every interval until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept idle rate limit windows", zap.Int("removed", n))
			}
		}
	}
}

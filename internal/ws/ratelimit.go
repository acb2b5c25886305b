package ws

import "time"

// DefaultRateLimit is the per-window message ceiling for connections that
// are not subscribed to any channel.
const DefaultRateLimit = 100

// rateLimiter is a fixed-window message counter. It is owned by the
// connection's read loop and needs no synchronization of its own: the
// counter resets exactly once per elapsed window, never retroactively.
type rateLimiter struct {
	count   int
	resetAt time.Time
}

// allow counts one message against the current window and reports whether
// it stays within limit. A fresh window starts the first time allow is
// called after resetAt has passed.
func (r *rateLimiter) allow(limit int, window time.Duration, now time.Time) bool {
	if now.After(r.resetAt) {
		r.count = 0
		r.resetAt = now.Add(window)
	}
	r.count++
	return r.count <= limit
}

// effectiveRateLimit resolves the ceiling for a connection: the minimum
// rate_limit_per_minute across every channel it subscribes to, or the
// default when it subscribes to none.
func (m *Manager) effectiveRateLimit(c *Connection) int {
	limit := m.opts.DefaultRateLimit

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range c.Channels() {
		if ch, ok := m.channels[name]; ok && ch.RateLimitPerMinute < limit {
			limit = ch.RateLimitPerMinute
		}
	}
	return limit
}

package ws

import "time"

// runHeartbeatMonitor sweeps for dead connections once per ping interval.
// The write pumps send the protocol pings; a connection whose last pong is
// older than ping_interval + pong_timeout is evicted through cleanup.
func (m *Manager) runHeartbeatMonitor() {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepStale(time.Now())
		case <-m.ctx.Done():
			return
		}
	}
}

// sweepStale evicts every connection that missed its heartbeat deadline.
func (m *Manager) sweepStale(now time.Time) {
	threshold := now.Add(-(m.opts.PingInterval + m.opts.PongTimeout))

	m.mu.RLock()
	var dead []*Connection
	for _, c := range m.conns {
		if time.Unix(0, c.lastPong.Load()).Before(threshold) {
			dead = append(dead, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range dead {
		m.logger.Info("heartbeat timeout", "connID", c.id, "userID", c.UserID())
		m.cleanup(c, StateDisconnected, "heartbeat timeout")
	}
}

// runJanitor periodically expires replay entries past retention.
func (m *Manager) runJanitor() {
	ticker := time.NewTicker(m.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepReplay(time.Now())
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepReplay(now time.Time) {
	cutoff := now.Add(-m.opts.ReplayRetention)

	m.mu.Lock()
	for _, buf := range m.replay {
		buf.expireBefore(cutoff)
	}
	m.mu.Unlock()
}

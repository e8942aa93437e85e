// Package metrics provides lightweight in-process monitoring for the
// database pools and request latencies.
package metrics

import (
	"database/sql"
	"sync"
	"time"
)

// DBPoolStats is a snapshot of a sql.DB connection pool.
type DBPoolStats struct {
	OpenConnections    int   `json:"open_connections"`
	InUse              int   `json:"in_use"`
	Idle               int   `json:"idle"`
	MaxOpenConnections int   `json:"max_open_connections"`
	WaitCount          int64 `json:"wait_count"`
	WaitDurationMs     int64 `json:"wait_duration_ms"`
	MaxIdleClosed      int64 `json:"max_idle_closed"`
	MaxLifetimeClosed  int64 `json:"max_lifetime_closed"`
}

func snapshotPool(db *sql.DB) DBPoolStats {
	if db == nil {
		return DBPoolStats{}
	}
	s := db.Stats()
	return DBPoolStats{
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		MaxOpenConnections: s.MaxOpenConnections,
		WaitCount:          s.WaitCount,
		WaitDurationMs:     s.WaitDuration.Milliseconds(),
		MaxIdleClosed:      s.MaxIdleClosed,
		MaxLifetimeClosed:  s.MaxLifetimeClosed,
	}
}

// Saturated reports whether the pool is close to its connection limit or
// callers are queuing for a connection.
func (s DBPoolStats) Saturated() bool {
	if s.MaxOpenConnections == 0 {
		return false
	}
	utilization := float64(s.InUse) / float64(s.MaxOpenConnections)
	return utilization >= 0.9 || (s.WaitCount > 0 && s.WaitDurationMs > 5*int64(time.Second/time.Millisecond))
}

// PoolMonitor tracks registered connection pools by name.
type PoolMonitor struct {
	mu    sync.RWMutex
	pools map[string]*sql.DB
}

func NewPoolMonitor() *PoolMonitor {
	return &PoolMonitor{pools: make(map[string]*sql.DB)}
}

func (m *PoolMonitor) Register(name string, db *sql.DB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[name] = db
}

func (m *PoolMonitor) Stats(name string) (DBPoolStats, bool) {
	m.mu.RLock()
	db, ok := m.pools[name]
	m.mu.RUnlock()
	if !ok {
		return DBPoolStats{}, false
	}
	return snapshotPool(db), true
}

func (m *PoolMonitor) AllStats() map[string]DBPoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]DBPoolStats, len(m.pools))
	for name, db := range m.pools {
		result[name] = snapshotPool(db)
	}
	return result
}

var (
	globalPoolMonitor     *PoolMonitor
	globalPoolMonitorOnce sync.Once
)

func globalMonitor() *PoolMonitor {
	globalPoolMonitorOnce.Do(func() {
		globalPoolMonitor = NewPoolMonitor()
	})
	return globalPoolMonitor
}

// RegisterPool registers a pool with the process-wide monitor.
func RegisterPool(name string, db *sql.DB) {
	globalMonitor().Register(name, db)
}

// GetAllPoolStats snapshots every registered pool.
func GetAllPoolStats() map[string]DBPoolStats {
	return globalMonitor().AllStats()
}

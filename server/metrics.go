package server

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics counts websocket traffic. All methods are safe for concurrent use.
type Metrics struct {
	activeConnections int64
	totalConnections  int64

	messagesReceived int64
	messagesSent     int64
	messagesDropped  int64
	lastMessageTime  int64 // unix seconds

	connectionErrors    int64
	broadcastErrors     int64
	rateLimitViolations int64

	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncrementConnections() {
	atomic.AddInt64(&m.activeConnections, 1)
	atomic.AddInt64(&m.totalConnections, 1)
}

func (m *Metrics) DecrementConnections() {
	atomic.AddInt64(&m.activeConnections, -1)
}

func (m *Metrics) IncrementMessagesReceived() {
	atomic.AddInt64(&m.messagesReceived, 1)
	atomic.StoreInt64(&m.lastMessageTime, time.Now().Unix())
}

func (m *Metrics) IncrementMessagesSent() { atomic.AddInt64(&m.messagesSent, 1) }
func (m *Metrics) IncrementMessagesDropped() { atomic.AddInt64(&m.messagesDropped, 1) }
func (m *Metrics) IncrementConnectionErrors() { atomic.AddInt64(&m.connectionErrors, 1) }
func (m *Metrics) IncrementBroadcastErrors() { atomic.AddInt64(&m.broadcastErrors, 1) }
func (m *Metrics) IncrementRateLimitViolations() { atomic.AddInt64(&m.rateLimitViolations, 1) }

type MetricsSnapshot struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`

	MessagesReceived  int64   `json:"messages_received"`
	MessagesSent      int64   `json:"messages_sent"`
	MessagesDropped   int64   `json:"messages_dropped"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	LastMessageTime   string  `json:"last_message_time"`

	ConnectionErrors    int64 `json:"connection_errors"`
	BroadcastErrors     int64 `json:"broadcast_errors"`
	RateLimitViolations int64 `json:"rate_limit_violations"`

	UptimeSeconds int64  `json:"uptime_seconds"`
	MemoryUsageMB uint64 `json:"memory_usage_mb"`
	NumGoroutines int    `json:"num_goroutines"`
	HealthStatus  string `json:"health_status"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.startTime)
	var perSec float64
	if s := uptime.Seconds(); s > 0 {
		perSec = float64(atomic.LoadInt64(&m.messagesReceived)) / s
	}
	last := "never"
	if ts := atomic.LoadInt64(&m.lastMessageTime); ts > 0 {
		last = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	return MetricsSnapshot{
		ActiveConnections:   atomic.LoadInt64(&m.activeConnections),
		TotalConnections:    atomic.LoadInt64(&m.totalConnections),
		MessagesReceived:    atomic.LoadInt64(&m.messagesReceived),
		MessagesSent:        atomic.LoadInt64(&m.messagesSent),
		MessagesDropped:     atomic.LoadInt64(&m.messagesDropped),
		MessagesPerSecond:   perSec,
		LastMessageTime:     last,
		ConnectionErrors:    atomic.LoadInt64(&m.connectionErrors),
		BroadcastErrors:     atomic.LoadInt64(&m.broadcastErrors),
		RateLimitViolations: atomic.LoadInt64(&m.rateLimitViolations),
		UptimeSeconds:       int64(uptime.Seconds()),
		MemoryUsageMB:       memStats.Alloc / 1024 / 1024,
		NumGoroutines:       runtime.NumGoroutine(),
		HealthStatus:        m.healthStatus(),
	}
}

func (m *Metrics) healthStatus() string {
	active := atomic.LoadInt64(&m.activeConnections)
	errs := atomic.LoadInt64(&m.connectionErrors) + atomic.LoadInt64(&m.broadcastErrors)
	switch {
	case active > MaxConnections*9/10:
		return "critical"
	case active > MaxConnections*8/10 || errs > 100:
		return "warning"
	default:
		return "healthy"
	}
}

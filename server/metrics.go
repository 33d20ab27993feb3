//go:build linux

package server

import (
	"ftpd/internal/chunk"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 是服务器导出的 Prometheus 指标. 采集器本身是并发安全的,
// /metrics 处理器可以在其他 goroutine 中读取它们.
type Metrics struct {
	sessions      prometheus.Gauge
	sessionsTotal prometheus.Counter
	listeners     prometheus.Gauge
	commands      *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
	authFailures  prometheus.Counter
	poolFree      prometheus.Gauge

	// pool 只在事件循环线程上读取
	pool *chunk.Pool
}

func newMetrics(reg prometheus.Registerer, pool *chunk.Pool) (*Metrics, error) {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpd",
			Name:      "sessions_active",
			Help:      "Number of open control connections.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "sessions_total",
			Help:      "Number of accepted control connections.",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpd",
			Name:      "listeners_active",
			Help:      "Number of listening sockets.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "commands_total",
			Help:      "Number of control commands received, by verb.",
		}, []string{"verb"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "transfers_total",
			Help:      "Number of finished data transfers, by kind and result.",
		}, []string{"kind", "result"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "transfer_bytes_total",
			Help:      "Bytes written to the data sink, by transfer kind.",
		}, []string{"kind"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "auth_failures_total",
			Help:      "Number of rejected PASS commands.",
		}),
		poolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpd",
			Name:      "chunk_pool_free",
			Help:      "Idle chunks in the transfer buffer pool, sampled when a transfer ends.",
		}),
		pool: pool,
	}
	for _, c := range []prometheus.Collector{
		m.sessions, m.sessionsTotal, m.listeners, m.commands,
		m.transfers, m.transferBytes, m.authFailures, m.poolFree,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	m.poolFree.Set(float64(pool.Len()))
	return m, nil
}

func (m *Metrics) observeTransfer(kind transferKind, result string, bytes int64) {
	m.transfers.WithLabelValues(kind.String(), result).Inc()
	if bytes > 0 {
		m.transferBytes.WithLabelValues(kind.String()).Add(float64(bytes))
	}
	m.poolFree.Set(float64(m.pool.Len()))
}

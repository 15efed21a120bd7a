package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "bridge_"

	resultSuccess = "success"
	resultError   = "error"

	disconnectEnd   = "end"
	disconnectError = "error"
)

var (
	registerOnce sync.Once

	longpollConnects    *prometheus.CounterVec
	longpollDisconnects *prometheus.CounterVec
	longpollBytes       *prometheus.CounterVec
	longpollConnected   *prometheus.GaugeVec
	longpollBackoff     *prometheus.HistogramVec

	decodeTotal   *prometheus.CounterVec
	debounceTotal *prometheus.CounterVec
	sinkErrors    *prometheus.CounterVec

	commandsTotal   *prometheus.CounterVec
	commandsLatency *prometheus.HistogramVec

	reloadTotal *prometheus.CounterVec
	syncActive  prometheus.Gauge
)

// Init registers bridge metrics and, when db is set, DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		longpollConnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "longpoll_connects_total",
				Help: "Total longpoll connection attempts",
			},
			[]string{"base_url"},
		)
		longpollDisconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "longpoll_disconnects_total",
				Help: "Total longpoll sessions lost by reason",
			},
			[]string{"base_url", "reason"},
		)
		longpollBytes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "longpoll_bytes_total",
				Help: "Total bytes received on longpoll streams",
			},
			[]string{"base_url"},
		)
		longpollConnected = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "longpoll_connected",
				Help: "1 while a longpoll stream is open",
			},
			[]string{"base_url"},
		)
		longpollBackoff = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "longpoll_backoff_seconds",
				Help:    "Reconnect delay in seconds",
				Buckets: []float64{0, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"reason"},
		)

		decodeTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "decode_total",
				Help: "Total decoded lines by result",
			},
			[]string{"result"},
		)
		debounceTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "debounce_total",
				Help: "Total debounce decisions",
			},
			[]string{"decision"},
		)
		sinkErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sink_errors_total",
				Help: "Total sink delivery errors by operation",
			},
			[]string{"operation"},
		)

		commandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Total controller commands by result",
			},
			[]string{"result"},
		)
		commandsLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "commands_latency_seconds",
				Help:    "Controller command latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		reloadTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reload_total",
				Help: "Total device list reloads by result",
			},
			[]string{"result"},
		)
		syncActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "sync_active",
			Help: "1 while the downstream side accepts updates",
		})

		prometheus.MustRegister(
			longpollConnects,
			longpollDisconnects,
			longpollBytes,
			longpollConnected,
			longpollBackoff,
			decodeTotal,
			debounceTotal,
			sinkErrors,
			commandsTotal,
			commandsLatency,
			reloadTotal,
			syncActive,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncConnect counts a transition into Connecting.
func IncConnect(baseURL string) {
	if longpollConnects != nil {
		longpollConnects.WithLabelValues(baseURL).Inc()
	}
}

// ObserveDisconnect counts a lost session and its reconnect delay.
func ObserveDisconnect(baseURL string, transportError bool, delay time.Duration) {
	reason := disconnectEnd
	if transportError {
		reason = disconnectError
	}
	if longpollDisconnects != nil {
		longpollDisconnects.WithLabelValues(baseURL, reason).Inc()
	}
	if longpollBackoff != nil {
		longpollBackoff.WithLabelValues(reason).Observe(delay.Seconds())
	}
}

// AddBytes counts received stream bytes.
func AddBytes(baseURL string, n int) {
	if n <= 0 {
		return
	}
	if longpollBytes != nil {
		longpollBytes.WithLabelValues(baseURL).Add(float64(n))
	}
}

// SetConnected flags whether the stream for baseURL is open.
func SetConnected(baseURL string, connected bool) {
	if longpollConnected == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	longpollConnected.WithLabelValues(baseURL).Set(value)
}

// IncDecode counts one decoded line.
func IncDecode(result string) {
	if result == "" {
		result = "unknown"
	}
	if decodeTotal != nil {
		decodeTotal.WithLabelValues(result).Inc()
	}
}

// IncDebounce counts one debounce decision.
func IncDebounce(decision string) {
	if decision == "" {
		decision = "unknown"
	}
	if debounceTotal != nil {
		debounceTotal.WithLabelValues(decision).Inc()
	}
}

// IncSinkError counts a failed sink call.
func IncSinkError(operation string) {
	if operation == "" {
		operation = "unknown"
	}
	if sinkErrors != nil {
		sinkErrors.WithLabelValues(operation).Inc()
	}
}

// ObserveCommand records command latency and result.
func ObserveCommand(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if commandsTotal != nil {
		commandsTotal.WithLabelValues(result).Inc()
	}
	if commandsLatency != nil {
		commandsLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncReload counts a device list reload.
func IncReload(result string) {
	if result == "" {
		result = resultSuccess
	}
	if reloadTotal != nil {
		reloadTotal.WithLabelValues(result).Inc()
	}
}

// SetSyncActive records downstream readiness.
func SetSyncActive(active bool) {
	if syncActive == nil {
		return
	}
	if active {
		syncActive.Set(1)
		return
	}
	syncActive.Set(0)
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)

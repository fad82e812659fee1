// Package metrics defines the Prometheus collectors exported by any-repo.
//
// Collectors live on a dedicated registry owned by a Metrics value so that
// several runtimes (for example in tests) never collide on the global
// registry. All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/any-repo/internal/artifact"
)

const namespace = "anyrepo"

// Metrics 聚合引擎各组件的指标。
type Metrics struct {
	registry *prometheus.Registry

	repositoryOps    *prometheus.CounterVec
	proxyFetches     *prometheus.CounterVec
	proxyCache       *prometheus.CounterVec
	remoteCheckedOut *prometheus.GaugeVec
	lockWait         *prometheus.HistogramVec
	lockTimeouts     prometheus.Counter
	taskSubmissions  *prometheus.CounterVec
	tasksRunning     *prometheus.GaugeVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		repositoryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repository_operations_total",
			Help:      "Repository operations by repository, operation and outcome",
		}, []string{"repository", "operation", "outcome"}),
		proxyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_remote_fetches_total",
			Help:      "Remote fetches issued by proxy repositories",
		}, []string{"repository", "result"}),
		proxyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_cache_lookups_total",
			Help:      "Proxy cache lookups by result (fresh, stale, miss, negative)",
		}, []string{"repository", "result"}),
		remoteCheckedOut: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_connections_checked_out",
			Help:      "Remote connections currently checked out per host",
		}, []string{"host"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "path_lock_wait_seconds",
			Help:      "Time spent waiting for path locks",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}, []string{"mode"}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "path_lock_timeouts_total",
			Help:      "Path lock acquisitions that timed out",
		}),
		taskSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_submissions_total",
			Help:      "Task submissions by kind and outcome",
		}, []string{"kind", "outcome"}),
		tasksRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Background tasks currently running by kind",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.repositoryOps,
		m.proxyFetches,
		m.proxyCache,
		m.remoteCheckedOut,
		m.lockWait,
		m.lockTimeouts,
		m.taskSubmissions,
		m.tasksRunning,
	)
	return m
}

// Registry 暴露底层注册表，便于测试读取。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 端点。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation 记录一次仓库操作的结果。
func (m *Metrics) ObserveOperation(repo, op string, err error) {
	if m == nil {
		return
	}
	m.repositoryOps.WithLabelValues(repo, op, Outcome(err)).Inc()
}

// ObserveFetch 记录一次回源结果。
func (m *Metrics) ObserveFetch(repo string, err error) {
	if m == nil {
		return
	}
	m.proxyFetches.WithLabelValues(repo, Outcome(err)).Inc()
}

// ObserveCache 记录一次代理缓存查找结果。
func (m *Metrics) ObserveCache(repo, result string) {
	if m == nil {
		return
	}
	m.proxyCache.WithLabelValues(repo, result).Inc()
}

// SetCheckedOut 更新某主机已借出的连接数。
func (m *Metrics) SetCheckedOut(host string, n int) {
	if m == nil {
		return
	}
	m.remoteCheckedOut.WithLabelValues(host).Set(float64(n))
}

// ObserveLockWait 记录锁等待耗时，超时单独计数。
func (m *Metrics) ObserveLockWait(mode string, waited time.Duration, err error) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(mode).Observe(waited.Seconds())
	if errors.Is(err, artifact.ErrLockTimeout) {
		m.lockTimeouts.Inc()
	}
}

// ObserveSubmit 记录一次任务提交结果。
func (m *Metrics) ObserveSubmit(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "accepted"
	switch {
	case errors.Is(err, artifact.ErrConflictRejected):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	}
	m.taskSubmissions.WithLabelValues(kind, outcome).Inc()
}

// TaskStarted 与 TaskFinished 维护运行中任务数。
func (m *Metrics) TaskStarted(kind string) {
	if m == nil {
		return
	}
	m.tasksRunning.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskFinished(kind string) {
	if m == nil {
		return
	}
	m.tasksRunning.WithLabelValues(kind).Dec()
}

// Outcome 把错误归类为低基数的标签值。
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, artifact.ErrNotFound):
		return "not_found"
	case errors.Is(err, artifact.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, artifact.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, artifact.ErrRemoteUnavailable):
		return "remote_unavailable"
	case errors.Is(err, artifact.ErrCorruptHeader), errors.Is(err, artifact.ErrCorruptBlob):
		return "corrupt"
	case errors.Is(err, artifact.ErrUnsupported):
		return "unsupported"
	default:
		return "error"
	}
}

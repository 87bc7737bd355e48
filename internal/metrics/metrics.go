// Package metrics exposes Prometheus collectors for the fetch pipelines.
// Collectors are registered on the default registry at init time and served
// by the control server under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zero_fetch"

var (
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_started_total",
		Help:      "Fetch tasks that spawned a download",
	}, []string{"kind"})

	TasksMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_merged_total",
		Help:      "Fetch requests merged into an already running task",
	}, []string{"kind"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "Fetch tasks that finished, by result",
	}, []string{"kind", "result"})

	TasksInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_inflight",
		Help:      "Live fetch tasks",
	}, []string{"kind"})

	VerifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verify_failures_total",
		Help:      "Verification failures by reason (trust, size, checksum, member, parse)",
	}, []string{"reason"})

	DescriptorsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descriptors_written_total",
		Help:      "Directory descriptors atomically written",
	})

	FilesPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_promoted_total",
		Help:      "Verified files moved from staging into the cache tree",
	})
)

// Result 把错误折叠成 success/failure 标签值。
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	renderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docforge",
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "单个文档渲染耗时分布（秒）。",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"document_type", "result"},
	)

	bulkRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docforge",
			Subsystem: "bulk",
			Name:      "rows_total",
			Help:      "批量生成处理的行数。",
		},
		[]string{"result"},
	)

	bulkBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docforge",
			Subsystem: "bulk",
			Name:      "batches_total",
			Help:      "批次处理次数（applied/duplicate/abandoned）。",
		},
		[]string{"outcome"},
	)

	bulkDispatchFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docforge",
			Subsystem: "bulk",
			Name:      "dispatch_fallback_total",
			Help:      "队列投递失败后在进程内同步执行的批次数。",
		},
	)

	bulkFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docforge",
			Subsystem: "bulk",
			Name:      "jobs_finalized_total",
			Help:      "完成收尾的批量任务数，按最终状态区分。",
		},
		[]string{"status"},
	)
)

// RenderTimer measures one render.
type RenderTimer struct {
	docType string
	start   time.Time
}

// StartRender starts timing a render of the given document type.
func StartRender(docType string) RenderTimer {
	if docType == "" {
		docType = "image"
	}
	return RenderTimer{docType: docType, start: time.Now()}
}

// Done records the elapsed time labelled with the render result.
func (t RenderTimer) Done(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	renderDuration.WithLabelValues(t.docType, result).Observe(time.Since(t.start).Seconds())
}

// ObserveRows counts processed bulk rows.
func ObserveRows(succeeded, failed int) {
	if succeeded > 0 {
		bulkRowsTotal.WithLabelValues("success").Add(float64(succeeded))
	}
	if failed > 0 {
		bulkRowsTotal.WithLabelValues("failure").Add(float64(failed))
	}
}

// ObserveBatch counts a batch by outcome: "applied", "duplicate" or "abandoned".
func ObserveBatch(outcome string) {
	bulkBatchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDispatchFallback counts a batch run in-process because the queue was unavailable.
func ObserveDispatchFallback() {
	bulkDispatchFallbackTotal.Inc()
}

// ObserveFinalized counts a finalized job by its terminal status.
func ObserveFinalized(status string) {
	bulkFinalizedTotal.WithLabelValues(status).Inc()
}

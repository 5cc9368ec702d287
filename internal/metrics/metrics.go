// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プランナーやミドルウェアから利用する。
type MetricsCollector interface {
	RecordSessionCreated()
	RecordJoin()
	RecordSubmission()
	RecordRecompute(duration time.Duration)
	RecordDecision(provisional, final bool)
	RecordSuggestionSource(source string)
	RecordStorageError(op string)
	RecordHTTPStatus(statusCode int)
	RecordSessionsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionsCreated  prometheus.Counter
	joins            prometheus.Counter
	submissions      prometheus.Counter
	recomputeLatency prometheus.Histogram
	decisions        *prometheus.CounterVec
	suggestionSource *prometheus.CounterVec
	storageErrors    *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	sessionsPurged   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
// backendはストレージ実装の識別名で、全メトリクスの定数ラベルとして付与する。
func NewCollector(reg prometheus.Registerer, backend string) *Collector {
	constLabels := prometheus.Labels{"backend": backend}
	c := &Collector{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vibeplan_sessions_created_total",
			Help:        "作成されたセッションの合計数",
			ConstLabels: constLabels,
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vibeplan_joins_total",
			Help:        "招待トークン経由の参加の合計数",
			ConstLabels: constLabels,
		}),
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vibeplan_submissions_total",
			Help:        "回答送信の合計数",
			ConstLabels: constLabels,
		}),
		recomputeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "vibeplan_recompute_latency_seconds",
			Help:        "グループ決定の再計算のレイテンシ（秒）",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vibeplan_decisions_total",
			Help:        "公開段階別の決定の合計数",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		suggestionSource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vibeplan_suggestion_source_total",
			Help:        "提案の解決元別の件数",
			ConstLabels: constLabels,
		}, []string{"source"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vibeplan_storage_errors_total",
			Help:        "操作別のストレージエラー数",
			ConstLabels: constLabels,
		}, []string{"op"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vibeplan_http_status_total",
			Help:        "HTTPステータスコード別のレスポンス数",
			ConstLabels: constLabels,
		}, []string{"status_code"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vibeplan_sessions_purged_total",
			Help:        "クリーンアップで削除された期限切れセッションの合計数",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		c.sessionsCreated,
		c.joins,
		c.submissions,
		c.recomputeLatency,
		c.decisions,
		c.suggestionSource,
		c.storageErrors,
		c.httpStatus,
		c.sessionsPurged,
	)

	return c
}

// RecordSessionCreated はセッション作成を記録する。
func (c *Collector) RecordSessionCreated() { c.sessionsCreated.Inc() }

// RecordJoin は参加を記録する。
func (c *Collector) RecordJoin() { c.joins.Inc() }

// RecordSubmission は回答送信を記録する。
func (c *Collector) RecordSubmission() { c.submissions.Inc() }

// RecordRecompute は再計算のレイテンシを記録する。
func (c *Collector) RecordRecompute(duration time.Duration) {
	c.recomputeLatency.Observe(duration.Seconds())
}

// RecordDecision は再計算で得られた決定の公開段階を記録する。
func (c *Collector) RecordDecision(provisional, final bool) {
	switch {
	case final:
		c.decisions.WithLabelValues("final").Inc()
	case provisional:
		c.decisions.WithLabelValues("provisional").Inc()
	default:
		c.decisions.WithLabelValues("hidden").Inc()
	}
}

// RecordSuggestionSource は提案の解決元（catalogue, fallback, none）を記録する。
func (c *Collector) RecordSuggestionSource(source string) {
	c.suggestionSource.WithLabelValues(source).Inc()
}

// RecordStorageError はストレージエラーを記録する。
func (c *Collector) RecordStorageError(op string) {
	c.storageErrors.WithLabelValues(op).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsPurged は削除されたセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordSessionCreated() {}
func (Nop) RecordJoin() {}
func (Nop) RecordSubmission() {}
func (Nop) RecordRecompute(time.Duration) {}
func (Nop) RecordDecision(bool, bool) {}
func (Nop) RecordSuggestionSource(string) {}
func (Nop) RecordStorageError(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordSessionsPurged(int64) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

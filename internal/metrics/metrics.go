// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetricsCollector はメトリクス収集のインターフェース。
// 同期サービスとワーカーから利用する。
type SyncMetricsCollector interface {
	RecordRunSuccess(dryRun bool)
	RecordRunFailure()
	RecordAPIError(statusCode int)
	RecordBackersFetched(count int)
	RecordMembersAdded(count int)
	RecordMembersRemoved(count int)
	RecordMembersMoved(count int)
	RecordRunDuration(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	runTotal       *prometheus.CounterVec
	apiErrors      *prometheus.CounterVec
	backersFetched prometheus.Counter
	membersAdded   prometheus.Counter
	membersRemoved prometheus.Counter
	membersMoved   prometheus.Counter
	runDuration    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backersync_runs_total",
			Help: "同期実行の合計数（結果別）",
		}, []string{"result"}),
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backersync_api_errors_total",
			Help: "Open Collective APIエラーの合計数（HTTPステータス別）",
		}, []string{"status_code"}),
		backersFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backersync_backers_fetched_total",
			Help: "取得した支援レコードの合計数（重複排除前）",
		}),
		membersAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backersync_members_added_total",
			Help: "グループに追加したユーザーの合計数",
		}),
		membersRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backersync_members_removed_total",
			Help: "グループから除外したユーザーの合計数",
		}),
		membersMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backersync_members_moved_total",
			Help: "継続グループから単発グループへ移動したユーザーの合計数",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backersync_run_duration_seconds",
			Help:    "同期実行の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.runTotal,
		c.apiErrors,
		c.backersFetched,
		c.membersAdded,
		c.membersRemoved,
		c.membersMoved,
		c.runDuration,
	)

	return c
}

// RecordRunSuccess は同期実行の成功を記録する。
func (c *Collector) RecordRunSuccess(dryRun bool) {
	result := "success"
	if dryRun {
		result = "dry_run"
	}
	c.runTotal.WithLabelValues(result).Inc()
}

// RecordRunFailure は同期実行の失敗を記録する。
func (c *Collector) RecordRunFailure() {
	c.runTotal.WithLabelValues("failure").Inc()
}

// RecordAPIError はAPIエラーを記録する。
func (c *Collector) RecordAPIError(statusCode int) {
	c.apiErrors.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordBackersFetched は取得した支援レコード数を記録する。
func (c *Collector) RecordBackersFetched(count int) {
	c.backersFetched.Add(float64(count))
}

// RecordMembersAdded はグループに追加したユーザー数を記録する。
func (c *Collector) RecordMembersAdded(count int) {
	c.membersAdded.Add(float64(count))
}

// RecordMembersRemoved はグループから除外したユーザー数を記録する。
func (c *Collector) RecordMembersRemoved(count int) {
	c.membersRemoved.Add(float64(count))
}

// RecordMembersMoved はグループ間を移動したユーザー数を記録する。
func (c *Collector) RecordMembersMoved(count int) {
	c.membersMoved.Add(float64(count))
}

// RecordRunDuration は同期実行の所要時間を記録する。
func (c *Collector) RecordRunDuration(duration time.Duration) {
	c.runDuration.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

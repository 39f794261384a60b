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
// サービス層やワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(isNewUser bool)
	RecordLoginFailure(reason string)
	RecordVerificationStarted(provider string)
	RecordVerificationCompleted(provider string, outcome string)
	RecordGitHubRequest(op string, statusCode int, duration time.Duration)
	RecordSessionsPurged(count int64)
	SSEClientConnected()
	SSEClientDisconnected()
}

// 検証完了のoutcomeラベル値
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeExpired   = "expired"
	OutcomeNotFound  = "not_found"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	loginFailures   *prometheus.CounterVec
	verifyStarted   *prometheus.CounterVec
	verifyCompleted *prometheus.CounterVec
	githubRequests  *prometheus.CounterVec
	githubLatency   *prometheus.HistogramVec
	sessionsPurged  prometheus.Counter
	sseClients      prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vets_logins_total",
			Help: "GitHubログイン成功の合計数",
		}, []string{"new_user"}),
		loginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vets_login_failures_total",
			Help: "GitHubログイン失敗の合計数（理由別）",
		}, []string{"reason"}),
		verifyStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vets_verifications_started_total",
			Help: "開始された検証の合計数",
		}, []string{"provider"}),
		verifyCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vets_verifications_completed_total",
			Help: "検証完了リクエストの合計数（結果別）",
		}, []string{"provider", "outcome"}),
		githubRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vets_github_requests_total",
			Help: "GitHub API呼び出しの合計数",
		}, []string{"op", "status_code"}),
		githubLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vets_github_request_duration_seconds",
			Help:    "GitHub API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vets_sessions_purged_total",
			Help: "削除された期限切れセッションの合計数",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vets_sse_clients",
			Help: "接続中のSSEクライアント数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.loginFailures,
		c.verifyStarted,
		c.verifyCompleted,
		c.githubRequests,
		c.githubLatency,
		c.sessionsPurged,
		c.sseClients,
	)

	return c
}

// RecordLogin はログイン成功を記録する。
func (c *Collector) RecordLogin(isNewUser bool) {
	c.logins.WithLabelValues(strconv.FormatBool(isNewUser)).Inc()
}

// RecordLoginFailure はログイン失敗を記録する。
func (c *Collector) RecordLoginFailure(reason string) {
	c.loginFailures.WithLabelValues(reason).Inc()
}

// RecordVerificationStarted は検証開始を記録する。
func (c *Collector) RecordVerificationStarted(provider string) {
	c.verifyStarted.WithLabelValues(provider).Inc()
}

// RecordVerificationCompleted は検証完了リクエストの結果を記録する。
func (c *Collector) RecordVerificationCompleted(provider string, outcome string) {
	c.verifyCompleted.WithLabelValues(provider, outcome).Inc()
}

// RecordGitHubRequest はGitHub API呼び出しを記録する。ネットワークエラー時のstatusCodeは0。
func (c *Collector) RecordGitHubRequest(op string, statusCode int, duration time.Duration) {
	c.githubRequests.WithLabelValues(op, strconv.Itoa(statusCode)).Inc()
	c.githubLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSessionsPurged は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// SSEClientConnected はSSE接続の開始を記録する。
func (c *Collector) SSEClientConnected() {
	c.sseClients.Inc()
}

// SSEClientDisconnected はSSE接続の終了を記録する。
func (c *Collector) SSEClientDisconnected() {
	c.sseClients.Dec()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(bool)                               {}
func (Nop) RecordLoginFailure(string)                      {}
func (Nop) RecordVerificationStarted(string)               {}
func (Nop) RecordVerificationCompleted(string, string)     {}
func (Nop) RecordGitHubRequest(string, int, time.Duration) {}
func (Nop) RecordSessionsPurged(int64)                     {}
func (Nop) SSEClientConnected()                            {}
func (Nop) SSEClientDisconnected()                         {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

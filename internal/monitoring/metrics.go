package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record 方法对 nil 接收者安全，未启用监控的组件可以直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 入库指标
	MessagesIngested *prometheus.CounterVec
	IngestDuration   prometheus.Histogram

	// 已读状态指标
	ReadStateChanges prometheus.Counter

	// 发送指标
	SendsTotal    *prometheus.CounterVec
	SendDuration  prometheus.Histogram
	RateLimitHits *prometheus.CounterVec

	// 实时推送指标
	EventsPublished *prometheus.CounterVec
	EventsDelivered *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	ActiveClients   prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 在独立的 registry 上创建监控指标
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmmail_messages_ingested_total",
				Help: "Messages submitted for ingestion by outcome (created, duplicate, malformed, failed)",
			},
			[]string{"outcome"},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crmmail_ingest_duration_seconds",
				Help:    "Time spent ingesting a single message",
				Buckets: prometheus.DefBuckets,
			},
		),

		ReadStateChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crmmail_read_state_changes_total",
				Help: "Messages flipped from unread to read",
			},
		),

		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmmail_sends_total",
				Help: "Outbound sends by result",
			},
			[]string{"result"},
		),
		SendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crmmail_send_duration_seconds",
				Help:    "Outbound delivery duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmmail_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmmail_realtime_events_published_total",
				Help: "Realtime events published by type",
			},
			[]string{"type"},
		),
		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmmail_realtime_events_delivered_total",
				Help: "Realtime events written to client send buffers",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmmail_realtime_events_dropped_total",
				Help: "Realtime events dropped by reason (slow_client, stale)",
			},
			[]string{"reason"},
		),
		ActiveClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmmail_websocket_clients",
				Help: "Connected websocket clients",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"error_type", "component"},
		),
		PanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crmmail_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.MessagesIngested,
		m.IngestDuration,
		m.ReadStateChanges,
		m.SendsTotal,
		m.SendDuration,
		m.RateLimitHits,
		m.EventsPublished,
		m.EventsDelivered,
		m.EventsDropped,
		m.ActiveClients,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// Registry 返回指标所在的 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordIngest 记录一次入库结果
func (m *Metrics) RecordIngest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MessagesIngested.WithLabelValues(outcome).Inc()
	m.IngestDuration.Observe(duration.Seconds())
}

// RecordReadChanges 记录被标记为已读的邮件数
func (m *Metrics) RecordReadChanges(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReadStateChanges.Add(float64(n))
}

// RecordSend 记录一次发送
func (m *Metrics) RecordSend(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(result).Inc()
	m.SendDuration.Observe(duration.Seconds())
}

// RecordRateLimitHit 记录限流命中
func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

// RecordEventPublished 记录事件发布
func (m *Metrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDelivered 记录事件送达客户端缓冲
func (m *Metrics) RecordEventDelivered(eventType string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(eventType).Inc()
}

// RecordEventDropped 记录被丢弃的事件
func (m *Metrics) RecordEventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// SetActiveClients 更新在线连接数
func (m *Metrics) SetActiveClients(n int) {
	if m == nil {
		return
	}
	m.ActiveClients.Set(float64(n))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

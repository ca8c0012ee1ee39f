package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "jobtracker_"

type (
	MessageResult string
	FlushTrigger  string
	FlushResult   string
)

const (
	MessageResultAck       MessageResult = "ack"
	MessageResultDuplicate MessageResult = "duplicate"
	MessageResultRequeue   MessageResult = "requeue"
	MessageResultReject    MessageResult = "reject"

	FlushTriggerSize   FlushTrigger = "size"
	FlushTriggerTimer  FlushTrigger = "timer"
	FlushTriggerManual FlushTrigger = "manual"

	FlushResultSuccess FlushResult = "success"
	FlushResultPartial FlushResult = "partial"
	FlushResultFailed  FlushResult = "failed"
	FlushResultSkipped FlushResult = "skipped"
)

type Metrics struct {
	messagesConsumed    *prometheus.CounterVec
	bufferFlushes       *prometheus.CounterVec
	bufferFlushDuration prometheus.Histogram
	bufferPending       prometheus.Gauge
	jobsArchived        prometheus.Counter
	jobsQuarantined     *prometheus.CounterVec
	notificationErrors  prometheus.Counter
	watcherPasses       *prometheus.CounterVec
	watcherPassDuration prometheus.Histogram
}

// NewMetrics registers the tracker's metrics with registerer. Pass prometheus.NewRegistry() in tests, since
// registering twice with the same registerer panics.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		messagesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "messages_consumed",
			Help: "Number of messages consumed grouped by message kind and how they were acknowledged",
		}, []string{"kind", "result"}),
		bufferFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "buffer_flushes",
			Help: "Number of verification buffer flushes grouped by trigger and result",
		}, []string{"trigger", "result"}),
		bufferFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricsPrefix + "buffer_flush_latency_seconds",
			Help:    "Verification buffer flush latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		bufferPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricsPrefix + "buffer_pending",
			Help: "Number of verification outcomes waiting to be flushed",
		}),
		jobsArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "jobs_archived",
			Help: "Number of jobs archived",
		}),
		jobsQuarantined: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "jobs_quarantined",
			Help: "Number of jobs quarantined grouped by reason",
		}, []string{"reason"}),
		notificationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "notification_errors",
			Help: "Number of completed job notifications that failed",
		}),
		watcherPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "watcher_passes",
			Help: "Number of job watcher passes grouped by result",
		}, []string{"result"}),
		watcherPassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricsPrefix + "watcher_pass_latency_seconds",
			Help:    "Job watcher pass latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
	}
}

func (m *Metrics) RecordMessage(kind string, result MessageResult) {
	m.messagesConsumed.With(map[string]string{"kind": kind, "result": string(result)}).Inc()
}

func (m *Metrics) RecordFlush(trigger FlushTrigger, result FlushResult, duration time.Duration) {
	m.bufferFlushes.With(map[string]string{"trigger": string(trigger), "result": string(result)}).Inc()
	if result != FlushResultSkipped {
		m.bufferFlushDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) SetPending(pending int) {
	m.bufferPending.Set(float64(pending))
}

func (m *Metrics) RecordArchived() {
	m.jobsArchived.Inc()
}

// RecordQuarantined counts a quarantine. reason must have low cardinality, e.g. a staleness cause rather than
// a wrapped error message.
func (m *Metrics) RecordQuarantined(reason string) {
	m.jobsQuarantined.With(map[string]string{"reason": reason}).Inc()
}

func (m *Metrics) RecordNotificationError() {
	m.notificationErrors.Inc()
}

func (m *Metrics) RecordWatcherPass(err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.watcherPasses.With(map[string]string{"result": result}).Inc()
	m.watcherPassDuration.Observe(duration.Seconds())
}

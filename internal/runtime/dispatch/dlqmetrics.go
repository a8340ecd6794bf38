package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead-letter traffic per topic, exposed both as Prometheus
// collectors and as an in-process snapshot for diagnostics.
type DLQMetrics struct {
	mu     sync.RWMutex
	topics map[string]*DLQTopicMetrics

	messagesTotal  *prometheus.CounterVec
	retryCountHist *prometheus.HistogramVec
	ageSecondsHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQTopicMetrics holds one topic's dead-letter counters.
type DLQTopicMetrics struct {
	MessagesReceived uint64    `json:"messagesReceived"`
	AvgRetryCount    float64   `json:"avgRetryCount"`
	LastReceivedAt   time.Time `json:"lastReceivedAt"`
}

// DLQSnapshot is a point-in-time view of all dead-letter metrics.
type DLQSnapshot struct {
	TotalMessages uint64                      `json:"totalMessages"`
	Topics        map[string]*DLQTopicMetrics `json:"topics"`
	CollectedAt   time.Time                   `json:"collectedAt"`
}

// NewDLQMetrics builds a dead-letter metrics collector. A nil registerer uses
// the Prometheus default.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DLQMetrics{
		topics:     make(map[string]*DLQTopicMetrics),
		registerer: registerer,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "dlq",
			Name:      "messages_total",
			Help:      "Messages routed to the dead-letter queue",
		}, []string{"topic", "subscriber"}),
		retryCountHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corebus",
			Subsystem: "dlq",
			Name:      "retry_count",
			Help:      "Redelivery attempts before a message was dead-lettered",
			Buckets:   []float64{1, 2, 3, 5, 10, 20},
		}, []string{"topic"}),
		ageSecondsHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corebus",
			Subsystem: "dlq",
			Name:      "message_age_seconds",
			Help:      "Message age when dead-lettered, measured from first delivery",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call more than once.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.messagesTotal, m.retryCountHist, m.ageSecondsHist} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Record notes one message routed to the dead-letter queue.
func (m *DLQMetrics) Record(topic, subscriber string, retryCount int, messageAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.topics[topic]
	if !ok {
		tm = &DLQTopicMetrics{}
		m.topics[topic] = tm
	}
	tm.MessagesReceived++
	tm.LastReceivedAt = time.Now().UTC()
	tm.AvgRetryCount = ((tm.AvgRetryCount * float64(tm.MessagesReceived-1)) + float64(retryCount)) / float64(tm.MessagesReceived)

	m.messagesTotal.WithLabelValues(topic, subscriber).Inc()
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
	m.ageSecondsHist.WithLabelValues(topic).Observe(messageAge.Seconds())
}

// Snapshot returns a copy of all per-topic counters.
func (m *DLQMetrics) Snapshot() DLQSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DLQSnapshot{
		Topics:      make(map[string]*DLQTopicMetrics, len(m.topics)),
		CollectedAt: time.Now().UTC(),
	}
	for topic, tm := range m.topics {
		copied := *tm
		snap.Topics[topic] = &copied
		snap.TotalMessages += tm.MessagesReceived
	}
	return snap
}

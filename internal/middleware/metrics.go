package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/motherschat/chat-backend/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	gateRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gate_rejections_total",
		Help: "Requests rejected before reaching the model, by gate kind",
	}, []string{"kind"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_provider_request_duration_seconds",
		Help:    "Model provider call latency by model and outcome",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
	}, []string{"model", "outcome"})

	storageOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_storage_op_duration_seconds",
		Help:    "Storage operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	activeConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_conversations",
		Help: "Conversations that received a message in the last hour",
	})

	tokensUsedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_tokens_used_total",
		Help: "Estimated tokens consumed, by role",
	}, []string{"role"})
)

// Metrics exposes thin recording methods over the package counters.
type Metrics struct {
	logger *logrus.Logger

	mu       sync.Mutex
	activity map[string]time.Time
}

func NewMetrics(logger *logrus.Logger) *Metrics {
	return &Metrics{
		logger:   logger,
		activity: make(map[string]time.Time),
	}
}

func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RecordGateRejection(kind string) {
	gateRejectionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordProviderRequest(model, outcome string, duration time.Duration) {
	providerRequestDuration.WithLabelValues(model, outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordStorageOp(op string, duration time.Duration) {
	storageOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// MarkConversationActive refreshes the active-conversation gauge. A
// conversation counts as active for an hour after its last message.
func (m *Metrics) MarkConversationActive(conversationID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.activity[conversationID] = now
	cutoff := now.Add(-time.Hour)
	for id, last := range m.activity {
		if last.Before(cutoff) {
			delete(m.activity, id)
		}
	}
	activeConversations.Set(float64(len(m.activity)))
}

func (m *Metrics) RecordTokens(role string, count int) {
	tokensUsedTotal.WithLabelValues(role).Add(float64(count))
}

// StartMetricsServer serves the Prometheus endpoint on its own port.
func StartMetricsServer(cfg *config.MetricsConfig, logger *logrus.Logger) {
	if !cfg.Enabled {
		return
	}

	router := mux.NewRouter()
	router.Handle(cfg.Path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.WithFields(logrus.Fields{
		"addr": addr,
		"path": cfg.Path,
	}).Info("Starting metrics server")

	go func() {
		if err := http.ListenAndServe(addr, router); err != nil {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()
}

package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remittance_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remittance_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	QuotesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remittance_quotes_issued_total",
		Help: "Quotes issued, labeled by currency pair",
	}, []string{"pair"})

	QuoteLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remittance_quote_lookups_total",
		Help: "Quote lookups at transfer creation, labeled by result",
	}, []string{"result"})

	EligibilityDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remittance_eligibility_denials_total",
		Help: "Transfers refused by the eligibility gate, labeled by code",
	}, []string{"code"})

	TransferTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remittance_transfer_transitions_total",
		Help: "Applied transfer status transitions, labeled by target status",
	}, []string{"status"})

	SettlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remittance_settlement_outcomes_total",
		Help: "Settlement attempt outcomes, labeled by executor and outcome",
	}, []string{"executor", "outcome"})

	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remittance_settlement_attempt_duration_seconds",
		Help:    "Duration of one settlement attempt",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"executor"})

	SettlementEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remittance_settlement_escalations_total",
		Help: "Transfers handed over to manual reconciliation",
	})
)

// Middleware records request count and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

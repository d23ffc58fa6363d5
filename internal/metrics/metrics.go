package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasehold_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leasehold_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Auth metrics
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasehold_auth_failures_total",
			Help: "Total rejected requests at the auth gateway",
		},
		[]string{"reason"},
	)

	// Business metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leasehold_sessions_created_total",
			Help: "Total sandbox sessions created",
		},
	)

	SessionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leasehold_sessions_deleted_total",
			Help: "Total sandbox sessions deleted",
		},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasehold_quota_rejections_total",
			Help: "Total requests rejected by the quota guard",
		},
		[]string{"reason"}, // "quota" or "balance"
	)

	LedgerTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasehold_ledger_transactions_total",
			Help: "Total ledger transactions applied",
		},
		[]string{"type"},
	)

	CreditsCharged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leasehold_credits_charged_total",
			Help: "Total credits debited for usage",
		},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasehold_webhook_events_total",
			Help: "Total payment webhook deliveries",
		},
		[]string{"result"}, // "applied", "duplicate", "ignored", "rejected"
	)

	// Engine metrics
	EngineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasehold_engine_requests_total",
			Help: "Total requests to the sandbox engine",
		},
		[]string{"op", "status"},
	)

	EngineLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leasehold_engine_latency_seconds",
			Help:    "Sandbox engine request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	// Relay metrics
	RelayEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leasehold_relay_events_published_total",
			Help: "Total realtime events accepted by the relay",
		},
	)

	RelayEventsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leasehold_relay_events_duplicate_total",
			Help: "Total realtime events discarded as already seen",
		},
	)

	RelaySubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leasehold_relay_subscribers",
			Help: "Current realtime subscribers",
		},
	)

	RelaySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leasehold_relay_sessions",
			Help: "Current sessions with an active broadcaster",
		},
	)

	RelaySlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leasehold_relay_slow_consumers_total",
			Help: "Total subscribers dropped for a full queue",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasehold_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasehold_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leasehold_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PostgresLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leasehold_postgres_latency_seconds",
			Help:    "PostgreSQL query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)

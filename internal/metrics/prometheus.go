package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitechat_onboarding_transitions_total",
			Help: "Onboarding transitions by edge and outcome",
		},
		[]string{"from", "to", "outcome"},
	)

	GuardFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitechat_onboarding_guard_failures_total",
			Help: "Guard rejections by edge",
		},
		[]string{"from", "to"},
	)

	LockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitechat_job_lock_contention_total",
			Help: "Job lock acquisitions rejected because the lock was held",
		},
		[]string{"job"},
	)

	StaleLockOverrides = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitechat_job_lock_stale_overrides_total",
			Help: "Stale job locks silently taken over",
		},
	)

	ChatTurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitechat_chat_turn_duration_seconds",
			Help:    "Chat turn processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"transport"},
	)

	GateFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitechat_confidence_gate_fired_total",
			Help: "Confidence gate activations by action",
		},
		[]string{"action"},
	)

	AnswerConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitechat_answer_confidence",
			Help:    "Aggregate answer confidence per chat turn",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RetrievalChunks = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitechat_retrieval_chunks",
			Help:    "Retrieved knowledge chunks per query",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"tier"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitechat_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitechat_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	PagesDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitechat_pages_discovered_total",
			Help: "Total pages discovered across crawls",
		},
	)

	ChunksIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitechat_chunks_ingested_total",
			Help: "Total knowledge chunks ingested",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitechat_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)
)

func Init() {
	prometheus.MustRegister(TransitionTotal)
	prometheus.MustRegister(GuardFailures)
	prometheus.MustRegister(LockContention)
	prometheus.MustRegister(StaleLockOverrides)
	prometheus.MustRegister(ChatTurnDuration)
	prometheus.MustRegister(GateFired)
	prometheus.MustRegister(AnswerConfidence)
	prometheus.MustRegister(RetrievalChunks)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(PagesDiscovered)
	prometheus.MustRegister(ChunksIngested)
	prometheus.MustRegister(LLMTokensUsed)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

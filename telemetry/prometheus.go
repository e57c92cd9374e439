package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink exports conversation metrics and prompt outcomes.
type PrometheusSink struct {
	// ConversationEvents counts conversation metrics.
	// Labels: event (chat_openConversation|chat_closeConversation)
	ConversationEvents *prometheus.CounterVec

	// Prompts counts finished prompts.
	// Labels: outcome (succeeded|failed|cancelled)
	Prompts *prometheus.CounterVec

	// PromptDuration measures prompt latency in seconds.
	// Labels: outcome
	PromptDuration *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewPrometheusSink registers the metrics with reg. A nil reg means the
// default registry.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusSink{
		ConversationEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabchat_conversation_events_total",
				Help: "Total number of conversation metrics by event",
			},
			[]string{"event"},
		),
		Prompts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabchat_prompts_total",
				Help: "Total number of chat prompts by outcome",
			},
			[]string{"outcome"},
		),
		PromptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tabchat_prompt_duration_seconds",
				Help:    "Duration of chat prompts in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		reg: reg,
	}
}

func (s *PrometheusSink) EmitMetric(m Metric) {
	s.ConversationEvents.WithLabelValues(m.Name).Inc()
}

func (s *PrometheusSink) RecordPrompt(outcome PromptOutcome, elapsed time.Duration) {
	s.Prompts.WithLabelValues(string(outcome)).Inc()
	s.PromptDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// RegisterSessionGauge exports the live session count reported by count.
func (s *PrometheusSink) RegisterSessionGauge(count func() int) {
	promauto.With(s.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tabchat_sessions",
			Help: "Current number of chat sessions",
		},
		func() float64 { return float64(count()) },
	)
}

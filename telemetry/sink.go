package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/tabchat/server/rpc"
	"github.com/tabchat/server/watch"
)

const notifyTimeout = 5 * time.Second

// NopSink drops every metric.
type NopSink struct{}

func (NopSink) EmitMetric(Metric) {}

// MultiSink fans metrics out to every sink in order.
type MultiSink []Sink

func (ms MultiSink) EmitMetric(m Metric) {
	for _, s := range ms {
		s.EmitMetric(m)
	}
}

func (ms MultiSink) RecordPrompt(outcome PromptOutcome, elapsed time.Duration) {
	for _, s := range ms {
		if r, ok := s.(PromptRecorder); ok {
			r.RecordPrompt(outcome, elapsed)
		}
	}
}

// NotifierSink forwards metrics to the client as telemetry/event notifications.
type NotifierSink struct {
	notifier watch.Notifier
}

func NewNotifierSink(n watch.Notifier) *NotifierSink {
	return &NotifierSink{notifier: n}
}

func (s *NotifierSink) EmitMetric(m Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	err := s.notifier.Notify(ctx, watch.Notification{
		Method: rpc.MethodTelemetryEvent,
		Params: rpc.TelemetryEvent{
			Name:   m.Name,
			Result: "Succeeded",
			Data:   m.Data(),
		},
	})
	if err != nil {
		slog.Debug("failed to send telemetry event", "name", m.Name, "error", err)
	}
}

// LogSink writes metrics to a logger at debug level.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) EmitMetric(m Metric) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("conversation metric", "name", m.Name, "tabId", m.TabID, "conversationId", m.ConversationID)
}

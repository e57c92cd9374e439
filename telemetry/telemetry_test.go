package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tabchat/server/rpc"
	"github.com/tabchat/server/watch"
)

type mockSink struct {
	mu      sync.Mutex
	metrics []Metric
	prompts []PromptOutcome
}

func (s *mockSink) EmitMetric(m Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
}

func (s *mockSink) RecordPrompt(outcome PromptOutcome, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, outcome)
}

func (s *mockSink) emitted() []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Metric(nil), s.metrics...)
}

func (s *mockSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = nil
}

func TestTracker_OnTabAdd(t *testing.T) {
	sink := &mockSink{}
	tr := NewTracker(sink)

	tr.OnTabAdd("A")

	if tr.ActiveTabID() != "A" {
		t.Errorf("expected active tab A, got %q", tr.ActiveTabID())
	}
	if n := len(sink.emitted()); n != 0 {
		t.Errorf("expected no metrics on tab add, got %d", n)
	}
}

func TestTracker_OnTabChangeEmitsCloseThenOpen(t *testing.T) {
	sink := &mockSink{}
	tr := NewTracker(sink)
	tr.OnTabAdd("A")
	tr.SetConversationID("A", "conv-a")

	tr.OnTabChange("B")

	got := sink.emitted()
	if len(got) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(got))
	}
	if got[0].Name != MetricCloseConversation || got[0].TabID != "A" || got[0].ConversationID != "conv-a" {
		t.Errorf("unexpected close metric: %+v", got[0])
	}
	if got[1].Name != MetricOpenConversation || got[1].TabID != "B" {
		t.Errorf("unexpected open metric: %+v", got[1])
	}
	if tr.ActiveTabID() != "B" {
		t.Errorf("expected active tab B, got %q", tr.ActiveTabID())
	}
}

func TestTracker_OnTabChangeWithoutActiveTab(t *testing.T) {
	sink := &mockSink{}
	tr := NewTracker(sink)

	tr.OnTabChange("A")

	got := sink.emitted()
	if len(got) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(got))
	}
	if got[0].TabID != "" {
		t.Errorf("expected close metric for empty tab, got %q", got[0].TabID)
	}
}

func TestTracker_OnTabRemove(t *testing.T) {
	tests := []struct {
		name        string
		active      string
		remove      string
		wantMetrics int
		wantActive  string
	}{
		{"active tab", "A", "A", 1, ""},
		{"inactive tab", "B", "A", 0, "B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &mockSink{}
			tr := NewTracker(sink)
			tr.OnTabAdd(tt.active)
			tr.SetConversationID("A", "conv-a")
			sink.reset()

			tr.OnTabRemove(tt.remove)

			got := sink.emitted()
			if len(got) != tt.wantMetrics {
				t.Fatalf("expected %d metrics, got %d", tt.wantMetrics, len(got))
			}
			if tt.wantMetrics == 1 && (got[0].Name != MetricCloseConversation || got[0].ConversationID != "conv-a") {
				t.Errorf("unexpected close metric: %+v", got[0])
			}
			if tr.ActiveTabID() != tt.wantActive {
				t.Errorf("expected active %q, got %q", tt.wantActive, tr.ActiveTabID())
			}
			if tr.ConversationID("A") != "" {
				t.Error("expected conversation id removed")
			}
		})
	}
}

func TestTracker_RecordPrompt(t *testing.T) {
	sink := &mockSink{}
	tr := NewTracker(sink)

	tr.RecordPrompt("A", OutcomeSucceeded, time.Second)
	tr.RecordPrompt("A", OutcomeFailed, time.Second)
	tr.RecordPrompt("A", OutcomeCancelled, 0)

	c := tr.Counters("A")
	if c.Prompts != 3 || c.Responses != 1 || c.Failures != 1 {
		t.Errorf("unexpected counters: %+v", c)
	}
	if len(sink.prompts) != 3 {
		t.Errorf("expected 3 recorded prompts, got %d", len(sink.prompts))
	}

	tr.OnTabAdd("A")
	tr.OnTabChange("B")
	if got := sink.emitted()[0].Counters; got != c {
		t.Errorf("expected counters on close metric, got %+v", got)
	}
}

func TestTracker_PromptAfterTabRemove(t *testing.T) {
	sink := &mockSink{}
	tr := NewTracker(sink)
	tr.OnTabAdd("A")

	p := tr.BeginPrompt("A")
	tr.OnTabRemove("A")
	p.SetConversationID("conv-x")
	p.Finish(OutcomeSucceeded, time.Second)

	if !p.Revoked() {
		t.Error("expected prompt revoked")
	}
	if id := tr.ConversationID("A"); id != "" {
		t.Errorf("expected no conversation id, got %q", id)
	}
	if c := tr.Counters("A"); c != (Counters{}) {
		t.Errorf("expected empty counters, got %+v", c)
	}
	if len(sink.prompts) != 1 {
		t.Errorf("expected outcome still recorded, got %d", len(sink.prompts))
	}

	sink.reset()
	tr.OnTabChange("A")
	opening := sink.emitted()[1]
	if opening.ConversationID != "" || opening.Counters != (Counters{}) {
		t.Errorf("expected fresh state on reopened tab, got %+v", opening)
	}
}

func TestTracker_PromptLive(t *testing.T) {
	tr := NewTracker(nil)

	p := tr.BeginPrompt("A")
	p.SetConversationID("conv-a")
	p.Finish(OutcomeFailed, 0)
	p.Finish(OutcomeFailed, 0)

	if tr.ConversationID("A") != "conv-a" {
		t.Errorf("expected conv-a, got %q", tr.ConversationID("A"))
	}
	if c := tr.Counters("A"); c.Prompts != 1 || c.Failures != 1 {
		t.Errorf("unexpected counters: %+v", c)
	}

	// a prompt begun after the removal is unaffected by it
	tr.OnTabRemove("A")
	next := tr.BeginPrompt("A")
	next.Finish(OutcomeSucceeded, 0)
	if c := tr.Counters("A"); c.Prompts != 1 || c.Responses != 1 {
		t.Errorf("unexpected counters after re-add: %+v", c)
	}
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	tr := NewTracker(sink)

	tr.OnTabAdd("A")
	tr.OnTabChange("B")
	tr.OnTabRemove("B")
	tr.RecordPrompt("B", OutcomeSucceeded, 2*time.Second)

	expected := `
# HELP tabchat_conversation_events_total Total number of conversation metrics by event
# TYPE tabchat_conversation_events_total counter
tabchat_conversation_events_total{event="chat_closeConversation"} 2
tabchat_conversation_events_total{event="chat_openConversation"} 1
`
	if err := testutil.CollectAndCompare(sink.ConversationEvents, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric values: %v", err)
	}
	if got := testutil.ToFloat64(sink.Prompts.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("expected 1 succeeded prompt, got %v", got)
	}

	sessions := 3
	sink.RegisterSessionGauge(func() int { return sessions })
	count, err := testutil.GatherAndCount(reg, "tabchat_sessions")
	if err != nil || count != 1 {
		t.Errorf("expected session gauge registered, got %d, %v", count, err)
	}
}

type mockNotifier struct {
	mu            sync.Mutex
	notifications []watch.Notification
}

func (m *mockNotifier) Notify(ctx context.Context, n watch.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func TestNotifierSink(t *testing.T) {
	n := &mockNotifier{}
	sink := NewNotifierSink(n)

	sink.EmitMetric(Metric{Name: MetricOpenConversation, TabID: "A", ConversationID: "c"})

	if len(n.notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(n.notifications))
	}
	got := n.notifications[0]
	if got.Method != rpc.MethodTelemetryEvent {
		t.Errorf("expected %s, got %s", rpc.MethodTelemetryEvent, got.Method)
	}
	ev, ok := got.Params.(rpc.TelemetryEvent)
	if !ok {
		t.Fatalf("expected TelemetryEvent params, got %T", got.Params)
	}
	if ev.Name != MetricOpenConversation || ev.Data["tabId"] != "A" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &mockSink{}, &mockSink{}
	ms := MultiSink{a, b, NopSink{}}

	ms.EmitMetric(Metric{Name: MetricOpenConversation})
	ms.RecordPrompt(OutcomeFailed, 0)

	if len(a.emitted()) != 1 || len(b.emitted()) != 1 {
		t.Error("expected both sinks to receive the metric")
	}
	if len(a.prompts) != 1 || len(b.prompts) != 1 {
		t.Error("expected both sinks to record the prompt")
	}
}

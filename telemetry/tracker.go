// Package telemetry tracks the active chat tab and emits conversation metrics.
package telemetry

import (
	"sync"
	"time"
)

const (
	MetricOpenConversation  = "chat_openConversation"
	MetricCloseConversation = "chat_closeConversation"
)

// PromptOutcome classifies a finished prompt.
type PromptOutcome string

const (
	OutcomeSucceeded PromptOutcome = "succeeded"
	OutcomeFailed    PromptOutcome = "failed"
	OutcomeCancelled PromptOutcome = "cancelled"
)

// Metric is one conversation metric record.
type Metric struct {
	Name           string
	TabID          string
	ConversationID string
	Counters       Counters
}

// Data flattens the metric for wire and log output.
func (m Metric) Data() map[string]any {
	return map[string]any{
		"tabId":          m.TabID,
		"conversationId": m.ConversationID,
		"prompts":        m.Counters.Prompts,
		"responses":      m.Counters.Responses,
		"failures":       m.Counters.Failures,
	}
}

// Counters are the per-tab prompt counters.
type Counters struct {
	Prompts   int
	Responses int
	Failures  int
}

// Sink receives conversation metrics.
type Sink interface {
	EmitMetric(m Metric)
}

// PromptRecorder is implemented by sinks that also aggregate prompt outcomes.
type PromptRecorder interface {
	RecordPrompt(outcome PromptOutcome, elapsed time.Duration)
}

// Tracker owns the active tab and the per-tab conversation state.
type Tracker struct {
	sink Sink

	mu            sync.Mutex
	activeTabID   string
	conversations map[string]string
	counters      map[string]Counters
	inflight      map[string][]*Prompt
}

func NewTracker(sink Sink) *Tracker {
	if sink == nil {
		sink = NopSink{}
	}
	return &Tracker{
		sink:          sink,
		conversations: make(map[string]string),
		counters:      make(map[string]Counters),
		inflight:      make(map[string][]*Prompt),
	}
}

// ActiveTabID returns the active tab, or "" when none is active.
func (t *Tracker) ActiveTabID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeTabID
}

func (t *Tracker) ConversationID(tabID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversations[tabID]
}

func (t *Tracker) SetConversationID(tabID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversations[tabID] = conversationID
}

func (t *Tracker) Counters(tabID string) Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[tabID]
}

// OnTabAdd marks tabID active. Emits nothing.
func (t *Tracker) OnTabAdd(tabID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeTabID = tabID
}

// OnTabChange closes the previously active conversation and opens tabID's.
// Always emits exactly two metrics, close first.
func (t *Tracker) OnTabChange(tabID string) {
	t.mu.Lock()
	closing := t.metricLocked(MetricCloseConversation, t.activeTabID)
	opening := t.metricLocked(MetricOpenConversation, tabID)
	t.activeTabID = tabID
	t.mu.Unlock()

	t.sink.EmitMetric(closing)
	t.sink.EmitMetric(opening)
}

// OnTabRemove forgets tabID. Emits a close metric only when tabID was active.
func (t *Tracker) OnTabRemove(tabID string) {
	t.mu.Lock()
	var closing *Metric
	if t.activeTabID == tabID {
		m := t.metricLocked(MetricCloseConversation, tabID)
		closing = &m
		t.activeTabID = ""
	}
	delete(t.conversations, tabID)
	delete(t.counters, tabID)
	for _, p := range t.inflight[tabID] {
		p.revoked = true
	}
	delete(t.inflight, tabID)
	t.mu.Unlock()

	if closing != nil {
		t.sink.EmitMetric(*closing)
	}
}

// RecordPrompt updates the counters of tabID.
func (t *Tracker) RecordPrompt(tabID string, outcome PromptOutcome, elapsed time.Duration) {
	t.mu.Lock()
	t.countLocked(tabID, outcome)
	t.mu.Unlock()

	t.recordOutcome(outcome, elapsed)
}

// BeginPrompt starts tracking one prompt on tabID. Writes made through the
// returned Prompt are dropped once the tab is removed.
func (t *Tracker) BeginPrompt(tabID string) *Prompt {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Prompt{tracker: t, tabID: tabID}
	t.inflight[tabID] = append(t.inflight[tabID], p)
	return p
}

// Prompt is an in-flight prompt on one tab.
type Prompt struct {
	tracker *Tracker
	tabID   string

	// revoked and finished are guarded by tracker.mu.
	revoked  bool
	finished bool
}

func (p *Prompt) TabID() string { return p.tabID }

// SetConversationID records the tab's conversation id unless the tab was
// removed since the prompt began.
func (p *Prompt) SetConversationID(conversationID string) {
	t := p.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if !p.revoked {
		t.conversations[p.tabID] = conversationID
	}
}

// Finish records the outcome. Tab counters are only updated while the tab
// is still live; the process-wide outcome is always recorded. Later calls
// are ignored.
func (p *Prompt) Finish(outcome PromptOutcome, elapsed time.Duration) {
	t := p.tracker
	t.mu.Lock()
	if p.finished {
		t.mu.Unlock()
		return
	}
	p.finished = true
	if !p.revoked {
		t.countLocked(p.tabID, outcome)
		t.forgetLocked(p)
	}
	t.mu.Unlock()

	t.recordOutcome(outcome, elapsed)
}

// Revoked reports whether the tab was removed while the prompt ran.
func (p *Prompt) Revoked() bool {
	t := p.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	return p.revoked
}

func (t *Tracker) forgetLocked(p *Prompt) {
	list := t.inflight[p.tabID]
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.inflight, p.tabID)
	} else {
		t.inflight[p.tabID] = list
	}
}

func (t *Tracker) countLocked(tabID string, outcome PromptOutcome) {
	c := t.counters[tabID]
	c.Prompts++
	switch outcome {
	case OutcomeSucceeded:
		c.Responses++
	case OutcomeFailed:
		c.Failures++
	}
	t.counters[tabID] = c
}

func (t *Tracker) recordOutcome(outcome PromptOutcome, elapsed time.Duration) {
	if r, ok := t.sink.(PromptRecorder); ok {
		r.RecordPrompt(outcome, elapsed)
	}
}

func (t *Tracker) metricLocked(name, tabID string) Metric {
	return Metric{
		Name:           name,
		TabID:          tabID,
		ConversationID: t.conversations[tabID],
		Counters:       t.counters[tabID],
	}
}

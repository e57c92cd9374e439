// Package stream folds a generator event stream into a single chat result.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/tabchat/server/generate"
)

// State is the aggregation state. Completed and Failed are terminal.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// FailureKind says why an aggregation failed.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureErrorEvent   FailureKind = "error_event"
	FailureInvalidState FailureKind = "invalid_state"
	FailureTransport    FailureKind = "transport"
	FailureCancelled    FailureKind = "cancelled"
)

// ProgressSink receives each content chunk as it arrives.
type ProgressSink interface {
	Report(ctx context.Context, chunk string) error
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ctx context.Context, chunk string) error

func (f ProgressFunc) Report(ctx context.Context, chunk string) error {
	return f(ctx, chunk)
}

// Outcome is the result of one aggregation.
type Outcome struct {
	State State
	// Body holds every chunk seen before the terminal event.
	Body           string
	ConversationID string
	// RequestID is the provider message id. Failed outcomes carry it too
	// when the stream announced it before failing.
	RequestID string

	Failure FailureKind
	// Message describes the failure.
	Message string
	// Err is the underlying error for transport and cancellation failures.
	Err error
	// Chunks counts content events folded into Body.
	Chunks int
}

func (o Outcome) Completed() bool { return o.State == StateCompleted }

// Aggregator folds one event source. Create one per stream.
type Aggregator struct {
	state     State
	body      strings.Builder
	requestID string
	log       *slog.Logger
}

func NewAggregator(log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{state: StateIdle, log: log}
}

// State returns the current state.
func (a *Aggregator) State() State { return a.state }

// Aggregate pulls src to a terminal event and closes it. sink may be nil.
// A context that is already done at entry yields a cancelled outcome without
// pulling; later cancellation does not stop the stream.
func Aggregate(ctx context.Context, src generate.EventSource, sink ProgressSink, log *slog.Logger) Outcome {
	return NewAggregator(log).Run(ctx, src, sink)
}

// Run performs the aggregation. It may be called once.
func (a *Aggregator) Run(ctx context.Context, src generate.EventSource, sink ProgressSink) Outcome {
	defer func() {
		if err := src.Close(); err != nil {
			a.log.Debug("failed to close event source", "error", err)
		}
	}()

	if a.state != StateIdle {
		return Outcome{State: StateFailed, Failure: FailureInvalidState, Message: "aggregator already used"}
	}
	if err := ctx.Err(); err != nil {
		return a.fail(FailureCancelled, "request cancelled", err, 0)
	}

	pullCtx := context.WithoutCancel(ctx)
	a.state = StateStreaming
	chunks := 0

	for {
		ev, err := src.Next(pullCtx)
		if errors.Is(err, io.EOF) {
			a.state = StateCompleted
			return Outcome{State: StateCompleted, Body: a.body.String(), RequestID: a.requestID, Chunks: chunks}
		}
		if err != nil {
			return a.fail(FailureTransport, err.Error(), err, chunks)
		}

		switch ev.Type {
		case generate.EventTypeContent:
			a.body.WriteString(ev.Content)
			chunks++
			if sink != nil {
				if err := sink.Report(pullCtx, ev.Content); err != nil {
					a.log.Warn("failed to report progress", "error", err)
				}
			}

		case generate.EventTypeMetadata:
			if ev.RequestID != "" {
				a.requestID = ev.RequestID
			}

		case generate.EventTypeEnd:
			a.state = StateCompleted
			requestID := ev.RequestID
			if requestID == "" {
				requestID = a.requestID
			}
			return Outcome{
				State:          StateCompleted,
				Body:           a.body.String(),
				ConversationID: ev.ConversationID,
				RequestID:      requestID,
				Chunks:         chunks,
			}

		case generate.EventTypeError:
			a.drain(pullCtx, src)
			return a.fail(FailureErrorEvent, ev.Message, nil, chunks)

		case generate.EventTypeInvalidState:
			a.drain(pullCtx, src)
			return a.fail(FailureInvalidState, ev.Message, nil, chunks)

		default:
			a.log.Debug("ignoring unknown stream event", "type", ev.Type)
		}
	}
}

func (a *Aggregator) fail(kind FailureKind, msg string, err error, chunks int) Outcome {
	a.state = StateFailed
	return Outcome{
		State:     StateFailed,
		Body:      a.body.String(),
		RequestID: a.requestID,
		Failure:   kind,
		Message:   msg,
		Err:       err,
		Chunks:    chunks,
	}
}

// drain consumes what is left after a terminal failure event.
func (a *Aggregator) drain(ctx context.Context, src generate.EventSource) {
	dropped := 0
	for {
		if _, err := src.Next(ctx); err != nil {
			break
		}
		dropped++
	}
	if dropped > 0 {
		a.log.Debug("drained events after stream failure", "count", dropped)
	}
}

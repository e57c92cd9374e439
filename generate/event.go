package generate

import (
	"context"
	"errors"
	"io"
	"sync"
)

// EventType defines the type of stream event.
type EventType string

const (
	EventTypeContent      EventType = "content"
	EventTypeError        EventType = "error"
	EventTypeInvalidState EventType = "invalid_state"
	EventTypeEnd          EventType = "end"
	// EventTypeMetadata carries the provider message id as soon as it is
	// known, ahead of the terminal event.
	EventTypeMetadata EventType = "metadata"
)

// Event is one unit of generator output.
type Event struct {
	Type EventType `json:"type"`
	// Content is set for content events.
	Content string `json:"content,omitempty"`
	// Message is set for error and invalid-state events.
	Message string `json:"message,omitempty"`
	// ConversationID is set for end events. RequestID is set for end and
	// metadata events.
	ConversationID string `json:"conversation_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

func ContentEvent(text string) Event {
	return Event{Type: EventTypeContent, Content: text}
}

func ErrorEvent(message string) Event {
	return Event{Type: EventTypeError, Message: message}
}

func InvalidStateEvent(message string) Event {
	return Event{Type: EventTypeInvalidState, Message: message}
}

func EndEvent(conversationID, requestID string) Event {
	return Event{Type: EventTypeEnd, ConversationID: conversationID, RequestID: requestID}
}

func MetadataEvent(requestID string) Event {
	return Event{Type: EventTypeMetadata, RequestID: requestID}
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventTypeContent, EventTypeMetadata:
		return false
	}
	return true
}

// EventSource is a pull-based stream of events.
// Next blocks until an event is available and returns io.EOF once the
// stream is exhausted. Any other error is a transport failure.
type EventSource interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

var ErrStreamClosed = errors.New("stream closed")

// item is what producer goroutines push into a channel-backed source.
type item struct {
	event Event
	err   error
}

// chanSource adapts a producer goroutine to EventSource. ctx is the
// producer's context; once it is done a closed channel reports
// ErrStreamClosed instead of io.EOF.
type chanSource struct {
	ctx    context.Context
	items  <-chan item
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newChanSource(ctx context.Context, items <-chan item, cancel context.CancelFunc) *chanSource {
	return &chanSource{ctx: ctx, items: items, cancel: cancel}
}

func (s *chanSource) Next(ctx context.Context) (Event, error) {
	select {
	case it, ok := <-s.items:
		if !ok {
			if s.ctx.Err() != nil {
				return Event{}, ErrStreamClosed
			}
			return Event{}, io.EOF
		}
		if it.err != nil {
			return Event{}, it.err
		}
		return it.event, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close stops the producer and drains whatever it already queued.
func (s *chanSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		go func() {
			for range s.items {
			}
		}()
	})
	return nil
}

// send delivers it unless ctx is done. Returns false when the consumer is gone.
func send(ctx context.Context, out chan<- item, it item) bool {
	select {
	case out <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// SliceSource replays a fixed list of events, then io.EOF.
// Err, if set, is returned after the events instead of io.EOF.
type SliceSource struct {
	Events []Event
	Err    error

	mu     sync.Mutex
	pos    int
	closed bool
}

func NewSliceSource(events ...Event) *SliceSource {
	return &SliceSource{Events: events}
}

func (s *SliceSource) Next(ctx context.Context) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Event{}, ErrStreamClosed
	}
	if s.pos < len(s.Events) {
		ev := s.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.Err != nil {
		return Event{}, s.Err
	}
	return Event{}, io.EOF
}

func (s *SliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Consumed returns how many events have been pulled.
func (s *SliceSource) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *SliceSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

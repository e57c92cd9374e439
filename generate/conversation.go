// Package generate talks to remote streaming completion services.
// A Conn is one conversation: it keeps the turn history and turns each
// prompt into a pull-based EventSource.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tabchat/server/credentials"
	"github.com/tabchat/server/editor"
)

const (
	DefaultMaxTokens = 4096

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrConnClosed      = errors.New("connection closed")
	ErrUnknownProvider = errors.New("unknown provider")
)

// Request is one outbound generation request.
type Request struct {
	ConversationID string
	Prompt         string
	EditorState    *editor.State
	Model          string
	MaxTokens      int
	SystemPrompt   string
}

// Turn is one message of the conversation history.
type Turn struct {
	Role    string
	Content string
}

// Conn is the connection handle owned by a chat session.
type Conn interface {
	// Generate opens a stream for req. The stream lives until it is
	// exhausted, closed, or the Conn is closed; ctx only bounds the setup.
	Generate(ctx context.Context, req Request) (EventSource, error)
	Close() error
}

// Dialer opens connections for resolved credentials.
type Dialer interface {
	Dial(ctx context.Context, creds credentials.Credentials) (Conn, error)
}

// streamParams is what a backend needs to open one provider stream.
type streamParams struct {
	Model     string
	MaxTokens int
	System    string
	Turns     []Turn
}

// backend produces events for one provider stream. It writes to out until
// the stream ends or ctx is done; the caller closes out afterwards. End
// events carry the provider message id in RequestID.
type backend interface {
	name() string
	defaultModel() string
	stream(ctx context.Context, p streamParams, out chan<- item)
}

// ProviderDialer opens a Conn for the provider named in the credentials.
type ProviderDialer struct{}

func (ProviderDialer) Dial(ctx context.Context, creds credentials.Credentials) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var b backend
	switch creds.Provider {
	case ProviderAnthropic:
		b = newAnthropicBackend(creds)
	case ProviderOpenAI:
		b = newOpenAIBackend(creds)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, creds.Provider)
	}
	return NewConversation(b), nil
}

// Conversation implements Conn on top of a backend.
type Conversation struct {
	backend backend

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conversationID string
	history        []Turn
	closed         bool
}

func NewConversation(b backend) *Conversation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conversation{backend: b, ctx: ctx, cancel: cancel}
}

func (c *Conversation) Generate(ctx context.Context, req Request) (EventSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	if req.ConversationID != "" {
		c.conversationID = req.ConversationID
	}
	if c.conversationID == "" {
		c.conversationID = uuid.Must(uuid.NewV7()).String()
	}
	conversationID := c.conversationID
	userTurn := Turn{Role: RoleUser, Content: RenderPrompt(req)}
	turns := append(append([]Turn(nil), c.history...), userTurn)
	c.mu.Unlock()

	model := req.Model
	if model == "" {
		model = c.backend.defaultModel()
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := streamParams{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Turns:     turns,
	}

	streamCtx, cancel := context.WithCancel(c.ctx)
	raw := make(chan item)
	go func() {
		defer close(raw)
		c.backend.stream(streamCtx, params, raw)
	}()

	out := make(chan item)
	go c.relay(streamCtx, raw, out, conversationID, userTurn)

	return newChanSource(streamCtx, out, cancel), nil
}

// relay stamps end events with the conversation id and records the
// completed exchange in the history.
func (c *Conversation) relay(ctx context.Context, in <-chan item, out chan<- item, conversationID string, userTurn Turn) {
	defer close(out)

	var body strings.Builder
	for it := range in {
		if it.err == nil {
			switch it.event.Type {
			case EventTypeContent:
				body.WriteString(it.event.Content)
			case EventTypeEnd:
				it.event.ConversationID = conversationID
				c.record(userTurn, Turn{Role: RoleAssistant, Content: body.String()})
			}
		}
		if !send(ctx, out, it) {
			return
		}
	}
}

func (c *Conversation) record(turns ...Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, turns...)
}

// Provider names the remote service behind the conversation.
func (c *Conversation) Provider() string {
	return c.backend.name()
}

// History returns a copy of the recorded turns.
func (c *Conversation) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.history...)
}

// Close cancels every open stream. Safe to call more than once.
func (c *Conversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return nil
}

// RenderPrompt prefixes the prompt with the editor context, if any.
func RenderPrompt(req Request) string {
	state := req.EditorState
	if state == nil || state.Document == nil {
		return req.Prompt
	}

	var b strings.Builder
	doc := state.Document
	fmt.Fprintf(&b, "File: %s", doc.RelativeFilePath)
	if doc.LanguageID != "" {
		fmt.Fprintf(&b, " (%s)", doc.LanguageID)
	}
	b.WriteString("\n")
	if state.Cursor != nil {
		fmt.Fprintf(&b, "Cursor: line %d, character %d\n", state.Cursor.Start.Line+1, state.Cursor.Start.Character+1)
	}
	fmt.Fprintf(&b, "```%s\n%s", doc.LanguageID, doc.Text)
	if !strings.HasSuffix(doc.Text, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n\n")
	b.WriteString(req.Prompt)
	return b.String()
}

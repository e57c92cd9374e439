package lsp

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tabchat/server/chat"
	"github.com/tabchat/server/credentials"
	"github.com/tabchat/server/editor"
	"github.com/tabchat/server/generate"
	"github.com/tabchat/server/session"
	"github.com/tabchat/server/settings"
	"github.com/tabchat/server/telemetry"
	"github.com/tabchat/server/transcript"
)

// connState tracks per-connection state. Every client gets its own documents,
// sessions and telemetry so tab ids never collide across connections.
type connState struct {
	connID   string
	log      *slog.Logger
	notifier *JSONRPCNotifier

	documents  *editor.Documents
	extractor  *editor.Extractor
	sessions   *session.Store
	tracker    *telemetry.Tracker
	controller *chat.Controller

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	exited      bool
	inflight    map[string]context.CancelFunc
}

func newConnState(connID string, log *slog.Logger, dialer generate.Dialer, creds credentials.Provider, tokenBudget int) *connState {
	docs := editor.NewDocuments()
	return &connState{
		connID:    connID,
		log:       log,
		notifier:  &JSONRPCNotifier{},
		documents: docs,
		extractor: editor.NewExtractor(docs, tokenBudget),
		sessions:  session.NewStore(dialer, creds),
		inflight:  make(map[string]context.CancelFunc),
	}
}

func (s *connState) bindController(sink telemetry.Sink, transcripts transcript.Store, options func() chat.GenerationOptions) {
	s.tracker = telemetry.NewTracker(sink)
	s.controller = chat.NewController(chat.Config{
		Sessions:    s.sessions,
		Tracker:     s.tracker,
		Extractor:   s.extractor,
		Progress:    s.notifier,
		Transcripts: transcripts,
		Options:     options,
		Log:         s.log,
	})
}

func (s *connState) setConn(conn *jsonrpc2.Conn) {
	s.notifier.bind(conn)
}

func (s *connState) applySettings(st settings.Settings, creds credentials.Provider) {
	s.sessions.SetCredentialsProvider(creds)
	s.extractor.SetTokenBudget(st.ContextTokenBudget)
}

func (s *connState) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// markInitialized reports false if the connection was already initialized.
func (s *connState) markInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return false
	}
	s.initialized = true
	return true
}

func (s *connState) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *connState) markShutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

func (s *connState) markExited() {
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
}

func (s *connState) exitedWithoutShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited && !s.shutdown
}

// trackRequest derives a context that $/cancelRequest can cancel.
func (s *connState) trackRequest(ctx context.Context, id jsonrpc2.ID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	key := id.String()

	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		cancel()
	}
}

// cancelRequest reports whether a request with id was in flight.
func (s *connState) cancelRequest(id jsonrpc2.ID) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[id.String()]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *connState) cleanup() {
	s.mu.Lock()
	for key, cancel := range s.inflight {
		cancel()
		delete(s.inflight, key)
	}
	s.mu.Unlock()

	s.sessions.Close()
}

func (s *Server) generationOptions() chat.GenerationOptions {
	st := s.currentSettings()
	return chat.GenerationOptions{
		Model:        st.Model,
		MaxTokens:    st.MaxTokens,
		SystemPrompt: st.SystemPrompt,
	}
}

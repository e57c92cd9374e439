// Package lsp serves the chat protocol as JSON-RPC 2.0, framed with LSP
// headers on stdio or as text messages over a WebSocket.
package lsp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/tabchat/server/credentials"
	"github.com/tabchat/server/generate"
	"github.com/tabchat/server/logger"
	"github.com/tabchat/server/settings"
	"github.com/tabchat/server/telemetry"
	"github.com/tabchat/server/transcript"
)

const (
	serverName   = "tabchat"
	closeTimeout = 2 * time.Second
)

// ErrExitWithoutShutdown is returned when the client sent exit before shutdown.
var ErrExitWithoutShutdown = errors.New("exit received before shutdown")

// CredentialsFunc builds the credentials provider for the given settings.
type CredentialsFunc func(settings.Settings) credentials.Provider

// EnvCredentials reads the provider's API key from the environment and falls
// back to the key in settings.
func EnvCredentials(s settings.Settings) credentials.Provider {
	return credentials.NewEnvProvider(string(s.Provider), s.APIKey, s.BaseURL)
}

type Config struct {
	Version     string
	DevMode     bool
	Settings    *settings.Store
	Dialer      generate.Dialer
	Transcripts transcript.Store
	// Metrics is shared by every connection. Optional.
	Metrics     *telemetry.PrometheusSink
	Credentials CredentialsFunc
}

// Server owns the shared collaborators and tracks live connections.
type Server struct {
	version     string
	devMode     bool
	settings    *settings.Store
	dialer      generate.Dialer
	transcripts transcript.Store
	metrics     *telemetry.PrometheusSink
	credentials CredentialsFunc

	mu    sync.Mutex
	conns map[string]*connState
}

func NewServer(cfg Config) *Server {
	s := &Server{
		version:     cfg.Version,
		devMode:     cfg.DevMode,
		settings:    cfg.Settings,
		dialer:      cfg.Dialer,
		transcripts: cfg.Transcripts,
		metrics:     cfg.Metrics,
		credentials: cfg.Credentials,
		conns:       make(map[string]*connState),
	}
	if s.credentials == nil {
		s.credentials = EnvCredentials
	}
	if s.dialer == nil {
		s.dialer = generate.ProviderDialer{}
	}
	return s
}

// ApplySettings reconfigures every live connection.
func (s *Server) ApplySettings(st settings.Settings) {
	s.mu.Lock()
	conns := make([]*connState, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.applySettings(st, s.credentials(st))
	}
	slog.Info("settings applied", "provider", st.Provider, "model", st.Model, "connections", len(conns))
}

// SessionCount reports the live sessions across all connections.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		n += c.sessions.Len()
	}
	return n
}

// ConnCount reports the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) currentSettings() settings.Settings {
	if s.settings == nil {
		return settings.Default()
	}
	return s.settings.Get()
}

// ServeStdio serves a single client on in and out until it exits or ctx is done.
func (s *Server) ServeStdio(ctx context.Context, in io.ReadCloser, out io.WriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(stdrwc{in: in, out: out}, jsonrpc2.VSCodeObjectCodec{})
	return s.HandleStream(ctx, stream)
}

// ServeHTTP accepts a WebSocket connection and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	if err := s.HandleStream(r.Context(), newWebSocketStream(conn)); err != nil {
		slog.Warn("websocket client exited uncleanly", "error", err)
	}
}

// HandleStream serves one connection and blocks until it is closed.
func (s *Server) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream) error {
	log, connID := logger.NewConnLogger()
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "connection crashed", "connId", connID)
		}
	}()

	log.Info("new connection")

	state := s.newConnState(connID, log)
	handler := &methodHandler{Server: s, state: state, log: log}

	s.mu.Lock()
	s.conns[connID] = state
	s.mu.Unlock()

	rpcConn := jsonrpc2.NewConn(ctx, stream, handler)
	state.setConn(rpcConn)

	select {
	case <-rpcConn.DisconnectNotify():
	case <-ctx.Done():
		log.Info("closing connection", "reason", ctx.Err())
		rpcConn.Close()
		select {
		case <-rpcConn.DisconnectNotify():
		case <-time.After(closeTimeout):
			log.Warn("connection did not close in time")
		}
	}

	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()

	state.cleanup()
	log.Info("connection closed")

	if state.exitedWithoutShutdown() {
		return ErrExitWithoutShutdown
	}
	return nil
}

func (s *Server) newConnState(connID string, log *slog.Logger) *connState {
	st := s.currentSettings()
	state := newConnState(connID, log, s.dialer, s.credentials(st), st.ContextTokenBudget)

	sink := telemetry.MultiSink{
		telemetry.NewNotifierSink(state.notifier),
		telemetry.LogSink{Log: log},
	}
	if s.metrics != nil {
		sink = append(sink, s.metrics)
	}
	state.bindController(sink, s.transcripts, s.generationOptions)
	return state
}

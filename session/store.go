// Package session maps chat tabs to their conversation sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tabchat/server/credentials"
	"github.com/tabchat/server/generate"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrStoreClosed        = errors.New("session store closed")
)

// Session is the server-side state of one chat tab. Do not cache references
// across requests; a replaced or removed session is disposed.
type Session struct {
	tabID string
	conn  generate.Conn

	mu             sync.Mutex
	conversationID string

	disposeOnce sync.Once
	done        chan struct{}
}

func newSession(tabID string, conn generate.Conn) *Session {
	return &Session{tabID: tabID, conn: conn, done: make(chan struct{})}
}

func (s *Session) TabID() string { return s.tabID }

// Conn returns the connection handle owned by the session.
func (s *Session) Conn() generate.Conn { return s.conn }

// ConversationID is empty until the first completed response.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

// Done is closed once the session is disposed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Disposed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// dispose releases the connection handle. Only the first call has effect.
func (s *Session) dispose() {
	s.disposeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			slog.Warn("failed to close session connection", "tabId", s.tabID, "error", err)
		}
	})
}

// Store owns the tab → session mapping.
type Store struct {
	dialer generate.Dialer

	mu       sync.Mutex
	creds    credentials.Provider
	sessions map[string]*Session
	closed   bool
}

// NewStore creates a store that opens connections with dialer. creds may be
// nil until the server is configured; Create fails with ErrMissingCredentials
// meanwhile.
func NewStore(dialer generate.Dialer, creds credentials.Provider) *Store {
	return &Store{
		dialer:   dialer,
		creds:    creds,
		sessions: make(map[string]*Session),
	}
}

// SetCredentialsProvider replaces the provider used for sessions created
// from now on. Existing sessions keep their connections.
func (s *Store) SetCredentialsProvider(p credentials.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = p
}

// Create opens a new session for tabID, disposing any session it replaces.
func (s *Store) Create(ctx context.Context, tabID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.createLocked(ctx, tabID)
	if err != nil {
		return nil, err
	}
	if old, exists := s.sessions[tabID]; exists {
		old.dispose()
		slog.Info("session replaced", "tabId", tabID)
	}
	s.sessions[tabID] = sess
	slog.Info("session created", "tabId", tabID)
	return sess, nil
}

// GetOrCreate returns the session for tabID, creating it if absent.
// Returns (session, created, error).
func (s *Store) GetOrCreate(ctx context.Context, tabID string) (*Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, exists := s.sessions[tabID]; exists {
		return sess, false, nil
	}
	sess, err := s.createLocked(ctx, tabID)
	if err != nil {
		return nil, false, err
	}
	s.sessions[tabID] = sess
	slog.Info("session created lazily", "tabId", tabID)
	return sess, true, nil
}

func (s *Store) createLocked(ctx context.Context, tabID string) (*Session, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.creds == nil {
		return nil, ErrMissingCredentials
	}

	creds, err := s.creds.Credentials(ctx)
	if errors.Is(err, credentials.ErrNoCredentials) {
		return nil, fmt.Errorf("%w: %v", ErrMissingCredentials, err)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	conn, err := s.dialer.Dial(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	return newSession(tabID, conn), nil
}

// Get returns the session for tabID or ErrSessionNotFound. Never creates.
func (s *Store) Get(tabID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[tabID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) Has(tabID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.sessions[tabID]
	return exists
}

// Remove disposes and evicts the session for tabID. Removing an absent tab
// is a no-op.
func (s *Store) Remove(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[tabID]
	if !exists {
		return
	}
	sess.dispose()
	delete(s.sessions, tabID)
	slog.Info("session removed", "tabId", tabID)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disposes every session. Later creates fail with ErrStoreClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for tabID, sess := range s.sessions {
		sess.dispose()
		delete(s.sessions, tabID)
	}
	slog.Info("session store closed")
}

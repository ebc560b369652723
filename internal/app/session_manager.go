package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knd3dayo/ai-chat-util/internal/llmclient"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
)

// Session store defaults.
const (
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultMaxSessions        = 1024
	sweepInterval             = time.Minute
)

// ErrTooManySessions is returned when a new session would exceed
// [SessionManagerConfig.MaxSessions].
var ErrTooManySessions = errors.New("app: too many chat sessions")

// SessionInfo holds metadata about a chat session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`

	// LastUsed is when the last turn completed.
	LastUsed time.Time `json:"last_used"`

	// Turns is the number of messages in the conversation.
	Turns int `json:"turns"`
}

// SessionManagerConfig configures a [SessionManager]. Zero values take the
// Default* constants.
type SessionManagerConfig struct {
	IdleTimeout time.Duration
	MaxSessions int
}

// SessionManager keeps one conversation per session ID. Turns on the same
// session run one at a time; different sessions proceed in parallel.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*chatSession
	idle     time.Duration
	max      int
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type chatSession struct {
	// turn serializes turns; it is held while the LLM call is in flight.
	turn chan struct{}

	// refs counts turns that hold or wait for turn. Guarded by
	// SessionManager.mu; a session with refs > 0 is never swept or
	// removed.
	refs int

	// ended is set by End while turns are pending; the last release
	// removes the session.
	ended bool

	info SessionInfo
	conv llmclient.Conversation
}

// NewSessionManager creates a SessionManager and starts its idle sweeper.
// Call Close to stop it.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultSessionIdleTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	sm := &SessionManager{
		sessions: make(map[string]*chatSession),
		idle:     cfg.IdleTimeout,
		max:      cfg.MaxSessions,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go sm.sweepLoop()
	return sm
}

// NewSessionID returns a fresh random session ID.
func NewSessionID() string { return uuid.NewString() }

// Turn runs fn with the conversation of sessionID and stores the
// conversation fn returns. The session is created on first use. When fn
// fails the stored conversation is left unchanged.
func (sm *SessionManager) Turn(ctx context.Context, sessionID string, fn func(llmclient.Conversation) (string, llmclient.Conversation, error)) (string, error) {
	if sessionID == "" {
		return "", apperr.New(apperr.InvalidContent, "app: session", "session id is empty")
	}
	s, err := sm.acquire(sessionID)
	if err != nil {
		return "", err
	}
	defer sm.release(sessionID, s)

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return "", apperr.Wrap(apperr.Canceled, "app: session", ctx.Err())
	}
	defer func() { <-s.turn }()

	sm.mu.Lock()
	conv, ended := s.conv, s.ended
	sm.mu.Unlock()
	if ended {
		return "", errSessionEnded(sessionID)
	}

	reply, next, err := fn(conv)
	if err != nil {
		return "", err
	}

	sm.mu.Lock()
	s.conv = next
	s.info.LastUsed = sm.now()
	s.info.Turns = next.Len()
	sm.mu.Unlock()
	return reply, nil
}

func (sm *SessionManager) acquire(id string) (*chatSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[id]; ok {
		if s.ended {
			return nil, errSessionEnded(id)
		}
		s.refs++
		return s, nil
	}
	if len(sm.sessions) >= sm.max {
		return nil, apperr.Wrap(apperr.RateLimited, "app: session", ErrTooManySessions)
	}
	now := sm.now()
	s := &chatSession{
		turn: make(chan struct{}, 1),
		info: SessionInfo{SessionID: id, StartedAt: now, LastUsed: now},
		conv: llmclient.NewConversation(),
		refs: 1,
	}
	sm.sessions[id] = s
	slog.Debug("chat session started", "session_id", id)
	return s, nil
}

// release drops the reference taken by acquire and removes an ended
// session once its last turn is done.
func (sm *SessionManager) release(id string, s *chatSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s.refs--
	if s.ended && s.refs == 0 && sm.sessions[id] == s {
		delete(sm.sessions, id)
		slog.Debug("chat session ended", "session_id", id)
	}
}

func errSessionEnded(id string) error {
	return apperr.New(apperr.InvalidContent, "app: session", "session %q has been ended", id)
}

// Info returns the metadata of sessionID.
func (sm *SessionManager) Info(sessionID string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sessionID]
	if !ok || s.ended {
		return SessionInfo{}, false
	}
	return s.info, true
}

// List returns the metadata of all sessions ordered by start time.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		if !s.ended {
			out = append(out, s.info)
		}
	}
	sm.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// End discards sessionID. It returns an error if the session does not exist.
// When turns are in flight the session is removed after the current one
// finishes; queued turns fail, and the ID cannot be reused until then.
func (sm *SessionManager) End(sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sessionID]
	if !ok || s.ended {
		return fmt.Errorf("app: session %q not found", sessionID)
	}
	if s.refs > 0 {
		s.ended = true
		return nil
	}
	delete(sm.sessions, sessionID)
	slog.Debug("chat session ended", "session_id", sessionID)
	return nil
}

// Sweep removes sessions idle for longer than the idle timeout and returns
// how many were removed. Sessions with a turn in flight are kept.
func (sm *SessionManager) Sweep() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	cutoff := sm.now().Add(-sm.idle)
	n := 0
	for id, s := range sm.sessions {
		if s.refs > 0 || s.info.LastUsed.After(cutoff) {
			continue
		}
		delete(sm.sessions, id)
		n++
	}
	return n
}

func (sm *SessionManager) sweepLoop() {
	defer close(sm.done)
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case <-t.C:
			if n := sm.Sweep(); n > 0 {
				slog.Debug("expired idle chat sessions", "count", n)
			}
		}
	}
}

// Close stops the sweeper and drops all sessions. Safe to call more than
// once.
func (sm *SessionManager) Close() error {
	sm.stopOnce.Do(func() {
		close(sm.stop)
		<-sm.done
		sm.mu.Lock()
		clear(sm.sessions)
		sm.mu.Unlock()
	})
	return nil
}

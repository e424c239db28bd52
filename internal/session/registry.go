// Package session tracks per-conversation state. Each session owns an
// append-only message log and a non-owning reference to the agent serving
// it; sessions expire on a sliding idle window and are reaped by a
// background sweep. All state is process-local and lost on restart.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolmux/toolmux/internal/agent"
	"github.com/toolmux/toolmux/internal/observe"
)

// DefaultIdleTimeout is how long a session may sit untouched before the
// sweep removes it.
const DefaultIdleTimeout = 30 * time.Minute

// Message is one entry in a session's conversation log.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a point-in-time view of a conversation. The message slice is a
// copy; mutating it does not affect the registry.
type Session struct {
	ID          string
	AssistantID int64
	UserID      int64
	CreatedAt   time.Time
	LastUsed    time.Time
	Messages    []Message
	Agent       *agent.Agent
}

// Summary is the administrative projection of a session, without message
// bodies.
type Summary struct {
	ID           string    `json:"id"`
	AssistantID  int64     `json:"assistant_id"`
	UserID       int64     `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
	MessageCount int       `json:"message_count"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	UserID      int64
	AssistantID int64
}

type record struct {
	id          string
	assistantID int64
	userID      int64
	createdAt   time.Time
	lastUsed    time.Time
	messages    []Message
	agent       *agent.Agent
}

// ──────────────────────────────────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────────────────────────────────

// Registry owns all live sessions. All access goes through its methods; the
// session map is never exposed.
type Registry struct {
	log         *slog.Logger
	metrics     *observe.Metrics
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*record
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithIdleTimeout overrides the sliding idle window used by SweepExpired.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:         slog.Default(),
		idleTimeout: DefaultIdleTimeout,
		sessions:    make(map[string]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Create registers a new empty session for the given assistant and owner and
// returns its id. Sessions are always creatable; there is no capacity limit
// at this layer.
func (r *Registry) Create(assistantID, userID int64) string {
	now := time.Now()
	rec := &record{
		id:          uuid.NewString(),
		assistantID: assistantID,
		userID:      userID,
		createdAt:   now,
		lastUsed:    now,
	}

	r.mu.Lock()
	r.sessions[rec.id] = rec
	r.mu.Unlock()

	r.metrics.ActiveSessions.Add(context.Background(), 1)
	r.log.Info("session created",
		slog.String("session_id", rec.id),
		slog.Int64("assistant_id", assistantID),
		slog.Int64("user_id", userID))
	return rec.id
}

// Get returns a snapshot of the session and refreshes its last-used time
// (sliding expiry). The second return is false for unknown or closed ids.
// Get performs no assistant-affinity check; callers that care must compare
// AssistantID themselves.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	rec.lastUsed = time.Now()
	return snapshot(rec), true
}

// AppendMessage adds a timestamped entry to the session's log and refreshes
// its last-used time. Returns false if the session does not exist.
func (r *Registry) AppendMessage(id, role, content string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return false
	}
	now := time.Now()
	rec.messages = append(rec.messages, Message{Role: role, Content: content, Timestamp: now})
	rec.lastUsed = now
	return true
}

// BindAgent attaches the agent serving this session. The reference is
// non-owning: closing the session never disposes the agent, whose lifetime
// belongs to the agent cache.
func (r *Registry) BindAgent(id string, a *agent.Agent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return false
	}
	rec.agent = a
	return true
}

// Close removes the session and releases its agent reference. Returns false
// if the session does not exist; closing twice returns false the second time.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	r.log.Info("session closed",
		slog.String("session_id", id),
		slog.Int64("assistant_id", rec.assistantID),
		slog.Int("messages", len(rec.messages)))
	return true
}

// CloseAll removes every session and returns how many were closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	n := len(r.sessions)
	r.sessions = make(map[string]*record)
	r.mu.Unlock()

	if n > 0 {
		r.metrics.ActiveSessions.Add(context.Background(), int64(-n))
		r.log.Info("all sessions closed", slog.Int("count", n))
	}
	return n
}

// SweepExpired removes every session whose last activity is older than the
// idle window relative to now, and returns the eviction count.
func (r *Registry) SweepExpired(now time.Time) int {
	cutoff := now.Add(-r.idleTimeout)

	r.mu.Lock()
	var expired []string
	for id, rec := range r.sessions {
		if rec.lastUsed.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if n := len(expired); n > 0 {
		r.metrics.ActiveSessions.Add(context.Background(), int64(-n))
		r.log.Info("expired sessions swept",
			slog.Int("count", n),
			slog.Duration("idle_timeout", r.idleTimeout))
		return n
	}
	return 0
}

// List returns summaries of all sessions matching the filter, without
// message bodies.
func (r *Registry) List(f Filter) []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.sessions))
	for _, rec := range r.sessions {
		if f.UserID != 0 && rec.userID != f.UserID {
			continue
		}
		if f.AssistantID != 0 && rec.assistantID != f.AssistantID {
			continue
		}
		out = append(out, Summary{
			ID:           rec.id,
			AssistantID:  rec.assistantID,
			UserID:       rec.userID,
			CreatedAt:    rec.createdAt,
			LastUsed:     rec.lastUsed,
			MessageCount: len(rec.messages),
		})
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func snapshot(rec *record) Session {
	msgs := make([]Message, len(rec.messages))
	copy(msgs, rec.messages)
	return Session{
		ID:          rec.id,
		AssistantID: rec.assistantID,
		UserID:      rec.userID,
		CreatedAt:   rec.createdAt,
		LastUsed:    rec.lastUsed,
		Messages:    msgs,
		Agent:       rec.agent,
	}
}

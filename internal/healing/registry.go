package healing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/healerd/internal/breaker"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
)

// Status is a session's lifecycle status.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// SessionInfo is the read-only view of a session.
type SessionInfo struct {
	ID            string                         `json:"id"`
	Status        Status                         `json:"status"`
	ErrorCode     string                         `json:"error_code"`
	ClusterID     string                         `json:"cluster_id"`
	Attempts      int                            `json:"attempts"`
	ErrorCount    int                            `json:"error_count"`
	LastDecision  breaker.Decision               `json:"last_decision,omitempty"`
	BreakerStates map[breaker.Kind]breaker.State `json:"breaker_states"`
	Outcome       envelope.Outcome               `json:"outcome,omitempty"`
	Error         string                         `json:"error,omitempty"`
	CancelRequest bool                           `json:"cancel_requested,omitempty"`
	StartedAt     time.Time                      `json:"started_at"`
	FinishedAt    *time.Time                     `json:"finished_at,omitempty"`
}

type session struct {
	id        string
	pair      *breaker.Pair
	cancelled atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once

	// guarded by Registry.mu
	info SessionInfo
	env  envelope.Envelope
}

// Registry tracks running sessions and retains recently finished ones.
type Registry struct {
	retain int

	mu       sync.RWMutex
	sessions map[string]*session
	finished []string
}

// NewRegistry creates a registry keeping up to retain finished sessions.
func NewRegistry(retain int) *Registry {
	return &Registry{
		retain:   retain,
		sessions: make(map[string]*session),
	}
}

func (r *Registry) start(env envelope.Envelope, pair *breaker.Pair, errorCount int, now time.Time) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[env.SessionID]; ok {
		if existing.info.Status == StatusRunning {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, env.SessionID)
		}
		r.dropFinished(env.SessionID)
	}

	s := &session{
		id:   env.SessionID,
		pair: pair,
		stop: make(chan struct{}),
		env:  env,
		info: SessionInfo{
			ID:            env.SessionID,
			Status:        StatusRunning,
			ErrorCode:     env.Packet.ErrorCode,
			ClusterID:     env.Packet.ClusterID,
			ErrorCount:    errorCount,
			BreakerStates: pair.States(),
			StartedAt:     now,
		},
	}
	r.sessions[s.id] = s
	return s, nil
}

func (r *Registry) update(s *session, env envelope.Envelope, errorCount int, decision breaker.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.env = env
	s.info.Attempts = len(env.Attempts)
	s.info.ErrorCount = errorCount
	if decision != "" {
		s.info.LastDecision = decision
	}
	s.info.BreakerStates = s.pair.States()
}

func (r *Registry) finish(s *session, env envelope.Envelope, errMsg string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.env = env
	s.info.Status = StatusFinished
	s.info.Attempts = len(env.Attempts)
	s.info.Outcome = env.Outcome
	s.info.Error = errMsg
	s.info.BreakerStates = s.pair.States()
	s.info.FinishedAt = &now

	r.finished = append(r.finished, s.id)
	for len(r.finished) > r.retain {
		oldest := r.finished[0]
		r.finished = r.finished[1:]
		delete(r.sessions, oldest)
	}
}

func (r *Registry) dropFinished(id string) {
	for i, f := range r.finished {
		if f == id {
			r.finished = append(r.finished[:i], r.finished[i+1:]...)
			break
		}
	}
	delete(r.sessions, id)
}

// Session returns the info of one session.
func (r *Registry) Session(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

// Envelope returns a copy of a session's envelope.
func (r *Registry) Envelope(id string) (envelope.Envelope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return envelope.Envelope{}, false
	}
	return s.env.Snapshot(), true
}

// Sessions returns all known sessions, newest first.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Cancel flags a running session for cooperative cancellation. The session
// stops before its next attempt, cutting short any breaker backoff wait.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.info.Status == StatusFinished {
		return nil
	}
	s.cancelled.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })
	s.info.CancelRequest = true
	return nil
}

// watch derives a context that is also cancelled by Cancel. It only guards
// waits inside the loop; calls to collaborators keep the parent context.
func (s *session) watch(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// snapshot copies the info; callers hold r.mu.
func (s *session) snapshot() SessionInfo {
	info := s.info
	info.BreakerStates = make(map[breaker.Kind]breaker.State, len(s.info.BreakerStates))
	for k, v := range s.info.BreakerStates {
		info.BreakerStates[k] = v
	}
	if s.info.FinishedAt != nil {
		t := *s.info.FinishedAt
		info.FinishedAt = &t
	}
	return info
}

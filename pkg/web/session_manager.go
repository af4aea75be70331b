package web

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umputun/varflow/pkg/definition"
	"github.com/umputun/varflow/pkg/engine"
	"github.com/umputun/varflow/pkg/urlstate"
)

// SessionManager maintains the registry of open dashboard sessions.
// each session is keyed by a generated uuid and owns an independent engine
// session; idle sessions are expired by the sweep loop.
type SessionManager struct {
	fetcher   engine.ValueFetcher
	hub       *Hub
	buffer    *Buffer
	pin       bool
	maxFetch  int
	onFailure func(dashboard string, key engine.Key, err error)
	onSuccess func(dashboard string, key engine.Key)

	mu       sync.RWMutex
	sessions map[string]*engine.Session
}

// SessionManagerConfig holds dependencies and policy for the manager.
type SessionManagerConfig struct {
	Fetcher              engine.ValueFetcher
	Hub                  *Hub
	Buffer               *Buffer
	PinURLValues         bool
	MaxConcurrentFetches int

	// hooks for fetch-failure alerting, both optional
	OnFetchFailure func(dashboard string, key engine.Key, err error)
	OnFetchSuccess func(dashboard string, key engine.Key)
}

// NewSessionManager creates a session manager with an empty registry.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		fetcher:   cfg.Fetcher,
		hub:       cfg.Hub,
		buffer:    cfg.Buffer,
		pin:       cfg.PinURLValues,
		maxFetch:  cfg.MaxConcurrentFetches,
		onFailure: cfg.OnFetchFailure,
		onSuccess: cfg.OnFetchSuccess,
		sessions:  make(map[string]*engine.Session),
	}
}

// Open creates a session for the given dashboard document, populates it from
// the definition, applies URL-restored values and kicks off the initial load.
// urlQuery may be empty; its var- pairs preselect values before any fetch.
func (m *SessionManager) Open(ctx context.Context, doc *definition.Document, urlQuery string) (*engine.Session, error) {
	id := uuid.NewString()

	cfg := engine.SessionConfig{
		ID:                   id,
		Dashboard:            doc.ID,
		Fetcher:              m.fetcher,
		Sink:                 &sessionSink{sessionID: id, hub: m.hub, buffer: m.buffer},
		PinURLValues:         m.pin,
		MaxConcurrentFetches: m.maxFetch,
	}
	if m.onFailure != nil {
		cfg.OnFetchFailure = func(key engine.Key, err error) { m.onFailure(doc.ID, key, err) }
	}
	if m.onSuccess != nil {
		cfg.OnFetchSuccess = func(key engine.Key) { m.onSuccess(doc.ID, key) }
	}

	session := engine.NewSession(cfg)

	// first pass installs nodes without edges so definition order doesn't
	// matter for parent resolution, the second wires the dependencies
	instances := doc.Instances()
	for _, v := range instances {
		bare := *v
		bare.Parents = nil
		if err := session.AddVariable(&bare); err != nil {
			session.Close()
			return nil, fmt.Errorf("add variable %s: %w", v.Key(), err)
		}
	}
	for _, v := range instances {
		if err := session.AddVariable(v); err != nil {
			session.Close()
			return nil, fmt.Errorf("add variable %s: %w", v.Key(), err)
		}
	}
	for _, p := range doc.EnginePanels() {
		if err := session.AddPanel(p); err != nil {
			log.Printf("[WARN] panel %s of %s has unresolved refs: %v", p.ID, doc.ID, err)
		}
	}

	if urlQuery != "" {
		session.ApplyURLValues(urlstate.Decode(urlQuery))
	}
	session.InitialLoad(ctx)

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	return session, nil
}

// Get returns a session by ID, or nil if not found.
func (m *SessionManager) Get(id string) *engine.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// All returns all open sessions.
func (m *SessionManager) All() []*engine.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*engine.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	return result
}

// Count returns the number of open sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Remove closes a session and removes it from the registry.
// safe to call with an unknown id.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		session.Close()
		m.buffer.DropSession(id)
	}
}

// Run sweeps idle sessions until the context is canceled. sessions unused for
// longer than ttl are closed and dropped. ttl <= 0 disables expiry.
func (m *SessionManager) Run(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		<-ctx.Done()
		return
	}

	sweep := ttl / 4
	if sweep < time.Second {
		sweep = time.Second
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range m.expired(ttl) {
				log.Printf("[DEBUG] expiring idle session %s", id)
				m.Remove(id)
			}
		}
	}
}

// expired returns ids of sessions idle for longer than ttl.
func (m *SessionManager) expired(ttl time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-ttl)
	var ids []string
	for id, s := range m.sessions {
		if s.LastUsed().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close closes all sessions and clears the registry.
func (m *SessionManager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*engine.Session)
	m.mu.Unlock()

	for id, session := range sessions {
		session.Close()
		m.buffer.DropSession(id)
	}
}

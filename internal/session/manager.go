package session

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/inframinds/agentcore/internal/events"
	"github.com/inframinds/agentcore/internal/mqtt"
	"github.com/inframinds/agentcore/internal/oracle"
	"github.com/inframinds/agentcore/internal/pipeline"
	"github.com/inframinds/agentcore/internal/storage/postgres"
)

// Options configures a Manager. Audit and Broker are optional; the
// engine degrades to in-memory event history without them.
type Options struct {
	Oracle        oracle.Client
	Runner        pipeline.Runner
	ExecutionMode string
	Workdir       string
	Audit         *postgres.Client
	Broker        *mqtt.Client
}

// Manager owns every live session, keyed by id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bridges  map[string]*mqtt.Bridge
	deps     *deps
	audit    *postgres.Client
	broker   *mqtt.Client
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		bridges:  make(map[string]*mqtt.Bridge),
		audit:    opts.Audit,
		broker:   opts.Broker,
	}
	m.deps = &deps{
		oracle:        opts.Oracle,
		runner:        opts.Runner,
		executionMode: opts.ExecutionMode,
		workdir:       opts.Workdir,
	}
	if opts.Audit != nil {
		m.deps.audit = &decisionAuditor{client: opts.Audit}
	}
	return m
}

// Create registers a new idle session, wires its event persistence,
// and starts the MQTT bridge when a broker is configured.
func (m *Manager) Create() *Session {
	s := newSession(m.deps)

	if m.audit != nil {
		s.bus.SetSink(postgres.NewSessionSink(m.audit, s.ID))
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.broker != nil {
		if bridge := mqtt.StartBridge(m.broker, s.bus, s.ID); bridge != nil {
			m.mu.Lock()
			m.bridges[s.ID] = bridge
			m.mu.Unlock()
		}
	}

	_ = s.bus.Emit("info", "session.created", s.ID, map[string]interface{}{
		"created_at": s.CreatedAt.Format(time.RFC3339),
	})
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	return s, nil
}

// List returns session ids ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Remove resets and discards a session, closing its stream and bridge.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown session %q", id)
	}
	delete(m.sessions, id)
	bridge := m.bridges[id]
	delete(m.bridges, id)
	m.mu.Unlock()

	s.Reset()
	if bridge != nil {
		bridge.Stop()
	}
	s.bus.CloseAll()
	return nil
}

// Shutdown closes every session. Called once on process exit.
func (m *Manager) Shutdown() {
	for _, s := range m.List() {
		if err := m.Remove(s.ID); err != nil {
			log.Printf("session: shutdown of %s failed: %v", s.ID, err)
		}
	}
}

// decisionAuditor adapts the Postgres client to the session auditor
// contract, timestamping at write time. Persistence failures are
// logged once per process start, matching the event sink behavior.
type decisionAuditor struct {
	client *postgres.Client
	mu     sync.Mutex
	logged bool
}

func (a *decisionAuditor) AppendDecision(sessionID string, cycle int, trigger string, affectedNodes []string, action, result string) {
	err := a.client.AppendDecision(sessionID, time.Now().UTC(), cycle, trigger, affectedNodes, action, result)
	if err == nil {
		return
	}
	a.mu.Lock()
	first := !a.logged
	a.logged = true
	a.mu.Unlock()
	if first {
		log.Printf("audit: decision persistence failed: %v", err)
	}
}

var _ events.Sink = (*postgres.SessionSink)(nil)

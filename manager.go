package troupe

import (
	"log/slog"
	"sort"
	"sync"
)

// Manager is the registry of agents. It holds the sole owning reference
// to each agent; other components refer to agents by id and look them
// up here.
type Manager struct {
	logger *slog.Logger
	onDrop func(agentID string, dropped Message)

	mu     sync.RWMutex
	agents map[string]*Agent
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// ManagerLogger sets the structured logger.
func ManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// ManagerOnDrop registers a callback for messages shed by full inboxes.
func ManagerOnDrop(fn func(agentID string, dropped Message)) ManagerOption {
	return func(m *Manager) { m.onDrop = fn }
}

// NewManager creates an empty registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: nopLogger,
		agents: make(map[string]*Agent),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds an agent. Re-registering an id fails.
func (m *Manager) Register(a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[a.ID()]; exists {
		return newError(KindInvalidRequest, "manager", "agent %s already registered", a.ID())
	}
	m.agents[a.ID()] = a
	m.logger.Info("agent registered", "agent", a.ID(), "tenant", a.Tenant())
	return nil
}

// Unregister removes an agent by id.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[id]; !exists {
		return newError(KindUnknownAgent, "manager", "unknown agent %s", id)
	}
	delete(m.agents, id)
	m.logger.Info("agent unregistered", "agent", id)
	return nil
}

// Get returns the agent with the given id.
func (m *Manager) Get(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, newError(KindUnknownAgent, "manager", "unknown agent %s", id)
	}
	return a, nil
}

// FindByCapability returns every agent advertising the named
// capability, ordered by id for determinism.
func (m *Manager) FindByCapability(name string) []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agent
	for _, a := range m.agents {
		for _, c := range a.Capabilities() {
			if c.Name == name {
				out = append(out, a)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Agents returns every registered agent id, sorted.
func (m *Manager) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Route delivers a message to its addressee's inbox. Delivery is
// best-effort and at-most-once: a full inbox sheds its oldest message.
func (m *Manager) Route(msg Message) error {
	m.mu.RLock()
	a, ok := m.agents[msg.To]
	m.mu.RUnlock()
	if !ok {
		return newError(KindUnknownAgent, "manager", "unknown recipient %s", msg.To)
	}
	if dropped := a.Deliver(msg); dropped != nil {
		m.logger.Warn("inbox full, dropped oldest",
			"agent", msg.To, "from", dropped.From, "kind", dropped.Kind)
		if m.onDrop != nil {
			m.onDrop(msg.To, *dropped)
		}
	}
	return nil
}

// Broadcast sends a message from one agent to every other registered
// agent. Returns the recipient count.
func (m *Manager) Broadcast(from string, msg Message) int {
	m.mu.RLock()
	recipients := make([]*Agent, 0, len(m.agents))
	for id, a := range m.agents {
		if id != from {
			recipients = append(recipients, a)
		}
	}
	m.mu.RUnlock()

	for _, a := range recipients {
		msg.To = a.ID()
		msg.From = from
		if dropped := a.Deliver(msg); dropped != nil {
			m.logger.Warn("inbox full, dropped oldest", "agent", a.ID(), "from", dropped.From)
			if m.onDrop != nil {
				m.onDrop(a.ID(), *dropped)
			}
		}
	}
	return len(recipients)
}

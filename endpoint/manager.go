package endpoint

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Endpoint is the narrow surface the Manager needs from a concrete
// transport endpoint (transport/udpendpoint.Client, transport/tcpendpoint.
// Client, transport/localendpoint.Client) to track and tear it down; it
// deliberately does not expose Send/Receive, which stay typed per
// transport.
type Endpoint interface {
	ClientID() uint16
	Stop()
}

type registeredEndpoint struct {
	ep            Endpoint
	correlationID uuid.UUID
}

// Manager constructs and looks up endpoints by the client id they were
// created for (spec §4.9 "C9"), the glue layer a routing host uses instead
// of holding transport-specific collections itself.
type Manager struct {
	mu       sync.RWMutex
	byClient map[uint16]registeredEndpoint
}

func NewManager() *Manager {
	return &Manager{byClient: make(map[uint16]registeredEndpoint)}
}

// Register records ep under its client id, stamping it with a fresh
// correlation ID for log/trace correlation across the endpoint's
// lifetime. Returns an error if that id is already registered to a
// different endpoint.
func (m *Manager) Register(ep Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byClient[ep.ClientID()]; ok && existing.ep != ep {
		return fmt.Errorf("endpoint: client id %d already registered", ep.ClientID())
	}
	m.byClient[ep.ClientID()] = registeredEndpoint{ep: ep, correlationID: uuid.New()}
	return nil
}

// Find returns the endpoint registered for clientID, if any.
func (m *Manager) Find(clientID uint16) (Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	re, ok := m.byClient[clientID]
	return re.ep, ok
}

// CorrelationID returns the ID stamped on clientID's endpoint at
// Register time, for tagging log lines across its lifetime.
func (m *Manager) CorrelationID(clientID uint16) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	re, ok := m.byClient[clientID]
	return re.correlationID, ok
}

// Remove unregisters and stops the endpoint for clientID, if present.
func (m *Manager) Remove(clientID uint16) {
	m.mu.Lock()
	re, ok := m.byClient[clientID]
	if ok {
		delete(m.byClient, clientID)
	}
	m.mu.Unlock()
	if ok {
		re.ep.Stop()
	}
}

// StopAll tears down every registered endpoint.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]Endpoint, 0, len(m.byClient))
	for _, re := range m.byClient {
		all = append(all, re.ep)
	}
	m.byClient = make(map[uint16]registeredEndpoint)
	m.mu.Unlock()
	for _, ep := range all {
		ep.Stop()
	}
}

// Len reports how many endpoints are currently registered.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byClient)
}

package endpoint

import (
	"net"
	"sync"
	"time"
)

// ClientsMapEntryTTL bounds how long a clients-map entry survives without a
// matching response, per the Open Question decision recorded in
// DESIGN.md: age entries by wall-clock TTL rather than a hard count cap.
const ClientsMapEntryTTL = 5 * time.Second

// ResponseKey identifies the (service, method, client) triple a server
// tracks pending requests under (spec §4.5 "Response routing").
type ResponseKey struct {
	Service uint16
	Method  uint16
	Client  uint16
}

type responseEntry struct {
	remote     net.Addr
	insertedAt time.Time
}

// ClientsMap is the server-side response-routing table: on receipt of a
// request it records which remote endpoint to answer under which session,
// and on send of a response it is consulted once and the entry removed.
type ClientsMap struct {
	mu      sync.Mutex
	entries map[ResponseKey]map[uint16]responseEntry // key -> session -> entry
}

func NewClientsMap() *ClientsMap {
	return &ClientsMap{entries: make(map[ResponseKey]map[uint16]responseEntry)}
}

// Record stores remote as the destination for a future response to
// (key, session), called when a request is received.
func (m *ClientsMap) Record(key ResponseKey, session uint16, remote net.Addr, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySession, ok := m.entries[key]
	if !ok {
		bySession = make(map[uint16]responseEntry)
		m.entries[key] = bySession
	}
	bySession[session] = responseEntry{remote: remote, insertedAt: now}
}

// Take looks up and removes the destination recorded for (key, session),
// the one-shot lookup a response send performs (spec §4.5).
func (m *ClientsMap) Take(key ResponseKey, session uint16) (net.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySession, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	e, ok := bySession[session]
	if !ok {
		return nil, false
	}
	delete(bySession, session)
	if len(bySession) == 0 {
		delete(m.entries, key)
	}
	return e.remote, true
}

// ClearService removes every entry for key.Service, the special case
// triggered when a response names the Service-Discovery service/method and
// no matching entry is found (spec §4.5).
func (m *ClientsMap) ClearService(service uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if key.Service == service {
			delete(m.entries, key)
		}
	}
}

// Sweep removes every entry older than ClientsMapEntryTTL as of now,
// bounding the map's growth under a request flood with no matching
// response (spec §4.5 "Clients-map growth bound").
func (m *ClientsMap) Sweep(now time.Time) (removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, bySession := range m.entries {
		for session, e := range bySession {
			if now.Sub(e.insertedAt) > ClientsMapEntryTTL {
				delete(bySession, session)
				removed++
			}
		}
		if len(bySession) == 0 {
			delete(m.entries, key)
		}
	}
	return removed
}

// Len reports the total number of tracked (key, session) entries, for
// tests asserting the map does not grow unboundedly.
func (m *ClientsMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, bySession := range m.entries {
		n += len(bySession)
	}
	return n
}

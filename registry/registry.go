package registry

import (
	"os"
	"sync"
)

// Registry is the process-wide state for one network name: the client-id
// allocator and the routing-host lock (spec §4.8 "process-wide state keyed
// by network name").
type Registry struct {
	NetworkName string
	Allocator   *ClientIDAllocator
	lock        *RoutingLock
	isHost      bool
}

var (
	registriesMu sync.Mutex
	registries   = make(map[string]*Registry)
)

// DefaultBaseDir is used by For when no override is supplied; it mirrors
// the conventional vsomeip runtime directory but is injectable so tests
// never touch a real global path (spec §9 design note on global
// singletons).
var DefaultBaseDir = func() string {
	if dir := os.Getenv("SOMEIP_REGISTRY_DIR"); dir != "" {
		return dir
	}
	return os.TempDir() + "/someip-registry"
}()

// For returns the memoized Registry for networkName, creating it (and
// attempting to acquire the routing-host lock) on first use. baseDir
// overrides DefaultBaseDir when non-empty, letting tests scope the lock
// file per-test.
func For(networkName string, baseDir string, diagnosisAddress byte, diagnosisMask uint16, reserved []uint16) (*Registry, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	registriesMu.Lock()
	defer registriesMu.Unlock()

	if r, ok := registries[networkName]; ok {
		return r, nil
	}

	lock, isHost, err := TryAcquire(baseDir, networkName)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		NetworkName: networkName,
		Allocator:   NewClientIDAllocator(diagnosisAddress, diagnosisMask, reserved),
		lock:        lock,
		isHost:      isHost,
	}
	registries[networkName] = r
	return r, nil
}

// IsRoutingHost reports whether this process holds the exclusive lock for
// the registry's network name.
func (r *Registry) IsRoutingHost() bool { return r.isHost }

// Close releases the routing-host lock, if held, and forgets the
// memoized registry so a subsequent For re-attempts acquisition.
func (r *Registry) Close() error {
	registriesMu.Lock()
	delete(registries, r.NetworkName)
	registriesMu.Unlock()
	if r.lock != nil {
		return r.lock.Release()
	}
	return nil
}

// reset clears every memoized registry; used only by tests.
func reset() {
	registriesMu.Lock()
	defer registriesMu.Unlock()
	registries = make(map[string]*Registry)
}

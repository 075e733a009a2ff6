package cache

import (
	"sort"
	"sync"
)

// Factory creates the Store for a named partition. It lets the hosting
// application pick the provider (in-memory or SQLite) and attach
// per-partition policies based on the name.
type Factory func(name string) Store

// Set is the registry of named partitions. Partition names embed the
// version tag of the gateway that created them, so superseded versions can
// be swept by name during activation.
type Set struct {
	mu      sync.Mutex
	factory Factory
	stores  map[string]Store
}

// NewSet creates an empty partition registry using the given factory.
func NewSet(factory Factory) *Set {
	return &Set{
		factory: factory,
		stores:  make(map[string]Store),
	}
}

// Partition returns the store with the given name, creating it if needed.
func (s *Set) Partition(name string) Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[name]; ok {
		return store
	}
	store := s.factory(name)
	s.stores[name] = store
	return store
}

// Get returns the store with the given name without creating it.
func (s *Set) Get(name string) (Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	return store, ok
}

// Delete clears and removes the named partition.
// Deleting an unknown partition is a no-op.
func (s *Set) Delete(name string) error {
	s.mu.Lock()
	store, ok := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return store.Clear()
}

// Names returns the names of all existing partitions, sorted.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

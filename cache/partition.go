package cache

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrMiss is returned when no entry exists for the requested key.
	ErrMiss = errors.New("cache miss")
	// ErrExpired is returned when an entry existed but was past its
	// freshness window. The entry is purged before returning.
	ErrExpired = errors.New("cache entry expired")
)

// Entry is a stored response. Only GET responses in the success range are
// ever stored; the strategy layer enforces that before calling Put.
type Entry struct {
	Key        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
	// TTL is the freshness window for this entry. Zero means the entry
	// never expires on its own (it can still be evicted or cleared).
	TTL time.Duration
}

// Expired reports whether the entry is past its freshness window at t.
func (e *Entry) Expired(t time.Time) bool {
	if e.TTL == 0 {
		return false
	}
	return t.After(e.StoredAt.Add(e.TTL))
}

// Store is a single named cache partition.
//
// Implementations must be thread-safe. Writes to one partition are
// serialized; different partitions never share locks.
type Store interface {
	// Get returns the entry for the given key.
	// Expired entries are purged and reported via ErrExpired.
	Get(key string) (*Entry, error)
	// Put stores the entry, evicting oldest-inserted entries first if the
	// partition has a capacity limit. Replacing an existing key keeps the
	// key's original insertion position.
	Put(e *Entry) error
	// Delete removes the entry for the given key, if present.
	Delete(key string) error
	// Keys returns all keys in insertion order, oldest first.
	Keys() ([]string, error)
	// Len returns the number of stored entries.
	Len() (int, error)
	// Clear removes all entries.
	Clear() error
}

type memSlot struct {
	entry *Entry
	seq   uint64
}

// Partition is the in-memory Store implementation.
// Eviction is strictly first-in-first-out by insertion sequence; reads
// never affect eviction order.
type Partition struct {
	name       string
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	slots   map[string]*memSlot
	order   []string
	nextSeq uint64
}

// PartitionOption configures a Partition.
type PartitionOption func(*Partition)

// WithMaxEntries sets a capacity limit. Inserting beyond the limit evicts
// the oldest-inserted entries until there is room.
func WithMaxEntries(n int) PartitionOption {
	return func(p *Partition) { p.maxEntries = n }
}

// WithDefaultTTL sets the freshness window applied to entries stored
// without an explicit TTL.
func WithDefaultTTL(d time.Duration) PartitionOption {
	return func(p *Partition) { p.defaultTTL = d }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) PartitionOption {
	return func(p *Partition) { p.now = now }
}

// NewPartition creates an in-memory partition with the given name.
func NewPartition(name string, opts ...PartitionOption) *Partition {
	p := &Partition{
		name:  name,
		now:   time.Now,
		slots: make(map[string]*memSlot),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

func (p *Partition) Get(key string) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[key]
	if !ok {
		return nil, ErrMiss
	}
	if slot.entry.Expired(p.now()) {
		p.removeLocked(key)
		return nil, ErrExpired
	}
	return slot.entry, nil
}

func (p *Partition) Put(e *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.TTL == 0 {
		e.TTL = p.defaultTTL
	}
	if slot, ok := p.slots[e.Key]; ok {
		// replacement keeps the original insertion position
		slot.entry = e
		return nil
	}
	if p.maxEntries > 0 {
		for len(p.slots) >= p.maxEntries {
			p.evictOldestLocked()
		}
	}
	p.slots[e.Key] = &memSlot{entry: e, seq: p.nextSeq}
	p.order = append(p.order, e.Key)
	p.nextSeq++
	return nil
}

func (p *Partition) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(key)
	return nil
}

func (p *Partition) Keys() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, len(p.order))
	copy(keys, p.order)
	return keys, nil
}

func (p *Partition) Len() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots), nil
}

func (p *Partition) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = make(map[string]*memSlot)
	p.order = nil
	return nil
}

func (p *Partition) evictOldestLocked() {
	if len(p.order) == 0 {
		return
	}
	p.removeLocked(p.order[0])
}

func (p *Partition) removeLocked(key string) {
	if _, ok := p.slots[key]; !ok {
		return
	}
	delete(p.slots, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

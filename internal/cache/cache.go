package cache

import (
	"errors"
	"fmt"
	"sync"
)

// ErrMiss is returned when no entry exists for an (epoch, step) key.
var ErrMiss = errors.New("reference logprob cache miss")

// Entry holds reference log-probabilities for one batch.
type Entry struct {
	Chosen   []float64
	Rejected []float64
}

func (e Entry) clone() Entry {
	return Entry{
		Chosen:   append([]float64(nil), e.Chosen...),
		Rejected: append([]float64(nil), e.Rejected...),
	}
}

// Store holds reference log-probs keyed by epoch and step within the epoch.
// A store is written once by the cache builder and only read afterwards.
type Store interface {
	// Put records the entry for a batch. Sealed epochs are read-only.
	Put(epoch, step int, e Entry) error
	// Get returns the entry for a batch or ErrMiss.
	Get(epoch, step int) (Entry, error)
	// Seal marks an epoch complete.
	Seal(epoch int) error
	// Len returns the number of cached batches.
	Len() int
	Close() error
}

type key struct {
	epoch int
	step  int
}

// MemoryStore keeps every entry in memory.
type MemoryStore struct {
	data   map[key]Entry
	sealed map[int]bool
	mu     sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[key]Entry),
		sealed: make(map[int]bool),
	}
}

func (c *MemoryStore) Put(epoch, step int, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed[epoch] {
		return fmt.Errorf("epoch %d is sealed", epoch)
	}
	c.data[key{epoch, step}] = e.clone()
	return nil
}

func (c *MemoryStore) Get(epoch, step int) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Callers get their own slices; entries are immutable once stored.
	if e, ok := c.data[key{epoch, step}]; ok {
		return e.clone(), nil
	}
	return Entry{}, fmt.Errorf("%w: epoch %d step %d", ErrMiss, epoch, step)
}

func (c *MemoryStore) Seal(epoch int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed[epoch] = true
	return nil
}

func (c *MemoryStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *MemoryStore) Close() error { return nil }

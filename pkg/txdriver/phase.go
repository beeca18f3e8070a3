package txdriver

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Phase is the discrete state of one tracked transaction
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseChecking          Phase = "checking"
	PhaseAwaitingSignature Phase = "awaiting-signature"
	PhasePending           Phase = "pending"
	PhaseReplaced          Phase = "replaced"
	PhaseSuccess           Phase = "success"
	PhaseError             Phase = "error"
)

// Busy reports whether a new submission for the same key must be dropped
func (p Phase) Busy() bool {
	return p == PhaseAwaitingSignature || p == PhasePending || p == PhaseReplaced
}

// Terminal reports whether the phase is an end state
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseError
}

// Record tracks one transaction per target key
type Record struct {
	Phase        Phase
	Hash         common.Hash
	ErrorMessage string
}

// Listener observes phase changes on a table
type Listener func(key string, rec Record)

// Table is the observable phase table the presentation layer renders. It is
// owned exclusively by one driver instance.
type Table struct {
	mu        sync.RWMutex
	records   map[string]Record
	listeners []Listener
}

// NewTable creates an empty phase table
func NewTable() *Table {
	return &Table{records: make(map[string]Record)}
}

// Get returns the record for a key; an untracked key reads as idle
func (t *Table) Get(key string) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[key]
	if !ok {
		return Record{Phase: PhaseIdle}
	}
	return rec
}

// Snapshot returns a copy of every tracked record
func (t *Table) Snapshot() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Record, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}

// Subscribe registers a listener for phase changes
func (t *Table) Subscribe(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// set stores a record and notifies listeners outside the lock
func (t *Table) set(key string, rec Record) {
	t.mu.Lock()
	t.records[key] = rec
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(key, rec)
	}
}

// reset clears a record back to idle
func (t *Table) reset(key string) {
	t.mu.Lock()
	delete(t.records, key)
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(key, Record{Phase: PhaseIdle})
	}
}

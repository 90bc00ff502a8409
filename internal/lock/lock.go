// Package lock provides the mutex types used to guard the engine's shared
// in-memory state (scheduled entries, active-sync records, pool admission).
//
// It wraps github.com/sasha-s/go-deadlock instead of sync.RWMutex so that a
// lock-ordering mistake between the scheduler, the pool and a worker shows up
// as a loud deadlock report instead of a hang during an incident.
package lock

import (
	"github.com/sasha-s/go-deadlock"
)

// RWMutex is a drop-in replacement for sync.RWMutex with deadlock detection.
type RWMutex struct {
	mu deadlock.RWMutex
}

func (m *RWMutex) Lock()    { m.mu.Lock() }
func (m *RWMutex) Unlock()  { m.mu.Unlock() }
func (m *RWMutex) RLock()   { m.mu.RLock() }
func (m *RWMutex) RUnlock() { m.mu.RUnlock() }

// TryLock returns false immediately if the lock is currently held.
func (m *RWMutex) TryLock() bool { return m.mu.TryLock() }

// TryRLock returns false immediately if the lock is currently held exclusively.
func (m *RWMutex) TryRLock() bool { return m.mu.TryRLock() }

// Mutex is a drop-in replacement for sync.Mutex with deadlock detection.
type Mutex struct {
	mu deadlock.Mutex
}

func (m *Mutex) Lock()         { m.mu.Lock() }
func (m *Mutex) Unlock()       { m.mu.Unlock() }
func (m *Mutex) TryLock() bool { return m.mu.TryLock() }

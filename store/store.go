// Package store defines the contract the engine requires from the external
// persistence layer: read repo pairs, update their last-sync status, and
// append sync log entries. The HTTP/REST surface and the actual database
// are external collaborators; this package only names the shapes the core
// depends on, plus (in the memstore subpackage) a reference implementation
// so the engine is runnable and testable standalone.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mirrorbot/repo-mirror/credentials"
)

// Error reports a store-level failure (connection, not-found, serialization).
// NotFound distinguishes "the pair was deleted out from under us" (which
// callers treat as a quiet no-op) from genuine backend failures.
type Error struct {
	Op       string
	PairID   string
	NotFound bool
	Err      error
}

func (e *Error) Error() string {
	if e.PairID != "" {
		return e.Op + " " + e.PairID + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is returned (wrapped in *Error) when a requested pair no longer exists.
var ErrNotFound = errors.New("repo pair not found")

// SyncStatus is the outcome of a single sync attempt.
type SyncStatus string

const (
	StatusSuccess SyncStatus = "success"
	StatusError   SyncStatus = "error"
	StatusAborted SyncStatus = "aborted"
)

// RepoPair is the subset of a registered mirror pair's fields the core reads.
// The core treats it as immutable between reschedules: callers must
// re-fetch (via Store.GetRepoPair) rather than mutate a cached copy.
type RepoPair struct {
	ID                string
	SourceURL         string
	DestinationURL    string
	SourceCredentials credentials.Credentials
	DestCredentials   credentials.Credentials
	SyncIntervalMins  int
	Enabled           bool
	SyncBranches      []string
	SyncTags          bool
	LastSyncStatus    SyncStatus
	LastSyncError     string
	LastSyncAt        time.Time
	SyncCount         int
}

// SyncLogEntry records the outcome of one worker invocation. Written exactly
// once, in the worker's finalization step, never mutated afterward.
type SyncLogEntry struct {
	PairID          string
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds float64
	Status          SyncStatus
	Message         string
	Error           string
	BranchesSynced  []string
	TagsSynced      int
	SourceURL       string
	DestinationURL  string
}

// StatusUpdate is the set of RepoPair fields the worker's finalization step
// writes back after a sync attempt.
type StatusUpdate struct {
	Status    SyncStatus
	Error     string
	SyncedAt  time.Time
	SyncCount int
}

// Store is the persistence contract the engine requires. Implementations
// must be safe for concurrent use: the pool may invoke GetRepoPair and
// UpdateSyncStatus for distinct pairs concurrently.
type Store interface {
	// GetAllRepoPairs returns every registered pair, enabled or not; the
	// scheduler is responsible for filtering on Enabled.
	GetAllRepoPairs(ctx context.Context) ([]RepoPair, error)

	// GetRepoPair fetches one pair's current snapshot. Returns an *Error
	// with NotFound set if the pair does not exist.
	GetRepoPair(ctx context.Context, pairID string) (RepoPair, error)

	// UpdateSyncStatus applies the result of a finished sync attempt. A
	// NotFound pair is not an error here: the pair may have been deleted
	// while the sync was running, and the update is simply dropped.
	UpdateSyncStatus(ctx context.Context, pairID string, update StatusUpdate) error

	// AddSyncLog appends one immutable log entry.
	AddSyncLog(ctx context.Context, entry SyncLogEntry) error
}

// Package worker wraps one mirror operation attempt with the surrounding
// lifecycle: snapshot load, retry-with-backoff, logging, and finalization.
// Once the pair's snapshot has loaded, exactly one SyncLogEntry and one
// UpdateSyncStatus call are written per Run, regardless of outcome; a Run
// whose pair cannot be loaded writes neither.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mirrorbot/repo-mirror/credentials"
	"github.com/mirrorbot/repo-mirror/internal/gitrunner"
	"github.com/mirrorbot/repo-mirror/internal/lock"
	"github.com/mirrorbot/repo-mirror/store"
	"github.com/mirrorbot/repo-mirror/syncop"
)

// Clock abstracts time.Now/time.Sleep so retry-backoff timing is testable
// without a real 5-30s sleep.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration, abort <-chan struct{}) (aborted bool)
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration, abort <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-abort:
		return true
	case <-ctx.Done():
		return true
	}
}

// Policy configures retry behavior. BackoffUnit defaults to 5s; the sleep
// before retry attempt N is N x BackoffUnit, so backoff grows linearly, not
// exponentially.
type Policy struct {
	RetryOnFailure bool
	RetryCount     int
	BackoffUnit    time.Duration
}

func (p Policy) backoffUnit() time.Duration {
	if p.BackoffUnit > 0 {
		return p.BackoffUnit
	}
	return 5 * time.Second
}

// MetricsRecorder receives one observation per finished sync attempt. It is
// satisfied by *engine.Metrics; kept as an interface here so worker has no
// dependency on the engine package.
type MetricsRecorder interface {
	Record(pairID string, status store.SyncStatus, start time.Time)
}

// Worker runs one pair's full sync attempt, including retries, against a
// store and a mirror operation.
type Worker struct {
	Store        store.Store
	Op           *syncop.Op
	Materializer *credentials.Materializer
	// Policy is the initial retry policy. Once the Worker may be running
	// concurrently with config reloads, use SetPolicy rather than writing
	// this field directly.
	Policy Policy
	// DefaultSyncBranches is applied when a pair carries no sync_branches
	// of its own. Like Policy, use SetDefaultSyncBranches after startup.
	DefaultSyncBranches []string
	Clock               Clock
	Log                 *slog.Logger
	Metrics             MetricsRecorder

	policyMu lock.RWMutex
}

// SetPolicy atomically replaces the retry policy, for live config reloads.
func (w *Worker) SetPolicy(p Policy) {
	w.policyMu.Lock()
	w.Policy = p
	w.policyMu.Unlock()
}

func (w *Worker) currentPolicy() Policy {
	w.policyMu.RLock()
	defer w.policyMu.RUnlock()
	return w.Policy
}

// SetDefaultSyncBranches atomically replaces the branch-filter default, for
// live config reloads.
func (w *Worker) SetDefaultSyncBranches(branches []string) {
	w.policyMu.Lock()
	w.DefaultSyncBranches = branches
	w.policyMu.Unlock()
}

func (w *Worker) defaultSyncBranches() []string {
	w.policyMu.RLock()
	defer w.policyMu.RUnlock()
	return w.DefaultSyncBranches
}

func (w *Worker) clock() Clock {
	if w.Clock != nil {
		return w.Clock
	}
	return RealClock{}
}

func (w *Worker) log() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}

// Run executes one full attempt (initial try plus any configured retries)
// for pairID. Once the pair's snapshot has loaded it writes exactly one
// SyncLogEntry and one UpdateSyncStatus call before returning, regardless of
// outcome; if the pair is missing or the store read fails, it logs and
// returns without writing either. abort, if
// closed before or during the run, short-circuits any sleep or in-flight git
// call and the final status is recorded as aborted.
//
// Run assumes the caller has already claimed pairID's active-record slot
// (see pool.Pool); it does not itself perform the claim/test-and-set.
func (w *Worker) Run(ctx context.Context, pairID string, abort <-chan struct{}) {
	log := w.log().With("pair_id", pairID)

	pair, err := w.Store.GetRepoPair(ctx, pairID)
	if err != nil {
		var storeErr *store.Error
		if errors.As(err, &storeErr) && storeErr.NotFound {
			log.Info("pair no longer exists, skipping sync")
			return
		}
		log.Error("unable to load pair snapshot", "error", err)
		return
	}

	started := w.clock().Now()
	entry := store.SyncLogEntry{
		PairID:         pairID,
		StartedAt:      started,
		SourceURL:      pair.SourceURL,
		DestinationURL: pair.DestinationURL,
	}

	log.Info("starting sync")
	result, syncErr := w.attempt(ctx, pair, abort, log)

	status := store.StatusSuccess
	switch {
	case syncErr == nil:
		entry.Message = result.Message
		entry.BranchesSynced = result.BranchesSynced
		entry.TagsSynced = result.TagsSynced
	case isAborted(syncErr, abort):
		status = store.StatusAborted
		entry.Error = syncErr.Error()
	default:
		status = store.StatusError
		entry.Error = syncErr.Error()
	}

	// Linear backoff: retry attempt N sleeps N*BackoffUnit first. Retries
	// stop early if the abort signal fires during the sleep or an attempt,
	// or on a CredentialError that is not Transient.
	policy := w.currentPolicy()
	var credErr *credentials.CredentialError
	retryable := func(err error) bool { return !errors.As(err, &credErr) || credErr.Transient }
	if status == store.StatusError && policy.RetryOnFailure && retryable(syncErr) {
		for attempt := 1; attempt <= policy.RetryCount; attempt++ {
			if w.clock().Sleep(ctx, time.Duration(attempt)*policy.backoffUnit(), abort) {
				status = store.StatusAborted
				entry.Error = "aborted during retry backoff"
				break
			}

			log.Info("retrying sync", "attempt", attempt)
			result, syncErr = w.attempt(ctx, pair, abort, log)
			if syncErr == nil {
				status = store.StatusSuccess
				entry.Message = "sync succeeded after retry"
				entry.Error = ""
				entry.BranchesSynced = result.BranchesSynced
				entry.TagsSynced = result.TagsSynced
				break
			}

			log.Error("retry failed", "attempt", attempt, "error", syncErr)
			entry.Error = syncErr.Error()
			if isAborted(syncErr, abort) {
				status = store.StatusAborted
				break
			}
			status = store.StatusError
			if !retryable(syncErr) {
				break
			}
		}
	}

	ended := w.clock().Now()
	entry.EndedAt = ended
	entry.DurationSeconds = ended.Sub(started).Seconds()
	entry.Status = status

	if err := w.Store.AddSyncLog(ctx, entry); err != nil {
		log.Error("unable to write sync log", "error", err)
	}

	update := store.StatusUpdate{
		Status:    status,
		Error:     entry.Error,
		SyncedAt:  ended,
		SyncCount: pair.SyncCount + 1,
	}
	if err := w.Store.UpdateSyncStatus(ctx, pairID, update); err != nil {
		log.Error("unable to update sync status", "error", err)
	}

	if w.Metrics != nil {
		w.Metrics.Record(pairID, status, started)
	}

	log.Info("sync finished", "status", status)
}

// attempt runs exactly one mirror operation attempt: materialize
// credentials, invoke syncop, and always clean up any SSH key file it wrote
// before returning.
func (w *Worker) attempt(ctx context.Context, pair store.RepoPair, abort <-chan struct{}, log *slog.Logger) (syncop.Result, error) {
	in, cleanup, err := syncop.AuthorizeInput(ctx, w.Materializer, pair.ID, pair.SourceURL, pair.DestinationURL, pair.SourceCredentials, pair.DestCredentials)
	defer cleanup()
	if err != nil {
		return syncop.Result{}, err
	}

	in.SyncBranches = pair.SyncBranches
	if len(in.SyncBranches) == 0 {
		in.SyncBranches = w.defaultSyncBranches()
	}
	in.SyncTags = pair.SyncTags

	result, err := w.Op.Run(ctx, abort, in)
	if err != nil {
		log.Error("mirror operation failed", "error", err)
	}
	return result, err
}

func isAborted(err error, abort <-chan struct{}) bool {
	if errors.Is(err, gitrunner.Aborted) {
		return true
	}
	select {
	case <-abort:
		return true
	default:
		return false
	}
}

package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mirrorbot/repo-mirror/store"
	"github.com/mirrorbot/repo-mirror/store/memstore"
)

func mustExec(t *testing.T, dir, name string, args ...string) string {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func seedPair(t *testing.T, st *memstore.Store, id string, intervalMinutes int) {
	t.Helper()
	sourceDir := filepath.Join(t.TempDir(), "source")
	mustExec(t, filepath.Dir(sourceDir), "git", "init", "-q", "-b", "main", sourceDir)
	mustExec(t, sourceDir, "git", "config", "user.email", "test@example.com")
	mustExec(t, sourceDir, "git", "config", "user.name", "test")
	mustExec(t, sourceDir, "git", "commit", "--allow-empty", "-q", "-m", "initial")

	destDir := filepath.Join(t.TempDir(), "dest")
	mustExec(t, filepath.Dir(destDir), "git", "init", "-q", "--bare", destDir)

	st.Seed(store.RepoPair{
		ID:               id,
		SourceURL:        "file://" + sourceDir,
		DestinationURL:   "file://" + destDir,
		SyncIntervalMins: intervalMinutes,
		Enabled:          true,
		SyncBranches:     []string{"*"},
	})
}

func TestEngine_SyncNow(t *testing.T) {
	st := memstore.New()
	seedPair(t, st, "pair-1", 60)

	cfg := Config{WorkRoot: t.TempDir(), MaxConcurrentSyncs: 2}
	e := New(cfg, st, nil, nil)

	e.SyncNow(context.Background(), "pair-1")

	deadline := time.After(5 * time.Second)
	for len(st.Logs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a sync log entry to appear")
		case <-time.After(20 * time.Millisecond):
		}
	}

	logs := st.Logs()
	if logs[0].Status != store.StatusSuccess {
		t.Errorf("expected success, got %+v", logs[0])
	}
}

func TestEngine_StartSchedulesAndReconciles(t *testing.T) {
	st := memstore.New()
	seedPair(t, st, "pair-1", 60)

	cfg := Config{WorkRoot: t.TempDir(), MaxConcurrentSyncs: 2, SchedulerTickInterval: time.Hour}
	e := New(cfg, st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if !e.IsRunning() {
		t.Fatal("expected engine to be running after Start")
	}

	deadline := time.After(5 * time.Second)
	for len(st.Logs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected Start's reconcile to trigger an immediate sync")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEngine_RestartMakesPairsImmediatelyDue(t *testing.T) {
	st := memstore.New()
	seedPair(t, st, "pair-1", 60)

	cfg := Config{WorkRoot: t.TempDir(), MaxConcurrentSyncs: 2, SchedulerTickInterval: time.Hour}
	e := New(cfg, st, nil, nil)

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for len(st.Logs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected the first Start to trigger a sync")
		case <-time.After(20 * time.Millisecond):
		}
	}
	e.Stop()

	// let the first sync fully release its active record, or the restart's
	// reconcile would skip the pair as still-running
	deadline = time.After(5 * time.Second)
	for len(e.ActiveIDs()) != 0 {
		select {
		case <-deadline:
			t.Fatal("first sync never released its active record")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// a restart must re-register every pair with a cleared schedule clock:
	// the pair's 60m interval has not elapsed, yet it syncs again
	if err := e.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer e.Stop()

	deadline = time.After(5 * time.Second)
	for len(st.Logs()) < 2 {
		select {
		case <-deadline:
			t.Fatal("expected a restart to make the pair immediately due again")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEngine_AbortAndActiveIDs(t *testing.T) {
	st := memstore.New()
	st.Seed(store.RepoPair{ID: "missing", SourceURL: "file:///nonexistent", DestinationURL: "file:///nonexistent", Enabled: true})

	cfg := Config{WorkRoot: t.TempDir(), MaxConcurrentSyncs: 1}
	e := New(cfg, st, nil, nil)

	if ids := e.ActiveIDs(); len(ids) != 0 {
		t.Errorf("expected no active syncs initially, got %v", ids)
	}

	e.Abort("nonexistent-pair") // must not panic when nothing is active
}

func TestEngine_UpdateConfig(t *testing.T) {
	st := memstore.New()
	cfg := Config{WorkRoot: t.TempDir(), MaxConcurrentSyncs: 1}
	e := New(cfg, st, nil, nil)

	e.UpdateConfig(Config{WorkRoot: cfg.WorkRoot, MaxConcurrentSyncs: 5, RetryOnFailure: true, RetryCount: 2})

	got := e.CurrentConfig()
	if got.MaxConcurrentSyncs != 5 || !got.RetryOnFailure || got.RetryCount != 2 {
		t.Errorf("unexpected config after update: %+v", got)
	}
}

func TestEngine_CleanupOrphanedDirs(t *testing.T) {
	st := memstore.New()
	workRoot := t.TempDir()
	seedPair(t, st, "pair-1", 60)

	cfg := Config{WorkRoot: workRoot, MaxConcurrentSyncs: 2}
	e := New(cfg, st, nil, nil)

	e.SyncNow(context.Background(), "pair-1")
	deadline := time.After(5 * time.Second)
	for len(st.Logs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a sync log entry to appear")
		case <-time.After(20 * time.Millisecond):
		}
	}

	orphanDir := filepath.Join(workRoot, "deleted-pair")
	mustExec(t, filepath.Dir(orphanDir), "git", "init", "-q", "--bare", orphanDir)

	if err := e.CleanupOrphanedDirs(context.Background()); err != nil {
		t.Fatalf("CleanupOrphanedDirs: %v", err)
	}

	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Errorf("expected orphaned dir to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(workRoot, "pair-1")); err != nil {
		t.Errorf("expected known pair's mirror dir to survive cleanup: %v", err)
	}
}

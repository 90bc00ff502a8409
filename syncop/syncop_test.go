package syncop

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mirrorbot/repo-mirror/internal/gitrunner"
)

func TestFilterBranches(t *testing.T) {
	branches := []string{"main", "release/1.0", "release/2.0", "feature/x"}

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{name: "empty means all", patterns: nil, want: branches},
		{name: "star sentinel means all", patterns: []string{"main", "*"}, want: branches},
		{name: "exact match", patterns: []string{"main"}, want: []string{"main"}},
		{name: "glob match", patterns: []string{"release/*"}, want: []string{"release/1.0", "release/2.0"}},
		{name: "no match", patterns: []string{"nonexistent"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterBranches(branches, tt.patterns)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("filterBranches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterBranches_dedup(t *testing.T) {
	got := filterBranches([]string{"main", "main"}, []string{"main"})
	if len(got) != 1 {
		t.Errorf("expected duplicates to be suppressed, got %v", got)
	}
}

// --- e2e: real local git repos over file://. ---

func mustInitRepo(t *testing.T, dir, file, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	mustExec(t, dir, "git", "init", "-q", "-b", "main")
	mustExec(t, dir, "git", "config", "user.email", "test@example.com")
	mustExec(t, dir, "git", "config", "user.name", "test")
	mustCommit(t, dir, file, content)
}

func mustCommit(t *testing.T, dir, file, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mustExec(t, dir, "git", "add", file)
	mustExec(t, dir, "git", "commit", "-q", "-m", "commit "+file)
}

func mustExec(t *testing.T, dir string, name string, args ...string) string {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestRun_cloneFilterAndPush(t *testing.T) {
	sourceDir := filepath.Join(t.TempDir(), "source")
	mustInitRepo(t, sourceDir, "a.txt", "one")
	mustExec(t, sourceDir, "git", "branch", "release/1.0")
	mustExec(t, sourceDir, "git", "branch", "feature/x")
	mustExec(t, sourceDir, "git", "tag", "v1.0.0")

	destDir := filepath.Join(t.TempDir(), "dest")
	mustExec(t, filepath.Dir(destDir), "git", "init", "-q", "--bare", destDir)

	workRoot := t.TempDir()
	op := &Op{WorkRoot: workRoot, Runner: &gitrunner.Runner{}}

	in := Input{
		PairID:       "pair-1",
		SourceURL:    "file://" + sourceDir,
		DestURL:      "file://" + destDir,
		SyncBranches: []string{"main", "release/*"},
		SyncTags:     true,
	}

	result, err := op.Run(context.Background(), nil, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantBranches := map[string]bool{"main": true, "release/1.0": true}
	if len(result.BranchesSynced) != len(wantBranches) {
		t.Errorf("expected %d branches synced, got %v", len(wantBranches), result.BranchesSynced)
	}
	for _, b := range result.BranchesSynced {
		if !wantBranches[b] {
			t.Errorf("unexpected branch synced: %q", b)
		}
	}
	if result.TagsSynced != 1 {
		t.Errorf("expected 1 tag synced, got %d", result.TagsSynced)
	}

	// verify the destination actually received the filtered refs
	branchOut := mustExec(t, destDir, "git", "branch")
	if !strings.Contains(branchOut, "main") || !strings.Contains(branchOut, "release/1.0") {
		t.Errorf("destination missing expected branches, got: %q", branchOut)
	}
	if strings.Contains(branchOut, "feature/x") {
		t.Errorf("destination should not have received feature/x, got: %q", branchOut)
	}
}

func TestRun_reusesExistingMirror(t *testing.T) {
	sourceDir := filepath.Join(t.TempDir(), "source")
	mustInitRepo(t, sourceDir, "a.txt", "one")

	destDir := filepath.Join(t.TempDir(), "dest")
	mustExec(t, filepath.Dir(destDir), "git", "init", "-q", "--bare", destDir)

	workRoot := t.TempDir()
	op := &Op{WorkRoot: workRoot, Runner: &gitrunner.Runner{}}

	in := Input{
		PairID:    "pair-2",
		SourceURL: "file://" + sourceDir,
		DestURL:   "file://" + destDir,
	}

	if _, err := op.Run(context.Background(), nil, in); err != nil {
		t.Fatalf("first run: %v", err)
	}

	mustCommit(t, sourceDir, "b.txt", "two")

	result, err := op.Run(context.Background(), nil, in)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(result.BranchesSynced) != 1 {
		t.Errorf("expected main branch synced again, got %v", result.BranchesSynced)
	}

	// mirror directory should have been reused, not recreated
	if _, err := os.Stat(filepath.Join(workRoot, "pair-2", "HEAD")); err != nil {
		t.Errorf("expected mirror dir to still exist: %v", err)
	}
}

func TestRun_branchesOnlyDoesNotPushTags(t *testing.T) {
	sourceDir := filepath.Join(t.TempDir(), "source")
	mustInitRepo(t, sourceDir, "a.txt", "one")
	mustExec(t, sourceDir, "git", "tag", "v1.0.0")

	destDir := filepath.Join(t.TempDir(), "dest")
	mustExec(t, filepath.Dir(destDir), "git", "init", "-q", "--bare", destDir)

	op := &Op{WorkRoot: t.TempDir(), Runner: &gitrunner.Runner{}}

	in := Input{
		PairID:    "pair-3",
		SourceURL: "file://" + sourceDir,
		DestURL:   "file://" + destDir,
		SyncTags:  false,
	}

	result, err := op.Run(context.Background(), nil, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TagsSynced != 0 {
		t.Errorf("expected no tags synced when SyncTags is false, got %d", result.TagsSynced)
	}

	tagOut := mustExec(t, destDir, "git", "tag", "-l")
	if tagOut != "" {
		t.Errorf("expected no tags pushed to destination, got %q", tagOut)
	}
}

// Package syncop implements the filtered mirror protocol against an external
// git binary: clone-or-fetch a source into a local bare mirror, filter its
// branches, rebind a destination remote, and force-push the result.
package syncop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mirrorbot/repo-mirror/credentials"
	"github.com/mirrorbot/repo-mirror/internal/gitrunner"
)

// Input describes one mirror attempt.
type Input struct {
	PairID string

	// SourceURL and DestURL are already credential-authorized (see
	// credentials.Materializer.AuthorizeURL); syncop never logs them.
	SourceURL string
	DestURL   string

	// SSHEnv is the GIT_SSH_COMMAND environment entry to use, or "" if
	// neither side needs SSH. Set via credentials.SelectSSH + PrepareSSH.
	SSHEnv string

	// SyncBranches is an ordered list of shell-glob patterns; the
	// sentinel "*" present anywhere (or an empty list) means sync all
	// local branches.
	SyncBranches []string
	SyncTags     bool
}

// Result reports what a mirror attempt actually did.
type Result struct {
	Message        string
	BranchesSynced []string
	TagsSynced     int
}

// Op runs mirror operations rooted at WorkRoot, one bare clone per pair-id.
type Op struct {
	WorkRoot string
	Runner   *gitrunner.Runner
	Log      *slog.Logger
}

func (o *Op) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

func (o *Op) mirrorDir(pairID string) string {
	return filepath.Join(o.WorkRoot, pairID)
}

// MirrorDir returns the local bare-mirror directory for pairID, for callers
// (e.g. orphaned-directory cleanup) that need to map a pair back to its disk
// location without duplicating the naming scheme.
func (o *Op) MirrorDir(pairID string) string {
	return o.mirrorDir(pairID)
}

func (o *Op) env(in Input) []string {
	env := []string{
		"HOME=" + os.Getenv("HOME"),
		"PATH=" + os.Getenv("PATH"),
		"GIT_TERMINAL_PROMPT=0",
	}
	if in.SSHEnv != "" {
		env = append(env, in.SSHEnv)
	}
	return env
}

// Run performs one full mirror attempt: ensure local mirror, filter
// branches, rebind destination, force-push. Any git failure aborts the
// operation and is returned as *gitrunner.GitError, *gitrunner.TimeoutError,
// or gitrunner.Aborted.
func (o *Op) Run(ctx context.Context, abort <-chan struct{}, in Input) (Result, error) {
	log := o.log().With("pair_id", in.PairID)
	dir := o.mirrorDir(in.PairID)
	env := o.env(in)

	if err := o.ensureMirror(ctx, abort, dir, in, env, log); err != nil {
		return Result{}, fmt.Errorf("ensure local mirror: %w", err)
	}

	allBranches, err := o.listBranches(ctx, abort, dir, env)
	if err != nil {
		return Result{}, fmt.Errorf("list branches: %w", err)
	}

	branches := filterBranches(allBranches, in.SyncBranches)

	// Drop local branches outside the filter so neither push mode sends them
	// (a --mirror push also deletes them at the destination). The next
	// `fetch --all --prune` restores them in the local mirror.
	selected := make(map[string]bool, len(branches))
	for _, b := range branches {
		selected[b] = true
	}
	for _, b := range allBranches {
		if selected[b] {
			continue
		}
		if _, err := o.Runner.Run(ctx, abort, dir, env, "update-ref", "-d", "refs/heads/"+b); err != nil {
			return Result{}, fmt.Errorf("drop unselected branch %s: %w", b, err)
		}
	}

	if err := o.rebindDestination(ctx, abort, dir, in.DestURL, env, log); err != nil {
		return Result{}, fmt.Errorf("rebind destination remote: %w", err)
	}

	if err := o.push(ctx, abort, dir, in.SyncTags, env, log); err != nil {
		return Result{}, fmt.Errorf("push: %w", err)
	}

	tagsSynced := 0
	if in.SyncTags {
		tagsSynced, err = o.countTags(ctx, abort, dir, env)
		if err != nil {
			return Result{}, fmt.Errorf("count tags: %w", err)
		}
	}

	return Result{
		Message:        fmt.Sprintf("mirrored %d branch(es)", len(branches)),
		BranchesSynced: branches,
		TagsSynced:     tagsSynced,
	}, nil
}

// ensureMirror reuses an existing bare mirror (refreshing it with fetch) or
// creates one from scratch. A directory present without a HEAD file is
// treated as corrupt and recreated.
func (o *Op) ensureMirror(ctx context.Context, abort <-chan struct{}, dir string, in Input, env []string, log *slog.Logger) error {
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		log.Info("reusing existing mirror", "dir", dir)
		if _, err := o.Runner.Run(ctx, abort, dir, env, "remote", "set-url", "origin", in.SourceURL); err != nil {
			return err
		}
		_, err := o.Runner.Run(ctx, abort, dir, env, "fetch", "--all", "--prune")
		return err
	}

	if _, err := os.Stat(dir); err == nil {
		log.Warn("removing corrupt mirror directory", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove corrupt mirror dir: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create work root: %w", err)
	}

	log.Info("cloning mirror", "dir", dir)
	_, err := o.Runner.Run(ctx, abort, "", env, "clone", "--mirror", in.SourceURL, dir)
	return err
}

// listBranches parses `git branch` output: one local branch per line, with
// an optional leading "* " marker on the checked-out branch. Mirror clones
// have no "origin/" prefix to strip, unlike a regular clone's remote-tracking
// branches.
func (o *Op) listBranches(ctx context.Context, abort <-chan struct{}, dir string, env []string) ([]string, error) {
	out, err := o.Runner.Run(ctx, abort, dir, env, "branch")
	if err != nil {
		return nil, err
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "* ")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		branches = append(branches, line)
	}
	return branches, nil
}

// filterBranches keeps every branch matching any of the given glob patterns.
// An empty pattern list, or the sentinel "*" appearing anywhere in it, means
// sync everything. Order follows enumeration order; duplicates are dropped.
func filterBranches(branches, patterns []string) []string {
	all := len(patterns) == 0
	for _, p := range patterns {
		if p == "*" {
			all = true
			break
		}
	}

	seen := make(map[string]bool, len(branches))
	var out []string
	for _, b := range branches {
		if seen[b] {
			continue
		}
		if all || matchesAny(b, patterns) {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

func matchesAny(branch string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// rebindDestination adds the destination remote, or retargets it via
// set-url if it already exists. A failed `remote add` (because the remote
// is already registered from a prior sync) is never surfaced as the
// operation's error, only a failed set-url is.
func (o *Op) rebindDestination(ctx context.Context, abort <-chan struct{}, dir, destURL string, env []string, log *slog.Logger) error {
	if _, err := o.Runner.Run(ctx, abort, dir, env, "remote", "add", "destination", destURL); err != nil {
		var gitErr *gitrunner.GitError
		if !errors.As(err, &gitErr) {
			return err
		}
		log.Debug("destination remote already exists, retargeting")
		_, err := o.Runner.Run(ctx, abort, dir, env, "remote", "set-url", "destination", destURL)
		return err
	}
	return nil
}

func (o *Op) push(ctx context.Context, abort <-chan struct{}, dir string, syncTags bool, env []string, log *slog.Logger) error {
	if syncTags {
		log.Debug("pushing mirror with tags")
		_, err := o.Runner.Run(ctx, abort, dir, env, "push", "destination", "--mirror", "--force")
		return err
	}
	log.Debug("pushing branches only")
	_, err := o.Runner.Run(ctx, abort, dir, env, "push", "destination", "--all", "--force")
	return err
}

func (o *Op) countTags(ctx context.Context, abort <-chan struct{}, dir string, env []string) (int, error) {
	out, err := o.Runner.Run(ctx, abort, dir, env, "tag", "-l")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}

// AuthorizeInput resolves both sides' URLs and SSH environment for one pair,
// ready to hand to Run. It is a thin composition of credentials.Materializer
// calls the worker invokes once per attempt so syncop itself never touches
// raw Credentials.
func AuthorizeInput(ctx context.Context, m *credentials.Materializer, pairID, sourceURL, destURL string, sourceCreds, destCreds credentials.Credentials) (in Input, cleanup func(), err error) {
	cleanup = func() {}

	authSource, err := m.AuthorizeURL(ctx, sourceURL, sourceCreds)
	if err != nil {
		return Input{}, cleanup, fmt.Errorf("authorize source url: %w", err)
	}
	authDest, err := m.AuthorizeURL(ctx, destURL, destCreds)
	if err != nil {
		return Input{}, cleanup, fmt.Errorf("authorize destination url: %w", err)
	}

	var sshEnv string
	if creds, side, ok := credentials.SelectSSH(sourceCreds, destCreds); ok {
		env, keyCleanup, err := m.PrepareSSH(pairID, side, creds.PrivateKeyText)
		if err != nil {
			return Input{}, cleanup, fmt.Errorf("prepare ssh key: %w", err)
		}
		sshEnv = env
		cleanup = keyCleanup
	}

	return Input{
		PairID:    pairID,
		SourceURL: authSource,
		DestURL:   authDest,
		SSHEnv:    sshEnv,
	}, cleanup, nil
}

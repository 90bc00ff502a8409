package engine

import (
	"context"
	"os"
	"path/filepath"
)

// CleanupOrphanedDirs removes bare-mirror directories under the work root
// that no longer correspond to a pair in the store. A pair's mirror
// directory is reused across syncs and only recreated when found corrupt,
// so nothing else removes it once its pair is gone; this best-effort startup
// sweep removes bare repositories under the work root whose pair-id is not
// in the store.
func (e *Engine) CleanupOrphanedDirs(ctx context.Context) error {
	pairs, err := e.store.GetAllRepoPairs(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		known[filepath.Base(e.syncOp.MirrorDir(p.ID))] = true
	}

	workRoot := e.CurrentConfig().WorkRoot
	entries, err := os.ReadDir(workRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	runner := e.syncOp.Runner
	for _, entry := range entries {
		if !entry.IsDir() || known[entry.Name()] {
			continue
		}
		fullPath := filepath.Join(workRoot, entry.Name())
		if !runner.IsBareRepo(ctx, fullPath) {
			continue
		}
		e.log.Info("removing orphaned mirror dir", "path", fullPath)
		if err := os.RemoveAll(fullPath); err != nil {
			e.log.Error("unable to remove orphaned mirror dir", "path", fullPath, "error", err)
		}
	}
	return nil
}

package jobmgr

import (
	"context"
	"strings"
)

// isSafePath reports whether path falls under one of the configured
// safe-root prefixes, the allow-list check spec.md §4.8 requires before
// any transaction-driven deletion. Grounded on vfs.VFileSystem's
// scheme/path validation style: a prefix match against a known-good set
// rather than a blocklist of dangerous paths. The comparison is
// case-insensitive (spec.md §8 testable property 7), inherited from the
// original implementation's Windows path semantics, so a safe root
// configured as "/SAFE/" still matches a stored path under "/safe/x".
func isSafePath(path string, safeRoots []string) bool {
	upperPath := strings.ToUpper(path)
	for _, root := range safeRoots {
		if root == "" {
			continue
		}
		if strings.HasPrefix(upperPath, strings.ToUpper(root)) {
			return true
		}
	}
	return false
}

// commitTransaction implements spec.md §4.8's commit rule: copy
// job_state(trans_id=T,*) into trans_id=0, delete T-rows, delete
// tempfile/obsolfile allocations (retaining workfile), close the
// transaction.
func commitTransaction(ctx context.Context, store Store, jobID, transID int64, safeRoots []string) error {
	if transID == 0 {
		return nil
	}
	if err := store.CommitJobState(ctx, jobID, transID); err != nil {
		return err
	}
	return disposeAllocations(ctx, store, jobID, transID, safeRoots, ResTempFile, ResObsolFile)
}

// rollbackTransaction implements spec.md §4.8's rollback rule: delete
// T-rows, delete tempfile/workfile allocations (retaining obsolfile),
// close the transaction.
func rollbackTransaction(ctx context.Context, store Store, jobID, transID int64, safeRoots []string) error {
	if transID == 0 {
		return nil
	}
	if err := store.DeleteJobState(ctx, jobID, transID); err != nil {
		return err
	}
	return disposeAllocations(ctx, store, jobID, transID, safeRoots, ResTempFile, ResWorkFile)
}

// disposeAllocations deletes every allocation of the given kinds at
// transID, leaving in place any row whose path is outside safeRoots when
// safeRoots is non-empty (nothing is logged and no error is returned for
// such a row); an empty safeRoots allow-list means no
// path restriction is configured and every matching row is deleted.
func disposeAllocations(ctx context.Context, store Store, jobID, transID int64, safeRoots []string, kinds ...ResKind) error {
	if len(safeRoots) == 0 {
		return store.DeleteJobRes(ctx, jobID, transID, kinds...)
	}
	rows, err := store.ListJobRes(ctx, jobID, transID)
	if err != nil {
		return err
	}
	want := make(map[ResKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	for _, r := range rows {
		if !want[r.Kind] || !isSafePath(r.Path, safeRoots) {
			continue
		}
		if err := store.DeleteJobResByPath(ctx, jobID, r.Path); err != nil {
			return err
		}
	}
	return nil
}

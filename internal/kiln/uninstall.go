package kiln

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// RemoveFailure is one path Remove could not delete.
type RemoveFailure struct {
	Path string
	Err  error
}

// RemoveResult reports what Remove did with every path it was responsible for.
type RemoveResult struct {
	Package string
	// Removed paths were deleted.
	Removed []string
	// Missing paths were already gone.
	Missing []string
	// Skipped paths were kept: outside the allow-list, protected, or non-empty directories.
	Skipped []string
	Failed  []RemoveFailure
}

// OK reports whether every deletion succeeded.
func (r *RemoveResult) OK() bool { return len(r.Failed) == 0 }

func (r *RemoveResult) fail(path string, err error) {
	r.Failed = append(r.Failed, RemoveFailure{Path: path, Err: err})
}

// deepestFirst orders paths so children come before their parents.
func deepestFirst(paths []string) []string {
	out := append([]string{}, paths...)
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "/"), strings.Count(out[j], "/")
		if di != dj {
			return di > dj
		}
		return out[i] > out[j]
	})
	return out
}

// Remove uninstalls name using its manifest record. Individual deletion
// failures do not stop the removal; they are reported in the result. Hook and
// manifest failures are returned as errors.
func (e *Engine) Remove(name string) (*RemoveResult, error) {
	res := &RemoveResult{Package: name}
	rec, ok := e.manifest.Get(name)
	if !ok {
		e.out.warn("%s is not installed", name)
		return res, nil
	}

	// Hooks only run when the recipe can still be found.
	r, rerr := e.recipes.Resolve(name)
	if rerr != nil {
		e.out.debugf("no recipe for %s, skipping remove hooks: %v\n", name, rerr)
		r = nil
	}

	e.out.header("Removing %s", name)
	if r != nil {
		if err := e.builder.RunHooks(r, "pre_remove", r.PreRemove, e.cfg.BaseDir); err != nil {
			return res, err
		}
	}

	root := rec.Root
	if root == "" {
		root = e.cfg.Root
	}
	root = filepath.Clean(root)
	guarded := root == filepath.Clean(e.systemRoot)

	for _, rel := range deepestFirst(rec.Files) {
		e.removeFile(res, root, rel, guarded)
	}
	for _, rel := range deepestFirst(rec.Dirs) {
		e.removeDir(res, root, rel, guarded)
	}

	for _, bin := range rec.BinFiles {
		if err := os.Remove(bin); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				res.Missing = append(res.Missing, bin)
				continue
			}
			res.fail(bin, err)
			continue
		}
		res.Removed = append(res.Removed, bin)
	}

	if r != nil {
		if err := e.builder.RunHooks(r, "post_remove", r.PostRemove, e.cfg.BaseDir); err != nil {
			return res, err
		}
	}

	if err := e.staging.Remove(name); err != nil {
		res.fail(rec.StagingDir, err)
	}

	if err := e.manifest.Delete(name); err != nil {
		return res, err
	}

	for _, f := range res.Failed {
		e.out.warn("failed to remove %s: %v", f.Path, f.Err)
	}
	e.out.step("%s removed (%d paths)", name, len(res.Removed))
	return res, nil
}

// removalTarget validates a recorded relative path and joins it to root.
func removalTarget(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid manifest entry %q", rel)
	}
	abs := filepath.Join(root, rel)
	if !within(root, abs) || abs == root {
		return "", fmt.Errorf("manifest entry %q escapes install root", rel)
	}
	// the entry itself may be a symlink, but nothing above it may lead out of root
	ok, err := confined(root, filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("manifest entry %q leaves install root through a symlink", rel)
	}
	return abs, nil
}

func (e *Engine) removeFile(res *RemoveResult, root, rel string, guarded bool) {
	abs, err := removalTarget(root, rel)
	if err != nil {
		res.fail(rel, err)
		return
	}
	// allow-list checks see the path as it appears on the live system
	if guarded && !removalAllowed(filepath.Join("/", rel)) {
		e.out.debugf("refusing to remove %s outside allowed prefixes\n", abs)
		res.Skipped = append(res.Skipped, abs)
		return
	}

	fi, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		res.Missing = append(res.Missing, abs)
		return
	}
	if err != nil {
		res.fail(abs, err)
		return
	}
	// Records written by older versions may list directories among files.
	if fi.IsDir() {
		e.removeDir(res, root, rel, guarded)
		return
	}
	if err := os.Remove(abs); err != nil {
		res.fail(abs, err)
		return
	}
	res.Removed = append(res.Removed, abs)
}

func (e *Engine) removeDir(res *RemoveResult, root, rel string, guarded bool) {
	abs, err := removalTarget(root, rel)
	if err != nil {
		res.fail(rel, err)
		return
	}
	sysPath := filepath.Join("/", rel)
	if guarded && (!removalAllowed(sysPath) || isProtectedDir(sysPath)) {
		res.Skipped = append(res.Skipped, abs)
		return
	}
	err = syscall.Rmdir(abs)
	switch {
	case err == nil:
		res.Removed = append(res.Removed, abs)
	case errors.Is(err, syscall.ENOENT):
		res.Missing = append(res.Missing, abs)
	case errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST):
		// still holds files owned by something else
		res.Skipped = append(res.Skipped, abs)
	default:
		res.fail(abs, err)
	}
}

package kiln

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// allowedRemovePrefixes bounds what Remove may delete when the install root is
// the live system root. Paths elsewhere are skipped, never deleted.
var allowedRemovePrefixes = []string{
	"/usr",
	"/etc",
	"/var",
	"/opt",
	"/bin",
	"/sbin",
	"/lib",
	"/lib64",
}

// protectedDirs are never removed even when empty, though files inside them may be.
var protectedDirs = map[string]struct{}{
	"/bin":   {},
	"/lib":   {},
	"/lib32": {},
	"/lib64": {},
	"/opt":   {},
	"/sbin":  {},
	"/usr":   {},
	"/var":   {},
	"/etc":   {},
	// Common subdirectories
	"/etc/profile.d":      {},
	"/usr/bin":            {},
	"/usr/include":        {},
	"/usr/lib":            {},
	"/usr/lib32":          {},
	"/usr/lib64":          {},
	"/usr/local":          {},
	"/usr/local/bin":      {},
	"/usr/local/lib":      {},
	"/usr/sbin":           {},
	"/usr/share":          {},
	"/usr/src":            {},
	"/usr/share/man":      {},
	"/usr/share/man/man1": {},
	"/usr/share/man/man5": {},
	"/usr/share/man/man8": {},
	"/var/cache":          {},
	"/var/db":             {},
	"/var/empty":          {},
	"/var/lib":            {},
	"/var/local":          {},
	"/var/lock":           {},
	"/var/log":            {},
	"/var/mail":           {},
	"/var/opt":            {},
	"/var/run":            {},
	"/var/spool":          {},
	"/var/tmp":            {},
}

// hasPathPrefix reports whether p is prefix itself or lies beneath it.
// "/usrlocal" is not under "/usr".
func hasPathPrefix(p, prefix string) bool {
	p = filepath.Clean(p)
	prefix = filepath.Clean(prefix)
	if p == prefix {
		return true
	}
	if prefix == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, prefix+"/")
}

// removalAllowed reports whether abs may be deleted from the system root.
func removalAllowed(abs string) bool {
	for _, prefix := range allowedRemovePrefixes {
		if hasPathPrefix(abs, prefix) {
			return true
		}
	}
	return false
}

// isProtectedDir reports directories that stay in place on the system root.
func isProtectedDir(abs string) bool {
	_, ok := protectedDirs[filepath.Clean(abs)]
	return ok
}

// within reports whether target resolves inside root.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// confined reports whether target stays inside root once every symlink along
// it is resolved. Trailing components that do not exist yet are taken as
// written.
func confined(root, target string) (bool, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if errors.Is(err, fs.ErrNotExist) {
		realRoot = filepath.Clean(root)
	} else if err != nil {
		return false, err
	}

	p := filepath.Clean(target)
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			rest, err := filepath.Rel(p, target)
			if err != nil {
				return false, err
			}
			return within(realRoot, filepath.Join(resolved, rest)), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return within(realRoot, target), nil
		}
		p = parent
	}
}

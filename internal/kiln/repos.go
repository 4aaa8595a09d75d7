package kiln

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Sync clones the recipe repository at url into the repo dir, or pulls it when
// a checkout is already there, then rebuilds the index.
func (e *Engine) Sync(url string) (int, error) {
	logFile, err := openLogFile(e.cfg.SyncLogPath())
	if err != nil {
		return 0, err
	}
	defer logFile.Close()
	git := func(args ...string) error {
		return runLogged(e.exec, e.out, logFile, "$ git "+strings.Join(args, " "), exec.Command("git", args...))
	}

	repo := e.cfg.RepoDir
	if _, err := os.Stat(filepath.Join(repo, ".git")); err == nil {
		e.out.step("Updating recipe repository in %s", repo)
		if err := git("-C", repo, "pull", "--ff-only"); err != nil {
			return 0, fmt.Errorf("git pull failed (see %s): %w", e.cfg.SyncLogPath(), err)
		}
	} else {
		if url == "" {
			return 0, fmt.Errorf("%s is not a git checkout and no repository URL was given", repo)
		}
		if !e.repoIsBlank() {
			return 0, fmt.Errorf("refusing to clone into non-empty %s", repo)
		}
		e.out.step("Cloning %s into %s", url, repo)
		if err := os.RemoveAll(repo); err != nil {
			return 0, err
		}
		if err := os.MkdirAll(filepath.Dir(repo), 0o755); err != nil {
			return 0, err
		}
		if err := git("clone", url, repo); err != nil {
			return 0, fmt.Errorf("git clone failed (see %s): %w", e.cfg.SyncLogPath(), err)
		}
	}
	return e.Reindex()
}

// repoIsBlank reports whether the repo dir holds nothing but the index file
// and empty directories, which is all a fresh setup leaves there.
func (e *Engine) repoIsBlank() bool {
	blank := true
	_ = filepath.WalkDir(e.cfg.RepoDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && p != e.cfg.IndexFile {
			blank = false
			return fs.SkipAll
		}
		return nil
	})
	return blank
}

// Reindex rebuilds the recipe index and returns the number of recipes found.
func (e *Engine) Reindex() (int, error) {
	idx, err := e.recipes.Reindex()
	if err != nil {
		return 0, err
	}
	e.out.step("Indexed %d recipes", len(idx))
	return len(idx), nil
}

package kiln

import (
	"fmt"
	"os"
)

// CleanTargets selects work directories to wipe.
type CleanTargets struct {
	Sources  bool
	Patches  bool
	Staging  bool
	Packages bool
	Logs     bool
}

// AllCleanTargets selects every work directory.
func AllCleanTargets() CleanTargets {
	return CleanTargets{Sources: true, Patches: true, Staging: true, Packages: true, Logs: true}
}

// Any reports whether anything is selected.
func (t CleanTargets) Any() bool {
	return t.Sources || t.Patches || t.Staging || t.Packages || t.Logs
}

type workDir struct {
	label string
	path  string
}

func (t CleanTargets) dirs(cfg Config) []workDir {
	var dirs []workDir
	if t.Sources {
		dirs = append(dirs, workDir{"sources cache", cfg.SourcesDir})
	}
	if t.Patches {
		dirs = append(dirs, workDir{"patches cache", cfg.PatchesDir})
	}
	if t.Staging {
		dirs = append(dirs, workDir{"staging area", cfg.StagingDir})
	}
	if t.Packages {
		dirs = append(dirs, workDir{"built packages", cfg.PackagesDir})
	}
	if t.Logs {
		dirs = append(dirs, workDir{"build logs", cfg.LogsDir})
	}
	return dirs
}

// Clean wipes and recreates each selected directory that confirm approves.
// A nil confirm approves everything.
func (e *Engine) Clean(t CleanTargets, confirm func(label, path string) bool) error {
	for _, d := range t.dirs(e.cfg) {
		if confirm != nil && !confirm(d.label, d.path) {
			e.out.step("Cleanup of %s canceled.", d.label)
			continue
		}
		e.out.debugf("Removing %s: %s\n", d.label, d.path)
		if err := os.RemoveAll(d.path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", d.label, err)
		}
		if err := os.MkdirAll(d.path, 0o755); err != nil {
			return fmt.Errorf("failed to recreate %s: %w", d.path, err)
		}
		e.out.step("%s removed successfully.", d.label)
	}
	return nil
}
